package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/store"
	"go.uber.org/multierr"
)

// ErrStopped is returned when a StopWhen check ends a batch early.
var ErrStopped = errors.New("batch stopped before completion")

// Clearer is an in-process cache that bulk work periodically empties to bound
// memory growth.
type Clearer interface {
	Clear()
}

// Processor runs chunked bulk operations.
type Processor struct {
	tx         store.Transactor
	sizer      *Sizer
	clearEvery int
	clearers   []Clearer
	metrics    *metrics.Sink
	now        func() time.Time
}

// Option customises a Processor.
type Option func(*Processor)

// WithSizer replaces the default Sizer.
func WithSizer(s *Sizer) Option {
	return func(p *Processor) { p.sizer = s }
}

// WithClearEvery clears the registered caches after every n chunks. Zero
// disables clearing.
func WithClearEvery(n int) Option {
	return func(p *Processor) { p.clearEvery = n }
}

// WithClearers registers caches to clear.
func WithClearers(c ...Clearer) Option {
	return func(p *Processor) { p.clearers = append(p.clearers, c...) }
}

// WithMetrics records chunk outcomes on s.
func WithMetrics(s *metrics.Sink) Option {
	return func(p *Processor) { p.metrics = s }
}

// WithClock replaces time.Now for chunk timing.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor that runs each chunk through tx.
func NewProcessor(tx store.Transactor, opts ...Option) *Processor {
	p := &Processor{
		tx:         tx,
		clearEvery: 10,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sizer == nil {
		p.sizer = NewSizer()
	}
	return p
}

// Sizer returns the processor's Sizer.
func (p *Processor) Sizer() *Sizer {
	return p.sizer
}

// ChunkError describes a failed chunk.
type ChunkError struct {
	Index  int
	Offset int
	Size   int
	Err    error
}

func (e ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (items %d-%d): %v", e.Index, e.Offset, e.Offset+e.Size-1, e.Err)
}

func (e ChunkError) Unwrap() error {
	return e.Err
}

// Result summarises a batch run.
type Result[T any] struct {
	Total       int
	Succeeded   int
	Failed      int
	Chunks      int
	FailedItems []T
	Errors      []ChunkError
}

// Err combines the chunk errors, or returns nil when every chunk succeeded.
func (r Result[T]) Err() error {
	var err error
	for _, ce := range r.Errors {
		err = multierr.Append(err, ce)
	}
	return err
}

// Partial reports whether some, but not all, items succeeded.
func (r Result[T]) Partial() bool {
	return r.Succeeded > 0 && r.Failed > 0
}

type callOptions struct {
	stop func(ctx context.Context) (bool, error)
}

// CallOption customises one Process call.
type CallOption func(*callOptions)

// StopWhen is consulted before every chunk; returning true ends the batch
// with ErrStopped. It is how long jobs observe their own cancellation.
func StopWhen(fn func(ctx context.Context) (bool, error)) CallOption {
	return func(o *callOptions) { o.stop = fn }
}

// Process applies fn to items in chunks. Each chunk runs in its own
// transaction; a failing chunk is recorded in the result and the next chunk
// still runs. The returned error is non-nil only when the batch ended early
// because ctx was cancelled or a StopWhen check fired; the partial result is
// returned either way.
func Process[T any](ctx context.Context, p *Processor, kind Kind, items []T, fn func(ctx context.Context, chunk []T) error, opts ...CallOption) (Result[T], error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	log := logger.FromContext(ctx)
	res := Result[T]{Total: len(items)}

	for offset := 0; offset < len(items); {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if co.stop != nil {
			stop, err := co.stop(ctx)
			if err != nil {
				return res, fmt.Errorf("failed to check batch stop condition: %w", err)
			}
			if stop {
				return res, ErrStopped
			}
		}

		size := p.sizer.Optimal(len(items)-offset, kind)
		end := min(offset+size, len(items))
		chunk := items[offset:end]

		start := p.now()
		err := p.tx.Run(ctx, func(ctx context.Context) error {
			return fn(ctx, chunk)
		})
		elapsed := p.now().Sub(start)

		p.sizer.Record(kind, len(chunk), elapsed, err == nil)
		p.metrics.BatchChunk(ctx, string(kind), len(chunk), err == nil)

		if err != nil {
			log.Warn("batch chunk failed",
				slog.String("kind", string(kind)),
				slog.Int("chunk", res.Chunks),
				slog.Int("size", len(chunk)),
				slog.String("error", err.Error()))
			res.Failed += len(chunk)
			res.FailedItems = append(res.FailedItems, chunk...)
			res.Errors = append(res.Errors, ChunkError{Index: res.Chunks, Offset: offset, Size: len(chunk), Err: err})
		} else {
			res.Succeeded += len(chunk)
		}

		res.Chunks++
		offset = end

		if p.clearEvery > 0 && res.Chunks%p.clearEvery == 0 {
			for _, c := range p.clearers {
				c.Clear()
			}
		}
	}

	log.Debug("batch finished",
		slog.String("kind", string(kind)),
		slog.Int("total", res.Total),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("chunks", res.Chunks))

	return res, nil
}
