// Package metrics records queue events on the OpenTelemetry metric API.
//
// A nil *Sink is valid and records nothing, so components can take one as an
// optional dependency.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope used for every instrument.
const MeterName = "github.com/phrazzld/taskqueue"

// Sink holds the instruments for task, batch and consistency events.
type Sink struct {
	enqueued   metric.Int64Counter
	dequeued   metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	skipped    metric.Int64Counter
	duration   metric.Float64Histogram
	batchSize  metric.Int64Histogram
	batchItems metric.Int64Counter
	violations metric.Int64Counter
}

// New creates the instruments on mp.
func New(mp metric.MeterProvider) (*Sink, error) {
	m := mp.Meter(MeterName)
	s := &Sink{}
	var err error

	if s.enqueued, err = m.Int64Counter("taskqueue.tasks.enqueued",
		metric.WithDescription("Tasks accepted into a queue")); err != nil {
		return nil, fmt.Errorf("failed to create enqueued counter: %w", err)
	}
	if s.dequeued, err = m.Int64Counter("taskqueue.tasks.dequeued",
		metric.WithDescription("Tasks claimed by a worker")); err != nil {
		return nil, fmt.Errorf("failed to create dequeued counter: %w", err)
	}
	if s.completed, err = m.Int64Counter("taskqueue.tasks.completed"); err != nil {
		return nil, fmt.Errorf("failed to create completed counter: %w", err)
	}
	if s.failed, err = m.Int64Counter("taskqueue.tasks.failed",
		metric.WithDescription("Tasks that reached FAILED")); err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}
	if s.retried, err = m.Int64Counter("taskqueue.tasks.retried",
		metric.WithDescription("Failed attempts rescheduled for retry")); err != nil {
		return nil, fmt.Errorf("failed to create retried counter: %w", err)
	}
	if s.skipped, err = m.Int64Counter("taskqueue.tasks.skipped",
		metric.WithDescription("Candidates skipped because another worker held or claimed them")); err != nil {
		return nil, fmt.Errorf("failed to create skipped counter: %w", err)
	}
	if s.duration, err = m.Float64Histogram("taskqueue.tasks.duration",
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if s.batchSize, err = m.Int64Histogram("taskqueue.batch.chunk_size"); err != nil {
		return nil, fmt.Errorf("failed to create chunk size histogram: %w", err)
	}
	if s.batchItems, err = m.Int64Counter("taskqueue.batch.items"); err != nil {
		return nil, fmt.Errorf("failed to create batch items counter: %w", err)
	}
	if s.violations, err = m.Int64Counter("taskqueue.consistency.violations"); err != nil {
		return nil, fmt.Errorf("failed to create violations counter: %w", err)
	}

	return s, nil
}

// Noop returns a Sink backed by the no-op provider.
func Noop() *Sink {
	s, err := New(noop.NewMeterProvider())
	if err != nil {
		// the noop provider never fails
		panic(err)
	}
	return s
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

func (s *Sink) Enqueued(ctx context.Context, queue string) {
	if s == nil {
		return
	}
	s.enqueued.Add(ctx, 1, queueAttr(queue))
}

func (s *Sink) Dequeued(ctx context.Context, queue string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.dequeued.Add(ctx, int64(n), queueAttr(queue))
}

func (s *Sink) Skipped(ctx context.Context, queue, reason string) {
	if s == nil {
		return
	}
	s.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason)))
}

// Completed counts a successful attempt and records how long it ran.
func (s *Sink) Completed(ctx context.Context, queue string, d time.Duration) {
	if s == nil {
		return
	}
	s.completed.Add(ctx, 1, queueAttr(queue))
	s.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", "completed")))
}

// Failed counts a task that ended FAILED.
func (s *Sink) Failed(ctx context.Context, queue, category string) {
	if s == nil {
		return
	}
	s.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("category", category)))
}

// Retried counts an attempt that was rescheduled.
func (s *Sink) Retried(ctx context.Context, queue, category string) {
	if s == nil {
		return
	}
	s.retried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("category", category)))
}

// BatchChunk records one processed chunk.
func (s *Sink) BatchChunk(ctx context.Context, kind string, size int, ok bool) {
	if s == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", ok))
	s.batchSize.Record(ctx, int64(size), attrs)
	s.batchItems.Add(ctx, int64(size), attrs)
}

// Violation counts a consistency violation by rule.
func (s *Sink) Violation(ctx context.Context, rule string) {
	if s == nil {
		return
	}
	s.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}
