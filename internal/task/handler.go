package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/taskqueue/internal/consistency"
)

// Outcome is what a handler reports for a successful run.
type Outcome struct {
	// Result is stored on the task as JSON.
	Result any
	// ProcessedItems is written to the execution log.
	ProcessedItems int
}

// Handler executes tasks of one type. A returned error fails the attempt;
// tag it with the failure package so it is classified correctly.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	return f(ctx, payload)
}

// RecordGuard is implemented by handlers that write records of their own.
// The records are included in the consistency snapshots around each run.
type RecordGuard interface {
	// Records returns the records the task with payload is responsible for.
	Records(ctx context.Context, payload json.RawMessage) ([]consistency.Record, error)
	// Restore puts records written outside the transaction back to pre.
	Restore(ctx context.Context, payload json.RawMessage, pre []consistency.Record) error
	// Rules lists required fields per table.
	Rules() consistency.Rules
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

// Register sets the handler for t, replacing any previous one.
func (r *Registry) Register(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// execution is the per-attempt state handlers reach through the context.
type execution struct {
	taskID   string
	once     func(ctx context.Context, taskID, key string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error)
	progress func(ctx context.Context, percent int) error
}

type executionKey struct{}

func withExecution(ctx context.Context, e *execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

func executionFrom(ctx context.Context) *execution {
	e, _ := ctx.Value(executionKey{}).(*execution)
	return e
}

// TaskID returns the id of the task being executed, if any.
func TaskID(ctx context.Context) (string, bool) {
	if e := executionFrom(ctx); e != nil {
		return e.taskID, true
	}
	return "", false
}

// Once runs fn at most once for the current task and key, across retries,
// and returns its JSON encoded result. Outside a task execution fn simply
// runs.
func Once(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	e := executionFrom(ctx)
	if e == nil || e.once == nil {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		return b, nil
	}
	return e.once(ctx, e.taskID, key, fn)
}

// ReportProgress records how far the current task has got, 0 to 100.
// Progress must not go backwards; a regression fails the attempt as a
// consistency violation. Outside a task execution it is a no-op.
func ReportProgress(ctx context.Context, percent int) error {
	e := executionFrom(ctx)
	if e == nil || e.progress == nil {
		return nil
	}
	return e.progress(ctx, percent)
}
