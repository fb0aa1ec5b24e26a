package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/store"
	"golang.org/x/sync/singleflight"
)

// Guard tells the manager how to observe and repair the state a job touches.
type Guard struct {
	// Capture reads the current state. It is called before the job and again
	// inside the job's transaction. A nil Capture disables validation.
	Capture func(ctx context.Context) (State, error)

	// Legal reports whether a status change is allowed.
	Legal func(from, to string) bool

	// Restore is handed the pre-snapshot after a violation, once the
	// transaction has rolled back. It should undo writes made outside the
	// transaction and must tolerate having nothing to undo.
	Restore func(ctx context.Context, pre State) error

	Rules Rules
}

// DefaultDeadlockRetries is the attempt budget of a guarded job whose
// transaction deadlocks.
const DefaultDeadlockRetries = 3

// Manager runs guarded jobs and memoizes idempotent operations.
type Manager struct {
	tx      store.Transactor
	markers MarkerStore
	cache   *MarkerCache
	group   singleflight.Group
	metrics *metrics.Sink
	now     func() time.Time

	deadlockRetries int
}

// Option customises a Manager.
type Option func(*Manager)

// WithMetrics records violations on s.
func WithMetrics(s *metrics.Sink) Option {
	return func(m *Manager) { m.metrics = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDeadlockRetries sets the attempt budget for a guarded job whose
// transaction deadlocks.
func WithDeadlockRetries(n int) Option {
	return func(m *Manager) { m.deadlockRetries = n }
}

// WithCacheLimit bounds the in-process marker cache.
func WithCacheLimit(n int) Option {
	return func(m *Manager) { m.cache = NewMarkerCache(n) }
}

// NewManager creates a Manager.
func NewManager(tx store.Transactor, markers MarkerStore, opts ...Option) *Manager {
	m := &Manager{
		tx:      tx,
		markers: markers,
		cache:   NewMarkerCache(DefaultCacheLimit),
		now:     time.Now,

		deadlockRetries: DefaultDeadlockRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.deadlockRetries < 1 {
		m.deadlockRetries = 1
	}
	return m
}

// Cache exposes the marker cache so bulk operations can clear it.
func (m *Manager) Cache() *MarkerCache {
	return m.cache
}

// Run executes fn inside a transaction guarded by g. fn's own error is
// returned as is. When the post-state breaks an invariant the transaction is
// rolled back, g.Restore is attempted and a *ViolationError tagged as a
// business-logic failure is returned.
//
// A deadlocked transaction is retried from scratch, pre-snapshot included,
// so fn must be safe to run again; side effects that are not belong behind
// EnsureOnce.
func (m *Manager) Run(ctx context.Context, g Guard, fn func(ctx context.Context) error) error {
	log := logger.FromContext(ctx)

	var (
		pre        Snapshot
		violations []Violation
	)
	err := store.RunWithRetry(ctx, m.tx, func(ctx context.Context) error {
		violations = nil

		var err error
		if pre, err = m.capture(ctx, g); err != nil {
			return fmt.Errorf("failed to capture pre-execution snapshot: %w", err)
		}

		if err := fn(ctx); err != nil {
			return err
		}

		post, err := m.capture(ctx, g)
		if err != nil {
			return fmt.Errorf("failed to capture post-execution snapshot: %w", err)
		}
		if !pre.Changed(post) {
			return nil
		}

		violations = Validate(pre.State, post.State, g.Legal, g.Rules)
		if len(violations) > 0 {
			return newViolationError(violations)
		}
		return nil
	}, m.deadlockRetries)
	if len(violations) == 0 {
		return err
	}

	for _, v := range violations {
		log.Warn("consistency violation",
			slog.String("rule", v.Rule),
			slog.String("detail", v.Detail),
			slog.String("pre_checksum", pre.Checksum))
		m.metrics.Violation(ctx, v.Rule)
	}

	if g.Restore != nil {
		if rerr := g.Restore(ctx, pre.State); rerr != nil {
			log.Error("failed to restore pre-execution state",
				slog.String("error", rerr.Error()))
		}
	}

	return err
}

func (m *Manager) capture(ctx context.Context, g Guard) (Snapshot, error) {
	var st State
	if g.Capture != nil {
		var err error
		if st, err = g.Capture(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	return NewSnapshot(st, m.now())
}
