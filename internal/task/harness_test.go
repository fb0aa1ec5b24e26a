package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/taskqueue/internal/lock"
	"github.com/phrazzld/taskqueue/internal/platform/notify"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *recordingNotifier) Send(_ context.Context, severity notify.Severity, message string, fields map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, notify.Alert{Severity: severity, Message: message, Fields: fields})
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.alerts))
	for i, a := range n.alerts {
		out[i] = a.Message
	}
	return out
}

type harness struct {
	clock    *fakeClock
	store    *MemoryStore
	locks    *lock.Service
	lockDB   *lock.MemoryStore
	signal   *Signal
	alerts   *recordingNotifier
	registry *Registry
	retry    *RetryManager
	queue    *Queue
	service  *Service
	sweeper  *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithTx(t, nil)
}

// newHarnessWithTx builds a harness whose units of work run through tx. A
// nil tx leaves the store writes unbracketed.
func newHarnessWithTx(t *testing.T, tx func(*MemoryStore) store.Transactor) *harness {
	t.Helper()

	h := &harness{
		clock:    newFakeClock(),
		store:    NewMemoryStore(),
		signal:   NewSignal(),
		alerts:   &recordingNotifier{},
		registry: NewRegistry(),
	}
	h.lockDB = lock.NewMemoryStore()
	h.locks = lock.NewService(h.lockDB, lock.WithClock(h.clock.Now))

	var transactor store.Transactor
	if tx != nil {
		transactor = tx(h.store)
	}

	deps := Deps{
		Tx:       transactor,
		Store:    h.store,
		Logs:     h.store,
		Locks:    h.locks,
		Signal:   h.signal,
		Notifier: h.alerts,
		Clock:    h.clock.Now,
	}
	h.retry = NewRetryManager(deps, nil)
	h.queue = NewQueue(deps, QueueConfig{}, h.registry, h.retry)
	h.service = NewService(deps, h.queue, h.retry, nil)
	h.sweeper = NewSweeper(deps, DefaultSweepConfig(), h.retry, nil)
	return h
}

// create adds a task through the service and returns its id.
func (h *harness) create(t *testing.T, req CreateRequest) string {
	t.Helper()
	id, err := h.service.CreateTask(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id string) *Task {
	t.Helper()
	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

// put stores a task directly, bypassing validation and routing.
func (h *harness) put(t *testing.T, tk *Task) {
	t.Helper()
	if tk.QueueName == "" {
		tk.QueueName = QueueDefault
	}
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = h.clock.Now()
	}
	if tk.UpdatedAt.IsZero() {
		tk.UpdatedAt = h.clock.Now()
	}
	require.NoError(t, h.store.Create(context.Background(), tk))
}

func intPtr(v int) *int { return &v }

type journalKey struct{}

// journalTx gives a MemoryStore the rollback behaviour of a database: the
// task writes of a unit of work that fails are discarded. Nested units join
// the outermost one. RunWithDeadlockRetry runs a unit again while it fails
// with a deadlock.
type journalTx struct {
	store *MemoryStore

	mu        sync.Mutex
	rollbacks int
	deadlocks int
}

// newJournaledHarness builds a harness over a journalTx.
func newJournaledHarness(t *testing.T) (*harness, *journalTx) {
	t.Helper()
	var jt *journalTx
	h := newHarnessWithTx(t, func(s *MemoryStore) store.Transactor {
		jt = &journalTx{store: s}
		return jt
	})
	return h, jt
}

func (j *journalTx) Run(ctx context.Context, fn store.TxFn) error {
	if ctx.Value(journalKey{}) != nil {
		return fn(ctx)
	}

	saved := j.store.snapshotTasks()
	if err := fn(context.WithValue(ctx, journalKey{}, true)); err != nil {
		j.store.restoreTasks(saved)
		j.mu.Lock()
		j.rollbacks++
		j.mu.Unlock()
		return err
	}
	return nil
}

func (j *journalTx) RunWithDeadlockRetry(ctx context.Context, fn store.TxFn, maxRetries int) error {
	var err error
	for attempt := 0; attempt < max(maxRetries, 1); attempt++ {
		if err = j.Run(ctx, fn); !store.IsDeadlock(err) {
			return err
		}
		j.mu.Lock()
		j.deadlocks++
		j.mu.Unlock()
	}
	return err
}

func (j *journalTx) counts() (rollbacks, deadlocks int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rollbacks, j.deadlocks
}

func (m *MemoryStore) snapshotTasks() map[string]*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Task, len(m.tasks))
	for id, t := range m.tasks {
		out[id] = t.Clone()
	}
	return out
}

func (m *MemoryStore) restoreTasks(saved map[string]*Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = saved
}
