package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func TestAcquire_ConcurrentCallersExactlyOneWins(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		svc := NewService(st)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := svc.Acquire(ctx, "job-42", 60*time.Second)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestAcquire_NotReentrant(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquire_TakesOverExpiredLock(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	st := NewMemoryStore()
	a := NewService(st, WithHolder("a"), WithClock(clock.Now))
	b := NewService(st, WithHolder("b"), WithClock(clock.Now))
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lock still valid")

	clock.Advance(10 * time.Second)

	ok, err = b.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is taken over")

	l, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", l.Holder)

	// the previous holder can no longer release or extend it
	released, err := a.Release(ctx, "k")
	require.NoError(t, err)
	assert.False(t, released)

	extended, err := a.Extend(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestAcquire_InvalidTTL(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())
	_, err := svc.Acquire(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	_, err = svc.Extend(context.Background(), "k", -time.Second)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestRelease_NotHeldIsNoop(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())
	ok, err := svc.Release(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsLocked(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc := NewService(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	locked, err := svc.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = svc.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	locked, err = svc.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.True(t, locked)

	clock.Advance(time.Minute)

	locked, err = svc.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExtend(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	st := NewMemoryStore()
	svc := NewService(st, WithClock(clock.Now))
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	ok, err := svc.Extend(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), l.ExpireTime)
}

func TestSweep(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	st := NewMemoryStore()
	ctx := context.Background()

	_, err := NewService(st, WithClock(clock.Now)).Acquire(ctx, "short", time.Second)
	require.NoError(t, err)
	_, err = NewService(st, WithClock(clock.Now)).Acquire(ctx, "long", time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Minute)

	n, err := NewService(st, WithClock(clock.Now)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.Get(ctx, "short")
	assert.Error(t, err)
}

type failingSweepStore struct {
	*MemoryStore
}

func (failingSweepStore) SweepExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("sweep failed")
}

func TestAcquire_SweepFailureDoesNotBlock(t *testing.T) {
	t.Parallel()

	svc := NewService(failingSweepStore{NewMemoryStore()})
	ok, err := svc.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWith(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	a := NewService(st)
	b := NewService(st)
	ctx := context.Background()

	var innerAcquired bool
	acquired, err := a.With(ctx, "k", time.Minute, func(ctx context.Context) error {
		var err error
		innerAcquired, err = b.With(ctx, "k", time.Minute, func(context.Context) error {
			t.Fatal("must not run while held")
			return nil
		})
		return err
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.False(t, innerAcquired)

	locked, err := a.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, locked, "released after fn returns")

	boom := errors.New("boom")
	acquired, err = b.With(ctx, "k", time.Minute, func(context.Context) error { return boom })
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)
}
