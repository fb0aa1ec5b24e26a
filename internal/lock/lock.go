package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
)

// ErrInvalidTTL is returned when a lock is requested with a non-positive TTL.
var ErrInvalidTTL = errors.New("lock ttl must be positive")

// Lock is a persisted lease on a key.
type Lock struct {
	Key        string
	Holder     string
	ExpireTime time.Time
}

// Expired reports whether the lease has run out at now.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpireTime.After(now)
}

// Store persists locks. Every method must be atomic on its own.
type Store interface {
	// TryAcquire writes (key, holder, expireAt) if no row exists for key or
	// the existing row expired at or before now. It reports whether holder
	// now owns the key.
	TryAcquire(ctx context.Context, key, holder string, expireAt, now time.Time) (bool, error)

	// Get returns the lock row for key, or store.ErrLockNotFound.
	Get(ctx context.Context, key string) (Lock, error)

	// Release deletes the row for key if holder owns it.
	Release(ctx context.Context, key, holder string) (bool, error)

	// Extend moves the expiry of an unexpired lock owned by holder.
	Extend(ctx context.Context, key, holder string, expireAt, now time.Time) (bool, error)

	// SweepExpired deletes rows that expired at or before now.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service acquires and releases locks on behalf of one holder.
type Service struct {
	store  Store
	holder string
	now    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithHolder sets the holder id. By default each Service gets a random UUID.
func WithHolder(id string) Option {
	return func(s *Service) { s.holder = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a lock service over st.
func NewService(st Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		holder: uuid.NewString(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Holder returns the id written into locks taken by this service.
func (s *Service) Holder() string {
	return s.holder
}

// Acquire tries to take key for ttl. Expired rows are swept first; a sweep
// failure is logged and does not stop the attempt. Acquire is not
// re-entrant: a key already held by this service is reported as taken.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	log := logger.FromContext(ctx)
	now := s.now()

	if n, err := s.store.SweepExpired(ctx, now); err != nil {
		log.Warn("failed to sweep expired locks",
			slog.String("lock_key", key),
			slog.String("error", err.Error()))
	} else if n > 0 {
		log.Debug("swept expired locks", slog.Int64("count", n))
	}

	ok, err := s.store.TryAcquire(ctx, key, s.holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}

	if ok {
		log.Debug("lock acquired",
			slog.String("lock_key", key),
			slog.String("holder", s.holder),
			slog.Duration("ttl", ttl))
	}
	return ok, nil
}

// Release gives up key. Releasing a key this service does not hold is a
// no-op that returns false.
func (s *Service) Release(ctx context.Context, key string) (bool, error) {
	ok, err := s.store.Release(ctx, key, s.holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %q: %w", key, err)
	}
	return ok, nil
}

// IsLocked reports whether anyone holds an unexpired lock on key.
func (s *Service) IsLocked(ctx context.Context, key string) (bool, error) {
	l, err := s.store.Get(ctx, key)
	if err != nil {
		if store.IsNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lock %q: %w", key, err)
	}
	return !l.Expired(s.now()), nil
}

// Extend pushes the expiry of a lock this service holds to now+ttl. It
// returns false if the lock is not held or has already expired.
func (s *Service) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := s.now()
	ok, err := s.store.Extend(ctx, key, s.holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %q: %w", key, err)
	}
	return ok, nil
}

// Sweep deletes expired locks and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.store.SweepExpired(ctx, s.now())
}

// With runs fn while holding key. When the key is held elsewhere fn is not
// called and acquired is false. The lock is released when fn returns; a
// release failure is logged.
func (s *Service) With(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, err := s.Acquire(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}

	defer func() {
		// release must run even if ctx was cancelled during fn
		if _, relErr := s.Release(context.WithoutCancel(ctx), key); relErr != nil {
			logger.FromContext(ctx).Error("failed to release lock",
				slog.String("lock_key", key),
				slog.String("error", relErr.Error()))
		}
	}()

	return true, fn(ctx)
}
