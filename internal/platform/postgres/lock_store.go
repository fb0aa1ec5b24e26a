package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/taskqueue/internal/lock"
	"github.com/phrazzld/taskqueue/internal/store"
)

// LockStore implements lock.Store on the distributed_locks table. Lock
// statements always run on the pool, outside any caller transaction, so
// other workers see a lease as soon as it is taken.
type LockStore struct {
	db store.DBTX
}

// NewLockStore creates a LockStore over db.
func NewLockStore(db store.DBTX) *LockStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &LockStore{db: db}
}

var _ lock.Store = (*LockStore)(nil)

// TryAcquire takes key in one conditional upsert: the existing row is only
// overwritten when it expired at or before now.
func (s *LockStore) TryAcquire(ctx context.Context, key, holder string, expireAt, now time.Time) (bool, error) {
	var got string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO distributed_locks (lock_key, lock_id, expire_time, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE
		SET lock_id = EXCLUDED.lock_id,
			expire_time = EXCLUDED.expire_time,
			created_at = EXCLUDED.created_at
		WHERE distributed_locks.expire_time <= $4
		RETURNING lock_id`,
		key, holder, expireAt.UTC(), now.UTC()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, MapError(err)
	}
	return got == holder, nil
}

func (s *LockStore) Get(ctx context.Context, key string) (lock.Lock, error) {
	var l lock.Lock
	err := s.db.QueryRowContext(ctx, `
		SELECT lock_key, lock_id, expire_time FROM distributed_locks WHERE lock_key = $1`,
		key).Scan(&l.Key, &l.Holder, &l.ExpireTime)
	if err != nil {
		return lock.Lock{}, mapRowError(err, store.ErrLockNotFound)
	}
	l.ExpireTime = l.ExpireTime.UTC()
	return l, nil
}

func (s *LockStore) Release(ctx context.Context, key, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE lock_key = $1 AND lock_id = $2`, key, holder)
	if err != nil {
		return false, MapError(err)
	}
	return affected(res)
}

func (s *LockStore) Extend(ctx context.Context, key, holder string, expireAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE distributed_locks SET expire_time = $3
		WHERE lock_key = $1 AND lock_id = $2 AND expire_time > $4`,
		key, holder, expireAt.UTC(), now.UTC())
	if err != nil {
		return false, MapError(err)
	}
	return affected(res)
}

func (s *LockStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE expire_time <= $1`, now.UTC())
	if err != nil {
		return 0, MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
