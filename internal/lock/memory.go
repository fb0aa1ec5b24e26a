package lock

import (
	"context"
	"sync"
	"time"

	"github.com/phrazzld/taskqueue/internal/store"
)

// MemoryStore is an in-process Store for tests and single-process setups.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]Lock
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]Lock)}
}

func (m *MemoryStore) TryAcquire(_ context.Context, key, holder string, expireAt, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[key]; ok && !cur.Expired(now) {
		return false, nil
	}
	m.locks[key] = Lock{Key: key, Holder: holder, ExpireTime: expireAt}
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return Lock{}, store.ErrLockNotFound
	}
	return l, nil
}

func (m *MemoryStore) Release(_ context.Context, key, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || cur.Holder != holder {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemoryStore) Extend(_ context.Context, key, holder string, expireAt, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || cur.Holder != holder || cur.Expired(now) {
		return false, nil
	}
	cur.ExpireTime = expireAt
	m.locks[key] = cur
	return true, nil
}

func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, l := range m.locks {
		if l.Expired(now) {
			delete(m.locks, k)
			n++
		}
	}
	return n, nil
}
