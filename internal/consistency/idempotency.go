package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phrazzld/taskqueue/internal/store"
)

// DefaultCacheLimit is the marker cache size above which it is reset.
const DefaultCacheLimit = 10000

// ErrInvalidMarkerKey is returned when the task id or operation key is empty.
var ErrInvalidMarkerKey = errors.New("idempotency marker requires a task id and an operation key")

var errMarkerRace = errors.New("idempotency marker written concurrently")

// Marker records that an operation ran for a task, and its result.
type Marker struct {
	TaskID       string
	OperationKey string
	Result       json.RawMessage
	CreatedAt    time.Time
}

// MarkerStore persists markers.
type MarkerStore interface {
	// GetMarker returns store.ErrMarkerNotFound when no marker exists.
	GetMarker(ctx context.Context, taskID, opKey string) (Marker, error)

	// PutMarker inserts m unless a marker with the same key exists, and
	// reports whether it inserted.
	PutMarker(ctx context.Context, m Marker) (bool, error)
}

// EnsureOnce runs fn at most once per (taskID, opKey) and returns its JSON
// encoded result. Later calls, including calls from retries of the task,
// return the stored result without running fn. fn runs in a transaction
// together with the marker write, so a failed fn leaves no marker. That
// transaction is detached from any transaction in ctx: once fn has succeeded
// its marker survives a rollback of the caller's unit of work.
func (m *Manager) EnsureOnce(ctx context.Context, taskID, opKey string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if taskID == "" || opKey == "" {
		return nil, ErrInvalidMarkerKey
	}
	key := taskID + "\x00" + opKey
	ctx = store.Detach(ctx)

	if res, ok := m.cache.get(key); ok {
		return res, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.ensure(ctx, taskID, opKey, fn)
	})
	if err != nil {
		return nil, err
	}

	res := v.(json.RawMessage)
	m.cache.put(key, res)
	return res, nil
}

func (m *Manager) ensure(ctx context.Context, taskID, opKey string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	mk, err := m.markers.GetMarker(ctx, taskID, opKey)
	if err == nil {
		return mk.Result, nil
	}
	if !store.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to read idempotency marker: %w", err)
	}

	var result json.RawMessage
	err = m.tx.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}

		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode operation result: %w", err)
		}

		inserted, err := m.markers.PutMarker(ctx, Marker{
			TaskID:       taskID,
			OperationKey: opKey,
			Result:       b,
			CreatedAt:    m.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to write idempotency marker: %w", err)
		}
		if !inserted {
			return errMarkerRace
		}

		result = b
		return nil
	})

	if errors.Is(err, errMarkerRace) {
		mk, gerr := m.markers.GetMarker(ctx, taskID, opKey)
		if gerr != nil {
			return nil, fmt.Errorf("failed to read idempotency marker: %w", gerr)
		}
		return mk.Result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkerCache is an in-process cache of committed marker results. It is
// reset when it grows past its limit or when Clear is called.
type MarkerCache struct {
	mu    sync.Mutex
	limit int
	items map[string]json.RawMessage
}

// NewMarkerCache creates a cache holding at most limit entries.
func NewMarkerCache(limit int) *MarkerCache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &MarkerCache{limit: limit, items: make(map[string]json.RawMessage)}
}

func (c *MarkerCache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *MarkerCache) put(key string, v json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= c.limit {
		c.items = make(map[string]json.RawMessage)
	}
	c.items[key] = v
}

// Len returns the number of cached markers.
func (c *MarkerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear drops every cached marker.
func (c *MarkerCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]json.RawMessage)
}

// MemoryMarkerStore is an in-process MarkerStore.
type MemoryMarkerStore struct {
	mu      sync.Mutex
	markers map[string]Marker
}

// NewMemoryMarkerStore returns an empty store.
func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{markers: make(map[string]Marker)}
}

func (s *MemoryMarkerStore) GetMarker(_ context.Context, taskID, opKey string) (Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk, ok := s.markers[taskID+"\x00"+opKey]
	if !ok {
		return Marker{}, store.ErrMarkerNotFound
	}
	return mk, nil
}

func (s *MemoryMarkerStore) PutMarker(_ context.Context, mk Marker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mk.TaskID + "\x00" + mk.OperationKey
	if _, ok := s.markers[key]; ok {
		return false, nil
	}
	s.markers[key] = mk
	return true, nil
}
