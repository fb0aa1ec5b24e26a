package postgres

import (
	"context"
	"encoding/json"

	"github.com/phrazzld/taskqueue/internal/consistency"
	"github.com/phrazzld/taskqueue/internal/store"
)

// MarkerStore implements consistency.MarkerStore on idempotency_markers.
// Writes join the transaction in ctx; consistency.Manager.EnsureOnce gives
// each marker a transaction of its own, shared only with the operation it
// records.
type MarkerStore struct {
	db store.DBTX
}

// NewMarkerStore creates a MarkerStore over db.
func NewMarkerStore(db store.DBTX) *MarkerStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &MarkerStore{db: db}
}

var _ consistency.MarkerStore = (*MarkerStore)(nil)

func (s *MarkerStore) GetMarker(ctx context.Context, taskID, opKey string) (consistency.Marker, error) {
	m := consistency.Marker{TaskID: taskID, OperationKey: opKey}
	var result []byte
	err := store.Conn(ctx, s.db).QueryRowContext(ctx, `
		SELECT result, created_at FROM idempotency_markers
		WHERE task_id = $1 AND operation_key = $2`,
		taskID, opKey).Scan(&result, &m.CreatedAt)
	if err != nil {
		return consistency.Marker{}, mapRowError(err, store.ErrMarkerNotFound)
	}
	if len(result) > 0 {
		m.Result = json.RawMessage(result)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *MarkerStore) PutMarker(ctx context.Context, m consistency.Marker) (bool, error) {
	res, err := store.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO idempotency_markers (task_id, operation_key, result, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, operation_key) DO NOTHING`,
		m.TaskID, m.OperationKey, nullJSON(m.Result), m.CreatedAt.UTC())
	if err != nil {
		return false, MapError(err)
	}
	return affected(res)
}
