package postgres

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFS(t *testing.T) {
	t.Parallel()

	files, err := fs.Glob(MigrationFS(), "migrations/*.sql")
	require.NoError(t, err)
	require.Len(t, files, 5)

	tables := []string{"tasks", "task_execution_log", "distributed_locks", "task_dependencies", "idempotency_markers"}
	var all strings.Builder
	for _, f := range files {
		b, err := fs.ReadFile(MigrationFS(), f)
		require.NoError(t, err)
		body := string(b)
		assert.Contains(t, body, "-- +goose Up", f)
		assert.Contains(t, body, "-- +goose Down", f)
		all.WriteString(body)
	}
	for _, table := range tables {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestMigrate_UnknownCommand(t *testing.T) {
	t.Parallel()
	db, _ := newMock(t)

	err := Migrate(context.Background(), db, "sideways", nil)
	assert.ErrorContains(t, err, "unknown migration command")
}
