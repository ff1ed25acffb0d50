package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	return database
}

func TestOpen_createsFileWithWAL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	database, err := Open(dir)
	require.NoError(t, err)
	defer database.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)

	var mode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestWithTx_rollsBackOnError(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_state (table_name) VALUES ('customers')`)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM sync_state`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestWithTx_commits(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_state (table_name) VALUES ('customers')`)
		return err
	}))

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM sync_state`).Scan(&n))
	assert.Equal(t, 1, n)
}
