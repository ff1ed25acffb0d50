package db

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// GetSyncState returns the pull watermark for table; a zero state when the
// table has never been pulled.
func (r *Repository) GetSyncState(ctx context.Context, table string) (*models.SyncState, error) {
	state := &models.SyncState{TableName: table}
	err := r.ex.QueryRowContext(ctx,
		`SELECT last_pulled_at, last_synced_at FROM sync_state WHERE table_name = ?`, table,
	).Scan(&state.LastPulledAt, &state.LastSyncedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, apperrors.Storage("failed to read sync state", err)
	}
	return state, nil
}

// AdvanceWatermark moves the table's pull watermark forward to pulledAt.
// A watermark never moves backwards.
func (r *Repository) AdvanceWatermark(ctx context.Context, table string, pulledAt, syncedAt time.Time) error {
	query := `INSERT INTO sync_state (table_name, last_pulled_at, last_synced_at) VALUES (?, ?, ?)
			  ON CONFLICT(table_name) DO UPDATE SET
				last_pulled_at = MAX(sync_state.last_pulled_at, excluded.last_pulled_at),
				last_synced_at = excluded.last_synced_at`
	var pulled int64
	if !pulledAt.IsZero() {
		pulled = pulledAt.UnixNano()
	}
	if _, err := r.ex.ExecContext(ctx, query, table, pulled, syncedAt.UnixMilli()); err != nil {
		return apperrors.Storage("failed to save sync state", err)
	}
	return nil
}

// ListSyncStates returns every stored watermark.
func (r *Repository) ListSyncStates(ctx context.Context) ([]models.SyncState, error) {
	rows, err := r.ex.QueryContext(ctx, `SELECT table_name, last_pulled_at, last_synced_at FROM sync_state ORDER BY table_name`)
	if err != nil {
		return nil, apperrors.Storage("failed to list sync state", err)
	}
	defer rows.Close()

	var out []models.SyncState
	for rows.Next() {
		var s models.SyncState
		if err := rows.Scan(&s.TableName, &s.LastPulledAt, &s.LastSyncedAt); err != nil {
			return nil, apperrors.Storage("failed to list sync state", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
