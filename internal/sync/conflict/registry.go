package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// Registry persists detected conflicts in the sync_conflicts table. A
// conflict is either in the unresolved set or the resolved set.
type Registry struct {
	ex db.Execer
}

// NewRegistry creates a registry over a *sql.DB or *sql.Tx.
func NewRegistry(ex db.Execer) *Registry {
	return &Registry{ex: ex}
}

// WithTx returns a registry whose statements run inside tx.
func (r *Registry) WithTx(tx *sql.Tx) *Registry {
	return &Registry{ex: tx}
}

const conflictColumns = `id, table_name, local_id, server_id, local_data, server_data,
	local_modified_at, server_modified_at, detected_at, is_resolved, resolution, resolved_at`

// Save stores c in the unresolved set. Older unresolved conflicts for the
// same record are superseded, since c carries the latest snapshots.
func (r *Registry) Save(ctx context.Context, c *models.SyncConflict) error {
	local, err := json.Marshal(c.LocalData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode local snapshot", err)
	}
	server, err := json.Marshal(c.ServerData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode server snapshot", err)
	}

	if _, err := r.ex.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE table_name = ? AND local_id = ? AND is_resolved = 0`,
		c.TableName, c.LocalID); err != nil {
		return apperrors.Storage("failed to supersede conflict", err)
	}

	_, err = r.ex.ExecContext(ctx,
		`INSERT INTO sync_conflicts (`+conflictColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', NULL)`,
		c.ID, c.TableName, c.LocalID, c.ServerID, string(local), string(server),
		c.LocalModifiedAt.UnixNano(), c.ServerModifiedAt.UnixNano(), c.DetectedAt.UnixNano())
	if err != nil {
		return apperrors.Storage("failed to save conflict", err)
	}
	return nil
}

func scanConflict(row interface{ Scan(...any) error }) (models.SyncConflict, error) {
	var (
		c                           models.SyncConflict
		local, server, resolution   string
		localMod, serverMod, detect int64
		resolvedAt                  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.TableName, &c.LocalID, &c.ServerID, &local, &server,
		&localMod, &serverMod, &detect, &c.IsResolved, &resolution, &resolvedAt)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(local), &c.LocalData); err != nil {
		return c, fmt.Errorf("decode local snapshot of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(server), &c.ServerData); err != nil {
		return c, fmt.Errorf("decode server snapshot of %s: %w", c.ID, err)
	}
	c.LocalModifiedAt = time.Unix(0, localMod).UTC()
	c.ServerModifiedAt = time.Unix(0, serverMod).UTC()
	c.DetectedAt = time.Unix(0, detect).UTC()
	c.Resolution = models.Strategy(resolution)
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64).UTC()
		c.ResolvedAt = &t
	}
	return c, nil
}

func (r *Registry) list(ctx context.Context, where string, args ...any) ([]models.SyncConflict, error) {
	rows, err := r.ex.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE `+where+` ORDER BY detected_at, id`, args...)
	if err != nil {
		return nil, apperrors.Storage("failed to query conflicts", err)
	}
	defer rows.Close()

	var out []models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, apperrors.Storage("failed to read conflict", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("failed to query conflicts", err)
	}
	return out, nil
}

// ListUnresolved returns unresolved conflicts, oldest first.
func (r *Registry) ListUnresolved(ctx context.Context) ([]models.SyncConflict, error) {
	return r.list(ctx, `is_resolved = 0`)
}

// ListUnresolvedForTable returns the unresolved conflicts of one table.
func (r *Registry) ListUnresolvedForTable(ctx context.Context, table string) ([]models.SyncConflict, error) {
	return r.list(ctx, `is_resolved = 0 AND table_name = ?`, table)
}

// ListResolved returns resolved conflicts, oldest first.
func (r *Registry) ListResolved(ctx context.Context) ([]models.SyncConflict, error) {
	return r.list(ctx, `is_resolved = 1`)
}

// Get returns a conflict by id, or nil when absent.
func (r *Registry) Get(ctx context.Context, id string) (*models.SyncConflict, error) {
	c, err := scanConflict(r.ex.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("failed to read conflict", err)
	}
	return &c, nil
}

// MarkResolved moves a conflict to the resolved set. It fails with
// ErrNotFound if the conflict is absent or already resolved.
func (r *Registry) MarkResolved(ctx context.Context, id string, strategy models.Strategy, at time.Time) error {
	res, err := r.ex.ExecContext(ctx,
		`UPDATE sync_conflicts SET is_resolved = 1, resolution = ?, resolved_at = ? WHERE id = ? AND is_resolved = 0`,
		string(strategy), at.UnixNano(), id)
	if err != nil {
		return apperrors.Storage("failed to mark conflict resolved", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("unresolved conflict %s not found", id))
	}
	return nil
}

// RefreshLocal replaces the local snapshot of an unresolved conflict. It
// fails with ErrNotFound if the conflict is absent or already resolved.
func (r *Registry) RefreshLocal(ctx context.Context, id string, local models.Record, modifiedAt time.Time) error {
	data, err := json.Marshal(local)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode local snapshot", err)
	}
	res, err := r.ex.ExecContext(ctx,
		`UPDATE sync_conflicts SET local_data = ?, local_modified_at = ? WHERE id = ? AND is_resolved = 0`,
		string(data), modifiedAt.UnixNano(), id)
	if err != nil {
		return apperrors.Storage("failed to refresh conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("unresolved conflict %s not found", id))
	}
	return nil
}

// CountUnresolved returns the size of the unresolved set.
func (r *Registry) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	if err := r.ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE is_resolved = 0`).Scan(&n); err != nil {
		return 0, apperrors.Storage("failed to count conflicts", err)
	}
	return n, nil
}

// PruneResolved deletes resolved conflicts resolved before the cutoff.
func (r *Registry) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	res, err := r.ex.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE is_resolved = 1 AND resolved_at < ?`, before.UnixNano())
	if err != nil {
		return 0, apperrors.Storage("failed to prune conflicts", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
