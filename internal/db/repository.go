// Package db provides CRUD repository operations for synced records.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// Repository provides storage for records, pull watermarks and remote
// credentials. Bind it to a transaction with WithTx.
type Repository struct {
	ex Execer
}

// NewRepository creates a repository over a *sql.DB or *sql.Tx.
func NewRepository(ex Execer) *Repository {
	return &Repository{ex: ex}
}

// WithTx returns a repository whose statements run inside tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{ex: tx}
}

// GetRecord returns the record with the given local id. The bool is false
// when no such record exists.
func (r *Repository) GetRecord(ctx context.Context, table, localID string) (models.Record, bool, error) {
	query := `SELECT local_id, server_id, sync_status, fields FROM records WHERE table_name = ? AND local_id = ?`
	return r.getOne(ctx, query, table, localID)
}

// FindRecordByServerID returns the record the remote knows as serverID.
func (r *Repository) FindRecordByServerID(ctx context.Context, table, serverID string) (models.Record, bool, error) {
	query := `SELECT local_id, server_id, sync_status, fields FROM records WHERE table_name = ? AND server_id = ? LIMIT 1`
	return r.getOne(ctx, query, table, serverID)
}

func (r *Repository) getOne(ctx context.Context, query string, args ...any) (models.Record, bool, error) {
	rec, err := scanRecord(r.ex.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Storage("failed to read record", err)
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.Record, error) {
	var (
		localID, syncStatus, fields string
		serverID                    sql.NullString
	)
	if err := row.Scan(&localID, &serverID, &syncStatus, &fields); err != nil {
		return nil, err
	}

	var rec models.Record
	if err := json.Unmarshal([]byte(fields), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", localID, err)
	}
	if rec == nil {
		rec = models.Record{}
	}

	// The columns are authoritative for bookkeeping fields.
	rec[models.FieldLocalID] = models.String(localID)
	rec[models.FieldSyncStatus] = models.String(syncStatus)
	if serverID.Valid && serverID.String != "" {
		rec[models.FieldServerID] = models.String(serverID.String)
	} else {
		delete(rec, models.FieldServerID)
	}
	return rec, nil
}

// PutRecord inserts or replaces a record keyed by its local_id field.
func (r *Repository) PutRecord(ctx context.Context, table string, rec models.Record) error {
	localID, ok := rec.StringField(models.FieldLocalID)
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, "record has no local_id")
	}

	fields, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode record", err)
	}

	var serverID sql.NullString
	if s, ok := rec.StringField(models.FieldServerID); ok {
		serverID = sql.NullString{String: s, Valid: true}
	}

	status := rec.SyncStatus()
	if status != models.SyncStatusPending && status != models.SyncStatusSynced {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid sync_status %q", status))
	}

	now := time.Now().UnixMilli()
	createdAt, updatedAt := now, now
	if t, ok := models.TimeOf(rec.Get(models.FieldCreatedAt)); ok {
		createdAt = t.UnixMilli()
	}
	if t, ok := rec.ModifiedAt(); ok {
		updatedAt = t.UnixMilli()
	}

	query := `INSERT INTO records (table_name, local_id, server_id, fields, sync_status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(table_name, local_id) DO UPDATE SET
				server_id = excluded.server_id,
				fields = excluded.fields,
				sync_status = excluded.sync_status,
				updated_at = excluded.updated_at`
	if _, err := r.ex.ExecContext(ctx, query, table, localID, serverID, string(fields), status, createdAt, updatedAt); err != nil {
		return apperrors.Storage("failed to write record", err)
	}
	return nil
}

// DeleteRecord removes a record. Returns false when it did not exist.
func (r *Repository) DeleteRecord(ctx context.Context, table, localID string) (bool, error) {
	res, err := r.ex.ExecContext(ctx, `DELETE FROM records WHERE table_name = ? AND local_id = ?`, table, localID)
	if err != nil {
		return false, apperrors.Storage("failed to delete record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Storage("failed to delete record", err)
	}
	return n > 0, nil
}

// CountRecords returns the number of records in table.
func (r *Repository) CountRecords(ctx context.Context, table string) (int, error) {
	var n int
	if err := r.ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE table_name = ?`, table).Scan(&n); err != nil {
		return 0, apperrors.Storage("failed to count records", err)
	}
	return n, nil
}

// ListRecords returns records of table ordered by last modification.
func (r *Repository) ListRecords(ctx context.Context, table string, limit, offset int) ([]models.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT local_id, server_id, sync_status, fields FROM records
			  WHERE table_name = ? ORDER BY updated_at DESC, local_id LIMIT ? OFFSET ?`
	rows, err := r.ex.QueryContext(ctx, query, table, limit, offset)
	if err != nil {
		return nil, apperrors.Storage("failed to list records", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Storage("failed to read record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("failed to list records", err)
	}
	return out, nil
}

// ListTables returns the distinct table names that hold records.
func (r *Repository) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.ex.QueryContext(ctx, `SELECT DISTINCT table_name FROM records ORDER BY table_name`)
	if err != nil {
		return nil, apperrors.Storage("failed to list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, apperrors.Storage("failed to list tables", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// MarkSynced records that the remote accepted the record as serverID.
// The stored updated_at is left untouched.
func (r *Repository) MarkSynced(ctx context.Context, table, localID, serverID string) error {
	rec, ok, err := r.GetRecord(ctx, table, localID)
	if err != nil || !ok {
		return err
	}
	rec[models.FieldSyncStatus] = models.String(models.SyncStatusSynced)
	if serverID != "" {
		rec[models.FieldServerID] = models.String(serverID)
	}
	return r.PutRecord(ctx, table, rec)
}
