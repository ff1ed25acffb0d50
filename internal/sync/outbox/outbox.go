// Package outbox provides the durable queue of local mutations awaiting
// delivery to the remote.
//
// Entries for the same record are folded so that at most one pending
// Create or Update exists per (table, record): an Update merges into a
// pending Create/Update, and a Delete replaces every pending entry for the
// record. Entries already handed to the remote (in flight) are never folded
// into; RecordFailure reconciles them with anything enqueued meanwhile.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// DefaultMaxRetries is the retry budget before an entry is considered failed.
const DefaultMaxRetries = 3

// Stats summarizes the outbox.
type Stats struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	InFlight int            `json:"in_flight"`
	Failed   int            `json:"failed"`
	ByTable  map[string]int `json:"by_table"`
}

// Store is the SQLite-backed outbox.
type Store struct {
	db  *db.DB
	tx  *sql.Tx
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an outbox over database.
func New(database *db.DB, opts ...Option) *Store {
	s := &Store{db: database, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx returns a store whose operations run inside tx, so a record write
// and its enqueue commit together.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, tx: tx, now: s.now}
}

func (s *Store) reader() db.Execer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// run executes fn atomically: inside the bound transaction, or a new one.
func (s *Store) run(ctx context.Context, fn func(ex db.Execer) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error { return fn(tx) })
}

const entryColumns = `id, table_name, record_id, operation, payload, retry_count, last_error, permanent, status, created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (models.OutboxEntry, error) {
	var (
		e       models.OutboxEntry
		op      string
		status  string
		payload string
	)
	err := row.Scan(&e.ID, &e.TableName, &e.RecordID, &op, &payload, &e.RetryCount,
		&e.LastError, &e.Permanent, &status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.Operation = models.Operation(op)
	e.Status = models.OutboxStatus(status)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return e, fmt.Errorf("decode payload of entry %d: %w", e.ID, err)
	}
	if e.Payload == nil {
		e.Payload = models.Record{}
	}
	return e, nil
}

func queryEntries(ctx context.Context, ex db.Execer, query string, args ...any) ([]models.OutboxEntry, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("failed to query outbox", err)
	}
	defer rows.Close()

	var out []models.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Storage("failed to read outbox entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("failed to query outbox", err)
	}
	return out, nil
}

func getEntry(ctx context.Context, ex db.Execer, id int64) (*models.OutboxEntry, error) {
	e, err := scanEntry(ex.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_outbox WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("failed to read outbox entry", err)
	}
	return &e, nil
}

func encodePayload(payload models.Record) (string, error) {
	if payload == nil {
		payload = models.Record{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "failed to encode payload", err)
	}
	return string(data), nil
}

func validate(table, recordID string) error {
	if table == "" || recordID == "" {
		return apperrors.New(apperrors.ErrInvalid, "table and record id are required")
	}
	return nil
}

func (s *Store) insert(ctx context.Context, ex db.Execer, table, recordID string, op models.Operation, payload models.Record) (int64, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}
	now := s.now().UnixMilli()
	res, err := ex.ExecContext(ctx,
		`INSERT INTO sync_outbox (table_name, record_id, operation, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table, recordID, string(op), data, string(models.OutboxPending), now, now)
	if err != nil {
		return 0, apperrors.Storage("failed to enqueue mutation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Storage("failed to enqueue mutation", err)
	}
	return id, nil
}

// EnqueueCreate appends a Create entry. A Create is assumed unique per
// record, so no folding happens.
func (s *Store) EnqueueCreate(ctx context.Context, table, recordID string, payload models.Record) (int64, error) {
	if err := validate(table, recordID); err != nil {
		return 0, err
	}

	var id int64
	err := s.run(ctx, func(ex db.Execer) error {
		var err error
		id, err = s.insert(ctx, ex, table, recordID, models.OperationCreate, payload)
		return err
	})
	if err == nil {
		logging.Debug("Enqueued create", map[string]interface{}{"table": table, "record_id": recordID, "entry_id": id})
	}
	return id, err
}

// EnqueueUpdate folds payload into a pending Create, else a pending Update,
// else appends a new Update entry. Returns the id of the entry that now
// carries the change. Folding keeps the entry's retry count and permanent
// flag: an edit to a record in the failed set stays there until RetryAll
// or ResetRetryCount.
func (s *Store) EnqueueUpdate(ctx context.Context, table, recordID string, payload models.Record) (int64, error) {
	if err := validate(table, recordID); err != nil {
		return 0, err
	}

	var id int64
	err := s.run(ctx, func(ex db.Execer) error {
		for _, op := range []models.Operation{models.OperationCreate, models.OperationUpdate} {
			existing, err := queryEntries(ctx, ex,
				`SELECT `+entryColumns+` FROM sync_outbox
				 WHERE table_name = ? AND record_id = ? AND operation = ? AND status = ?
				 ORDER BY created_at, id LIMIT 1`,
				table, recordID, string(op), string(models.OutboxPending))
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				continue
			}

			target := existing[0]
			if err := s.setPayload(ctx, ex, target.ID, target.Payload.Merge(payload)); err != nil {
				return err
			}
			id = target.ID
			return nil
		}

		var err error
		id, err = s.insert(ctx, ex, table, recordID, models.OperationUpdate, payload)
		return err
	})
	return id, err
}

// EnqueueDelete removes every pending entry for the record, then appends a
// Delete entry.
func (s *Store) EnqueueDelete(ctx context.Context, table, recordID string, payload models.Record) (int64, error) {
	if err := validate(table, recordID); err != nil {
		return 0, err
	}

	var id int64
	err := s.run(ctx, func(ex db.Execer) error {
		if _, err := ex.ExecContext(ctx,
			`DELETE FROM sync_outbox WHERE table_name = ? AND record_id = ? AND status = ?`,
			table, recordID, string(models.OutboxPending)); err != nil {
			return apperrors.Storage("failed to supersede pending entries", err)
		}
		var err error
		id, err = s.insert(ctx, ex, table, recordID, models.OperationDelete, payload)
		return err
	})
	return id, err
}

func (s *Store) setPayload(ctx context.Context, ex db.Execer, id int64, payload models.Record) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx,
		`UPDATE sync_outbox SET payload = ?, updated_at = ? WHERE id = ?`,
		data, s.now().UnixMilli(), id); err != nil {
		return apperrors.Storage("failed to fold payload", err)
	}
	return nil
}

// ListPending returns entries still within the retry budget that are not
// in flight, oldest first. limit <= 0 means no limit.
func (s *Store) ListPending(ctx context.Context, maxRetries, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryEntries(ctx, s.reader(),
		`SELECT `+entryColumns+` FROM sync_outbox
		 WHERE retry_count < ? AND permanent = 0 AND status = ?
		 ORDER BY created_at, id LIMIT ?`,
		maxRetries, string(models.OutboxPending), limit)
}

// ListFailed returns entries that exhausted the retry budget or were
// rejected by the remote. These are never retried automatically.
func (s *Store) ListFailed(ctx context.Context, maxRetries int) ([]models.OutboxEntry, error) {
	return queryEntries(ctx, s.reader(),
		`SELECT `+entryColumns+` FROM sync_outbox
		 WHERE retry_count >= ? OR permanent = 1
		 ORDER BY created_at, id`,
		maxRetries)
}

// ListAll returns every entry, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]models.OutboxEntry, error) {
	return queryEntries(ctx, s.reader(), `SELECT `+entryColumns+` FROM sync_outbox ORDER BY created_at, id`)
}

// Get returns an entry by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id int64) (*models.OutboxEntry, error) {
	return getEntry(ctx, s.reader(), id)
}

// GroupByTable partitions the pending entries by table, each group in FIFO
// order.
func (s *Store) GroupByTable(ctx context.Context, maxRetries int) (map[string][]models.OutboxEntry, error) {
	entries, err := s.ListPending(ctx, maxRetries, 0)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]models.OutboxEntry)
	for _, e := range entries {
		groups[e.TableName] = append(groups[e.TableName], e)
	}
	return groups, nil
}

// TableOrder returns the tables of groups ordered by their oldest entry.
func TableOrder(groups map[string][]models.OutboxEntry) []string {
	tables := make([]string, 0, len(groups))
	for t := range groups {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool {
		a, b := groups[tables[i]][0], groups[tables[j]][0]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	return tables
}

// MarkInFlight flags entries as handed to the remote.
func (s *Store) MarkInFlight(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE sync_outbox SET status = ? WHERE id IN (%s)`, ids, string(models.OutboxInFlight))
	if _, err := s.reader().ExecContext(ctx, query, args...); err != nil {
		return apperrors.Storage("failed to mark entries in flight", err)
	}
	return nil
}

// ResetInFlight returns entries left in flight by an interrupted cycle to
// pending. Called at startup.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.reader().ExecContext(ctx, `UPDATE sync_outbox SET status = ? WHERE status = ?`,
		string(models.OutboxPending), string(models.OutboxInFlight))
	if err != nil {
		return 0, apperrors.Storage("failed to reset in-flight entries", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Warn("Reset interrupted entries", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// RecordSuccess removes entries confirmed by the remote. Ids that are
// already gone are ignored.
func (s *Store) RecordSuccess(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM sync_outbox WHERE id IN (%s)`, ids)
	if _, err := s.reader().ExecContext(ctx, query, args...); err != nil {
		return apperrors.Storage("failed to remove delivered entries", err)
	}
	return nil
}

// RecordFailure increments the entry's retry count and stores the error.
// The entry stays queued. Absent ids are ignored.
func (s *Store) RecordFailure(ctx context.Context, id int64, message string) error {
	return s.fail(ctx, id, message, false)
}

// MarkPermanentFailure routes an entry rejected by the remote straight to
// the failed set.
func (s *Store) MarkPermanentFailure(ctx context.Context, id int64, message string) error {
	return s.fail(ctx, id, message, true)
}

func (s *Store) fail(ctx context.Context, id int64, message string, permanent bool) error {
	return s.run(ctx, func(ex db.Execer) error {
		entry, err := getEntry(ctx, ex, id)
		if err != nil || entry == nil {
			return err
		}

		if entry.Status == models.OutboxInFlight {
			kept, err := s.reconcile(ctx, ex, entry)
			if err != nil || !kept {
				return err
			}
		}

		perm := 0
		if permanent || entry.Permanent {
			perm = 1
		}
		if _, err := ex.ExecContext(ctx,
			`UPDATE sync_outbox SET retry_count = retry_count + 1, last_error = ?, permanent = ?, status = ?, updated_at = ?
			 WHERE id = ?`,
			message, perm, string(models.OutboxPending), s.now().UnixMilli(), id); err != nil {
			return apperrors.Storage("failed to record failure", err)
		}
		return nil
	})
}

// reconcile merges a failed in-flight entry with a pending entry enqueued for
// the same record while it was in flight. Returns false when the failed
// entry was superseded and removed.
func (s *Store) reconcile(ctx context.Context, ex db.Execer, failed *models.OutboxEntry) (bool, error) {
	newer, err := queryEntries(ctx, ex,
		`SELECT `+entryColumns+` FROM sync_outbox
		 WHERE table_name = ? AND record_id = ? AND status = ? AND id != ?
		 ORDER BY created_at, id`,
		failed.TableName, failed.RecordID, string(models.OutboxPending), failed.ID)
	if err != nil || len(newer) == 0 {
		return true, err
	}

	last := newer[len(newer)-1]
	if last.Operation == models.OperationDelete || failed.Operation == models.OperationDelete {
		if _, err := ex.ExecContext(ctx, `DELETE FROM sync_outbox WHERE id = ?`, failed.ID); err != nil {
			return false, apperrors.Storage("failed to drop superseded entry", err)
		}
		return false, nil
	}

	payload := failed.Payload
	for _, n := range newer {
		payload = payload.Merge(n.Payload)
	}
	if err := s.setPayload(ctx, ex, failed.ID, payload); err != nil {
		return false, err
	}
	ids := make([]int64, len(newer))
	for i, n := range newer {
		ids[i] = n.ID
	}
	query, args := inClause(`DELETE FROM sync_outbox WHERE id IN (%s)`, ids)
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return false, apperrors.Storage("failed to fold newer entries", err)
	}
	return true, nil
}

// ResetRetryCount returns a failed entry to the pending set.
func (s *Store) ResetRetryCount(ctx context.Context, id int64) error {
	res, err := s.reader().ExecContext(ctx,
		`UPDATE sync_outbox SET retry_count = 0, permanent = 0, last_error = '', updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), id)
	if err != nil {
		return apperrors.Storage("failed to reset retry count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("outbox entry %d not found", id))
	}
	return nil
}

// RetryAll resets every failed entry and returns how many were reset.
func (s *Store) RetryAll(ctx context.Context, maxRetries int) (int, error) {
	res, err := s.reader().ExecContext(ctx,
		`UPDATE sync_outbox SET retry_count = 0, permanent = 0, last_error = '', updated_at = ?
		 WHERE retry_count >= ? OR permanent = 1`,
		s.now().UnixMilli(), maxRetries)
	if err != nil {
		return 0, apperrors.Storage("failed to reset failed entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DiscardPending drops pending entries for a record. Used when the server
// version of the record has been accepted locally.
func (s *Store) DiscardPending(ctx context.Context, table, recordID string) (int, error) {
	res, err := s.reader().ExecContext(ctx,
		`DELETE FROM sync_outbox WHERE table_name = ? AND record_id = ? AND status = ?`,
		table, recordID, string(models.OutboxPending))
	if err != nil {
		return 0, apperrors.Storage("failed to discard pending entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AttachServerID stamps serverID into the payload of the record's queued
// entries, so later Update/Delete entries can address the remote copy even
// if the local record is gone.
func (s *Store) AttachServerID(ctx context.Context, table, recordID, serverID string) error {
	return s.run(ctx, func(ex db.Execer) error {
		entries, err := queryEntries(ctx, ex,
			`SELECT `+entryColumns+` FROM sync_outbox WHERE table_name = ? AND record_id = ?`,
			table, recordID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.setPayload(ctx, ex, e.ID, e.Payload.Merge(models.Record{
				models.FieldServerID: models.String(serverID),
			})); err != nil {
				return err
			}
		}
		return nil
	})
}

// HasPending reports whether the record has any queued entry.
func (s *Store) HasPending(ctx context.Context, table, recordID string) (bool, error) {
	var n int
	err := s.reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE table_name = ? AND record_id = ?`, table, recordID).Scan(&n)
	if err != nil {
		return false, apperrors.Storage("failed to query outbox", err)
	}
	return n > 0, nil
}

// Count returns the total number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox`).Scan(&n); err != nil {
		return 0, apperrors.Storage("failed to count outbox", err)
	}
	return n, nil
}

// CountFailed returns the number of entries in the failed set.
func (s *Store) CountFailed(ctx context.Context, maxRetries int) (int, error) {
	var n int
	if err := s.reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE retry_count >= ? OR permanent = 1`, maxRetries).Scan(&n); err != nil {
		return 0, apperrors.Storage("failed to count outbox", err)
	}
	return n, nil
}

// GetStats returns outbox statistics.
func (s *Store) GetStats(ctx context.Context, maxRetries int) (Stats, error) {
	stats := Stats{ByTable: make(map[string]int)}
	entries, err := s.ListAll(ctx)
	if err != nil {
		return stats, err
	}
	for _, e := range entries {
		stats.Total++
		stats.ByTable[e.TableName]++
		switch {
		case e.IsFailed(maxRetries):
			stats.Failed++
		case e.Status == models.OutboxInFlight:
			stats.InFlight++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

func inClause(format string, ids []int64, leading ...any) (string, []any) {
	args := make([]any, 0, len(leading)+len(ids))
	args = append(args, leading...)
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	return fmt.Sprintf(format, strings.Join(marks, ", ")), args
}
