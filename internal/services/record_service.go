// Package services provides the write path used by the app: every local
// mutation and its outbox entry commit together.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/sync/outbox"
	"github.com/kimhsiao/millsync/backend/internal/uuid"
)

// StatusRefresher is told after each write so pending counts stay current.
// *sync.Coordinator implements it.
type StatusRefresher interface {
	RefreshStatus(ctx context.Context)
}

// RecordService writes records locally and queues them for sync.
type RecordService struct {
	db     *db.DB
	repo   *db.Repository
	outbox *outbox.Store
	now    func() time.Time
	newID  func() string

	mu        sync.RWMutex
	refresher StatusRefresher
	onChange  func(table, localID string, op models.Operation)
}

// NewRecordService creates a new RecordService.
func NewRecordService(database *db.DB, ob *outbox.Store) *RecordService {
	return &RecordService{
		db:     database,
		repo:   db.NewRepository(database),
		outbox: ob,
		now:    time.Now,
		newID:  uuid.NewRecordID,
	}
}

// SetStatusRefresher sets who is told about new outbox entries.
func (s *RecordService) SetStatusRefresher(r StatusRefresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresher = r
}

// OnChange registers a callback run after each committed write.
func (s *RecordService) OnChange(fn func(table, localID string, op models.Operation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Create stores a new record and queues its creation. Bookkeeping fields in
// fields are ignored.
func (s *RecordService) Create(ctx context.Context, table string, fields models.Record) (models.Record, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	now := models.Timestamp(s.now().UTC())
	rec := userFields(fields)
	localID := s.newID()
	rec[models.FieldLocalID] = models.String(localID)
	rec[models.FieldCreatedAt] = now
	rec[models.FieldUpdatedAt] = now
	rec[models.FieldSyncStatus] = models.String(models.SyncStatusPending)

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.WithTx(tx).PutRecord(ctx, table, rec); err != nil {
			return err
		}
		_, err := s.outbox.WithTx(tx).EnqueueCreate(ctx, table, localID, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.changed(ctx, table, localID, models.OperationCreate)
	return rec, nil
}

// Update applies patch to an existing record and queues the change.
func (s *RecordService) Update(ctx context.Context, table, localID string, patch models.Record) (models.Record, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	var rec models.Record
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		repo := s.repo.WithTx(tx)
		current, ok, err := repo.GetRecord(ctx, table, localID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
		}

		rec = current.Merge(userFields(patch))
		rec[models.FieldUpdatedAt] = models.Timestamp(s.now().UTC())
		rec[models.FieldSyncStatus] = models.String(models.SyncStatusPending)
		if err := repo.PutRecord(ctx, table, rec); err != nil {
			return err
		}
		_, err = s.outbox.WithTx(tx).EnqueueUpdate(ctx, table, localID, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.changed(ctx, table, localID, models.OperationUpdate)
	return rec, nil
}

// Delete removes a record and queues its deletion on the remote.
func (s *RecordService) Delete(ctx context.Context, table, localID string) error {
	if err := validateTable(table); err != nil {
		return err
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		repo := s.repo.WithTx(tx)
		current, ok, err := repo.GetRecord(ctx, table, localID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
		}
		if _, err := repo.DeleteRecord(ctx, table, localID); err != nil {
			return err
		}
		_, err = s.outbox.WithTx(tx).EnqueueDelete(ctx, table, localID, current)
		return err
	})
	if err != nil {
		return err
	}

	s.changed(ctx, table, localID, models.OperationDelete)
	return nil
}

// Get returns one record.
func (s *RecordService) Get(ctx context.Context, table, localID string) (models.Record, error) {
	rec, ok, err := s.repo.GetRecord(ctx, table, localID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
	}
	return rec, nil
}

// List returns a page of table's records, most recently modified first.
func (s *RecordService) List(ctx context.Context, table string, limit, offset int) ([]models.Record, error) {
	return s.repo.ListRecords(ctx, table, limit, offset)
}

func (s *RecordService) changed(ctx context.Context, table, localID string, op models.Operation) {
	logging.Debug("Record queued for sync", map[string]interface{}{
		"table":     table,
		"local_id":  localID,
		"operation": op,
	})

	s.mu.RLock()
	refresher, onChange := s.refresher, s.onChange
	s.mu.RUnlock()

	if refresher != nil {
		refresher.RefreshStatus(ctx)
	}
	if onChange != nil {
		onChange(table, localID, op)
	}
}

// userFields copies fields without the bookkeeping the service owns.
func userFields(fields models.Record) models.Record {
	out := make(models.Record, len(fields))
	for k, v := range fields {
		if models.IsBookkeepingField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func validateTable(table string) error {
	if table == "" || strings.ContainsAny(table, "/\\") {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid table name %q", table))
	}
	return nil
}
