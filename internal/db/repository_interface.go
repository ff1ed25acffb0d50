// Package db provides repository interfaces for synced records.
package db

import (
	"context"

	"github.com/kimhsiao/millsync/backend/internal/models"
)

// RecordRepository defines operations for local record persistence.
type RecordRepository interface {
	GetRecord(ctx context.Context, table, localID string) (models.Record, bool, error)
	FindRecordByServerID(ctx context.Context, table, serverID string) (models.Record, bool, error)
	PutRecord(ctx context.Context, table string, rec models.Record) error
	DeleteRecord(ctx context.Context, table, localID string) (bool, error)
	CountRecords(ctx context.Context, table string) (int, error)
	ListRecords(ctx context.Context, table string, limit, offset int) ([]models.Record, error)
}

// SyncStateRepository defines operations for pull watermarks.
type SyncStateRepository interface {
	GetSyncState(ctx context.Context, table string) (*models.SyncState, error)
	ListSyncStates(ctx context.Context) ([]models.SyncState, error)
}

// CredentialRepository defines operations for remote credentials.
type CredentialRepository interface {
	GetSyncCredentials(ctx context.Context) (*models.SyncCredential, error)
	SaveSyncCredential(ctx context.Context, cred *models.SyncCredential) error
	DeleteSyncCredential(ctx context.Context, id string) error
	DisableAllSyncCredentials(ctx context.Context) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordRepository     = (*Repository)(nil)
	_ SyncStateRepository  = (*Repository)(nil)
	_ CredentialRepository = (*Repository)(nil)
)
