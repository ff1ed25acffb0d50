package db

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/uuid"
)

// GetSyncCredentials retrieves the currently enabled sync credentials.
// Returns nil when none is configured.
func (r *Repository) GetSyncCredentials(ctx context.Context) (*models.SyncCredential, error) {
	query := `SELECT id, provider, endpoint, bucket_name, region, access_key_encrypted, secret_key_encrypted, is_enabled, created_at, updated_at
			  FROM sync_credentials WHERE is_enabled = 1 ORDER BY updated_at DESC LIMIT 1`

	var cred models.SyncCredential
	err := r.ex.QueryRowContext(ctx, query).Scan(
		&cred.ID, &cred.Provider, &cred.Endpoint, &cred.BucketName, &cred.Region,
		&cred.AccessKeyEncrypted, &cred.SecretKeyEncrypted,
		&cred.IsEnabled, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("failed to read sync credentials", err)
	}
	return &cred, nil
}

// SaveSyncCredential saves a new sync credential configuration.
func (r *Repository) SaveSyncCredential(ctx context.Context, cred *models.SyncCredential) error {
	query := `INSERT INTO sync_credentials (id, provider, endpoint, bucket_name, region, access_key_encrypted, secret_key_encrypted, is_enabled, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	cred.ID = models.UUID(uuid.New())
	now := time.Now().Unix()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	_, err := r.ex.ExecContext(ctx, query,
		cred.ID, cred.Provider, cred.Endpoint, cred.BucketName, cred.Region,
		cred.AccessKeyEncrypted, cred.SecretKeyEncrypted,
		cred.IsEnabled, cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		return apperrors.Storage("failed to save sync credential", err)
	}
	return nil
}

// DeleteSyncCredential deletes a sync credential by ID.
func (r *Repository) DeleteSyncCredential(ctx context.Context, id string) error {
	if _, err := r.ex.ExecContext(ctx, `DELETE FROM sync_credentials WHERE id = ?`, id); err != nil {
		return apperrors.Storage("failed to delete sync credential", err)
	}
	return nil
}

// DisableAllSyncCredentials disables all sync credentials (used when setting a new one).
func (r *Repository) DisableAllSyncCredentials(ctx context.Context) error {
	if _, err := r.ex.ExecContext(ctx, `UPDATE sync_credentials SET is_enabled = 0 WHERE is_enabled = 1`); err != nil {
		return apperrors.Storage("failed to disable sync credentials", err)
	}
	return nil
}
