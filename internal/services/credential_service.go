package services

import (
	"context"
	"database/sql"
	"strings"

	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/sync/s3"
)

// CredentialInput is a plaintext remote configuration as entered by the
// user.
type CredentialInput struct {
	Provider   string `json:"provider"`
	Endpoint   string `json:"endpoint"`
	BucketName string `json:"bucket_name"`
	Region     string `json:"region"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
}

// CredentialService stores the remote credentials encrypted with a key
// derived from the machine id. At most one credential is enabled.
type CredentialService struct {
	db        *db.DB
	repo      *db.Repository
	machineID string
	onChange  func(ctx context.Context) error
}

// NewCredentialService creates a credential service.
func NewCredentialService(database *db.DB, machineID string) *CredentialService {
	return &CredentialService{
		db:        database,
		repo:      db.NewRepository(database),
		machineID: machineID,
	}
}

// OnChange registers fn to run after credentials are saved or removed,
// typically to reconnect the remote.
func (s *CredentialService) OnChange(fn func(ctx context.Context) error) {
	s.onChange = fn
}

// MachineID returns the key material used for encryption.
func (s *CredentialService) MachineID() string {
	return s.machineID
}

// Get returns the enabled credential, nil when none is configured.
func (s *CredentialService) Get(ctx context.Context) (*models.SyncCredential, error) {
	return s.repo.GetSyncCredentials(ctx)
}

// Save validates, encrypts and stores in as the enabled credential,
// disabling any previous one.
func (s *CredentialService) Save(ctx context.Context, in CredentialInput) (*models.SyncCredential, error) {
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	if in.Provider == "" {
		in.Provider = s3.ProviderAWS
	}
	if in.BucketName == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "bucket_name is required")
	}
	if in.AccessKey == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "access_key is required")
	}
	if in.SecretKey == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "secret_key is required")
	}
	if in.Provider != s3.ProviderAWS && in.Endpoint == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "endpoint is required for "+in.Provider)
	}
	if in.Provider == s3.ProviderAWS && in.Region == "" {
		in.Region = "us-east-1"
	}

	cred := &models.SyncCredential{
		Provider:   in.Provider,
		Endpoint:   in.Endpoint,
		BucketName: in.BucketName,
		Region:     in.Region,
		IsEnabled:  true,
	}
	if err := cred.SetAccessKey(in.AccessKey, s.machineID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to encrypt access key", err)
	}
	if err := cred.SetSecretKey(in.SecretKey, s.machineID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to encrypt secret key", err)
	}
	if _, err := s3.ConfigFromCredential(cred, s.machineID, ""); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid credential", err)
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		repo := db.NewRepository(tx)
		if err := repo.DisableAllSyncCredentials(ctx); err != nil {
			return err
		}
		return repo.SaveSyncCredential(ctx, cred)
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Sync credentials saved", map[string]interface{}{
		"provider": cred.Provider,
		"bucket":   cred.BucketName,
	})
	return cred, s.changed(ctx)
}

// Delete removes the enabled credential. Removing when none exists is not
// an error.
func (s *CredentialService) Delete(ctx context.Context) error {
	cred, err := s.repo.GetSyncCredentials(ctx)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}
	if err := s.repo.DeleteSyncCredential(ctx, string(cred.ID)); err != nil {
		return err
	}
	logging.Info("Sync credentials removed", map[string]interface{}{"provider": cred.Provider})
	return s.changed(ctx)
}

func (s *CredentialService) changed(ctx context.Context) error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange(ctx)
}
