package models

import (
	"time"

	"github.com/kimhsiao/millsync/backend/internal/crypto"
)

// SyncCredential holds encrypted object-store configuration for the remote.
// AccessKeyEncrypted and SecretKeyEncrypted are never exposed in JSON responses.
type SyncCredential struct {
	ID                 UUID   `db:"id" json:"id"`
	Provider           string `db:"provider" json:"provider"` // aws, minio, r2
	Endpoint           string `db:"endpoint" json:"endpoint"`
	BucketName         string `db:"bucket_name" json:"bucket_name"`
	Region             string `db:"region" json:"region,omitempty"`
	AccessKeyEncrypted string `db:"access_key_encrypted" json:"-"` // Never expose
	SecretKeyEncrypted string `db:"secret_key_encrypted" json:"-"` // Never expose
	IsEnabled          bool   `db:"is_enabled" json:"is_enabled"`
	CreatedAt          int64  `db:"created_at" json:"created_at"`
	UpdatedAt          int64  `db:"updated_at" json:"updated_at"`
}

// Table returns the storage table for SyncCredential.
func (SyncCredential) Table() string {
	return "sync_credentials"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (s *SyncCredential) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (s *SyncCredential) UpdatedAtTime() time.Time {
	return time.Unix(s.UpdatedAt, 0)
}

// SetAccessKey encrypts and stores the access key.
func (s *SyncCredential) SetAccessKey(accessKey, machineID string) error {
	encrypted, err := crypto.EncryptAPIKey(accessKey, machineID)
	if err != nil {
		return err
	}
	s.AccessKeyEncrypted = encrypted
	return nil
}

// GetAccessKey decrypts the access key.
func (s *SyncCredential) GetAccessKey(machineID string) (string, error) {
	if s.AccessKeyEncrypted == "" {
		return "", nil
	}
	return crypto.DecryptAPIKey(s.AccessKeyEncrypted, machineID)
}

// SetSecretKey encrypts and stores the secret key.
func (s *SyncCredential) SetSecretKey(secretKey, machineID string) error {
	encrypted, err := crypto.EncryptAPIKey(secretKey, machineID)
	if err != nil {
		return err
	}
	s.SecretKeyEncrypted = encrypted
	return nil
}

// GetSecretKey decrypts the secret key.
func (s *SyncCredential) GetSecretKey(machineID string) (string, error) {
	if s.SecretKeyEncrypted == "" {
		return "", nil
	}
	return crypto.DecryptAPIKey(s.SecretKeyEncrypted, machineID)
}

// HasCredentials reports whether both keys are stored.
func (s *SyncCredential) HasCredentials() bool {
	return s.AccessKeyEncrypted != "" && s.SecretKeyEncrypted != ""
}
