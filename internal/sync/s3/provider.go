package s3

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// Supported providers, matching the sync_credentials provider column.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// ConfigFromCredential builds a client Config from a stored credential.
// Keys are decrypted with machineID. For R2 the endpoint may be either a full URL or the bare account id.
func ConfigFromCredential(cred *models.SyncCredential, machineID, prefix string) (Config, error) {
	if cred == nil {
		return Config{}, apperrors.New(apperrors.ErrSyncNotConfigured, "no sync credentials configured")
	}
	accessKey, err := cred.GetAccessKey(machineID)
	if err != nil {
		return Config{}, err
	}
	secretKey, err := cred.GetSecretKey(machineID)
	if err != nil {
		return Config{}, err
	}

	switch cred.Provider {
	case ProviderAWS:
		c := &AWSConfig{BucketName: cred.BucketName, AccessKey: accessKey, SecretKey: secretKey, Region: cred.Region, Prefix: prefix}
		cfg := c.ClientConfig()
		cfg.Endpoint = cred.Endpoint
		return cfg, nil
	case ProviderMinIO:
		c := &MinIOConfig{Endpoint: cred.Endpoint, BucketName: cred.BucketName, AccessKey: accessKey, SecretKey: secretKey, UseSSL: strings.HasPrefix(cred.Endpoint, "https://"), Prefix: prefix}
		return c.ClientConfig()
	case ProviderR2:
		if strings.HasPrefix(cred.Endpoint, "https://") {
			return Config{Endpoint: cred.Endpoint, Bucket: cred.BucketName, Region: "auto", AccessKey: accessKey, SecretKey: secretKey, Prefix: prefix}, nil
		}
		c := &R2Config{AccountID: cred.Endpoint, BucketName: cred.BucketName, AccessKey: accessKey, SecretKey: secretKey, Prefix: prefix}
		return c.ClientConfig()
	}
	return Config{}, apperrors.New(apperrors.ErrConfig, fmt.Sprintf("unknown provider %q", cred.Provider))
}

// NewFromCredential creates a client from a stored credential, decrypting
// its keys with machineID.
func NewFromCredential(ctx context.Context, cred *models.SyncCredential, machineID, prefix string) (*Client, error) {
	cfg, err := ConfigFromCredential(cred, machineID, prefix)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}
