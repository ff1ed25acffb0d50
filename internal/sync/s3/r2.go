package s3

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
)

// R2Config holds Cloudflare R2 configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string // R2 API token access key id
	SecretKey  string // R2 API token secret
	Prefix     string
}

// ClientConfig converts to a client Config for the account endpoint.
func (c *R2Config) ClientConfig() (Config, error) {
	if c.AccountID == "" {
		return Config{}, apperrors.New(apperrors.ErrConfig, "R2 account id is required")
	}
	return Config{
		Endpoint:  "https://" + R2EndpointForAccount(c.AccountID),
		Bucket:    c.BucketName,
		Region:    "auto",
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Prefix:    c.Prefix,
	}, nil
}

// NewR2Client creates a client for Cloudflare R2.
func NewR2Client(ctx context.Context, config *R2Config) (*Client, error) {
	cfg, err := config.ClientConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// R2EndpointForAccount returns the R2 endpoint host for an account id.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account id: 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
