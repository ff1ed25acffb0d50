package s3

import (
	"context"
	"fmt"
	"strings"
)

// MinIOConfig holds configuration for a self-hosted MinIO server.
type MinIOConfig struct {
	Endpoint   string // "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Prefix     string
}

// ClientConfig converts to a client Config. MinIO needs path-style
// addressing and ignores the region.
func (c *MinIOConfig) ClientConfig() (Config, error) {
	endpoint, err := ParseMinIOEndpoint(c.Endpoint, c.UseSSL)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Endpoint:     endpoint,
		Bucket:       c.BucketName,
		Region:       "us-east-1",
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
		Prefix:       c.Prefix,
		UsePathStyle: true,
	}, nil
}

// NewMinIOClient creates a client for MinIO.
func NewMinIOClient(ctx context.Context, config *MinIOConfig) (*Client, error) {
	cfg, err := config.ClientConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// MinIODefaultCredentials returns the stock MinIO root credentials. Local
// development only.
func MinIODefaultCredentials() (accessKey, secretKey string) {
	return "minioadmin", "minioadmin"
}

// MinIOLocalEndpoint returns the default local MinIO endpoint.
func MinIOLocalEndpoint() string {
	return "localhost:9000"
}

// MinIOHealthCheckURL returns the liveness URL of a MinIO server.
func MinIOHealthCheckURL(endpoint string, useSSL bool) string {
	return fmt.Sprintf("%s/minio/health/live", withScheme(endpoint, useSSL))
}

// IsMinIOEndpoint guesses from the host name or port whether endpoint is a
// MinIO server.
func IsMinIOEndpoint(endpoint string) bool {
	lower := strings.ToLower(endpoint)
	if strings.Contains(lower, "amazonaws.com") || strings.Contains(lower, "r2.cloudflarestorage.com") {
		return false
	}
	for _, indicator := range []string{"minio", ":9000", ":9001"} {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// ParseMinIOEndpoint validates endpoint and adds a scheme when missing.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	return withScheme(endpoint, useSSL), nil
}

func withScheme(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}
