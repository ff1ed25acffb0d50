package s3

import (
	"context"
	stderrors "errors"
	"net/http"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestNew_StaticCredentials(t *testing.T) {
	c, err := New(context.Background(), Config{
		Bucket:       "sync",
		Endpoint:     "http://localhost:9000",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		Prefix:       "/devices/",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "devices/", c.prefix)
	assert.Equal(t, "sync", c.bucket)
}

func TestAWSConfig_DefaultRegion(t *testing.T) {
	cfg := (&AWSConfig{BucketName: "b"}).ClientConfig()
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.False(t, cfg.UsePathStyle)
	assert.Empty(t, cfg.Endpoint)
}

func TestAWSEndpointForRegion(t *testing.T) {
	tests := []struct {
		region  string
		want    string
		wantErr bool
	}{
		{"us-east-1", "s3.amazonaws.com", false},
		{"eu-central-1", "s3.eu-central-1.amazonaws.com", false},
		{"mars-north-1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			got, err := AWSEndpointForRegion(tt.region)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	regions := SupportedAWSRegions()
	assert.Len(t, regions, 20)
	assert.True(t, IsSupportedAWSRegion(regions[0]))
	assert.Equal(t, "af-south-1", regions[0])
}

func TestMinIOConfig(t *testing.T) {
	cfg, err := (&MinIOConfig{Endpoint: "localhost:9000/", BucketName: "b"}).ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.Endpoint)
	assert.True(t, cfg.UsePathStyle)

	cfg, err = (&MinIOConfig{Endpoint: "minio.example.com", UseSSL: true}).ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://minio.example.com", cfg.Endpoint)

	_, err = (&MinIOConfig{}).ClientConfig()
	assert.Error(t, err)

	assert.Equal(t, "http://localhost:9000/minio/health/live", MinIOHealthCheckURL(MinIOLocalEndpoint(), false))
	assert.True(t, IsMinIOEndpoint("minio.internal:443"))
	assert.True(t, IsMinIOEndpoint("10.0.0.5:9000"))
	assert.False(t, IsMinIOEndpoint("s3.amazonaws.com"))
}

func TestR2Config(t *testing.T) {
	id := "abc123def4567890abc123def4567890"
	cfg, err := (&R2Config{AccountID: id, BucketName: "b"}).ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://"+id+".r2.cloudflarestorage.com", cfg.Endpoint)
	assert.Equal(t, "auto", cfg.Region)

	_, err = (&R2Config{}).ClientConfig()
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	assert.True(t, IsValidR2AccountID(id))
	assert.False(t, IsValidR2AccountID("xyz"))
	assert.False(t, IsValidR2AccountID("zzz123def4567890abc123def4567890"))
}

func TestConfigFromCredential(t *testing.T) {
	cred := &models.SyncCredential{Provider: ProviderMinIO, Endpoint: "https://minio.example.com", BucketName: "b"}
	require.NoError(t, cred.SetAccessKey("ak", "machine"))
	require.NoError(t, cred.SetSecretKey("sk", "machine"))

	cfg, err := ConfigFromCredential(cred, "machine", "millsync")
	require.NoError(t, err)
	assert.Equal(t, "ak", cfg.AccessKey)
	assert.Equal(t, "sk", cfg.SecretKey)
	assert.Equal(t, "https://minio.example.com", cfg.Endpoint)
	assert.True(t, cfg.UsePathStyle)
	assert.Equal(t, "millsync", cfg.Prefix)

	cred.Provider = "gcs"
	_, err = ConfigFromCredential(cred, "machine", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	_, err = ConfigFromCredential(nil, "machine", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))
}

func responseError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      stderrors.New("boom"),
	}
}

func TestClassify(t *testing.T) {
	err := classify("download k", &s3types.NoSuchKey{})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = classify("download k", responseError(http.StatusServiceUnavailable))
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
	assert.True(t, apperrors.IsRetryable(err))

	err = classify("upload k", responseError(http.StatusForbidden))
	assert.True(t, apperrors.IsRejected(err))
	assert.False(t, apperrors.IsRetryable(err))

	err = classify("upload k", responseError(http.StatusNotFound))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = classify("list", stderrors.New("dial tcp: connection refused"))
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	assert.ErrorIs(t, classify("list", context.Canceled), context.Canceled)
}
