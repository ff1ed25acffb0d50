package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/millsync/backend/internal/db/dbtest"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
)

func TestCredentialService_SaveEncryptsAndReplaces(t *testing.T) {
	ctx := context.Background()
	svc := NewCredentialService(dbtest.New(t), "machine-1")
	changes := 0
	svc.OnChange(func(context.Context) error { changes++; return nil })

	first, err := svc.Save(ctx, CredentialInput{
		BucketName: "bucket-a",
		AccessKey:  "AKIA1",
		SecretKey:  "secret1",
	})
	require.NoError(t, err)
	assert.Equal(t, "aws", first.Provider)
	assert.Equal(t, "us-east-1", first.Region)
	assert.NotContains(t, first.AccessKeyEncrypted, "AKIA1")

	_, err = svc.Save(ctx, CredentialInput{
		Provider:   "MinIO",
		Endpoint:   "localhost:9000",
		BucketName: "bucket-b",
		AccessKey:  "minio",
		SecretKey:  "minio123",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, changes)

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "minio", got.Provider)
	assert.Equal(t, "bucket-b", got.BucketName)

	key, err := got.GetAccessKey("machine-1")
	require.NoError(t, err)
	assert.Equal(t, "minio", key)

	_, err = got.GetSecretKey("another-machine")
	assert.Error(t, err, "keys are bound to the machine id")
}

func TestCredentialService_Validation(t *testing.T) {
	ctx := context.Background()
	svc := NewCredentialService(dbtest.New(t), "m")

	tests := []struct {
		name string
		in   CredentialInput
		code apperrors.ErrorCode
	}{
		{"no bucket", CredentialInput{AccessKey: "a", SecretKey: "s"}, apperrors.ErrInvalid},
		{"no access key", CredentialInput{BucketName: "b", SecretKey: "s"}, apperrors.ErrInvalid},
		{"no secret", CredentialInput{BucketName: "b", AccessKey: "a"}, apperrors.ErrInvalid},
		{"minio without endpoint", CredentialInput{Provider: "minio", BucketName: "b", AccessKey: "a", SecretKey: "s"}, apperrors.ErrInvalid},
		{"unknown provider", CredentialInput{Provider: "ftp", Endpoint: "x", BucketName: "b", AccessKey: "a", SecretKey: "s"}, apperrors.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Save(ctx, tt.in)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "nothing stored after failed saves")
}

func TestCredentialService_Delete(t *testing.T) {
	ctx := context.Background()
	svc := NewCredentialService(dbtest.New(t), "m")

	require.NoError(t, svc.Delete(ctx), "deleting nothing is fine")

	_, err := svc.Save(ctx, CredentialInput{BucketName: "b", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx))

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
