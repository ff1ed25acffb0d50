package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upload(ctx, "customers/a.json.sz", []byte("one")))
	require.NoError(t, s.Upload(ctx, "customers/b.json.sz", []byte("two")))
	require.NoError(t, s.Upload(ctx, "orders/c.json.sz", []byte("three")))

	data, err := s.Download(ctx, "customers/a.json.sz")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	keys, err := s.List(ctx, "customers/")
	require.NoError(t, err)
	assert.Equal(t, []string{"customers/a.json.sz", "customers/b.json.sz"}, keys)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Upload(ctx, "customers/a.json.sz", []byte("uno")))
	data, err = s.Download(ctx, "customers/a.json.sz")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), data)

	require.NoError(t, s.Delete(ctx, "customers/a.json.sz"))
	require.NoError(t, s.Delete(ctx, "customers/a.json.sz"))
	_, err = s.Download(ctx, "customers/a.json.sz")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestFileStore_Root(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, "sync/device")

	require.NoError(t, s.Upload(ctx, "t/x", []byte("x")))
	ok, err := afero.Exists(fs, "/sync/device/t/x")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t/x"}, keys)

	empty, err := NewFileStore(fs, "missing").List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFileStore_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, key := range []string{"", "/abs", "../escape", "a/../../b"} {
		err := s.Upload(ctx, key, []byte("x"))
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), key)
	}
}

func TestFileStore_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Upload(ctx, "k", nil), context.Canceled)
	_, err := s.List(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", CalculateHash(nil))
	assert.NotEqual(t, CalculateHash([]byte("a")), CalculateHash([]byte("b")))
}
