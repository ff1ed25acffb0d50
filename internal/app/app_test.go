package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/db/dbtest"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/services"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/storage"
)

func newTestApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithDB(dbtest.New(t))}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func TestApp_UnconfiguredRemoteIsOffline(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, config.Default())

	assert.False(t, a.Configured())

	_, err := a.Records.Create(ctx, "notes", models.Record{"title": models.String("draft")})
	require.NoError(t, err)

	result, err := a.Coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StateOffline, result.State)

	st, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, st.Configured)
	assert.Equal(t, 1, st.Outbox.Pending, "the write waits in the outbox")
}

func TestApp_SharedStoreConverges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := newTestApp(t, config.Default(), WithObjectStore(store))
	b := newTestApp(t, config.Default(), WithObjectStore(store))
	require.True(t, a.Configured())

	rec, err := a.Records.Create(ctx, "notes", models.Record{"title": models.String("hello")})
	require.NoError(t, err)
	localA, _ := rec.StringField(models.FieldLocalID)

	res, err := a.Coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StateSuccess, res.State)
	assert.Equal(t, 1, res.Pushed)

	res, err = b.Coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)

	list, err := b.Records.List(ctx, "notes", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	title, _ := list[0].StringField("title")
	assert.Equal(t, "hello", title)
	localB, _ := list[0].StringField(models.FieldLocalID)
	assert.NotEqual(t, localA, localB, "each device has its own local ids")

	st, err := b.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Watermarks, 1)
	assert.Equal(t, "notes", st.Watermarks[0].TableName)
}

func TestApp_FileProvider(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Remote = config.Remote{Provider: "file", Path: t.TempDir(), Prefix: "devices"}

	a := newTestApp(t, cfg)
	b := newTestApp(t, cfg)

	_, err := a.Records.Create(ctx, "tags", models.Record{"name": models.String("go")})
	require.NoError(t, err)
	_, err = a.Coordinator.SyncNow(ctx)
	require.NoError(t, err)

	_, err = b.Coordinator.SyncNow(ctx)
	require.NoError(t, err)
	n, err := b.Repo.CountRecords(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err := a.Compact(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "no tombstones yet")
}

func TestApp_CredentialsReloadRemote(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.MachineID = "test-machine"
	a := newTestApp(t, cfg, WithMonitorInterval(time.Hour))
	require.False(t, a.Configured())

	_, err := a.Credentials.Save(ctx, services.CredentialInput{
		Provider:   "minio",
		Endpoint:   "127.0.0.1:1",
		BucketName: "sync",
		AccessKey:  "minio",
		SecretKey:  "minio123",
	})
	require.NoError(t, err)
	assert.True(t, a.Configured())

	require.NoError(t, a.Credentials.Delete(ctx))
	assert.False(t, a.Configured())
}
