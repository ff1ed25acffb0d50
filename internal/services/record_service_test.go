// Package services tests for the record write path.
package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/millsync/backend/internal/db"
	"github.com/kimhsiao/millsync/backend/internal/db/dbtest"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
	msync "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/millsync/backend/internal/sync/outbox"
	"github.com/kimhsiao/millsync/backend/internal/sync/storage"
)

type countingRefresher struct{ calls int }

func (r *countingRefresher) RefreshStatus(context.Context) { r.calls++ }

func newService(t *testing.T) (*RecordService, *outbox.Store) {
	t.Helper()
	database := dbtest.New(t)
	ob := outbox.New(database)
	svc := NewRecordService(database, ob)
	svc.now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	return svc, ob
}

func TestRecordService_Create(t *testing.T) {
	ctx := context.Background()
	svc, ob := newService(t)
	refresher := &countingRefresher{}
	svc.SetStatusRefresher(refresher)

	var changes []models.Operation
	svc.OnChange(func(_, _ string, op models.Operation) { changes = append(changes, op) })

	rec, err := svc.Create(ctx, "customers", models.Record{
		"name":               models.String("Ada"),
		models.FieldServerID: models.String("forged"),
	})
	require.NoError(t, err)

	localID, ok := rec.StringField(models.FieldLocalID)
	require.True(t, ok)
	assert.Equal(t, models.SyncStatusPending, rec.SyncStatus())
	assert.NotContains(t, rec, models.FieldServerID)

	stored, err := svc.Get(ctx, "customers", localID)
	require.NoError(t, err)
	assert.Equal(t, models.String("Ada"), stored["name"])

	entries, err := ob.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationCreate, entries[0].Operation)
	assert.Equal(t, localID, entries[0].RecordID)

	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, []models.Operation{models.OperationCreate}, changes)
}

func TestRecordService_UpdateFoldsIntoCreate(t *testing.T) {
	ctx := context.Background()
	svc, ob := newService(t)

	rec, err := svc.Create(ctx, "customers", models.Record{"name": models.String("Ada"), "city": models.String("Hsinchu")})
	require.NoError(t, err)
	localID, _ := rec.StringField(models.FieldLocalID)

	updated, err := svc.Update(ctx, "customers", localID, models.Record{"city": models.String("Taipei")})
	require.NoError(t, err)
	assert.Equal(t, models.String("Ada"), updated["name"])
	assert.Equal(t, models.String("Taipei"), updated["city"])

	entries, err := ob.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationCreate, entries[0].Operation)
	assert.Equal(t, models.String("Taipei"), entries[0].Payload["city"])
}

func TestRecordService_DeleteSupersedesQueuedWrites(t *testing.T) {
	ctx := context.Background()
	svc, ob := newService(t)

	rec, err := svc.Create(ctx, "customers", models.Record{"name": models.String("Ada")})
	require.NoError(t, err)
	localID, _ := rec.StringField(models.FieldLocalID)

	require.NoError(t, svc.Delete(ctx, "customers", localID))

	_, err = svc.Get(ctx, "customers", localID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	entries, err := ob.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationDelete, entries[0].Operation)
}

func TestRecordService_Errors(t *testing.T) {
	ctx := context.Background()
	svc, ob := newService(t)

	_, err := svc.Create(ctx, "", models.Record{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	_, err = svc.Create(ctx, "a/b", models.Record{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = svc.Update(ctx, "customers", "missing", models.Record{})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(svc.Delete(ctx, "customers", "missing"), apperrors.ErrNotFound))

	n, err := ob.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// device is one installation with its own database syncing through a
// shared object store.
type device struct {
	svc   *RecordService
	repo  *db.Repository
	coord *msync.Coordinator
}

func newDevice(t *testing.T, store msync.ObjectStore) *device {
	t.Helper()
	database := dbtest.New(t)
	ob := outbox.New(database)
	cfg := conflict.DefaultConfig()
	coord := msync.NewCoordinator(msync.Deps{
		DB:       database,
		Outbox:   ob,
		Detector: conflict.NewDetector(cfg),
		Resolver: conflict.NewResolver(cfg, database, ob),
		Remote:   msync.NewObjectRemote(store),
	}, msync.DefaultOptions())

	svc := NewRecordService(database, ob)
	svc.SetStatusRefresher(coord)
	return &device{svc: svc, repo: db.NewRepository(database), coord: coord}
}

func (d *device) sync(t *testing.T) *msync.SyncResult {
	t.Helper()
	res, err := d.coord.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, msync.StateSuccess, res.State, res.Error)
	return res
}

func (d *device) byServerID(t *testing.T, serverID string) (models.Record, bool) {
	t.Helper()
	rec, ok, err := d.repo.FindRecordByServerID(context.Background(), "customers", serverID)
	require.NoError(t, err)
	return rec, ok
}

func TestTwoDevices_ConvergeThroughObjectStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := newDevice(t, store)
	b := newDevice(t, store)

	rec, err := a.svc.Create(ctx, "customers", models.Record{"name": models.String("Ada"), "credit": models.NewNumber(100)})
	require.NoError(t, err)
	assert.Equal(t, 1, a.coord.Status().PendingCount)
	assert.Equal(t, 1, a.sync(t).Pushed)

	localA, _ := rec.StringField(models.FieldLocalID)
	stored, err := a.svc.Get(ctx, "customers", localA)
	require.NoError(t, err)
	serverID, ok := stored.StringField(models.FieldServerID)
	require.True(t, ok)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus())

	// B has never written anything; it discovers the table remotely.
	b.sync(t)
	copyB, ok := b.byServerID(t, serverID)
	require.True(t, ok)
	assert.Equal(t, models.String("Ada"), copyB["name"])
	assert.True(t, models.Equal(models.NewNumber(100), copyB["credit"]))

	localB, _ := copyB.StringField(models.FieldLocalID)
	_, err = b.svc.Update(ctx, "customers", localB, models.Record{"credit": models.NewNumber(150)})
	require.NoError(t, err)
	b.sync(t)

	a.sync(t)
	copyA, ok := a.byServerID(t, serverID)
	require.True(t, ok)
	assert.True(t, models.Equal(models.NewNumber(150), copyA["credit"]))
	assert.Equal(t, models.String("Ada"), copyA["name"])
	assert.Equal(t, localA, string(copyA[models.FieldLocalID].(models.String)))

	require.NoError(t, a.svc.Delete(ctx, "customers", localA))
	a.sync(t)
	b.sync(t)
	_, ok = b.byServerID(t, serverID)
	assert.False(t, ok)

	assert.Zero(t, a.coord.Status().PendingCount)
	assert.Zero(t, b.coord.Status().PendingCount)
}
