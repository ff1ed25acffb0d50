package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/db/dbtest"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/storage"
)

func newTestSession(t *testing.T) *session {
	t.Helper()
	database := dbtest.New(t)
	s := &session{
		load: func(string) (config.Config, error) {
			cfg := config.Default()
			cfg.MachineID = "test-machine-id"
			return cfg, nil
		},
		open: func(ctx context.Context, cfg config.Config) (*app.App, error) {
			return app.New(ctx, cfg,
				app.WithDB(database),
				app.WithObjectStore(storage.NewMemoryStore()),
				app.WithMonitorInterval(time.Hour),
			)
		},
	}
	t.Cleanup(func() { _ = s.close() })
	return s
}

func TestSession_NotInitialized(t *testing.T) {
	s := newTestSession(t)

	_, err := s.syncStatus()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	_, err = s.recordCreate("notes", `{}`)
	assert.Error(t, err)
	assert.NoError(t, s.close())
}

func TestSession_InitIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.init(t.TempDir(), ""))
	first, err := s.engine()
	require.NoError(t, err)

	require.NoError(t, s.init(t.TempDir(), ""))
	second, err := s.engine()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestSession_CreateAndSync(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.init(t.TempDir(), ""))

	out, err := s.recordCreate("notes", `{"title":"hello"}`)
	require.NoError(t, err)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "hello", created["title"])
	localID, _ := created[models.FieldLocalID].(string)
	require.NotEmpty(t, localID)

	out, err = s.syncStatus()
	require.NoError(t, err)
	var st app.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Configured)

	a, err := s.engine()
	require.NoError(t, err)
	a.Coordinator.Pause()
	_, err = s.syncNow()
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncPaused))
	a.Coordinator.Resume()

	// The background loop may be mid-cycle after Resume.
	var result syncpkg.SyncResult
	require.Eventually(t, func() bool {
		out, err := s.syncNow()
		if err != nil {
			return false
		}
		return json.Unmarshal([]byte(out), &result) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, syncpkg.StateSuccess, result.State)

	out, err = s.recordUpdate("notes", localID, `{"title":"edited"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"edited"`)

	out, err = s.recordList("notes", 10, 0)
	require.NoError(t, err)
	assert.Contains(t, out, `"total":1`)

	require.NoError(t, s.recordDelete("notes", localID))
	out, err = s.recordList("notes", 10, 0)
	require.NoError(t, err)
	assert.Contains(t, out, `"total":0`)
}

func TestSession_InvalidInput(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.init(t.TempDir(), ""))

	_, err := s.recordCreate("notes", `{"title":`)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = s.conflictResolve("c-1", "sideways")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = s.conflictResolve("c-1", "merge")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	out, err := s.conflictList()
	require.NoError(t, err)
	assert.JSONEq(t, `{"conflicts":[],"count":0}`, out)
}

func TestSession_LastError(t *testing.T) {
	s := newTestSession(t)
	s.setLastError(apperrors.New(apperrors.ErrInvalid, "bad input"))
	assert.Contains(t, s.lastError(), "bad input")
	s.setLastError(nil)
	assert.Empty(t, s.lastError())
}
