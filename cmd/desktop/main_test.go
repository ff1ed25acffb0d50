package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/db/dbtest"
	"github.com/kimhsiao/millsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/millsync/backend/internal/sync/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	app    *app.App
	hub    *WSHub
	router *gin.Engine
}

func newTestServer(t *testing.T, remote bool) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.MachineID = "test-machine-id"

	opts := []app.Option{app.WithDB(dbtest.New(t)), app.WithMonitorInterval(time.Hour)}
	if remote {
		opts = append(opts, app.WithObjectStore(storage.NewMemoryStore()))
	}
	a, err := app.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	hub := NewWSHub(cfg.HTTP.AllowOrigins)
	t.Cleanup(func() {
		hub.Close()
		require.NoError(t, a.Close())
	})
	return &testServer{app: a, hub: hub, router: newRouter(a, hub, cfg.HTTP)}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestRecordsAndSyncNow(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(t, http.MethodPost, "/api/records/notes", map[string]interface{}{"title": "hello"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created map[string]interface{}
	decode(t, w, &created)
	localID := created[models.FieldLocalID].(string)

	w = s.do(t, http.MethodGet, "/api/sync/outbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ob struct {
		Entries []models.OutboxEntry `json:"entries"`
		Stats   struct {
			Pending int `json:"pending"`
		} `json:"stats"`
	}
	decode(t, w, &ob)
	require.Len(t, ob.Entries, 1)
	assert.Equal(t, models.OperationCreate, ob.Entries[0].Operation)
	assert.Equal(t, 1, ob.Stats.Pending)

	w = s.do(t, http.MethodPost, "/api/sync/now", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result syncpkg.SyncResult
	decode(t, w, &result)
	assert.Equal(t, syncpkg.StateSuccess, result.State)
	assert.Equal(t, 1, result.Pushed)

	w = s.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st app.Status
	decode(t, w, &st)
	assert.Equal(t, syncpkg.StateSuccess, st.Sync.State)
	assert.Equal(t, 0, st.Outbox.Total)

	w = s.do(t, http.MethodPatch, "/api/records/notes/"+localID, map[string]interface{}{"title": "edited"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/records/notes?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"edited"`)

	w = s.do(t, http.MethodDelete, "/api/records/notes/"+localID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/records/notes/"+localID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecords_BadInput(t *testing.T) {
	s := newTestServer(t, false)

	w := s.do(t, http.MethodGet, "/api/records/notes?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/records/notes", strings.NewReader(`{"title":`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseResumeCancel(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(t, http.MethodPost, "/api/sync/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st syncpkg.Status
	decode(t, w, &st)
	assert.Equal(t, syncpkg.StatePaused, st.State)

	w = s.do(t, http.MethodPost, "/api/sync/now", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "SYNC_PAUSED")

	w = s.do(t, http.MethodPost, "/api/sync/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &st)
	assert.NotEqual(t, syncpkg.StatePaused, st.State)

	w = s.do(t, http.MethodPost, "/api/sync/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &st)
	assert.Equal(t, syncpkg.StateCancelled, st.State)
}

func TestOutboxRetry(t *testing.T) {
	s := newTestServer(t, false)

	w := s.do(t, http.MethodPost, "/api/sync/outbox/retry?id=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/sync/outbox/retry?id=99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/sync/outbox/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reset":0}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/sync/outbox/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entries":[]`)
}

func seedConflict(t *testing.T, s *testServer) models.SyncConflict {
	t.Helper()
	ctx := context.Background()
	local, err := s.app.Records.Create(ctx, "notes", models.Record{"title": models.String("local")})
	require.NoError(t, err)
	localID, _ := local.StringField(models.FieldLocalID)

	c := models.SyncConflict{
		ID:               "c-1",
		TableName:        "notes",
		LocalID:          localID,
		ServerID:         "srv-1",
		LocalData:        local,
		ServerData:       models.Record{models.FieldID: models.String("srv-1"), "title": models.String("server")},
		LocalModifiedAt:  time.Now().Add(-time.Minute),
		ServerModifiedAt: time.Now(),
		DetectedAt:       time.Now(),
	}
	require.NoError(t, conflict.NewRegistry(s.app.DB).Save(ctx, &c))
	return c
}

func TestConflicts(t *testing.T) {
	s := newTestServer(t, false)
	c := seedConflict(t, s)

	w := s.do(t, http.MethodGet, "/api/sync/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	w = s.do(t, http.MethodGet, "/api/sync/conflicts/"+c.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Differing []string `json:"differing"`
	}
	decode(t, w, &detail)
	assert.Equal(t, []string{"title"}, detail.Differing)

	w = s.do(t, http.MethodGet, "/api/sync/conflicts/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/sync/conflicts/"+c.ID+"/resolve", map[string]string{"strategy": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/sync/conflicts/"+c.ID+"/resolve", map[string]string{"strategy": "keepServer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"strategy":"keep_server"`)

	w = s.do(t, http.MethodPost, "/api/sync/conflicts/"+c.ID+"/resolve", map[string]string{"strategy": "merge"})
	assert.Equal(t, http.StatusNotFound, w.Code, "already resolved")

	w = s.do(t, http.MethodPost, "/api/sync/conflicts/resolve-all", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"resolved":[],"deferred":[],"failed":{}}`, w.Body.String())
}

func TestCredentials(t *testing.T) {
	s := newTestServer(t, false)

	w := s.do(t, http.MethodGet, "/api/sync/credentials", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"configured":false}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/sync/credentials", map[string]string{"bucket_name": "b"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/sync/credentials", map[string]string{
		"provider":    "minio",
		"endpoint":    "127.0.0.1:1",
		"bucket_name": "sync",
		"access_key":  "minio",
		"secret_key":  "minio123",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"configured":true`)

	w = s.do(t, http.MethodGet, "/api/sync/credentials", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"access_key":"***REDACTED***"`)
	assert.NotContains(t, w.Body.String(), "minio123")

	w = s.do(t, http.MethodDelete, "/api/sync/credentials", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.app.Configured())
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/sync/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocket_StreamsStatus(t *testing.T) {
	s := newTestServer(t, false)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Follow(ctx, s.app.Coordinator.Watch(ctx))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first WSEnvelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventSyncStatus, first.Type)

	s.app.Coordinator.Pause()
	for {
		var env WSEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == EventSyncStatus && env.Data["state"] == string(syncpkg.StatePaused) {
			break
		}
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"tauri://localhost"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"tauri://localhost", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8090", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(req), tt.origin)
	}
}

func TestEnvelopeType(t *testing.T) {
	assert.Equal(t, "sync.status", envelopeType([]byte(`{"type":"sync.status","data":{}}`)))
	assert.Equal(t, "", envelopeType([]byte(`{"type":"sync.status"`)), "truncated")
	assert.Equal(t, "", envelopeType([]byte(`{"type":"sync.status","data":[}`)), "malformed after type")
	assert.Equal(t, "", envelopeType([]byte(`{"type":7}`)), "wrong type")
	assert.Equal(t, "", envelopeType([]byte(`not json`)))
}
