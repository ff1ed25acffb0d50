// Package main builds the sync engine as a c-shared library for the mobile
// shell. Exported functions take and return JSON strings; on failure they
// return NULL and the message is available from GetLastError.
package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/config"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// session is the process-wide engine behind the exported functions.
type session struct {
	mu      sync.Mutex
	app     *app.App
	lastErr string

	load func(configPath string) (config.Config, error)
	open func(ctx context.Context, cfg config.Config) (*app.App, error)
}

var current = newSession()

func newSession() *session {
	return &session{
		load: func(path string) (config.Config, error) { return config.Load(path, "") },
		open: func(ctx context.Context, cfg config.Config) (*app.App, error) { return app.New(ctx, cfg) },
	}
}

func (s *session) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastErr = ""
		return
	}
	s.lastErr = err.Error()
}

func (s *session) lastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *session) engine() (*app.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.app == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "engine not initialized")
	}
	return s.app, nil
}

// init opens the engine with its database in dataDir and starts background
// sync. Calling it again while open is a no-op.
func (s *session) init(dataDir, configPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.app != nil {
		return nil
	}

	cfg, err := s.load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logging.Init(os.Stderr, cfg.Level())

	a, err := s.open(context.Background(), cfg)
	if err != nil {
		return err
	}
	a.Start()
	s.app = a
	logging.Info("Mobile engine started", map[string]interface{}{"data_dir": cfg.DataDir})
	return nil
}

func (s *session) close() error {
	s.mu.Lock()
	a := s.app
	s.app = nil
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Close()
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to serialize", err)
	}
	return string(data), nil
}

func (s *session) syncNow() (string, error) {
	a, err := s.engine()
	if err != nil {
		return "", err
	}
	result, err := a.Scheduler.SyncNow(context.Background())
	if err != nil {
		return "", err
	}
	return encode(result)
}

func (s *session) syncStatus() (string, error) {
	a, err := s.engine()
	if err != nil {
		return "", err
	}
	st, err := a.Snapshot(context.Background())
	if err != nil {
		return "", err
	}
	return encode(st)
}

func (s *session) recordCreate(table, fields string) (string, error) {
	a, err := s.engine()
	if err != nil {
		return "", err
	}
	var rec models.Record
	if err := json.Unmarshal([]byte(fields), &rec); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid record JSON", err)
	}
	created, err := a.Records.Create(context.Background(), table, rec)
	if err != nil {
		return "", err
	}
	return encode(created)
}

func (s *session) recordUpdate(table, localID, patch string) (string, error) {
	a, err := s.engine()
	if err != nil {
		return "", err
	}
	var rec models.Record
	if err := json.Unmarshal([]byte(patch), &rec); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid record JSON", err)
	}
	updated, err := a.Records.Update(context.Background(), table, localID, rec)
	if err != nil {
		return "", err
	}
	return encode(updated)
}

func (s *session) recordDelete(table, localID string) error {
	a, err := s.engine()
	if err != nil {
		return err
	}
	return a.Records.Delete(context.Background(), table, localID)
}

func (s *session) recordList(table string, limit, offset int) (string, error) {
	a, err := s.engine()
	if err != nil {
		return "", err
	}
	recs, err := a.Records.List(context.Background(), table, limit, offset)
	if err != nil {
		return "", err
	}
	if recs == nil {
		recs = []models.Record{}
	}
	return encode(map[string]interface{}{"records": recs, "total": len(recs)})
}

func (s *session) conflictList() (string, error) {
	a, err := s.engine()
	if err != nil {
		return "", err
	}
	conflicts, err := a.Resolver.Registry().ListUnresolved(context.Background())
	if err != nil {
		return "", err
	}
	if conflicts == nil {
		conflicts = []models.SyncConflict{}
	}
	return encode(map[string]interface{}{"conflicts": conflicts, "count": len(conflicts)})
}

func (s *session) conflictResolve(id, strategy string) (string, error) {
	a, err := s.engine()
	if err != nil {
		return "", err
	}
	st, err := models.ParseStrategy(strategy)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid strategy", err)
	}
	ctx := context.Background()
	rc, err := a.Resolver.ResolveByID(ctx, id, st)
	if err != nil {
		return "", err
	}
	a.Coordinator.RefreshStatus(ctx)
	if rc == nil {
		return encode(map[string]interface{}{"id": id, "status": "deferred"})
	}
	a.Coordinator.Trigger()
	return encode(map[string]interface{}{"id": id, "status": "resolved", "strategy": rc.Strategy, "record": rc.Record})
}

func main() {
	// Required for -buildmode=c-shared; never runs.
}
