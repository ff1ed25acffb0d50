// Package app wires the sync engine together: database, outbox, conflict
// handling, remote, coordinator, scheduler and the record services. The
// desktop server, the CLI and the mobile bindings all start from here.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/services"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/millsync/backend/internal/sync/outbox"
	"github.com/kimhsiao/millsync/backend/internal/sync/scheduler"
)

// App holds the wired components.
type App struct {
	Config      config.Config
	DB          *db.DB
	Repo        *db.Repository
	Outbox      *outbox.Store
	Detector    *conflict.Detector
	Resolver    *conflict.Resolver
	Coordinator *syncpkg.Coordinator
	Scheduler   *scheduler.Scheduler
	Records     *services.RecordService
	Credentials *services.CredentialService

	remote    *remoteHolder
	openStore func(ctx context.Context) (syncpkg.ObjectStore, syncpkg.Probe, error)
	ownsDB    bool

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type options struct {
	db      *db.DB
	store   syncpkg.ObjectStore
	manual  conflict.ManualResolver
	clock   func() time.Time
	monitor time.Duration
}

// Option customizes New.
type Option func(*options)

// WithDB uses an already open database. The caller keeps ownership.
func WithDB(database *db.DB) Option {
	return func(o *options) { o.db = database }
}

// WithObjectStore replaces the configured remote with store.
func WithObjectStore(store syncpkg.ObjectStore) Option {
	return func(o *options) { o.store = store }
}

// WithManualResolver sets the callback asked about conflicts that need a
// decision.
func WithManualResolver(fn conflict.ManualResolver) Option {
	return func(o *options) { o.manual = fn }
}

// WithRemoteClock overrides the clock stamping server timestamps.
func WithRemoteClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithMonitorInterval sets how often the remote is probed.
func WithMonitorInterval(d time.Duration) Option {
	return func(o *options) { o.monitor = d }
}

// New opens the database and wires every component. The remote is
// connected but nothing runs in the background until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{monitor: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	if o.db != nil {
		a.DB = o.db
	} else {
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "open database", err)
		}
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate database", err)
		}
		a.DB = database
		a.ownsDB = true
	}

	cc := cfg.ConflictConfig()
	cc.OnManualResolution = o.manual

	a.Repo = db.NewRepository(a.DB)
	a.Outbox = outbox.New(a.DB)
	a.Detector = conflict.NewDetector(cc)
	a.Resolver = conflict.NewResolver(cc, a.DB, a.Outbox)

	a.remote = newRemoteHolder(o.monitor)
	a.remote.clock = o.clock
	a.openStore = func(ctx context.Context) (syncpkg.ObjectStore, syncpkg.Probe, error) {
		if o.store != nil {
			return o.store, nil, nil
		}
		return OpenStore(ctx, a.Config, a.Repo)
	}

	a.Coordinator = syncpkg.NewCoordinator(syncpkg.Deps{
		DB:           a.DB,
		Outbox:       a.Outbox,
		Detector:     a.Detector,
		Resolver:     a.Resolver,
		Remote:       a.remote,
		Connectivity: a.remote,
	}, cfg.SyncOptions())
	a.Scheduler = scheduler.NewScheduler(a.Coordinator, cfg.SchedulerConfig())

	a.Records = services.NewRecordService(a.DB, a.Outbox)
	a.Records.SetStatusRefresher(a.Coordinator)
	a.Credentials = services.NewCredentialService(a.DB, cfg.MachineID)
	a.Credentials.OnChange(a.ReloadRemote)

	a.baseCtx, a.cancel = context.WithCancel(context.Background())
	if err := a.ReloadRemote(ctx); err != nil {
		logging.Warn("Remote unavailable, continuing offline", map[string]interface{}{"error": err.Error()})
	}
	a.Coordinator.RefreshStatus(ctx)
	return a, nil
}

// ReloadRemote reconnects the remote from the current configuration and
// stored credentials.
func (a *App) ReloadRemote(ctx context.Context) error {
	store, probe, err := a.openStore(ctx)
	if err != nil {
		a.remote.set(a.baseCtx, nil, nil)
		return err
	}
	a.remote.set(a.baseCtx, store, probe)
	if store != nil {
		a.Coordinator.Trigger()
	}
	return nil
}

// Configured reports whether a remote is available.
func (a *App) Configured() bool {
	return a.remote.configured()
}

// Start runs the coordinator loop and the scheduler until Close.
func (a *App) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx := a.baseCtx

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error("Coordinator stopped", err)
		}
	}()
	a.Scheduler.WatchConnectivity(ctx, a.remote)
	a.Scheduler.Start(ctx)
}

// Compact removes remote tombstones older than age from every table.
func (a *App) Compact(ctx context.Context, age time.Duration) (int, error) {
	r, err := a.remote.current()
	if err != nil {
		return 0, err
	}
	tables, err := r.ListTables(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	total := 0
	for _, t := range tables {
		n, err := r.Compact(ctx, t, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Status bundles what status displays need.
type Status struct {
	Sync       syncpkg.Status            `json:"sync"`
	Scheduler  scheduler.SchedulerStatus `json:"scheduler"`
	Outbox     outbox.Stats              `json:"outbox"`
	Conflicts  int                       `json:"unresolved_conflicts"`
	Configured bool                      `json:"configured"`
	Watermarks []models.SyncState        `json:"watermarks"`
}

// Snapshot collects the current status.
func (a *App) Snapshot(ctx context.Context) (Status, error) {
	st := Status{
		Sync:       a.Coordinator.Status(),
		Scheduler:  a.Scheduler.GetStatus(),
		Configured: a.Configured(),
	}
	var err error
	if st.Outbox, err = a.Outbox.GetStats(ctx, a.Coordinator.MaxRetries()); err != nil {
		return Status{}, err
	}
	if st.Conflicts, err = a.Resolver.Registry().CountUnresolved(ctx); err != nil {
		return Status{}, err
	}
	if st.Watermarks, err = a.Repo.ListSyncStates(ctx); err != nil {
		return Status{}, err
	}
	return st, nil
}

// Close stops background work and closes the database if New opened it.
func (a *App) Close() error {
	a.Scheduler.Stop()
	if a.Coordinator.Status().IsActive() {
		a.Coordinator.Cancel()
	}
	a.cancel()
	a.remote.close()
	a.wg.Wait()
	if a.ownsDB {
		return a.DB.Close()
	}
	return nil
}
