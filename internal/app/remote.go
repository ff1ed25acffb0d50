package app

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/s3"
	"github.com/kimhsiao/millsync/backend/internal/sync/storage"
)

// OpenStore builds the object store selected by cfg.Remote. With no
// provider configured the enabled stored credential is used; when there is
// none either, store is nil.
func OpenStore(ctx context.Context, cfg config.Config, repo *db.Repository) (syncpkg.ObjectStore, syncpkg.Probe, error) {
	r := cfg.Remote
	switch r.Provider {
	case "file":
		root, err := filepath.Abs(filepath.Join(r.Path, filepath.FromSlash(r.Prefix)))
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrConfig, "remote.path", err)
		}
		osFs := afero.NewOsFs()
		if err := osFs.MkdirAll(root, 0o755); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrConfig, "create remote directory", err)
		}
		probe := func(context.Context) error {
			_, err := osFs.Stat(root)
			return err
		}
		return storage.NewFileStore(afero.NewBasePathFs(osFs, root), "/"), probe, nil

	case s3.ProviderAWS:
		c := (&s3.AWSConfig{BucketName: r.Bucket, AccessKey: r.AccessKey, SecretKey: r.SecretKey, Region: r.Region, Prefix: r.Prefix}).ClientConfig()
		c.Endpoint = r.Endpoint
		return newS3(ctx, c, nil)

	case s3.ProviderMinIO:
		c, err := (&s3.MinIOConfig{Endpoint: r.Endpoint, BucketName: r.Bucket, AccessKey: r.AccessKey, SecretKey: r.SecretKey, UseSSL: r.UseSSL, Prefix: r.Prefix}).ClientConfig()
		return newS3(ctx, c, err)

	case s3.ProviderR2:
		c, err := (&s3.R2Config{AccountID: r.AccountID, BucketName: r.Bucket, AccessKey: r.AccessKey, SecretKey: r.SecretKey, Prefix: r.Prefix}).ClientConfig()
		return newS3(ctx, c, err)
	}

	cred, err := repo.GetSyncCredentials(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cred == nil {
		return nil, nil, nil
	}
	c, err := s3.ConfigFromCredential(cred, cfg.MachineID, r.Prefix)
	return newS3(ctx, c, err)
}

func newS3(ctx context.Context, c s3.Config, err error) (syncpkg.ObjectStore, syncpkg.Probe, error) {
	if err != nil {
		return nil, nil, err
	}
	client, err := s3.New(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return client, client.TestConnection, nil
}

// remoteHolder lets the remote be replaced at runtime, for example after
// new credentials are saved. It is the coordinator's RemoteAPI and its
// Connectivity: with no remote configured it reports offline, so cycles
// end in StateOffline instead of burning retries.
type remoteHolder struct {
	interval time.Duration
	clock    func() time.Time

	mu      sync.RWMutex
	remote  *syncpkg.ObjectRemote
	monitor *syncpkg.Monitor
	stop    context.CancelFunc
	subs    []chan bool
}

var (
	_ syncpkg.RemoteAPI    = (*remoteHolder)(nil)
	_ syncpkg.TableLister  = (*remoteHolder)(nil)
	_ syncpkg.Connectivity = (*remoteHolder)(nil)
)

func newRemoteHolder(interval time.Duration) *remoteHolder {
	return &remoteHolder{interval: interval}
}

// set installs store. A nil probe means the store is always reachable.
// The monitor runs until ctx is done or the store is replaced.
func (h *remoteHolder) set(ctx context.Context, store syncpkg.ObjectStore, probe syncpkg.Probe) {
	var opts []syncpkg.ObjectRemoteOption
	if h.clock != nil {
		opts = append(opts, syncpkg.WithObjectClock(h.clock))
	}

	h.mu.Lock()
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
	h.monitor = nil
	h.remote = nil
	if store != nil {
		h.remote = syncpkg.NewObjectRemote(store, opts...)
		if probe != nil {
			mctx, cancel := context.WithCancel(ctx)
			h.stop = cancel
			h.monitor = syncpkg.NewMonitor(probe, h.interval)
			go h.follow(mctx, h.monitor)
		}
	}
	online := h.remote != nil
	h.mu.Unlock()

	logging.Info("Remote configured", map[string]interface{}{"configured": online})
	h.notify(online)
}

func (h *remoteHolder) follow(ctx context.Context, m *syncpkg.Monitor) {
	go m.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-m.Changes():
			h.notify(online)
		}
	}
}

// notify hands online to every subscriber, replacing a value the
// subscriber has not read yet.
func (h *remoteHolder) notify(online bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

func (h *remoteHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

func (h *remoteHolder) current() (*syncpkg.ObjectRemote, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.remote == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote configured")
	}
	return h.remote, nil
}

func (h *remoteHolder) configured() bool {
	_, err := h.current()
	return err == nil
}

// PushMutation implements sync.RemoteAPI.
func (h *remoteHolder) PushMutation(ctx context.Context, table string, op models.Operation, serverID string, payload models.Record) (syncpkg.PushResult, error) {
	r, err := h.current()
	if err != nil {
		return syncpkg.PushResult{}, err
	}
	return r.PushMutation(ctx, table, op, serverID, payload)
}

// PullChanges implements sync.RemoteAPI.
func (h *remoteHolder) PullChanges(ctx context.Context, table string, since time.Time) ([]syncpkg.RemoteChange, error) {
	r, err := h.current()
	if err != nil {
		return nil, err
	}
	return r.PullChanges(ctx, table, since)
}

// ListTables implements sync.TableLister.
func (h *remoteHolder) ListTables(ctx context.Context) ([]string, error) {
	r, err := h.current()
	if err != nil {
		return nil, err
	}
	return r.ListTables(ctx)
}

// IsConnected implements sync.Connectivity.
func (h *remoteHolder) IsConnected(ctx context.Context) bool {
	h.mu.RLock()
	remote, monitor := h.remote, h.monitor
	h.mu.RUnlock()
	if remote == nil {
		return false
	}
	return monitor == nil || monitor.IsConnected(ctx)
}

// Changes implements sync.Connectivity. Every call returns a new
// subscription.
func (h *remoteHolder) Changes() <-chan bool {
	ch := make(chan bool, 1)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}
