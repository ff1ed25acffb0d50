// Package scheduler runs sync cycles in the background: periodically while
// online, and sooner when there is pending work or a retryable failure.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
)

// Syncer is the part of the coordinator the scheduler drives.
type Syncer interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	Status() syncpkg.Status
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        Syncer
	syncInterval  time.Duration
	retryInterval time.Duration
	cycleTimeout  time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	isRunning     bool
	isOnline      bool
	lastSyncTime  time.Time
	lastResult    *syncpkg.SyncResult
	inProgress    bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration `yaml:"sync_interval" toml:"sync_interval" json:"sync_interval"`    // full cycle while online (default: 15 minutes)
	RetryInterval time.Duration `yaml:"retry_interval" toml:"retry_interval" json:"retry_interval"` // pending work or retryable error (default: 1 minute)
	CycleTimeout  time.Duration `yaml:"cycle_timeout" toml:"cycle_timeout" json:"cycle_timeout"`    // default: 5 minutes
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		RetryInterval: 1 * time.Minute,
		CycleTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Syncer, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	s := &Scheduler{
		engine:        engine,
		syncInterval:  config.SyncInterval,
		retryInterval: config.RetryInterval,
		cycleTimeout:  config.CycleTimeout,
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.retryInterval <= 0 {
		s.retryInterval = def.RetryInterval
	}
	if s.cycleTimeout <= 0 {
		s.cycleTimeout = def.CycleTimeout
	}
	return s
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stop)
	go s.retryLoop(ctx, stop)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"retry_interval": s.retryInterval.String(),
	})
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. Nothing is
// started while offline.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// WatchConnectivity follows conn's transitions until ctx is done.
func (s *Scheduler) WatchConnectivity(ctx context.Context, conn syncpkg.Connectivity) {
	s.SetOnlineStatus(conn.IsConnected(ctx))
	changes := conn.Changes()
	if changes == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-changes:
				if !ok {
					return
				}
				s.SetOnlineStatus(online)
			}
		}
	}()
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.TriggerSync(ctx)
		}
	}
}

// retryLoop starts a cycle early when the outbox holds pending entries or
// the last cycle ended in a retryable error.
func (s *Scheduler) retryLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if s.needsRetry() {
				s.TriggerSync(ctx)
			}
		}
	}
}

func (s *Scheduler) needsRetry() bool {
	st := s.engine.Status()
	switch st.State {
	case syncpkg.StatePaused, syncpkg.StateSyncing:
		return false
	case syncpkg.StateError:
		return st.Retryable || st.PendingCount > 0
	}
	return st.PendingCount > 0
}

// runSync executes one cycle.
func (s *Scheduler) runSync(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.SyncNow(syncCtx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) || apperrors.Is(err, apperrors.ErrSyncPaused) {
			logging.Debug("Scheduled sync skipped", map[string]interface{}{"reason": string(apperrors.Code(err))})
			return
		}
		logging.ErrorWithCode("Scheduled sync failed", string(apperrors.Code(err)), err,
			map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		return
	}
	s.record(result)
}

func (s *Scheduler) record(result *syncpkg.SyncResult) {
	s.mu.Lock()
	s.lastResult = result
	if result != nil && result.State == syncpkg.StateSuccess {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()
}

// TriggerSync starts a cycle in the background. Returns false when offline
// or when a scheduled cycle is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if !s.isOnline {
		s.mu.Unlock()
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return false
	}
	if s.inProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return false
	}
	s.inProgress = true
	s.mu.Unlock()

	go s.runSync(ctx)
	return true
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	PendingItems   int                 `json:"pending_items"`
	FailedItems    int                 `json:"failed_items"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	st := s.engine.Status()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.inProgress || st.IsActive(),
		PendingItems:   st.PendingCount,
		FailedItems:    st.FailedCount,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// SyncNow runs a cycle and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.SyncNow(syncCtx)
	if err != nil {
		return nil, err
	}
	s.record(result)

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"state":     result.State,
			"pushed":    result.Pushed,
			"pulled":    result.Pulled,
			"conflicts": result.ConflictsDetected,
		})
	return result, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
