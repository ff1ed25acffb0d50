package sync

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/millsync/backend/internal/sync/outbox"
	"github.com/kimhsiao/millsync/backend/internal/uuid"
)

// Options tunes the coordinator.
type Options struct {
	// MaxRetries is the retry budget of an outbox entry.
	MaxRetries int
	// BatchSize caps the entries pushed per cycle. 0 means all.
	BatchSize int
	// Tables are always pulled, even before anything was written locally.
	Tables []string
	// Retry governs pull retries.
	Retry RetryConfig
	// CycleTimeout bounds one cycle. 0 means no bound.
	CycleTimeout time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxRetries: outbox.DefaultMaxRetries,
		Retry:      DefaultRetryConfig(),
	}
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	DB           *db.DB
	Outbox       *outbox.Store
	Detector     *conflict.Detector
	Resolver     *conflict.Resolver
	Remote       RemoteAPI
	Connectivity Connectivity
}

// SyncResult summarizes one cycle.
type SyncResult struct {
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	Duration          time.Duration `json:"duration"`
	State             State         `json:"state"`
	Pushed            int           `json:"pushed"`
	PushFailed        int           `json:"push_failed"`
	Rejected          int           `json:"rejected"`
	Pulled            int           `json:"pulled"`
	ConflictsDetected int           `json:"conflicts_detected"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	ConflictsDeferred int           `json:"conflicts_deferred"`
	Error             string        `json:"error,omitempty"`
}

// Coordinator runs sync cycles, at most one at a time, and publishes a
// Status on every transition.
type Coordinator struct {
	db       *db.DB
	repo     *db.Repository
	outbox   *outbox.Store
	detector *conflict.Detector
	resolver *conflict.Resolver
	remote   RemoteAPI
	conn     Connectivity
	retryer  *Retryer
	status   *StatusBroadcaster
	opts     Options
	now      func() time.Time

	// pubMu orders status decisions with their publication.
	pubMu sync.Mutex

	mu        sync.Mutex
	running   bool
	rerun     bool
	paused    bool
	cancelled bool
	cancel    context.CancelFunc
	lastSync  *time.Time
	triggers  chan struct{}
}

// NewCoordinator wires a coordinator. Connectivity defaults to always
// online.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = outbox.DefaultMaxRetries
	}
	conn := deps.Connectivity
	if conn == nil {
		conn = NewStaticConnectivity(true)
	}
	return &Coordinator{
		db:       deps.DB,
		repo:     db.NewRepository(deps.DB),
		outbox:   deps.Outbox,
		detector: deps.Detector,
		resolver: deps.Resolver,
		remote:   deps.Remote,
		conn:     conn,
		retryer:  NewRetryer(opts.Retry),
		status:   NewStatusBroadcaster(Status{State: StateIdle, UpdatedAt: time.Now()}),
		opts:     opts,
		now:      time.Now,
		triggers: make(chan struct{}, 1),
	}
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	return c.status.Current()
}

// Subscribe registers fn for status changes and returns the unsubscribe
// func.
func (c *Coordinator) Subscribe(fn func(Status)) func() {
	return c.status.Subscribe(fn)
}

// Watch streams the latest status until ctx is done.
func (c *Coordinator) Watch(ctx context.Context) <-chan Status {
	return c.status.Watch(ctx)
}

// MaxRetries returns the outbox retry budget.
func (c *Coordinator) MaxRetries() int {
	return c.opts.MaxRetries
}

// Run recovers entries left in flight by a previous process, then serves
// triggers and reconnect events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.outbox.ResetInFlight(ctx); err != nil {
		return err
	}
	c.RefreshStatus(ctx)

	changes := c.conn.Changes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			logging.Info("Connectivity changed", map[string]interface{}{"online": online})
			if online {
				c.Trigger()
			} else {
				c.RefreshStatus(ctx)
			}
		case <-c.triggers:
			if _, err := c.SyncNow(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) && !apperrors.Is(err, apperrors.ErrSyncPaused) {
				logging.ErrorWithCode("Triggered sync failed", string(apperrors.Code(err)), err, nil)
			}
		}
	}
}

// Trigger asks Run to start a cycle. Triggers coalesce and are ignored
// while paused.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return
	}
	select {
	case c.triggers <- struct{}{}:
	default:
	}
}

// Pause stops the running cycle and ignores triggers until Resume.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.publish(context.Background(), StatePaused, nil)
	logging.Info("Sync paused", nil)
}

// Resume leaves Paused for Idle.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()

	if wasPaused {
		c.publish(context.Background(), StateIdle, nil)
		logging.Info("Sync resumed", nil)
	}
}

// Cancel stops the running cycle. Writes already committed stay.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	running := c.running
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if !running {
		c.publish(context.Background(), StateCancelled, nil)
	}
}

// IsPaused reports whether sync is paused.
func (c *Coordinator) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// RefreshStatus republishes the current state with fresh counts. Call it
// after local writes so PendingCount follows the outbox. It never replaces
// the status of a running cycle or a pause.
func (c *Coordinator) RefreshStatus(ctx context.Context) {
	online := c.conn.IsConnected(ctx)

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	running, paused := c.running, c.paused
	c.mu.Unlock()

	prev := c.status.Current()
	if running || prev.State == StateSyncing {
		return
	}
	state := prev.State
	switch {
	case paused:
		state = StatePaused
	case !online:
		state = StateOffline
	case state == StateOffline || state == StatePaused:
		state = StateIdle
	}
	c.publishLocked(ctx, state, func(s *Status) {
		s.HasError, s.ErrorMessage, s.Retryable = prev.HasError, prev.ErrorMessage, prev.Retryable
	})
}

// SyncNow runs one cycle. While another cycle runs it returns
// ErrSyncInProgress and queues a rerun; while paused it returns
// ErrSyncPaused. Operational outcomes (offline, remote failures) are
// reported through the result's State, not the error.
func (c *Coordinator) SyncNow(ctx context.Context) (*SyncResult, error) {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncPaused, "sync is paused")
	}
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}

	var cycleCtx context.Context
	var cancel context.CancelFunc
	if c.opts.CycleTimeout > 0 {
		cycleCtx, cancel = context.WithTimeout(ctx, c.opts.CycleTimeout)
	} else {
		cycleCtx, cancel = context.WithCancel(ctx)
	}
	c.running = true
	c.cancelled = false
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		rerun := c.rerun && !c.paused
		c.rerun = false
		c.mu.Unlock()
		if rerun {
			c.Trigger()
		}
	}()

	result := &SyncResult{StartTime: c.now()}
	err := c.cycle(cycleCtx, result)
	result.EndTime = c.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	logging.Info("Sync cycle finished", map[string]interface{}{
		"state":              result.State,
		"pushed":             result.Pushed,
		"push_failed":        result.PushFailed,
		"rejected":           result.Rejected,
		"pulled":             result.Pulled,
		"conflicts_detected": result.ConflictsDetected,
		"duration_ms":        result.Duration.Milliseconds(),
	})
	return result, err
}

func (c *Coordinator) cycle(ctx context.Context, result *SyncResult) error {
	c.publish(ctx, StateSyncing, nil)

	if !c.conn.IsConnected(ctx) {
		result.State = StateOffline
		c.publish(ctx, StateOffline, nil)
		return nil
	}

	if err := c.push(ctx, result); err != nil {
		return c.abort(ctx, result, err)
	}
	if err := c.pull(ctx, result); err != nil {
		return c.abort(ctx, result, err)
	}
	return c.finish(ctx, result)
}

// abort ends a cycle early. Cancellation and remote failures become
// states; anything else is returned to the caller.
func (c *Coordinator) abort(ctx context.Context, result *SyncResult, err error) error {
	c.mu.Lock()
	paused, cancelled := c.paused, c.cancelled
	c.mu.Unlock()

	switch {
	case paused:
		result.State = StatePaused
		c.publish(ctx, StatePaused, nil)
		return apperrors.Wrap(apperrors.ErrSyncPaused, "sync paused", err)
	case cancelled || stderrors.Is(err, context.Canceled):
		result.State = StateCancelled
		result.Error = "sync cancelled"
		c.publish(ctx, StateCancelled, nil)
		return apperrors.Wrap(apperrors.ErrSyncCancelled, "sync cancelled", err)
	}

	result.State = StateError
	result.Error = err.Error()
	retryable := apperrors.IsRetryable(err)
	c.publish(ctx, StateError, func(s *Status) {
		s.HasError = true
		s.ErrorMessage = err.Error()
		s.Retryable = retryable
	})

	if stderrors.Is(err, context.DeadlineExceeded) {
		logging.Warn("Sync cycle timed out", nil)
		return nil
	}
	code := apperrors.Code(err)
	if code == apperrors.ErrNetwork || code == apperrors.ErrRemoteRejected {
		logging.Warn("Sync cycle stopped by remote failure", map[string]interface{}{"error": err.Error()})
		return nil
	}
	logging.ErrorWithCode("Sync cycle failed", string(code), err, nil)
	return err
}

func (c *Coordinator) finish(ctx context.Context, result *SyncResult) error {
	now := c.now()
	c.mu.Lock()
	c.lastSync = &now
	c.mu.Unlock()

	failed, err := c.outbox.CountFailed(ctx, c.opts.MaxRetries)
	if err != nil {
		return c.abort(ctx, result, err)
	}
	unresolved, err := c.resolver.Registry().CountUnresolved(ctx)
	if err != nil {
		return c.abort(ctx, result, err)
	}

	if failed == 0 && unresolved == 0 {
		result.State = StateSuccess
		c.publish(ctx, StateSuccess, nil)
		return nil
	}

	msg := fmt.Sprintf("%d outbox entries failed, %d conflicts need resolution", failed, unresolved)
	result.State = StateError
	result.Error = msg
	c.publish(ctx, StateError, func(s *Status) {
		s.HasError = true
		s.ErrorMessage = msg
		s.Retryable = false
	})
	return nil
}

// push drains the outbox table by table in FIFO order.
func (c *Coordinator) push(ctx context.Context, result *SyncResult) error {
	groups, err := c.outbox.GroupByTable(ctx, c.opts.MaxRetries)
	if err != nil {
		return err
	}

	budget := c.opts.BatchSize
	for _, table := range outbox.TableOrder(groups) {
		for _, entry := range groups[table] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.opts.BatchSize > 0 {
				if budget == 0 {
					return nil
				}
				budget--
			}
			if err := c.pushEntry(ctx, entry, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// pushEntry returns an error only for cancellation or local storage
// failures; remote failures are recorded on the entry.
func (c *Coordinator) pushEntry(ctx context.Context, entry models.OutboxEntry, result *SyncResult) error {
	serverID, _ := entry.Payload.StringField(models.FieldServerID)
	if serverID == "" && entry.Operation != models.OperationDelete {
		rec, ok, err := c.repo.GetRecord(ctx, entry.TableName, entry.RecordID)
		if err != nil {
			return err
		}
		if ok {
			serverID, _ = rec.StringField(models.FieldServerID)
		}
	}

	op := entry.Operation
	switch {
	case op == models.OperationDelete && serverID == "":
		// Never reached the remote, nothing to delete there.
		return c.outbox.RecordSuccess(ctx, entry.ID)
	case op == models.OperationUpdate && serverID == "":
		op = models.OperationCreate
	case op == models.OperationCreate && serverID != "":
		// A previous attempt was accepted but not recorded.
		op = models.OperationUpdate
	}
	if op == models.OperationCreate {
		// The local id keys the create so a replay lands on the same
		// remote object.
		serverID = entry.RecordID
	}

	if err := c.outbox.MarkInFlight(ctx, entry.ID); err != nil {
		return err
	}

	res, err := c.remote.PushMutation(ctx, entry.TableName, op, serverID, pushPayload(entry.Payload))
	if err != nil {
		// The entry outlives this cycle whatever happens next.
		local := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			if _, rerr := c.outbox.ResetInFlight(local); rerr != nil {
				return rerr
			}
			return ctx.Err()
		}
		fields := map[string]interface{}{
			"entry_id":  entry.ID,
			"table":     entry.TableName,
			"record_id": entry.RecordID,
			"operation": op,
		}
		if apperrors.IsRejected(err) {
			result.Rejected++
			logging.ErrorWithCode("Remote rejected mutation", string(apperrors.ErrRemoteRejected), err, fields)
			return c.outbox.MarkPermanentFailure(local, entry.ID, err.Error())
		}
		result.PushFailed++
		logging.Warn("Push failed, will retry", fields)
		return c.outbox.RecordFailure(local, entry.ID, err.Error())
	}

	if res.ServerID == "" {
		res.ServerID = serverID
	}
	result.Pushed++
	// Acknowledged by the remote: commit even if the cycle is cancelled now.
	return c.commitPush(context.WithoutCancel(ctx), entry, op, res)
}

func (c *Coordinator) commitPush(ctx context.Context, entry models.OutboxEntry, op models.Operation, res PushResult) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		ob := c.outbox.WithTx(tx)
		repo := c.repo.WithTx(tx)

		if err := ob.RecordSuccess(ctx, entry.ID); err != nil {
			return err
		}
		if op == models.OperationDelete || res.ServerID == "" {
			return nil
		}
		if err := ob.AttachServerID(ctx, entry.TableName, entry.RecordID, res.ServerID); err != nil {
			return err
		}

		pending, err := ob.HasPending(ctx, entry.TableName, entry.RecordID)
		if err != nil {
			return err
		}
		if !pending {
			return repo.MarkSynced(ctx, entry.TableName, entry.RecordID, res.ServerID)
		}

		// Edited while in flight: keep it pending, but remember the server id.
		rec, ok, err := repo.GetRecord(ctx, entry.TableName, entry.RecordID)
		if err != nil || !ok {
			return err
		}
		rec[models.FieldServerID] = models.String(res.ServerID)
		return repo.PutRecord(ctx, entry.TableName, rec)
	})
}

// pushPayload strips local bookkeeping the remote has no use for.
func pushPayload(p models.Record) models.Record {
	out := p.Clone()
	if out == nil {
		out = models.Record{}
	}
	delete(out, models.FieldLocalID)
	delete(out, models.FieldSyncStatus)
	delete(out, models.FieldServerID)
	return out
}

func (c *Coordinator) pullTables(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	for _, t := range c.opts.Tables {
		set[t] = struct{}{}
	}
	local, err := c.repo.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range local {
		set[t] = struct{}{}
	}
	if lister, ok := c.remote.(TableLister); ok {
		remote, res := DoValue(ctx, c.retryer, lister.ListTables)
		if res.LastErr != nil {
			return nil, remoteError("list remote tables", res.LastErr)
		}
		for _, t := range remote {
			set[t] = struct{}{}
		}
	}

	tables := make([]string, 0, len(set))
	for t := range set {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables, nil
}

// pull fetches each table's changes since its watermark and applies them.
// The watermark only moves once every change of the table is applied.
func (c *Coordinator) pull(ctx context.Context, result *SyncResult) error {
	tables, err := c.pullTables(ctx)
	if err != nil {
		return err
	}

	for _, table := range tables {
		state, err := c.repo.GetSyncState(ctx, table)
		if err != nil {
			return err
		}
		var since time.Time
		if state.LastPulledAt > 0 {
			since = state.Watermark()
		}

		changes, res := DoValue(ctx, c.retryer, func(ctx context.Context) ([]RemoteChange, error) {
			return c.remote.PullChanges(ctx, table, since)
		})
		if res.LastErr != nil {
			return remoteError("pull "+table, res.LastErr)
		}

		watermark := since
		for _, ch := range changes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.applyChange(ctx, table, ch, result); err != nil {
				return err
			}
			result.Pulled++
			if ch.ServerTimestamp.After(watermark) {
				watermark = ch.ServerTimestamp
			}
		}

		if err := c.repo.AdvanceWatermark(ctx, table, watermark, c.now()); err != nil {
			return err
		}
	}
	return nil
}

// applyChange merges one pulled change into local storage. Unknown records
// are inserted, synced ones fast-forwarded, and pending ones go through
// conflict detection and resolution.
func (c *Coordinator) applyChange(ctx context.Context, table string, ch RemoteChange, result *SyncResult) error {
	if ch.ServerID == "" {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("pulled %s change without server id", table))
	}

	var (
		local    models.Record
		diverged bool
	)
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		repo := c.repo.WithTx(tx)
		rec, ok, err := repo.FindRecordByServerID(ctx, table, ch.ServerID)
		if err != nil {
			return err
		}
		localID, _ := rec.StringField(models.FieldLocalID)

		switch {
		case ch.Deleted:
			if ok && rec.SyncStatus() == models.SyncStatusSynced {
				_, err = repo.DeleteRecord(ctx, table, localID)
			}
			// A pending local edit outlives the tombstone and is pushed again.
			return err
		case !ok:
			return repo.PutRecord(ctx, table, localFromRemote(ch, uuid.NewRecordID()))
		case rec.SyncStatus() == models.SyncStatusSynced:
			return repo.PutRecord(ctx, table, localFromRemote(ch, localID))
		default:
			local, diverged = rec, true
			return nil
		}
	})
	if err != nil || !diverged {
		return err
	}

	localID, _ := local.StringField(models.FieldLocalID)
	server := ch.Fields.Clone()
	if server == nil {
		server = models.Record{}
	}
	server[models.FieldServerID] = models.String(ch.ServerID)
	if _, ok := server.ModifiedAt(); !ok {
		server[models.FieldUpdatedAt] = models.Timestamp(ch.ServerTimestamp)
	}

	detected, err := c.detector.Detect(ctx, c.resolver.Registry(), table, localID, local, server)
	if err != nil || detected == nil {
		return err
	}
	result.ConflictsDetected++

	rc, err := c.resolver.ResolveConflict(ctx, *detected, nil)
	switch {
	case apperrors.Is(err, apperrors.ErrConflictUnresolved):
		// A local edit landed after detection; it is reviewed again.
		result.ConflictsDeferred++
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Stays in the unresolved set; the cycle ends in Error.
		logging.Error("Conflict resolution failed", err, map[string]interface{}{"conflict_id": detected.ID})
	case rc == nil:
		result.ConflictsDeferred++
	default:
		result.ConflictsResolved++
	}
	return nil
}

func localFromRemote(ch RemoteChange, localID string) models.Record {
	return conflict.ToLocal(ch.Fields, localID, ch.ServerID, ch.ServerTimestamp)
}

// remoteError treats an unclassified remote failure as transient.
func remoteError(op string, err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Network(op+" failed", err)
}

// publish replaces the status with state and fresh counts. mutate may set
// the error fields.
func (c *Coordinator) publish(ctx context.Context, state State, mutate func(*Status)) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.publishLocked(ctx, state, mutate)
}

func (c *Coordinator) publishLocked(ctx context.Context, state State, mutate func(*Status)) {
	ctx = context.WithoutCancel(ctx)
	s := Status{State: state, UpdatedAt: c.now()}

	if stats, err := c.outbox.GetStats(ctx, c.opts.MaxRetries); err == nil {
		s.PendingCount = stats.Pending + stats.InFlight
		s.FailedCount = stats.Failed
	} else {
		logging.Warn("Failed to count outbox", map[string]interface{}{"error": err.Error()})
	}
	if c.resolver != nil {
		if n, err := c.resolver.Registry().CountUnresolved(ctx); err == nil {
			s.UnresolvedConflicts = n
		}
	}

	c.mu.Lock()
	if c.lastSync != nil {
		t := *c.lastSync
		s.LastSyncTime = &t
	}
	c.mu.Unlock()

	if mutate != nil {
		mutate(&s)
	}
	c.status.Publish(s)
}
