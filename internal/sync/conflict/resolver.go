package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/db"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/sync/outbox"
	"github.com/kimhsiao/millsync/backend/internal/uuid"
)

// ResolvedConflict is the outcome of resolving a conflict: the record to
// write at the conflict's local id, and for Duplicate the extra local copy.
type ResolvedConflict struct {
	Conflict models.SyncConflict
	Strategy models.Strategy
	Record   models.Record
	Copy     models.Record
}

// BatchResult collects the per-conflict outcomes of a batch resolution.
type BatchResult struct {
	Resolved []string         `json:"resolved"`
	Deferred []string         `json:"deferred"`
	Failed   map[string]error `json:"-"`
}

// Resolver computes resolutions and applies them to local storage.
type Resolver struct {
	cfg      Config
	db       *db.DB
	outbox   *outbox.Store
	registry *Registry
	locks    *keyedMutex
	now      func() time.Time
	newID    func() string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock overrides the time source used for merge timestamps.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator overrides how Duplicate assigns local ids.
func WithIDGenerator(fn func() string) ResolverOption {
	return func(r *Resolver) { r.newID = fn }
}

// NewResolver creates a resolver writing through database and ob.
func NewResolver(cfg Config, database *db.DB, ob *outbox.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cfg:      cfg.clone(),
		db:       database,
		outbox:   ob,
		registry: NewRegistry(database),
		locks:    newKeyedMutex(),
		now:      time.Now,
		newID:    uuid.NewRecordID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the conflict registry the resolver marks conflicts in.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Config returns a copy of the resolution policy.
func (r *Resolver) Config() Config {
	return r.cfg.clone()
}

// SelectStrategy picks the strategy for c when no override is given: the
// table strategy, else Manual when auto resolution is off, else KeepLocal
// when the local copy is strictly newer, else the default.
func (r *Resolver) SelectStrategy(c models.SyncConflict) models.Strategy {
	if s, ok := r.cfg.TableStrategies[c.TableName]; ok {
		return s
	}
	if !r.cfg.AutoResolve {
		return models.StrategyManual
	}
	if c.LocalModifiedAt.After(c.ServerModifiedAt) {
		return models.StrategyKeepLocal
	}
	return r.cfg.DefaultStrategy
}

// Resolve computes the resolution of c without touching storage. It
// returns nil, nil when the conflict is deferred to a person: Manual was
// chosen and no callback is configured, or the callback chose Manual.
func (r *Resolver) Resolve(ctx context.Context, c models.SyncConflict, override *models.Strategy) (*ResolvedConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	strategy := r.SelectStrategy(c)
	if override != nil {
		strategy = *override
	}

	if strategy == models.StrategyManual {
		if r.cfg.OnManualResolution == nil {
			return nil, nil
		}
		chosen := r.cfg.OnManualResolution(c, Diff(c, r.cfg.Excluded(c.TableName)))
		if chosen == models.StrategyManual || chosen == "" {
			return nil, nil
		}
		return r.Resolve(ctx, c, &chosen)
	}

	out := &ResolvedConflict{Conflict: c, Strategy: strategy}
	switch strategy {
	case models.StrategyKeepLocal:
		out.Record = keepLocal(c)
	case models.StrategyKeepServer:
		out.Record = remapServer(c)
	case models.StrategyMerge:
		out.Record = r.merge(c)
	case models.StrategyDuplicate:
		out.Record = remapServer(c)
		out.Copy = r.duplicate(c)
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown strategy %q", strategy))
	}
	return out, nil
}

func keepLocal(c models.SyncConflict) models.Record {
	rec := c.LocalData.Clone()
	if rec == nil {
		rec = models.Record{}
	}
	rec[models.FieldLocalID] = models.String(c.LocalID)
	if _, ok := rec.StringField(models.FieldServerID); !ok && c.ServerID != "" {
		rec[models.FieldServerID] = models.String(c.ServerID)
	}
	return rec
}

// serverAliases maps remote bookkeeping names to their local equivalents.
var serverAliases = map[string]string{
	models.FieldID:      models.FieldServerID,
	"createdAt":         models.FieldCreatedAt,
	"updatedAt":         models.FieldUpdatedAt,
	"server_created_at": models.FieldCreatedAt,
	"server_updated_at": models.FieldUpdatedAt,
}

// remapServer converts the conflict's server snapshot into the local schema.
func remapServer(c models.SyncConflict) models.Record {
	return ToLocal(c.ServerData, c.LocalID, c.ServerID, c.ServerModifiedAt)
}

// ToLocal converts a server record into the local schema: the remote id
// becomes server_id, remote timestamps take local names, and the record is
// marked synced under localID. modifiedAt fills updated_at when the server
// record carries none.
func ToLocal(server models.Record, localID, serverID string, modifiedAt time.Time) models.Record {
	rec := make(models.Record, len(server)+3)
	for k, v := range server {
		if k == models.FieldLocalID || k == models.FieldSyncStatus {
			continue
		}
		if alias, ok := serverAliases[k]; ok {
			if _, set := server[alias]; set && alias != models.FieldServerID {
				continue
			}
			k = alias
		}
		rec[k] = v
	}
	if serverID != "" {
		rec[models.FieldServerID] = models.String(serverID)
	}
	if _, ok := rec[models.FieldUpdatedAt]; !ok && !modifiedAt.IsZero() {
		rec[models.FieldUpdatedAt] = models.Timestamp(modifiedAt)
	}
	rec[models.FieldLocalID] = models.String(localID)
	rec[models.FieldSyncStatus] = models.String(models.SyncStatusSynced)
	return rec
}

// merge picks each comparable field in sorted order. The result is a new
// local change: pending, stamped now.
func (r *Resolver) merge(c models.SyncConflict) models.Record {
	rec := c.LocalData.Clone()
	if rec == nil {
		rec = models.Record{}
	}
	localNewer := c.LocalModifiedAt.After(c.ServerModifiedAt)

	for _, f := range ComparableFields(c.LocalData, c.ServerData, r.cfg.Excluded(c.TableName)) {
		src := c.ServerData
		if r.takeLocal(c, f, localNewer) {
			src = c.LocalData
		}
		if v, ok := src[f]; ok {
			rec[f] = v
		} else {
			delete(rec, f)
		}
	}

	rec[models.FieldLocalID] = models.String(c.LocalID)
	if c.ServerID != "" {
		rec[models.FieldServerID] = models.String(c.ServerID)
	}
	rec[models.FieldSyncStatus] = models.String(models.SyncStatusPending)
	rec[models.FieldUpdatedAt] = models.Timestamp(r.now().UTC())
	return rec
}

func (r *Resolver) takeLocal(c models.SyncConflict, field string, localNewer bool) bool {
	if s, ok := r.cfg.fieldStrategy(c.TableName, field); ok {
		switch s {
		case models.StrategyKeepLocal:
			return true
		case models.StrategyKeepServer:
			return false
		}
	}
	if contains(r.cfg.AlwaysLocalFields, field) {
		return true
	}
	if contains(r.cfg.AlwaysServerFields, field) {
		return false
	}
	if models.Equal(c.LocalData.Get(field), c.ServerData.Get(field)) {
		return true
	}
	return localNewer
}

// duplicate turns the local snapshot into a brand-new pending record.
func (r *Resolver) duplicate(c models.SyncConflict) models.Record {
	now := models.Timestamp(r.now().UTC())
	rec := models.Record{}
	for k, v := range c.LocalData {
		if !models.IsBookkeepingField(k) {
			rec[k] = v
		}
	}
	rec[models.FieldLocalID] = models.String(r.newID())
	rec[models.FieldCreatedAt] = now
	rec[models.FieldUpdatedAt] = now
	rec[models.FieldSyncStatus] = models.String(models.SyncStatusPending)
	return rec
}

// Apply writes a resolution: the record at the local id, the outbound
// mutation for a pending result, and the move of the conflict to the
// resolved set, in one transaction. On error nothing is changed.
func (r *Resolver) Apply(ctx context.Context, rc *ResolvedConflict) error {
	c := rc.Conflict
	unlock := r.locks.lock(c.TableName + "\x00" + c.LocalID)
	defer unlock()

	var refused bool
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		refused, err = r.applyTx(ctx, tx, rc)
		return err
	})
	if err == nil && refused {
		err = apperrors.New(apperrors.ErrConflictUnresolved,
			fmt.Sprintf("local record %s changed since conflict %s was detected", c.LocalID, c.ID))
	}
	if err != nil {
		logging.Error("Failed to apply conflict resolution", err, map[string]interface{}{
			"conflict_id": c.ID,
			"strategy":    rc.Strategy,
		})
		return err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id":        c.ID,
		"table":              c.TableName,
		"local_id":           c.LocalID,
		"strategy":           rc.Strategy,
		"local_modified_at":  c.LocalModifiedAt,
		"server_modified_at": c.ServerModifiedAt,
	})
	return nil
}

// applyTx writes rc inside tx. A local edit made after detection is never
// overwritten: keep-local, merge and duplicate are recomputed from the
// current record, and keep-server is refused with the conflict's local
// snapshot refreshed so it can be reviewed again. The bool reports a refusal.
func (r *Resolver) applyTx(ctx context.Context, tx *sql.Tx, rc *ResolvedConflict) (bool, error) {
	c := rc.Conflict
	repo := db.NewRepository(tx)
	ob := r.outbox.WithTx(tx)
	reg := r.registry.WithTx(tx)

	current, found, err := repo.GetRecord(ctx, c.TableName, c.LocalID)
	if err != nil {
		return false, err
	}
	if found && changedSince(c.LocalData, current) {
		modifiedAt, _ := current.ModifiedAt()
		if rc.Strategy == models.StrategyKeepServer {
			return true, reg.RefreshLocal(ctx, c.ID, current, modifiedAt)
		}
		fresh := c
		fresh.LocalData = current
		fresh.LocalModifiedAt = modifiedAt
		next, err := r.Resolve(ctx, fresh, &rc.Strategy)
		if err != nil {
			return false, err
		}
		*rc = *next
		c = fresh
	}

	if err := reg.MarkResolved(ctx, c.ID, rc.Strategy, r.now()); err != nil {
		return false, err
	}
	if err := repo.PutRecord(ctx, c.TableName, rc.Record); err != nil {
		return false, err
	}

	switch rc.Strategy {
	case models.StrategyKeepServer:
		if _, err := ob.DiscardPending(ctx, c.TableName, c.LocalID); err != nil {
			return false, err
		}
	case models.StrategyKeepLocal, models.StrategyMerge:
		if _, err := ob.EnqueueUpdate(ctx, c.TableName, c.LocalID, rc.Record.Clone()); err != nil {
			return false, err
		}
	case models.StrategyDuplicate:
		if _, err := ob.DiscardPending(ctx, c.TableName, c.LocalID); err != nil {
			return false, err
		}
		if err := repo.PutRecord(ctx, c.TableName, rc.Copy); err != nil {
			return false, err
		}
		copyID, _ := rc.Copy.StringField(models.FieldLocalID)
		if _, err := ob.EnqueueCreate(ctx, c.TableName, copyID, rc.Copy.Clone()); err != nil {
			return false, err
		}
	}
	return false, nil
}

// changedSince reports whether current differs from the snapshot taken at
// detection in any data field or in its modification time.
func changedSince(snapshot, current models.Record) bool {
	was, okWas := snapshot.ModifiedAt()
	now, okNow := current.ModifiedAt()
	if okWas != okNow || was.UnixMilli() != now.UnixMilli() {
		return true
	}
	for k, v := range current {
		if !models.IsBookkeepingField(k) && !models.Equal(v, snapshot.Get(k)) {
			return true
		}
	}
	for k := range snapshot {
		if _, ok := current[k]; !ok && !models.IsBookkeepingField(k) {
			return true
		}
	}
	return false
}

// ResolveConflict resolves and applies c. Returns nil, nil when deferred.
func (r *Resolver) ResolveConflict(ctx context.Context, c models.SyncConflict, override *models.Strategy) (*ResolvedConflict, error) {
	rc, err := r.Resolve(ctx, c, override)
	if err != nil || rc == nil {
		return nil, err
	}
	if err := r.Apply(ctx, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// ResolveByID loads an unresolved conflict and resolves it with strategy.
func (r *Resolver) ResolveByID(ctx context.Context, id string, strategy models.Strategy) (*ResolvedConflict, error) {
	c, err := r.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.IsResolved {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("unresolved conflict %s not found", id))
	}
	return r.ResolveConflict(ctx, *c, &strategy)
}

// ResolveAll resolves every unresolved conflict with the selection order.
func (r *Resolver) ResolveAll(ctx context.Context) (BatchResult, error) {
	conflicts, err := r.registry.ListUnresolved(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	return r.batch(ctx, conflicts, nil), nil
}

// ResolveAllForTable resolves the unresolved conflicts of one table.
func (r *Resolver) ResolveAllForTable(ctx context.Context, table string) (BatchResult, error) {
	conflicts, err := r.registry.ListUnresolvedForTable(ctx, table)
	if err != nil {
		return BatchResult{}, err
	}
	return r.batch(ctx, conflicts, nil), nil
}

// ResolveAllWithStrategy resolves every unresolved conflict with strategy,
// bypassing the selection order.
func (r *Resolver) ResolveAllWithStrategy(ctx context.Context, strategy models.Strategy) (BatchResult, error) {
	conflicts, err := r.registry.ListUnresolved(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	return r.batch(ctx, conflicts, &strategy), nil
}

// batch keeps going past per-conflict failures; only cancellation stops it.
func (r *Resolver) batch(ctx context.Context, conflicts []models.SyncConflict, override *models.Strategy) BatchResult {
	res := BatchResult{Failed: make(map[string]error)}
	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			res.Failed[c.ID] = err
			continue
		}
		rc, err := r.ResolveConflict(ctx, c, override)
		switch {
		case err != nil:
			res.Failed[c.ID] = err
		case rc == nil:
			res.Deferred = append(res.Deferred, c.ID)
		default:
			res.Resolved = append(res.Resolved, c.ID)
		}
	}
	return res
}

// keyedMutex serializes work per key and forgets idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
