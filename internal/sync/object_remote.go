package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/uuid"
)

// ObjectStore defines the interface for cloud storage operations.
type ObjectStore interface {
	// Upload uploads data to the store.
	Upload(ctx context.Context, key string, data []byte) error

	// Download downloads data from the store. A missing key is
	// errors.ErrNotFound.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete deletes data from the store.
	Delete(ctx context.Context, key string) error

	// List lists all keys with a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

const objectSuffix = ".json.sz"

// objectEnvelope is the stored form of one record version.
type objectEnvelope struct {
	ServerID        string        `json:"server_id"`
	Table           string        `json:"table"`
	Fields          models.Record `json:"fields"`
	ServerTimestamp time.Time     `json:"server_timestamp"`
	Deleted         bool          `json:"deleted,omitempty"`
}

// ObjectRemote is a RemoteAPI over a plain object store. Each record lives
// at <table>/<server id>.json.sz as a snappy-compressed JSON envelope;
// deletes leave a tombstone so other devices can pull them.
//
// Devices sharing a bucket share one clock only loosely: server
// timestamps come from the writing device.
type ObjectRemote struct {
	store ObjectStore
	now   func() time.Time

	mu   sync.Mutex
	last time.Time
}

// ObjectRemoteOption configures an ObjectRemote.
type ObjectRemoteOption func(*ObjectRemote)

// WithObjectClock overrides the clock used for server timestamps.
func WithObjectClock(now func() time.Time) ObjectRemoteOption {
	return func(r *ObjectRemote) { r.now = now }
}

// NewObjectRemote creates a remote on store.
func NewObjectRemote(store ObjectStore, opts ...ObjectRemoteOption) *ObjectRemote {
	r := &ObjectRemote{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	_ RemoteAPI   = (*ObjectRemote)(nil)
	_ TableLister = (*ObjectRemote)(nil)
)

// PushMutation implements RemoteAPI.
func (r *ObjectRemote) PushMutation(ctx context.Context, table string, op models.Operation, serverID string, payload models.Record) (PushResult, error) {
	if err := validTable(table); err != nil {
		return PushResult{}, err
	}
	if strings.ContainsAny(serverID, "/\\") {
		return PushResult{}, apperrors.Rejected(fmt.Sprintf("invalid server id %q", serverID), nil)
	}

	switch op {
	case models.OperationCreate:
		if serverID == "" {
			serverID = uuid.NewRecordID()
		}
		return r.write(ctx, objectEnvelope{ServerID: serverID, Table: table, Fields: payload.Clone()})

	case models.OperationUpdate:
		if serverID == "" {
			return PushResult{}, apperrors.Rejected("update without server id", nil)
		}
		current, err := r.read(ctx, objectKey(table, serverID))
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			current = &objectEnvelope{}
		case err != nil:
			return PushResult{}, err
		case current.Deleted:
			return PushResult{}, apperrors.Rejected(fmt.Sprintf("%s/%s was deleted", table, serverID), nil)
		}
		return r.write(ctx, objectEnvelope{ServerID: serverID, Table: table, Fields: current.Fields.Merge(payload)})

	case models.OperationDelete:
		if serverID == "" {
			return PushResult{}, apperrors.Rejected("delete without server id", nil)
		}
		return r.write(ctx, objectEnvelope{ServerID: serverID, Table: table, Fields: models.Record{}, Deleted: true})
	}
	return PushResult{}, apperrors.Rejected(fmt.Sprintf("unknown operation %q", op), nil)
}

// PullChanges implements RemoteAPI.
func (r *ObjectRemote) PullChanges(ctx context.Context, table string, since time.Time) ([]RemoteChange, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	keys, err := r.store.List(ctx, table+"/")
	if err != nil {
		return nil, err
	}

	var changes []RemoteChange
	for _, key := range keys {
		if !strings.HasSuffix(key, objectSuffix) {
			continue
		}
		env, err := r.read(ctx, key)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Removed between List and Download.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !env.ServerTimestamp.After(since) {
			continue
		}
		changes = append(changes, RemoteChange{
			ServerID:        env.ServerID,
			Fields:          env.Fields,
			ServerTimestamp: env.ServerTimestamp,
			Deleted:         env.Deleted,
		})
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].ServerTimestamp.Equal(changes[j].ServerTimestamp) {
			return changes[i].ServerID < changes[j].ServerID
		}
		return changes[i].ServerTimestamp.Before(changes[j].ServerTimestamp)
	})
	return changes, nil
}

// ListTables implements TableLister.
func (r *ObjectRemote) ListTables(ctx context.Context) ([]string, error) {
	keys, err := r.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, key := range keys {
		table, _, ok := strings.Cut(key, "/")
		if ok && table != "" && strings.HasSuffix(key, objectSuffix) {
			set[table] = struct{}{}
		}
	}
	tables := make([]string, 0, len(set))
	for t := range set {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables, nil
}

// Compact removes tombstones written before cutoff. Devices that have not
// pulled since then will keep the deleted record.
func (r *ObjectRemote) Compact(ctx context.Context, table string, cutoff time.Time) (int, error) {
	keys, err := r.store.List(ctx, table+"/")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		env, err := r.read(ctx, key)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return removed, err
		}
		if env.Deleted && env.ServerTimestamp.Before(cutoff) {
			if err := r.store.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		logging.Info("Compacted tombstones", map[string]interface{}{"table": table, "removed": removed})
	}
	return removed, nil
}

func (r *ObjectRemote) write(ctx context.Context, env objectEnvelope) (PushResult, error) {
	env.ServerTimestamp = r.tick()
	data, err := encodeEnvelope(env)
	if err != nil {
		return PushResult{}, apperrors.Rejected("encode "+env.Table, err)
	}
	if err := r.store.Upload(ctx, objectKey(env.Table, env.ServerID), data); err != nil {
		return PushResult{}, err
	}
	return PushResult{ServerID: env.ServerID, ServerTimestamp: env.ServerTimestamp}, nil
}

func (r *ObjectRemote) read(ctx context.Context, key string) (*objectEnvelope, error) {
	data, err := r.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "corrupt object "+key, err)
	}
	return env, nil
}

// tick returns a timestamp strictly after every one handed out before, so
// a watermark never skips a write made in the same clock tick.
func (r *ObjectRemote) tick() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now().UTC()
	if !t.After(r.last) {
		t = r.last.Add(time.Microsecond)
	}
	r.last = t
	return t
}

func objectKey(table, serverID string) string {
	return table + "/" + serverID + objectSuffix
}

func validTable(table string) error {
	if table == "" || strings.ContainsAny(table, "/\\") {
		return apperrors.Rejected(fmt.Sprintf("invalid table name %q", table), nil)
	}
	return nil
}

func encodeEnvelope(env objectEnvelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeEnvelope(data []byte) (*objectEnvelope, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	var env objectEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Fields == nil {
		env.Fields = models.Record{}
	}
	return &env, nil
}
