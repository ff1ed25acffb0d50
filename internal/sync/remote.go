// Package sync drives offline-first synchronization: it drains the outbox
// to a remote, pulls remote changes, and reconciles them with local records.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/models"
)

// PushResult is the remote's acknowledgement of a mutation.
type PushResult struct {
	ServerID        string    `json:"server_id"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// RemoteChange is one record version pulled from the remote.
type RemoteChange struct {
	ServerID        string        `json:"server_id"`
	Fields          models.Record `json:"fields"`
	ServerTimestamp time.Time     `json:"server_timestamp"`
	Deleted         bool          `json:"deleted,omitempty"`
}

// RemoteAPI is the server side of synchronization. Implementations return
// errors classified by the errors package: retryable (network, timeout,
// 5xx, rate limit) or rejected (validation, auth).
type RemoteAPI interface {
	// PushMutation applies one mutation. For creates serverID is an
	// idempotency key: pushing the same create twice must yield one record.
	PushMutation(ctx context.Context, table string, op models.Operation, serverID string, payload models.Record) (PushResult, error)

	// PullChanges returns the table's changes with a server timestamp
	// strictly after since, oldest first.
	PullChanges(ctx context.Context, table string, since time.Time) ([]RemoteChange, error)
}

// TableLister is implemented by remotes that know which tables exist
// server-side, so a fresh device can pull tables it has never written.
type TableLister interface {
	ListTables(ctx context.Context) ([]string, error)
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	IsConnected(ctx context.Context) bool
	// Changes delivers reachability transitions. May return nil.
	Changes() <-chan bool
}

// StaticConnectivity is a Connectivity whose state is set by hand.
type StaticConnectivity struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

// NewStaticConnectivity starts in the given state.
func NewStaticConnectivity(online bool) *StaticConnectivity {
	return &StaticConnectivity{online: online, changes: make(chan bool, 1)}
}

// IsConnected implements Connectivity.
func (c *StaticConnectivity) IsConnected(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Changes implements Connectivity.
func (c *StaticConnectivity) Changes() <-chan bool {
	return c.changes
}

// Set changes the state and emits a transition if it differs.
func (c *StaticConnectivity) Set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	select {
	case <-c.changes:
	default:
	}
	c.changes <- online
}
