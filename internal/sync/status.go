package sync

import (
	"context"
	"sync"
	"time"
)

// State is the coordinator's phase.
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateSuccess   State = "success"
	StateError     State = "error"
	StateOffline   State = "offline"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
)

// Status is an immutable snapshot of the sync state. A new value is
// published on every transition.
type Status struct {
	State               State      `json:"state"`
	PendingCount        int        `json:"pending_count"`
	FailedCount         int        `json:"failed_count"`
	UnresolvedConflicts int        `json:"unresolved_conflicts"`
	LastSyncTime        *time.Time `json:"last_sync_time,omitempty"`
	HasError            bool       `json:"has_error"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	Retryable           bool       `json:"retryable"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsActive reports whether a cycle is running.
func (s Status) IsActive() bool {
	return s.State == StateSyncing
}

// StatusBroadcaster holds the current Status and fans it out to observers.
type StatusBroadcaster struct {
	order   sync.Mutex
	mu      sync.RWMutex
	current Status
	nextID  int
	subs    map[int]func(Status)
	watch   map[int]chan Status
}

// NewStatusBroadcaster starts with initial as the current value.
func NewStatusBroadcaster(initial Status) *StatusBroadcaster {
	return &StatusBroadcaster{
		current: initial,
		subs:    make(map[int]func(Status)),
		watch:   make(map[int]chan Status),
	}
}

// Current returns the latest published status.
func (b *StatusBroadcaster) Current() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Publish replaces the current status and notifies observers. Concurrent
// publishes are delivered to every observer in the order they replaced the
// current value. Callbacks run synchronously on the publishing goroutine,
// must not block and must not publish.
func (b *StatusBroadcaster) Publish(s Status) {
	b.order.Lock()
	defer b.order.Unlock()

	b.mu.Lock()
	b.current = s
	subs := make([]func(Status), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	for _, ch := range b.watch {
		// Latest value wins: drop the stale one rather than block.
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Subscribe registers fn for every published status. The returned func
// unsubscribes.
func (b *StatusBroadcaster) Subscribe(fn func(Status)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Watch returns a channel that always holds the latest status, starting
// with the current one. It is closed when ctx is done.
func (b *StatusBroadcaster) Watch(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.watch[id] = ch
	ch <- b.current
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.watch, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}
