package sync

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/logging"
)

// Probe checks whether the remote answers. s3.Client.TestConnection is a
// Probe.
type Probe func(ctx context.Context) error

// Monitor is a Connectivity that polls a Probe.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration

	mu      sync.RWMutex
	online  bool
	checked bool
	changes chan bool
}

// NewMonitor creates a monitor. Until the first probe completes the remote
// is assumed reachable.
func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		online:   true,
		changes:  make(chan bool, 1),
	}
}

// IsConnected implements Connectivity.
func (m *Monitor) IsConnected(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Changes implements Connectivity.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return m.IsConnected(ctx)
	}

	online := err == nil
	m.mu.Lock()
	changed := !m.checked || m.online != online
	m.online = online
	m.checked = true
	m.mu.Unlock()

	if changed {
		fields := map[string]interface{}{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		logging.Debug("Remote reachability", fields)
		select {
		case <-m.changes:
		default:
		}
		select {
		case m.changes <- online:
		default:
		}
	}
	return online
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
