// ABOUTME: Periodic backstop that pings agents whose sessions have gone quiet.
// ABOUTME: The per-session read-timeout probe is primary; this sweeps stragglers.

package health

import (
	"log/slog"
	"time"

	"github.com/cmdmesh/cmdmesh/internal/metrics"
	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/registry"
)

// Defaults mirror the protocol's liveness envelope: a sweep every 30s, a
// probe for anything silent past 120s.
const (
	DefaultInterval  = 30 * time.Second
	DefaultStaleness = 120 * time.Second
)

// Monitor periodically scans the registry and probes stale records. A probe
// that cannot even be written means the socket is dead; the send path closes
// the session and teardown does the rest.
type Monitor struct {
	registry  *registry.Registry
	interval  time.Duration
	staleness time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

// New creates a monitor over the registry. Zero durations select defaults;
// metrics may be nil.
func New(reg *registry.Registry, interval, staleness time.Duration, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:  reg,
		interval:  interval,
		staleness: staleness,
		logger:    logger.With("component", "health"),
		metrics:   m,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep probes every record silent for longer than the staleness threshold.
// The registry lock is not held while sending: List returns a snapshot.
func (m *Monitor) sweep() {
	now := time.Now()
	for _, rec := range m.registry.List() {
		idle := now.Sub(rec.LastSeen())
		if idle < m.staleness {
			continue
		}

		m.logger.Debug("probing stale client", "client", rec.Identifier(), "idle", idle)
		if err := rec.Session.Send(protocol.NewPing(float64(now.UnixNano()) / 1e9)); err != nil {
			// Send already closed the session; teardown handles eviction.
			m.logger.Info("stale client unreachable", "client", rec.Identifier(), "error", err)
			continue
		}
		if m.metrics != nil {
			m.metrics.HeartbeatsSent.Inc()
		}
	}
}
