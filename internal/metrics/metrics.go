// ABOUTME: Prometheus instrumentation for the controller: connection and
// ABOUTME: dispatch counters, with an optional HTTP exposition listener.

package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once   sync.Once
	shared *Metrics
)

// Metrics holds the controller's instrument set.
type Metrics struct {
	ConnectedAgents    prometheus.Gauge
	Registrations      prometheus.Counter
	CommandsDispatched prometheus.Counter
	ResultsReceived    *prometheus.CounterVec
	ProtocolErrors     prometheus.Counter
	HeartbeatsSent     prometheus.Counter
}

// Get returns the process-wide metrics set, creating it on first use.
// promauto registers against the default registry, so construction must
// happen at most once per process.
func Get() *Metrics {
	once.Do(func() {
		shared = newMetrics()
	})
	return shared
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectedAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cmdmesh_connected_agents",
			Help: "Number of agents currently registered with the controller.",
		}),
		Registrations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cmdmesh_registrations_total",
			Help: "Total agent registrations accepted, including replacements.",
		}),
		CommandsDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cmdmesh_commands_dispatched_total",
			Help: "Total commands sent to agents.",
		}),
		ResultsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdmesh_command_results_total",
			Help: "Command results by status, including synthetic timeouts.",
		}, []string{"status"}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cmdmesh_protocol_errors_total",
			Help: "Frames dropped because they failed to decode.",
		}),
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cmdmesh_heartbeats_sent_total",
			Help: "Ping probes sent to quiet agents.",
		}),
	}
}

// Serve exposes /metrics on addr in a background goroutine and returns the
// server so the caller can shut it down. Errors are logged, never fatal:
// metrics are a convenience, not a dependency.
func Serve(addr string, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics listener starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener stopped", "error", err)
		}
	}()
	return srv
}
