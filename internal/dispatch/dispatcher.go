// ABOUTME: Sends commands to registered sessions and correlates async results.
// ABOUTME: Fire-and-forget and blocking/aggregating forms over the registry.

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmdmesh/cmdmesh/internal/metrics"
	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/registry"
)

// DefaultAwaitTimeout bounds SendAndAwait when the caller passes zero.
const DefaultAwaitTimeout = 30 * time.Second

// NoResponseError is attached to the synthetic result for targets that never
// answered within the wait window.
const NoResponseError = "No response received before timeout"

// Dispatcher issues commands against registry records. It owns no state of
// its own beyond wiring; all correlation lives in the records' pending
// tables.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a dispatcher over the given registry. Metrics may be nil.
func New(reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		logger:   logger.With("component", "dispatcher"),
		metrics:  m,
	}
}

// Send issues a command to each target without waiting for results. Returns
// the correlation id assigned per client; clients whose send failed are
// absent from the map. Results arriving later are routed to the records'
// pending sinks, where they sit until consumed or the record tears down.
func (d *Dispatcher) Send(command string, targets []*registry.Record) map[string]string {
	issued := make(map[string]string, len(targets))
	for _, rec := range targets {
		if cid, ok := d.sendOne(command, rec); ok {
			issued[rec.ClientID] = cid
		}
	}
	return issued
}

// sendOne registers a correlation entry and transmits the command frame.
// The entry is pruned on send failure so nothing leaks.
func (d *Dispatcher) sendOne(command string, rec *registry.Record) (string, bool) {
	correlationID := uuid.New().String()

	if _, ok := rec.AddPending(correlationID); !ok {
		d.logger.Warn("target inactive at dispatch", "client", rec.Identifier())
		return "", false
	}

	if err := rec.Session.Send(protocol.NewCommand(correlationID, command)); err != nil {
		rec.RemovePending(correlationID)
		d.logger.Warn("send failed", "client", rec.Identifier(), "error", err)
		return "", false
	}

	if d.metrics != nil {
		d.metrics.CommandsDispatched.Inc()
	}
	d.logger.Debug("command dispatched",
		"client", rec.Identifier(),
		"correlation_id", correlationID,
	)
	return correlationID, true
}

// SendAndAwait issues a command to each target and blocks until every target
// resolves or the timeout elapses, whichever is first. The result map always
// has one entry per reachable target: a real result, a synthetic
// disconnection error, or a StatusNoResponse placeholder for timeouts. The
// timed-out correlation entries are pruned so a late reply cannot leak them.
func (d *Dispatcher) SendAndAwait(ctx context.Context, command string, targets []*registry.Record, timeout time.Duration) map[string]*protocol.Result {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}

	type outcome struct {
		clientID string
		result   *protocol.Result
	}

	// The deadline starts before any send so the wait window covers the
	// whole operation, writes included. A single timer fans out to all
	// waiters through a closed channel; a timer channel delivers to only one
	// receiver.
	timedOut := make(chan struct{})
	deadline := time.AfterFunc(timeout, func() { close(timedOut) })
	defer deadline.Stop()

	// Register every sink before waiting so slow targets don't shrink the
	// window for the rest. Each send runs on its own goroutine: a peer with
	// a full socket buffer blocks only its session's write deadline, never
	// this call. A failed send resolves the sink with a disconnection error
	// (Resolve is exactly-once, so it no-ops if teardown got there first).
	type inflight struct {
		rec *registry.Record
		cid string
		ch  <-chan *protocol.Result
	}
	var waiting []inflight
	for _, rec := range targets {
		correlationID := uuid.New().String()
		ch, ok := rec.AddPending(correlationID)
		if !ok {
			waiting = append(waiting, inflight{rec: rec, cid: "", ch: disconnectedSink()})
			continue
		}
		go func(rec *registry.Record, cid string) {
			if err := rec.Session.Send(protocol.NewCommand(cid, command)); err != nil {
				rec.Resolve(cid, &protocol.Result{
					Status: protocol.StatusError,
					Error:  registry.DisconnectedError,
				})
				return
			}
			if d.metrics != nil {
				d.metrics.CommandsDispatched.Inc()
			}
		}(rec, correlationID)
		waiting = append(waiting, inflight{rec: rec, cid: correlationID, ch: ch})
	}

	outcomes := make(chan outcome, len(waiting))
	var wg sync.WaitGroup
	for _, w := range waiting {
		wg.Add(1)
		go func(w inflight) {
			defer wg.Done()
			select {
			case res := <-w.ch:
				outcomes <- outcome{clientID: w.rec.ClientID, result: res}
			case <-timedOut:
				if w.cid != "" {
					w.rec.RemovePending(w.cid)
				}
				outcomes <- outcome{clientID: w.rec.ClientID, result: &protocol.Result{
					Status: protocol.StatusNoResponse,
					Error:  NoResponseError,
				}}
			case <-ctx.Done():
				if w.cid != "" {
					w.rec.RemovePending(w.cid)
				}
				outcomes <- outcome{clientID: w.rec.ClientID, result: &protocol.Result{
					Status: protocol.StatusError,
					Error:  ctx.Err().Error(),
				}}
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	results := make(map[string]*protocol.Result, len(waiting))
	for o := range outcomes {
		results[o.clientID] = o.result
		if d.metrics != nil {
			d.metrics.ResultsReceived.WithLabelValues(o.result.Status).Inc()
		}
	}
	return results
}

// disconnectedSink returns a pre-fulfilled channel for targets that were
// already gone at dispatch time.
func disconnectedSink() <-chan *protocol.Result {
	ch := make(chan *protocol.Result, 1)
	ch <- &protocol.Result{Status: protocol.StatusError, Error: registry.DisconnectedError}
	return ch
}
