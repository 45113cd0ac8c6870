// ABOUTME: Per-client record: session, system info, liveness, and the pending
// ABOUTME: command-correlation table with its record-local lock.

package registry

import (
	"fmt"
	"log/slog"
	"time"

	"sync"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/session"
)

// DisconnectedError is the synthetic result error delivered to every pending
// command when the owning session tears down before answering.
const DisconnectedError = "Client disconnected before receiving response"

// Record tracks one active agent on the controller. The pending map is
// guarded by the record's own lock, never the registry's, so dispatch to one
// agent cannot stall dispatch to another.
type Record struct {
	ClientID    string
	Session     *session.Session
	SystemInfo  protocol.SystemInfo
	ConnectedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	active   bool
	pending  map[string]chan *protocol.Result

	logger *slog.Logger
}

func newRecord(clientID string, sess *session.Session, info protocol.SystemInfo, logger *slog.Logger) *Record {
	now := time.Now()
	return &Record{
		ClientID:    clientID,
		Session:     sess,
		SystemInfo:  info,
		ConnectedAt: now,
		lastSeen:    now,
		active:      true,
		pending:     make(map[string]chan *protocol.Result),
		logger:      logger,
	}
}

// Touch records inbound traffic from the client.
func (r *Record) Touch() {
	r.mu.Lock()
	r.lastSeen = time.Now()
	r.mu.Unlock()
}

// LastSeen returns the time of the most recent inbound message.
func (r *Record) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

// Active reports whether the record still represents a live session.
func (r *Record) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Identifier renders the display form used in logs and operator output:
// "hostname (uuid-prefix)".
func (r *Record) Identifier() string {
	host := r.SystemInfo.Hostname
	if host == "" {
		host = "unknown"
	}
	id := r.ClientID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s (%s)", host, id)
}

// AddPending registers a correlation id and returns the channel its result
// will be delivered on. The channel is buffered so resolution never blocks
// the session's receive loop. Returns false if the record is already
// inactive: the caller should treat the client as disconnected.
func (r *Record) AddPending(correlationID string) (<-chan *protocol.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil, false
	}
	ch := make(chan *protocol.Result, 1)
	r.pending[correlationID] = ch
	return ch, true
}

// RemovePending discards a correlation entry without fulfilling it, pruning
// the table when a dispatcher stops waiting. A late result for the id is then
// logged and dropped.
func (r *Record) RemovePending(correlationID string) {
	r.mu.Lock()
	delete(r.pending, correlationID)
	r.mu.Unlock()
}

// Resolve fulfills the pending entry for a correlation id exactly once.
// Returns false when no entry exists (unknown id, or the dispatcher already
// timed out and pruned it).
func (r *Record) Resolve(correlationID string, result *protocol.Result) bool {
	r.mu.Lock()
	ch, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result // buffered; cannot block
	return true
}

// failAllPending marks the record inactive and fulfills every outstanding
// correlation with a synthetic disconnection error. Called from the registry
// on teardown or eviction; safe to call more than once.
func (r *Record) failAllPending() {
	r.mu.Lock()
	r.active = false
	orphaned := r.pending
	r.pending = make(map[string]chan *protocol.Result)
	r.mu.Unlock()

	for id, ch := range orphaned {
		ch <- &protocol.Result{
			Status: protocol.StatusError,
			Error:  DisconnectedError,
		}
		r.logger.Debug("failed pending command on teardown",
			"client", r.ClientID, "correlation_id", id)
	}
}

// PendingCount reports outstanding correlations, for tests and diagnostics.
func (r *Record) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
