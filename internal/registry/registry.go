// ABOUTME: Concurrent directory of active agent sessions keyed by client id.
// ABOUTME: Registration replaces, teardown removes by identity, lookup by prefix.

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/session"
)

// Lookup errors.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrAmbiguousClient = errors.New("multiple clients match prefix")
)

// Registry holds at most one active record per client id. The registry-wide
// lock covers only map mutation; it is never held while sending on a session
// or while touching a record's pending table.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Record
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]*Record),
		logger:  logger.With("component", "registry"),
	}
}

// Register inserts a record for the client, atomically evicting any previous
// record with the same id: last registered wins. The evicted session is
// closed and its pending commands are failed after the lock is released, so
// eviction can never deadlock against the closed session's own teardown.
func (g *Registry) Register(clientID string, sess *session.Session, info protocol.SystemInfo) *Record {
	rec := newRecord(clientID, sess, info, g.logger)

	g.mu.Lock()
	prev := g.clients[clientID]
	g.clients[clientID] = rec
	total := len(g.clients)
	g.mu.Unlock()

	if prev != nil {
		g.logger.Info("replacing existing connection",
			"client", prev.Identifier(),
			"old_remote", prev.Session.RemoteAddr(),
			"new_remote", sess.RemoteAddr(),
		)
		prev.failAllPending()
		prev.Session.Close()
	}

	g.logger.Info("client registered",
		"client", rec.Identifier(),
		"remote", sess.RemoteAddr(),
		"total_clients", total,
	)
	return rec
}

// Unregister removes the record owning the given session, matching by
// identity: if the client id has already been re-registered with a newer
// session, the newer record is left alone. Returns the removed record, or
// nil if the session owned nothing (already replaced, or never registered).
//
// The removed record's pending commands are failed here so teardown is the
// single point where in-flight commands die.
func (g *Registry) Unregister(sess *session.Session) *Record {
	g.mu.Lock()
	var removed *Record
	for id, rec := range g.clients {
		if rec.Session == sess {
			delete(g.clients, id)
			removed = rec
			break
		}
	}
	total := len(g.clients)
	g.mu.Unlock()

	if removed == nil {
		return nil
	}

	removed.failAllPending()
	g.logger.Info("client removed",
		"client", removed.Identifier(),
		"total_clients", total,
	)
	return removed
}

// FindBySession returns the record owning a session, if any.
func (g *Registry) FindBySession(sess *session.Session) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range g.clients {
		if rec.Session == sess {
			return rec
		}
	}
	return nil
}

// Find resolves a client id or unique prefix. An exact match always wins;
// an ambiguous prefix is an error rather than an arbitrary pick.
func (g *Registry) Find(idOrPrefix string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.clients[idOrPrefix]; ok {
		return rec, nil
	}

	var matches []*Record
	for id, rec := range g.clients {
		if strings.HasPrefix(id, idOrPrefix) {
			matches = append(matches, rec)
		}
	}

	switch len(matches) {
	case 0:
		return nil, ErrClientNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousClient
	}
}

// List snapshots the active records, ordered by client id for stable output.
func (g *Registry) List() []*Record {
	g.mu.Lock()
	records := make([]*Record, 0, len(g.clients))
	for _, rec := range g.clients {
		records = append(records, rec)
	}
	g.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].ClientID < records[j].ClientID
	})
	return records
}

// Len reports the number of active records.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}
