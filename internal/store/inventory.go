// ABOUTME: Inventory interface and record type for the persistent client roster.
// ABOUTME: Tracks which agents have ever registered; never stores command history.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

// ErrNotFound is returned when a requested client has never registered.
var ErrNotFound = errors.New("not found")

// KnownClient is one row of the roster: identity, the last reported system
// snapshot, and coarse connection history.
type KnownClient struct {
	ClientID        string
	Hostname        string
	Platform        string
	PlatformVersion string
	RuntimeVersion  string
	IPAddress       string
	FirstSeen       time.Time
	LastSeen        time.Time
	ConnectCount    int
}

// Inventory persists the client roster. Implementations must tolerate being
// called from session goroutines concurrently.
type Inventory interface {
	// RecordRegistration upserts the client and bumps its connect count.
	RecordRegistration(ctx context.Context, info protocol.SystemInfo) error
	// MarkSeen advances last_seen, typically at unregister time.
	MarkSeen(ctx context.Context, clientID string, at time.Time) error
	// GetClient fetches one roster entry.
	GetClient(ctx context.Context, clientID string) (*KnownClient, error)
	// ListKnown returns the roster ordered by most recently seen.
	ListKnown(ctx context.Context) ([]*KnownClient, error)
	Close() error
}
