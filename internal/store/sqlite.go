// ABOUTME: SQLite implementation of the client inventory using modernc.org/sqlite.
// ABOUTME: Automatic schema creation, WAL mode, upsert-based registration counting.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

// SQLiteInventory implements Inventory over a local SQLite file.
type SQLiteInventory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteInventory opens (creating if needed) the inventory database at
// path. Parent directories are created as needed.
func NewSQLiteInventory(path string, logger *slog.Logger) (*SQLiteInventory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "inventory")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteInventory{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("client inventory initialized", "path", path)
	return s, nil
}

func (s *SQLiteInventory) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS clients (
			client_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			platform TEXT NOT NULL,
			platform_version TEXT NOT NULL DEFAULT '',
			runtime_version TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			connect_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_clients_last_seen ON clients(last_seen);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRegistration upserts the roster row for a registering agent. The
// system snapshot replaces the stored one: a reinstalled host should show its
// current face, not its first.
func (s *SQLiteInventory) RecordRegistration(ctx context.Context, info protocol.SystemInfo) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, hostname, platform, platform_version,
			runtime_version, ip_address, first_seen, last_seen, connect_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(client_id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			platform_version = excluded.platform_version,
			runtime_version = excluded.runtime_version,
			ip_address = excluded.ip_address,
			last_seen = excluded.last_seen,
			connect_count = connect_count + 1
	`, info.ClientID, info.Hostname, info.Platform, info.PlatformVersion,
		info.RuntimeVersion, info.IPAddress, now, now)
	if err != nil {
		return fmt.Errorf("recording registration for %s: %w", info.ClientID, err)
	}
	return nil
}

// MarkSeen advances last_seen for a client.
func (s *SQLiteInventory) MarkSeen(ctx context.Context, clientID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET last_seen = ? WHERE client_id = ?`,
		at.UTC(), clientID)
	if err != nil {
		return fmt.Errorf("marking %s seen: %w", clientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetClient fetches one roster entry.
func (s *SQLiteInventory) GetClient(ctx context.Context, clientID string) (*KnownClient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, hostname, platform, platform_version, runtime_version,
			ip_address, first_seen, last_seen, connect_count
		FROM clients WHERE client_id = ?
	`, clientID)

	kc, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching client %s: %w", clientID, err)
	}
	return kc, nil
}

// ListKnown returns the roster ordered by most recently seen.
func (s *SQLiteInventory) ListKnown(ctx context.Context) ([]*KnownClient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, hostname, platform, platform_version, runtime_version,
			ip_address, first_seen, last_seen, connect_count
		FROM clients ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var out []*KnownClient
	for rows.Next() {
		kc, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteInventory) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*KnownClient, error) {
	var kc KnownClient
	err := row.Scan(&kc.ClientID, &kc.Hostname, &kc.Platform, &kc.PlatformVersion,
		&kc.RuntimeVersion, &kc.IPAddress, &kc.FirstSeen, &kc.LastSeen, &kc.ConnectCount)
	if err != nil {
		return nil, err
	}
	return &kc, nil
}
