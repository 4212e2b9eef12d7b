// Package registrystore persists CameraSession identity across restarts:
// device id, peer IP, the token from code=100 registration, and
// first/last-seen timestamps. Frame
// payloads never touch the database (spec.md §1's scope); only the
// registration metadata a dashboard operator wants to survive a restart is
// durable. Grounded on internal/plex/dvr.go's sql.Open("sqlite", path)
// pattern, the only sqlite user in the donor tree.
package registrystore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id   TEXT PRIMARY KEY,
	peer_ip     TEXT NOT NULL,
	cli_token   TEXT NOT NULL DEFAULT '',
	first_seen  INTEGER NOT NULL,
	last_seen   INTEGER NOT NULL
);
`

// Store wraps a sqlite-backed devices table.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite file at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registrystore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registrystore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceRecord is one row of the devices table.
type DeviceRecord struct {
	DeviceID  string
	PeerIP    string
	CliToken  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Upsert records that deviceID was last seen from peerIP at now. A
// first-time device id gets first_seen == last_seen; an existing one keeps
// its original first_seen and only last_seen and peer_ip/cli_token advance.
func (s *Store) Upsert(deviceID, peerIP, cliToken string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, peer_ip, cli_token, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			peer_ip = excluded.peer_ip,
			cli_token = excluded.cli_token,
			last_seen = excluded.last_seen
	`, deviceID, peerIP, cliToken, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("registrystore: upsert %s: %w", deviceID, err)
	}
	return nil
}

// Get returns the record for deviceID, or ok == false if unknown.
func (s *Store) Get(deviceID string) (DeviceRecord, bool, error) {
	row := s.db.QueryRow(`SELECT device_id, peer_ip, cli_token, first_seen, last_seen FROM devices WHERE device_id = ?`, deviceID)
	var rec DeviceRecord
	var first, last int64
	if err := row.Scan(&rec.DeviceID, &rec.PeerIP, &rec.CliToken, &first, &last); err != nil {
		if err == sql.ErrNoRows {
			return DeviceRecord{}, false, nil
		}
		return DeviceRecord{}, false, fmt.Errorf("registrystore: get %s: %w", deviceID, err)
	}
	rec.FirstSeen = time.Unix(first, 0)
	rec.LastSeen = time.Unix(last, 0)
	return rec, true, nil
}

// List returns every known device, ordered by last_seen descending (most
// recently active first).
func (s *Store) List() ([]DeviceRecord, error) {
	rows, err := s.db.Query(`SELECT device_id, peer_ip, cli_token, first_seen, last_seen FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("registrystore: list: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		var first, last int64
		if err := rows.Scan(&rec.DeviceID, &rec.PeerIP, &rec.CliToken, &first, &last); err != nil {
			return nil, fmt.Errorf("registrystore: scan: %w", err)
		}
		rec.FirstSeen = time.Unix(first, 0)
		rec.LastSeen = time.Unix(last, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}
