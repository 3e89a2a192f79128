// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/persistence/sqlite"
)

const schemaVersion = 1

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open initializes the state store at dbPath, running migrations as needed.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS machines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		mac_address TEXT NOT NULL UNIQUE,
		ip_address TEXT,
		boot_mode TEXT NOT NULL,
		is_online INTEGER NOT NULL DEFAULT 0,
		disabled INTEGER NOT NULL DEFAULT 0,
		hardware_json TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		format TEXT NOT NULL,
		image_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		virtual_size_bytes INTEGER NOT NULL DEFAULT 0,
		checksum_md5 TEXT,
		checksum_sha256 TEXT,
		status TEXT NOT NULL,
		storage_path TEXT,
		staging_path TEXT,
		progress REAL NOT NULL DEFAULT 0,
		processing_log TEXT,
		error_message TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		claimed_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_images_status ON images(status, deleted, created_at_ms);

	CREATE TABLE IF NOT EXISTS targets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id INTEGER NOT NULL REFERENCES machines(id),
		image_id TEXT NOT NULL REFERENCES images(id),
		iqn TEXT NOT NULL,
		lun_id INTEGER NOT NULL DEFAULT 0,
		initiator_iqn TEXT NOT NULL,
		backstore_name TEXT NOT NULL,
		image_path TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_targets_machine_status ON targets(machine_id, status);

	-- IQNs are deterministic per (machine, image), so historical rows repeat
	-- them; only one live exposure per IQN may exist at a time.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_targets_live_iqn
		ON targets(iqn) WHERE status IN ('PENDING', 'ACTIVE');

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		machine_id INTEGER NOT NULL REFERENCES machines(id),
		target_id INTEGER,
		image_id TEXT NOT NULL,
		session_type TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at_ms INTEGER,
		last_activity_ms INTEGER,
		ended_at_ms INTEGER,
		client_ip TEXT,
		initiator_iqn TEXT,
		error_message TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_machine_status ON sessions(machine_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity_ms);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		correlation_id TEXT
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- time helpers: UTC instants stored as integer milliseconds ---

func t2ms(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func ms2t(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOf(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func hwToJSON(hw *model.HardwareInfo) sql.NullString {
	if hw == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(hw)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func hwFromJSON(v sql.NullString) *model.HardwareInfo {
	if !v.Valid || v.String == "" {
		return nil
	}
	var hw model.HardwareInfo
	if err := json.Unmarshal([]byte(v.String), &hw); err != nil {
		return nil
	}
	return &hw
}
