package store

import (
	"fmt"
	"log/slog"
)

// migrations is the ordered list of schema changes. The schema_version
// table records the highest applied index; on open, every migration past
// that point is applied in its own transaction.
//
// Migrations are append-only — never edit an entry after it has shipped.
var migrations = []string{
	// 1: initial schema. seq is INTEGER PRIMARY KEY AUTOINCREMENT so
	// SQLite assigns max+1 at insert time; events are never deleted, which
	// keeps the sequence dense as well as strictly increasing.
	`CREATE TABLE events (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		timestamp    TEXT NOT NULL,
		session_id   TEXT NOT NULL DEFAULT '',
		agent        TEXT NOT NULL DEFAULT '',
		topic        TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL
	);
	CREATE INDEX idx_events_agent ON events(agent);
	CREATE INDEX idx_events_session ON events(session_id);

	CREATE TABLE agents (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL UNIQUE,
		session_id        TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		last_seen_at      TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'active'
	);`,
}

// migrate applies pending migrations. Each migration runs in a transaction
// together with the version bump, so a crash mid-migration leaves the
// schema at a known version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", i+1, err)
		}
		slog.Info("applied schema migration", "version", i+1)
	}

	return nil
}

// schemaVersion reads the current schema version, 0 when unset.
func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if err != nil {
		// No row yet — fresh database.
		return 0, nil
	}
	return version, nil
}
