// Package store implements Sentinel's durable event log and agent table on
// a single SQLite file at ${SENTINEL_DATA_DIR}/sentinel.db.
//
// The events table is append-only: every insert atomically assigns the next
// sequence number, which is the sole total order over events. Writes are
// serialized on one logical connection so seq stays strictly increasing and
// dense. Agents are upserted in place and never deleted.
//
// The store is a concrete type, not an interface — there is exactly one
// backend and the callers depend on the operation set, not a spelling.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/cnrmurphy/sentinel/internal/event"
)

// Agent statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Agent is the identity record for one observed agent. Agents are created
// on first observation and updated in place; LastSeenAt never precedes
// CreatedAt.
type Agent struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	SessionID        string `json:"session_id,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	CreatedAt        string `json:"created_at"`
	LastSeenAt       string `json:"last_seen_at"`
	Status           string `json:"status"`
}

// ErrDuplicateID is returned when an event id collides with a persisted
// one. This is a correctness signal, not a recoverable condition.
var ErrDuplicateID = fmt.Errorf("event id already persisted")

// Store is the SQLite-backed event log. Thread-safe: the proxy and the
// label ingress insert concurrently from multiple HTTP handler goroutines.
type Store struct {
	db *sql.DB

	// writeMu serializes inserts so sequence assignment and row insertion
	// are one transaction ordered against all other writers.
	writeMu sync.Mutex
}

// Open opens (or creates) the database at the given path and applies any
// pending migrations. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// WAL mode for concurrent read/write (proxy writes, CLI and backfill
	// queries read).
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvent atomically assigns the next sequence number, persists the
// event, and returns the assigned value with e.Seq populated.
//
// agent_activity payloads are rejected at this boundary — they exist only
// on the bus. A duplicate id returns ErrDuplicateID.
func (s *Store) InsertEvent(e *event.Event) (int64, error) {
	if err := e.Payload.Validate(); err != nil {
		return 0, fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	if e.Payload.Type == event.TypeAgentActivity {
		return 0, fmt.Errorf("inserting event %s: agent_activity payloads are not persistable", e.ID)
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling payload for event %s: %w", e.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO events (id, timestamp, session_id, agent, topic, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.SessionID, e.Agent, e.Topic, string(payloadJSON),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: events.id") {
			return 0, fmt.Errorf("inserting event %s: %w", e.ID, ErrDuplicateID)
		}
		return 0, fmt.Errorf("inserting event %s: %w", e.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading assigned seq for event %s: %w", e.ID, err)
	}

	e.Seq = seq
	return seq, nil
}

// RecentEvents returns the most recent limit events in ascending seq order.
func (s *Store) RecentEvents(limit int) ([]event.Event, error) {
	rows, err := s.db.Query(
		`SELECT seq, id, timestamp, session_id, agent, topic, payload_json
		 FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	// Rows came newest-first; callers want seq ascending.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EventsByAgent returns all events attributed to the named agent, ordered
// by seq ascending.
func (s *Store) EventsByAgent(name string) ([]event.Event, error) {
	rows, err := s.db.Query(
		`SELECT seq, id, timestamp, session_id, agent, topic, payload_json
		 FROM events WHERE agent = ? ORDER BY seq ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("querying events for agent %q: %w", name, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsUpTo returns all events with seq <= checkpoint, ordered by seq
// ascending. Used by the checkpoint export tool.
func (s *Store) EventsUpTo(checkpoint int64) ([]event.Event, error) {
	rows, err := s.db.Query(
		`SELECT seq, id, timestamp, session_id, agent, topic, payload_json
		 FROM events WHERE seq <= ? ORDER BY seq ASC`, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("querying events up to seq %d: %w", checkpoint, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest assigned sequence number, or 0 when the
// store is empty.
func (s *Store) LatestSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying latest seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// scanEvents materializes rows with named column bindings. A row that
// fails to deserialize is logged with enough context to locate it and
// surfaced as an error — never silently omitted.
func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var e event.Event
		var payloadJSON string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.SessionID, &e.Agent, &e.Topic, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			slog.Warn("event row has undecodable payload", "seq", e.Seq, "id", e.ID, "error", err)
			return nil, fmt.Errorf("decoding payload of event seq=%d id=%s: %w", e.Seq, e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertAgent creates the agent row on first observation and updates it in
// place afterwards. CreatedAt is preserved on update; LastSeenAt, session,
// working directory, and status advance.
func (s *Store) UpsertAgent(a Agent) error {
	if a.Name == "" {
		return fmt.Errorf("upserting agent: name must not be empty")
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := time.Now().UTC().Format(event.TimestampFormat)
	if a.CreatedAt == "" {
		a.CreatedAt = now
	}
	if a.LastSeenAt == "" {
		a.LastSeenAt = now
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO agents (id, name, session_id, working_directory, created_at, last_seen_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   session_id = excluded.session_id,
		   working_directory = excluded.working_directory,
		   last_seen_at = excluded.last_seen_at,
		   status = excluded.status`,
		a.ID, a.Name, a.SessionID, a.WorkingDirectory, a.CreatedAt, a.LastSeenAt, a.Status,
	)
	if err != nil {
		return fmt.Errorf("upserting agent %q: %w", a.Name, err)
	}
	return nil
}

// ListAgents returns all known agents ordered by name.
func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(
		`SELECT id, name, session_id, working_directory, created_at, last_seen_at, status
		 FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.SessionID, &a.WorkingDirectory, &a.CreatedAt, &a.LastSeenAt, &a.Status); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
