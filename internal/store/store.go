package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the local SQLite-backed latest-truth state and append-only event log.
//
// Notes:
// - A single writer path is enforced (one connection + write mutex). Readers share
//   the same connection; WAL keeps the file safe across the supervisor processes.
// - All values are stored as JSON in text columns; decoding happens at consumer edges.
type Store struct {
	db *sql.DB

	mu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
}

var (
	// ErrDuplicateEventID is returned when an event with the same stable id already exists.
	ErrDuplicateEventID = errors.New("DUPLICATE_EVENT_ID")
	// ErrInvalidStateKey is returned for ingest keys outside the allow-list or regex.
	ErrInvalidStateKey = errors.New("INVALID_STATE_KEY")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks transient store failures; callers surface STORE_UNAVAILABLE.
	ErrUnavailable = errors.New("STORE_UNAVAILABLE")
)

// IsUnavailable reports whether err is a transient store failure rather than a
// caller mistake. It recognizes the ErrUnavailable sentinel, dead connections,
// and the transient SQLite result codes (busy, locked, I/O, disk full).
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Mask extended result codes down to their primary code.
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY,
			sqlite3.SQLITE_LOCKED,
			sqlite3.SQLITE_NOMEM,
			sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_FULL,
			sqlite3.SQLITE_CANTOPEN:
			return true
		}
	}
	return false
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{
		db:   db,
		subs: make(map[int]chan Event),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
	return s.db.Close()
}

// Subscribe registers a channel that receives every event appended after this call.
// Slow subscribers drop events rather than blocking the writer.
func (s *Store) Subscribe() (<-chan Event, func()) {
	if s == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan Event, 64)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subsMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(ev Event) {
	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subsMu.Unlock()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return fmt.Errorf("pragma foreign_keys: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS config (
  key TEXT PRIMARY KEY,
  value_json TEXT NOT NULL,
  updated_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS capabilities (
  name TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  detail_json TEXT NOT NULL DEFAULT '{}',
  updated_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS state_current (
  state_key TEXT PRIMARY KEY,
  state_value_json TEXT NOT NULL,
  source TEXT NOT NULL,
  confidence REAL,
  observed_at_utc TEXT NOT NULL,
  updated_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  timestamp_utc TEXT NOT NULL,
  event_type TEXT NOT NULL,
  source TEXT NOT NULL,
  session_id TEXT,
  correlation_id TEXT,
  incident_id TEXT,
  mode TEXT,
  severity TEXT NOT NULL DEFAULT 'info',
  payload_json TEXT NOT NULL DEFAULT '{}',
  tags_json TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type, seq DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_correlation ON event_log(correlation_id, seq ASC);
CREATE TABLE IF NOT EXISTS intent_log (
  request_id TEXT PRIMARY KEY,
  schema_version TEXT NOT NULL,
  timestamp_utc TEXT NOT NULL,
  session_id TEXT,
  mode TEXT NOT NULL,
  domain TEXT NOT NULL,
  urgency TEXT NOT NULL,
  user_text TEXT NOT NULL,
  needs_tools INTEGER NOT NULL DEFAULT 0,
  needs_clarification INTEGER NOT NULL DEFAULT 0,
  clarification_questions_json TEXT NOT NULL DEFAULT '[]',
  retrieval_json TEXT NOT NULL DEFAULT '{}',
  proposed_actions_json TEXT NOT NULL DEFAULT '[]',
  response_text TEXT NOT NULL DEFAULT '',
  created_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS action_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id TEXT NOT NULL REFERENCES intent_log(request_id),
  action_id TEXT NOT NULL,
  tool_name TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'queued',
  safety_level TEXT NOT NULL,
  mode_at_execution TEXT,
  reason TEXT,
  parameters_json TEXT NOT NULL DEFAULT '{}',
  output_json TEXT,
  error_code TEXT,
  error_message TEXT,
  created_at_utc TEXT NOT NULL,
  started_at_utc TEXT,
  ended_at_utc TEXT,
  UNIQUE(request_id, action_id)
);
CREATE TABLE IF NOT EXISTS feedback_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id TEXT NOT NULL REFERENCES intent_log(request_id),
  rating INTEGER NOT NULL,
  correction_text TEXT,
  reviewer TEXT NOT NULL DEFAULT 'user',
  created_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stt_bias (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  phrase TEXT NOT NULL,
  normalized TEXT NOT NULL,
  mode TEXT NOT NULL DEFAULT '',
  weight REAL NOT NULL DEFAULT 1.0,
  active INTEGER NOT NULL DEFAULT 1,
  updated_at_utc TEXT NOT NULL,
  UNIQUE(normalized, mode)
);
CREATE TABLE IF NOT EXISTS twitch_cursors (
  event_type TEXT PRIMARY KEY,
  last_commit_ts TEXT NOT NULL DEFAULT '',
  last_seq INTEGER NOT NULL DEFAULT 0,
  updated_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS twitch_users (
  user_id TEXT PRIMARY KEY,
  login_name TEXT,
  display_name TEXT,
  flags_json TEXT NOT NULL DEFAULT '{}',
  first_seen_utc TEXT NOT NULL,
  last_seen_utc TEXT NOT NULL,
  message_count INTEGER NOT NULL DEFAULT 0,
  bits_total INTEGER NOT NULL DEFAULT 0,
  hype_total INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS twitch_recent_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  message_ts_utc TEXT NOT NULL,
  msg_id TEXT,
  text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_twitch_recent_messages_user ON twitch_recent_messages(user_id, id DESC);
CREATE TABLE IF NOT EXISTS twitch_redeems (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  reward_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  ts_utc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_twitch_redeems_user ON twitch_redeems(user_id, reward_id);
CREATE TABLE IF NOT EXISTS twitch_recent_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  commit_ts TEXT NOT NULL,
  user_id TEXT NOT NULL,
  payload_json TEXT NOT NULL DEFAULT '{}'
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: store not initialized", ErrUnavailable)
	}
	return nil
}

func ensureCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
