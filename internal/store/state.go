package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StateEntry is the latest-truth row for one dotted state key.
type StateEntry struct {
	StateKey      string   `json:"state_key"`
	StateValue    any      `json:"state_value"`
	Source        string   `json:"source"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ObservedAtUTC string   `json:"observed_at_utc"`
	UpdatedAtUTC  string   `json:"updated_at_utc"`
}

// StateItem is one write request against the latest-truth table.
type StateItem struct {
	StateKey      string   `json:"state_key"`
	StateValue    any      `json:"state_value"`
	Source        string   `json:"source"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ObservedAtUTC string   `json:"observed_at_utc,omitempty"`

	// EmitEvent opts a write into STATE_CHANGED emission when the value materially
	// differs from the stored one. High-frequency numeric sources leave it off.
	EmitEvent     bool     `json:"-"`
	SessionID     string   `json:"-"`
	CorrelationID string   `json:"-"`
	Mode          string   `json:"-"`
	Tags          []string `json:"-"`
}

// BatchResult reports what a batch write actually changed.
type BatchResult struct {
	Upserted int      `json:"upserted"`
	Changed  int      `json:"changed"`
	Keys     []string `json:"state_keys"`
}

var stateKeyRe = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9_]+)+$`)

var ingestPrefixes = []string{"ed.", "music.", "hw.", "policy.", "ai."}

// ValidateIngestKey enforces the state-key grammar and the ingest prefix allow-list.
// Runtime-managed keys (app.*, system.*, twitch.*, jinx.*) bypass this and are written
// only by internal components.
func ValidateIngestKey(key string) error {
	k := strings.TrimSpace(key)
	if k == "" || !stateKeyRe.MatchString(k) {
		return fmt.Errorf("%w: %q must match ^[a-z0-9]+(\\.[a-z0-9_]+)+$", ErrInvalidStateKey, key)
	}
	for _, prefix := range ingestPrefixes {
		if strings.HasPrefix(k, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q must use one of prefixes: %s", ErrInvalidStateKey, key, strings.Join(ingestPrefixes, ", "))
}

// ValidateStateKey checks only the key grammar, without the ingest prefix restriction.
func ValidateStateKey(key string) error {
	k := strings.TrimSpace(key)
	if k == "" || !stateKeyRe.MatchString(k) {
		return fmt.Errorf("%w: %q", ErrInvalidStateKey, key)
	}
	return nil
}

func UTCNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func canonicalJSON(v any) string {
	// json.Marshal sorts map keys, which is enough for material-change detection.
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// SetState upserts a single state key. It returns whether the value materially changed.
func (s *Store) SetState(ctx context.Context, item StateItem) (bool, error) {
	res, err := s.BatchSetState(ctx, []StateItem{item})
	if err != nil {
		return false, err
	}
	return res.Changed > 0, nil
}

// BatchSetState upserts a batch of state keys in one transaction. For each item
// with EmitEvent set whose value materially changed, a STATE_CHANGED event is
// appended in the same transaction.
func (s *Store) BatchSetState(ctx context.Context, items []StateItem) (BatchResult, error) {
	if err := s.ready(); err != nil {
		return BatchResult{}, err
	}
	ctx = ensureCtx(ctx)
	if len(items) == 0 {
		return BatchResult{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	out := BatchResult{Keys: make([]string, 0, len(items))}
	var emitted []Event

	for _, item := range items {
		key := strings.TrimSpace(item.StateKey)
		if err := ValidateStateKey(key); err != nil {
			return BatchResult{}, err
		}
		source := strings.TrimSpace(item.Source)
		if source == "" {
			return BatchResult{}, fmt.Errorf("missing source for state key %q", key)
		}
		observedAt := strings.TrimSpace(item.ObservedAtUTC)
		if observedAt == "" {
			observedAt = UTCNow()
		}
		updatedAt := UTCNow()

		var prevRaw sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT state_value_json FROM state_current WHERE state_key = ?`, key,
		).Scan(&prevRaw)
		if err != nil && err != sql.ErrNoRows {
			return BatchResult{}, err
		}
		changed := err == sql.ErrNoRows || canonicalJSON(unmarshalJSON(prevRaw.String)) != canonicalJSON(item.StateValue)

		if _, err := tx.ExecContext(ctx, `
INSERT INTO state_current(state_key, state_value_json, source, confidence, observed_at_utc, updated_at_utc)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(state_key) DO UPDATE SET
  state_value_json = excluded.state_value_json,
  source = excluded.source,
  confidence = excluded.confidence,
  observed_at_utc = excluded.observed_at_utc,
  updated_at_utc = excluded.updated_at_utc
`, key, marshalJSON(item.StateValue), source, item.Confidence, observedAt, updatedAt); err != nil {
			return BatchResult{}, err
		}
		out.Upserted++
		out.Keys = append(out.Keys, key)
		if !changed {
			continue
		}
		out.Changed++

		if item.EmitEvent {
			ev := Event{
				EventID:       newEventID(),
				TimestampUTC:  updatedAt,
				EventType:     EventStateChanged,
				Source:        source,
				SessionID:     item.SessionID,
				CorrelationID: item.CorrelationID,
				Mode:          item.Mode,
				Severity:      SeverityInfo,
				Payload: map[string]any{
					"state_key":       key,
					"source":          source,
					"confidence":      item.Confidence,
					"observed_at_utc": observedAt,
				},
				Tags: item.Tags,
			}
			seq, err := insertEventTx(ctx, tx, ev)
			if err != nil {
				return BatchResult{}, err
			}
			ev.Seq = seq
			emitted = append(emitted, ev)
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, err
	}
	for _, ev := range emitted {
		s.notify(ev)
	}
	return out, nil
}

func (s *Store) GetState(ctx context.Context, key string) (*StateEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ensureCtx(ctx)
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("missing state key")
	}

	var e StateEntry
	var raw string
	var confidence sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT state_key, state_value_json, source, confidence, observed_at_utc, updated_at_utc
FROM state_current
WHERE state_key = ?
`, key).Scan(&e.StateKey, &raw, &e.Source, &confidence, &e.ObservedAtUTC, &e.UpdatedAtUTC)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.StateValue = unmarshalJSON(raw)
	if confidence.Valid {
		v := confidence.Float64
		e.Confidence = &v
	}
	return &e, nil
}

// GetStateBool reads a state key as a boolean, tolerating numeric and string forms.
func (s *Store) GetStateBool(ctx context.Context, key string) bool {
	e, err := s.GetState(ctx, key)
	if err != nil || e == nil {
		return false
	}
	switch v := e.StateValue.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

// GetStateString reads a state key as a trimmed string ("" when absent or non-string).
func (s *Store) GetStateString(ctx context.Context, key string) string {
	e, err := s.GetState(ctx, key)
	if err != nil || e == nil {
		return ""
	}
	if v, ok := e.StateValue.(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func (s *Store) ListState(ctx context.Context, prefix string) ([]StateEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ensureCtx(ctx)

	q := `
SELECT state_key, state_value_json, source, confidence, observed_at_utc, updated_at_utc
FROM state_current
`
	args := []any{}
	prefix = strings.TrimSpace(prefix)
	if prefix != "" {
		q += `WHERE state_key = ? OR state_key LIKE ? `
		args = append(args, prefix, prefix+".%")
	}
	q += `ORDER BY state_key ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateEntry
	for rows.Next() {
		var e StateEntry
		var raw string
		var confidence sql.NullFloat64
		if err := rows.Scan(&e.StateKey, &raw, &e.Source, &confidence, &e.ObservedAtUTC, &e.UpdatedAtUTC); err != nil {
			return nil, err
		}
		e.StateValue = unmarshalJSON(raw)
		if confidence.Valid {
			v := confidence.Float64
			e.Confidence = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Capability tracks a named subsystem's availability for the sitrep surface.
type Capability struct {
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Detail       map[string]any `json:"detail,omitempty"`
	UpdatedAtUTC string         `json:"updated_at_utc"`
}

func (s *Store) UpsertCapability(ctx context.Context, c Capability) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ensureCtx(ctx)
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return fmt.Errorf("missing capability name")
	}
	status := strings.TrimSpace(c.Status)
	switch status {
	case "available", "degraded", "unavailable":
	default:
		return fmt.Errorf("invalid capability status: %q", c.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO capabilities(name, status, detail_json, updated_at_utc)
VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  status = excluded.status,
  detail_json = excluded.detail_json,
  updated_at_utc = excluded.updated_at_utc
`, name, status, marshalJSON(c.Detail), UTCNow())
	return err
}

func (s *Store) ListCapabilities(ctx context.Context) ([]Capability, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ensureCtx(ctx), `
SELECT name, status, detail_json, updated_at_utc FROM capabilities ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		var c Capability
		var raw string
		if err := rows.Scan(&c.Name, &c.Status, &raw, &c.UpdatedAtUTC); err != nil {
			return nil, err
		}
		if m, ok := unmarshalJSON(raw).(map[string]any); ok {
			c.Detail = m
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BiasEntry is one STT lexicon phrase with an optional mode scope.
type BiasEntry struct {
	ID         int64   `json:"id"`
	Phrase     string  `json:"phrase"`
	Normalized string  `json:"normalized"`
	Mode       string  `json:"mode,omitempty"`
	Weight     float64 `json:"weight"`
	Active     bool    `json:"active"`
}

func normalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

func (s *Store) UpsertBias(ctx context.Context, e BiasEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	phrase := strings.TrimSpace(e.Phrase)
	if phrase == "" {
		return fmt.Errorf("missing bias phrase")
	}
	if e.Weight < 0 {
		return fmt.Errorf("bias weight must be >= 0")
	}
	normalized := strings.TrimSpace(e.Normalized)
	if normalized == "" {
		normalized = normalizePhrase(phrase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ensureCtx(ctx), `
INSERT INTO stt_bias(phrase, normalized, mode, weight, active, updated_at_utc)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(normalized, mode) DO UPDATE SET
  phrase = excluded.phrase,
  weight = excluded.weight,
  active = excluded.active,
  updated_at_utc = excluded.updated_at_utc
`, phrase, normalized, strings.TrimSpace(e.Mode), e.Weight, boolInt(e.Active), UTCNow())
	return err
}

func (s *Store) ListBias(ctx context.Context, mode string, activeOnly bool) ([]BiasEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := `SELECT id, phrase, normalized, mode, weight, active FROM stt_bias`
	var clauses []string
	var args []any
	if strings.TrimSpace(mode) != "" {
		clauses = append(clauses, `(mode = ? OR mode = '')`)
		args = append(args, strings.TrimSpace(mode))
	}
	if activeOnly {
		clauses = append(clauses, `active = 1`)
	}
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	q += ` ORDER BY weight DESC, phrase ASC`

	rows, err := s.db.QueryContext(ensureCtx(ctx), q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BiasEntry
	for rows.Next() {
		var e BiasEntry
		var active int
		if err := rows.Scan(&e.ID, &e.Phrase, &e.Normalized, &e.Mode, &e.Weight, &active); err != nil {
			return nil, err
		}
		e.Active = active != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
