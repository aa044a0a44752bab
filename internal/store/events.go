package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Event severities.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event types emitted by the core. Adapters add their own (TWITCH_*, EDPARSER_*).
const (
	EventStateChanged          = "STATE_CHANGED"
	EventIntentProposed        = "INTENT_PROPOSED"
	EventPolicyDecision        = "POLICY_DECISION"
	EventActionApproved        = "ACTION_APPROVED"
	EventActionExecuted        = "ACTION_EXECUTED"
	EventActionDenied          = "ACTION_DENIED"
	EventActionFailed          = "ACTION_FAILED"
	EventActionConfirmRequired = "ACTION_CONFIRMATION_REQUIRED"
	EventActionConfirmExpired  = "ACTION_CONFIRMATION_EXPIRED"
	EventToolExecuteResult     = "TOOL_EXECUTE_RESULT"
	EventUserFeedback          = "USER_FEEDBACK"
	EventUserConfirmRecorded   = "USER_CONFIRMATION_RECORDED"
	EventConfirmAccepted       = "ASSIST_CONFIRM_ACCEPTED"
	EventHardwareThreshold     = "HARDWARE_THRESHOLD"
	EventWatchConditionChanged = "WATCH_CONDITION_CHANGED"
	EventHandoverNote          = "HANDOVER_NOTE"
)

// Event is one append-only row of the event log, globally ordered by Seq.
type Event struct {
	Seq           int64          `json:"seq"`
	EventID       string         `json:"event_id"`
	TimestampUTC  string         `json:"timestamp_utc"`
	EventType     string         `json:"event_type"`
	Source        string         `json:"source"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	IncidentID    string         `json:"incident_id,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	Severity      string         `json:"severity"`
	Payload       map[string]any `json:"payload"`
	Tags          []string       `json:"tags,omitempty"`
}

func newEventID() string {
	return uuid.NewString()
}

// NewEventID mints a stable unique event id.
func NewEventID() string { return newEventID() }

func insertEventTx(ctx context.Context, tx *sql.Tx, ev Event) (int64, error) {
	severity := strings.TrimSpace(ev.Severity)
	if severity == "" {
		severity = SeverityInfo
	}
	ts := strings.TrimSpace(ev.TimestampUTC)
	if ts == "" {
		ts = UTCNow()
	}
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO event_log(
  event_id, timestamp_utc, event_type, source, session_id, correlation_id, incident_id,
  mode, severity, payload_json, tags_json
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		strings.TrimSpace(ev.EventID),
		ts,
		strings.TrimSpace(ev.EventType),
		strings.TrimSpace(ev.Source),
		nullable(ev.SessionID),
		nullable(ev.CorrelationID),
		nullable(ev.IncidentID),
		nullable(ev.Mode),
		severity,
		marshalJSON(ev.Payload),
		marshalJSON(tags),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateEventID
		}
		return 0, err
	}
	return res.LastInsertId()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func nullable(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

// AppendEvent appends one event and notifies subscribers. The assigned sequence
// number is returned; appending a duplicate event id fails with ErrDuplicateEventID.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	ctx = ensureCtx(ctx)
	if strings.TrimSpace(ev.EventID) == "" {
		ev.EventID = newEventID()
	}

	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	seq, err := insertEventTx(ctx, tx, ev)
	if err != nil {
		_ = tx.Rollback()
		s.mu.Unlock()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	ev.Seq = seq
	if ev.TimestampUTC == "" {
		ev.TimestampUTC = UTCNow()
	}
	s.notify(ev)
	return seq, nil
}

// EventFilter narrows ReadEvents.
type EventFilter struct {
	Limit         int
	SinceSeq      int64
	EventType     string
	CorrelationID string
	SessionID     string
	SinceUTC      string
}

// ReadEvents returns matching events in ascending sequence order when SinceSeq is
// set, and the most recent (descending) otherwise.
func (s *Store) ReadEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ensureCtx(ctx)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var clauses []string
	var args []any
	if f.SinceSeq > 0 {
		clauses = append(clauses, `seq > ?`)
		args = append(args, f.SinceSeq)
	}
	if strings.TrimSpace(f.EventType) != "" {
		clauses = append(clauses, `event_type = ?`)
		args = append(args, strings.TrimSpace(f.EventType))
	}
	if strings.TrimSpace(f.CorrelationID) != "" {
		clauses = append(clauses, `correlation_id = ?`)
		args = append(args, strings.TrimSpace(f.CorrelationID))
	}
	if strings.TrimSpace(f.SessionID) != "" {
		clauses = append(clauses, `session_id = ?`)
		args = append(args, strings.TrimSpace(f.SessionID))
	}
	if strings.TrimSpace(f.SinceUTC) != "" {
		clauses = append(clauses, `timestamp_utc >= ?`)
		args = append(args, strings.TrimSpace(f.SinceUTC))
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := "DESC"
	if f.SinceSeq > 0 {
		order = "ASC"
	}
	q := `
SELECT seq, event_id, timestamp_utc, event_type, source, session_id, correlation_id,
       incident_id, mode, severity, payload_json, tags_json
FROM event_log ` + where + `
ORDER BY seq ` + order + `
LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var sessionID, correlationID, incidentID, mode sql.NullString
		var payloadRaw, tagsRaw string
		if err := rows.Scan(
			&ev.Seq, &ev.EventID, &ev.TimestampUTC, &ev.EventType, &ev.Source,
			&sessionID, &correlationID, &incidentID, &mode, &ev.Severity,
			&payloadRaw, &tagsRaw,
		); err != nil {
			return nil, err
		}
		ev.SessionID = sessionID.String
		ev.CorrelationID = correlationID.String
		ev.IncidentID = incidentID.String
		ev.Mode = mode.String
		if m, ok := unmarshalJSON(payloadRaw).(map[string]any); ok {
			ev.Payload = m
		}
		if arr, ok := unmarshalJSON(tagsRaw).([]any); ok {
			for _, t := range arr {
				if ts, ok := t.(string); ok {
					ev.Tags = append(ev.Tags, ts)
				}
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
