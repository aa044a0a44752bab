package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action statuses. queued -> approved|denied -> success|error|timeout; an
// approved action moves straight to its terminal status, and no code path
// writes ActionExecuting.
const (
	ActionQueued    = "queued"
	ActionApproved  = "approved"
	ActionDenied    = "denied"
	ActionExecuting = "executing"
	ActionSuccess   = "success"
	ActionError     = "error"
	ActionTimeout   = "timeout"
)

// IsTerminalActionStatus reports whether an action record can no longer move.
func IsTerminalActionStatus(status string) bool {
	switch status {
	case ActionDenied, ActionSuccess, ActionError, ActionTimeout:
		return true
	}
	return false
}

// Intent is the stored envelope of one assist proposal.
type Intent struct {
	RequestID              string           `json:"request_id"`
	SchemaVersion          string           `json:"schema_version"`
	TimestampUTC           string           `json:"timestamp_utc"`
	SessionID              string           `json:"session_id,omitempty"`
	Mode                   string           `json:"mode"`
	Domain                 string           `json:"domain"`
	Urgency                string           `json:"urgency"`
	UserText               string           `json:"user_text"`
	NeedsTools             bool             `json:"needs_tools"`
	NeedsClarification     bool             `json:"needs_clarification"`
	ClarificationQuestions []string         `json:"clarification_questions,omitempty"`
	Retrieval              map[string]any   `json:"retrieval,omitempty"`
	ProposedActions        []ProposedAction `json:"proposed_actions"`
	ResponseText           string           `json:"response_text"`
}

// ProposedAction is one action inside an intent envelope.
type ProposedAction struct {
	ActionID             string         `json:"action_id"`
	ToolName             string         `json:"tool_name"`
	Parameters           map[string]any `json:"parameters"`
	SafetyLevel          string         `json:"safety_level"`
	ModeConstraints      []string       `json:"mode_constraints,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
	TimeoutMs            int            `json:"timeout_ms"`
	Reason               string         `json:"reason,omitempty"`
	Confidence           float64        `json:"confidence"`
}

// ActionRecord is one row of the action log.
type ActionRecord struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"request_id"`
	ActionID      string         `json:"action_id"`
	ToolName      string         `json:"tool_name"`
	Status        string         `json:"status"`
	SafetyLevel   string         `json:"safety_level"`
	Reason        string         `json:"reason,omitempty"`
	Parameters    map[string]any `json:"parameters"`
	Output        map[string]any `json:"output,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ModeConstr    []string       `json:"mode_constraints,omitempty"`
	RequiresConf  bool           `json:"requires_confirmation,omitempty"`
	StartedAtUTC  string         `json:"started_at_utc,omitempty"`
	EndedAtUTC    string         `json:"ended_at_utc,omitempty"`
	CreatedAtUTC  string         `json:"created_at_utc"`
	ModeAtExecute string         `json:"mode_at_execution,omitempty"`
}

type actionParamsEnvelope struct {
	Parameters           map[string]any `json:"parameters"`
	ModeConstraints      []string       `json:"mode_constraints,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
	TimeoutMs            int            `json:"timeout_ms,omitempty"`
	Confidence           float64        `json:"confidence,omitempty"`
}

// UpsertIntent stores the intent and its queued actions atomically and emits
// INTENT_PROPOSED. Replaying the same request id rewrites identical rows; it never
// duplicates actions.
func (s *Store) UpsertIntent(ctx context.Context, in Intent, source string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	ctx = ensureCtx(ctx)
	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		return 0, errors.New("missing request_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := UTCNow()
	if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO intent_log(
  request_id, schema_version, timestamp_utc, session_id, mode, domain, urgency, user_text,
  needs_tools, needs_clarification, clarification_questions_json, retrieval_json,
  proposed_actions_json, response_text, created_at_utc
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		requestID,
		in.SchemaVersion,
		in.TimestampUTC,
		nullable(in.SessionID),
		in.Mode,
		in.Domain,
		in.Urgency,
		in.UserText,
		boolInt(in.NeedsTools),
		boolInt(in.NeedsClarification),
		marshalJSON(in.ClarificationQuestions),
		marshalJSON(in.Retrieval),
		marshalJSON(in.ProposedActions),
		in.ResponseText,
		now,
	); err != nil {
		return 0, err
	}

	count := 0
	actionIDs := make([]string, 0, len(in.ProposedActions))
	for _, action := range in.ProposedActions {
		envelope := actionParamsEnvelope{
			Parameters:           action.Parameters,
			ModeConstraints:      action.ModeConstraints,
			RequiresConfirmation: action.RequiresConfirmation,
			TimeoutMs:            action.TimeoutMs,
			Confidence:           action.Confidence,
		}
		if envelope.Parameters == nil {
			envelope.Parameters = map[string]any{}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO action_log(
  request_id, action_id, tool_name, status, safety_level, mode_at_execution, reason,
  parameters_json, created_at_utc
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id, action_id) DO UPDATE SET
  tool_name = excluded.tool_name,
  safety_level = excluded.safety_level,
  reason = excluded.reason,
  parameters_json = excluded.parameters_json
`,
			requestID,
			action.ActionID,
			action.ToolName,
			ActionQueued,
			action.SafetyLevel,
			in.Mode,
			nullable(action.Reason),
			marshalJSON(envelope),
			now,
		); err != nil {
			return 0, err
		}
		count++
		actionIDs = append(actionIDs, action.ActionID)
	}

	ev := Event{
		EventID:       newEventID(),
		TimestampUTC:  now,
		EventType:     EventIntentProposed,
		Source:        source,
		SessionID:     in.SessionID,
		CorrelationID: requestID,
		Mode:          in.Mode,
		Severity:      SeverityInfo,
		Payload: map[string]any{
			"request_id": requestID,
			"actions":    actionIDs,
			"domain":     in.Domain,
			"urgency":    in.Urgency,
		},
	}
	seq, err := insertEventTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	ev.Seq = seq
	s.notify(ev)
	return count, nil
}

func (s *Store) GetIntent(ctx context.Context, requestID string) (*Intent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ensureCtx(ctx)
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, errors.New("missing request_id")
	}

	var in Intent
	var sessionID sql.NullString
	var needsTools, needsClar int
	var questionsRaw, retrievalRaw, actionsRaw string
	err := s.db.QueryRowContext(ctx, `
SELECT request_id, schema_version, timestamp_utc, session_id, mode, domain, urgency, user_text,
       needs_tools, needs_clarification, clarification_questions_json, retrieval_json,
       proposed_actions_json, response_text
FROM intent_log
WHERE request_id = ?
`, requestID).Scan(
		&in.RequestID, &in.SchemaVersion, &in.TimestampUTC, &sessionID, &in.Mode, &in.Domain,
		&in.Urgency, &in.UserText, &needsTools, &needsClar, &questionsRaw, &retrievalRaw,
		&actionsRaw, &in.ResponseText,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	in.SessionID = sessionID.String
	in.NeedsTools = needsTools != 0
	in.NeedsClarification = needsClar != 0
	if arr, ok := unmarshalJSON(questionsRaw).([]any); ok {
		for _, q := range arr {
			if qs, ok := q.(string); ok {
				in.ClarificationQuestions = append(in.ClarificationQuestions, qs)
			}
		}
	}
	if m, ok := unmarshalJSON(retrievalRaw).(map[string]any); ok {
		in.Retrieval = m
	}
	if err := unmarshalInto(actionsRaw, &in.ProposedActions); err != nil {
		return nil, fmt.Errorf("decode proposed actions: %w", err)
	}
	return &in, nil
}

func unmarshalInto(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}

// ListActions returns the action rows of one intent in insertion order, optionally
// filtered to a subset of action ids.
func (s *Store) ListActions(ctx context.Context, requestID string, actionIDs []string) ([]ActionRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ensureCtx(ctx)
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, errors.New("missing request_id")
	}

	q := `
SELECT id, request_id, action_id, tool_name, status, safety_level, mode_at_execution,
       reason, parameters_json, output_json, error_code, error_message,
       created_at_utc, started_at_utc, ended_at_utc
FROM action_log
WHERE request_id = ?`
	args := []any{requestID}
	if len(actionIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(actionIDs)), ",")
		q += ` AND action_id IN (` + placeholders + `)`
		for _, id := range actionIDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var modeAt, reason, paramsRaw sql.NullString
		var outputRaw, errorCode, errorMessage, startedAt, endedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.ActionID, &r.ToolName, &r.Status, &r.SafetyLevel,
			&modeAt, &reason, &paramsRaw, &outputRaw, &errorCode, &errorMessage,
			&r.CreatedAtUTC, &startedAt, &endedAt,
		); err != nil {
			return nil, err
		}
		r.ModeAtExecute = modeAt.String
		r.Reason = reason.String
		r.ErrorCode = errorCode.String
		r.ErrorMessage = errorMessage.String
		r.StartedAtUTC = startedAt.String
		r.EndedAtUTC = endedAt.String

		var envelope actionParamsEnvelope
		if paramsRaw.Valid && paramsRaw.String != "" {
			_ = json.Unmarshal([]byte(paramsRaw.String), &envelope)
		}
		r.Parameters = envelope.Parameters
		if r.Parameters == nil {
			r.Parameters = map[string]any{}
		}
		r.ModeConstr = envelope.ModeConstraints
		r.RequiresConf = envelope.RequiresConfirmation
		if outputRaw.Valid {
			if m, ok := unmarshalJSON(outputRaw.String).(map[string]any); ok {
				r.Output = m
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkActionApproved transitions queued -> approved and stamps started_at.
func (s *Store) MarkActionApproved(ctx context.Context, id int64, startedAtUTC string) error {
	return s.updateAction(ctx, `UPDATE action_log SET status=?, started_at_utc=? WHERE id=?`,
		ActionApproved, startedAtUTC, id)
}

// MarkActionDenied finalizes a denied action with its reason code.
func (s *Store) MarkActionDenied(ctx context.Context, id int64, code string, message string) error {
	return s.updateAction(ctx, `UPDATE action_log SET status=?, error_code=?, error_message=?, ended_at_utc=? WHERE id=?`,
		ActionDenied, code, message, UTCNow(), id)
}

// MarkActionPendingConfirm records the confirmation gate on a still-queued action.
func (s *Store) MarkActionPendingConfirm(ctx context.Context, id int64, code string, message string) error {
	return s.updateAction(ctx, `UPDATE action_log SET status=?, error_code=?, error_message=?, ended_at_utc=? WHERE id=?`,
		ActionQueued, code, message, UTCNow(), id)
}

// FinalizeAction records the dispatch outcome.
func (s *Store) FinalizeAction(ctx context.Context, id int64, status string, output map[string]any, errorCode string, errorMessage string) error {
	switch status {
	case ActionSuccess, ActionError, ActionTimeout:
	default:
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	var outputJSON any
	if output != nil {
		outputJSON = marshalJSON(output)
	}
	return s.updateAction(ctx, `UPDATE action_log SET status=?, output_json=?, error_code=?, error_message=?, ended_at_utc=? WHERE id=?`,
		status, outputJSON, nullable(errorCode), nullable(errorMessage), UTCNow(), id)
}

func (s *Store) updateAction(ctx context.Context, q string, args ...any) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ensureCtx(ctx), q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertFeedback appends a rating bound to an existing request id and emits USER_FEEDBACK.
func (s *Store) InsertFeedback(ctx context.Context, requestID string, rating int, correctionText string, reviewer string, source string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	ctx = ensureCtx(ctx)
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return 0, errors.New("missing request_id")
	}
	if rating != -1 && rating != 1 {
		return 0, errors.New("rating must be -1 or 1")
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		reviewer = "user"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionID, mode sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT session_id, mode FROM intent_log WHERE request_id = ?`, requestID,
	).Scan(&sessionID, &mode); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: request_id %q", ErrNotFound, requestID)
		}
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO feedback_log(request_id, rating, correction_text, reviewer, created_at_utc)
VALUES(?, ?, ?, ?, ?)
`, requestID, rating, nullable(correctionText), reviewer, UTCNow())
	if err != nil {
		return 0, err
	}
	feedbackID, _ := res.LastInsertId()

	ev := Event{
		EventID:       newEventID(),
		EventType:     EventUserFeedback,
		Source:        source,
		SessionID:     sessionID.String,
		CorrelationID: requestID,
		Mode:          mode.String,
		Severity:      SeverityInfo,
		Payload: map[string]any{
			"request_id":     requestID,
			"feedback_id":    feedbackID,
			"rating":         rating,
			"has_correction": strings.TrimSpace(correctionText) != "",
			"reviewer":       reviewer,
		},
	}
	seq, err := insertEventTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	ev.Seq = seq
	s.notify(ev)
	return feedbackID, nil
}
