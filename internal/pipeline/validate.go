package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/watchkeeper/brainstem/internal/store"
)

// Validation error codes surfaced with HTTP 4xx.
const (
	CodeSchemaViolation   = "SCHEMA_VIOLATION"
	CodeMissingIncidentID = "MISSING_INCIDENT_ID"
)

// ValidationError carries a closed reason code alongside the message.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func schemaErr(format string, args ...any) error {
	return &ValidationError{Code: CodeSchemaViolation, Message: fmt.Sprintf(format, args...)}
}

var (
	modeSet    = map[string]bool{"game": true, "work": true, "standby": true, "tutor": true}
	domainSet  = map[string]bool{"gameplay": true, "lore": true, "astrophysics": true, "general_gaming": true, "coding": true, "networking": true, "system": true, "music": true, "speech": true, "general": true}
	urgencySet = map[string]bool{"low": true, "normal": true, "high": true}
	safetySet  = map[string]bool{"read_only": true, "low_risk": true, "high_risk": true}
)

const maxActions = 10

func parseISO8601UTC(value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return fmt.Errorf("timestamp must be a non-empty string")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000000Z"} {
		if _, err := time.Parse(layout, v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("timestamp must be ISO-8601: %q", value)
}

func iso8601ToUnix(value string) (float64, error) {
	v := strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000000Z"} {
		if t, err := time.Parse(layout, v); err == nil {
			return float64(t.UnixNano()) / float64(time.Second), nil
		}
	}
	return 0, fmt.Errorf("timestamp must be ISO-8601: %q", value)
}

// ValidateIntent checks the closed intent schema beyond what JSON decoding with
// unknown-field rejection already guarantees.
func ValidateIntent(in store.Intent) error {
	if in.SchemaVersion != "1.0" {
		return schemaErr("schema_version must be '1.0'")
	}
	if strings.TrimSpace(in.RequestID) == "" {
		return schemaErr("request_id must be a non-empty string")
	}
	if err := parseISO8601UTC(in.TimestampUTC); err != nil {
		return schemaErr("timestamp_utc: %v", err)
	}
	if !modeSet[in.Mode] {
		return schemaErr("mode must be one of: game, standby, tutor, work")
	}
	if !domainSet[in.Domain] {
		return schemaErr("domain %q is not supported", in.Domain)
	}
	if !urgencySet[in.Urgency] {
		return schemaErr("urgency must be one of: high, low, normal")
	}
	if strings.TrimSpace(in.UserText) == "" {
		return schemaErr("user_text must be a non-empty string")
	}
	if len(in.ClarificationQuestions) > 3 {
		return schemaErr("clarification_questions must have at most 3 items")
	}
	for i, q := range in.ClarificationQuestions {
		if strings.TrimSpace(q) == "" {
			return schemaErr("clarification_questions[%d] must be a non-empty string", i)
		}
	}
	if len(in.ProposedActions) > maxActions {
		return schemaErr("proposed_actions must have at most %d items", maxActions)
	}
	for i, action := range in.ProposedActions {
		if err := validateAction(action, i); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(a store.ProposedAction, index int) error {
	if strings.TrimSpace(a.ActionID) == "" {
		return schemaErr("proposed_actions[%d].action_id must be a non-empty string", index)
	}
	if strings.TrimSpace(a.ToolName) == "" {
		return schemaErr("proposed_actions[%d].tool_name must be a non-empty string", index)
	}
	if !safetySet[a.SafetyLevel] {
		return schemaErr("proposed_actions[%d].safety_level must be one of: high_risk, low_risk, read_only", index)
	}
	if a.TimeoutMs < 100 || a.TimeoutMs > 120000 {
		return schemaErr("proposed_actions[%d].timeout_ms must be integer 100..120000", index)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return schemaErr("proposed_actions[%d].confidence must be number 0..1", index)
	}
	for _, mode := range a.ModeConstraints {
		if !modeSet[mode] {
			return schemaErr("proposed_actions[%d].mode_constraints contains unsupported mode: %s", index, mode)
		}
	}
	return nil
}

// ValidateExecute checks an execute request envelope.
func ValidateExecute(req ExecuteRequest) error {
	if strings.TrimSpace(req.RequestID) == "" {
		return schemaErr("request_id is required and must be a non-empty string")
	}
	if strings.TrimSpace(req.IncidentID) == "" {
		return &ValidationError{Code: CodeMissingIncidentID, Message: "incident_id is required"}
	}
	for i, id := range req.ActionIDs {
		if strings.TrimSpace(id) == "" {
			return schemaErr("action_ids[%d] must be a non-empty string", i)
		}
	}
	if req.STTConfidence != nil && (*req.STTConfidence < 0 || *req.STTConfidence > 1) {
		return schemaErr("stt_confidence must be number 0..1 when supplied")
	}
	if strings.TrimSpace(req.ConfirmedAtUTC) != "" {
		if err := parseISO8601UTC(req.ConfirmedAtUTC); err != nil {
			return schemaErr("confirmed_at_utc: %v", err)
		}
	}
	return nil
}

// ValidateConfirm checks a confirm request envelope.
func ValidateConfirm(req ConfirmRequest) error {
	if strings.TrimSpace(req.IncidentID) == "" {
		return &ValidationError{Code: CodeMissingIncidentID, Message: "incident_id is required"}
	}
	if strings.TrimSpace(req.ConfirmToken) == "" {
		return schemaErr("confirm_token is required and must be a non-empty string")
	}
	return nil
}

// ValidateFeedback checks a feedback request envelope.
func ValidateFeedback(req FeedbackRequest) error {
	if strings.TrimSpace(req.RequestID) == "" {
		return schemaErr("request_id is required and must be a non-empty string")
	}
	if req.Rating != -1 && req.Rating != 1 {
		return schemaErr("rating must be -1 or 1")
	}
	return nil
}

// ValidateStateIngest checks a batch state ingest envelope against the key
// grammar and prefix allow-list. devIngest bypasses the prefix restriction.
func ValidateStateIngest(req StateIngestRequest, devIngest bool) error {
	if len(req.Items) == 0 {
		return schemaErr("items is required and must be a non-empty array")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.StateKey) == "" {
			return schemaErr("items[%d] missing required field: state_key", i)
		}
		if strings.TrimSpace(item.Source) == "" {
			return schemaErr("items[%d] missing required field: source", i)
		}
		var err error
		if devIngest {
			err = store.ValidateStateKey(item.StateKey)
		} else {
			err = store.ValidateIngestKey(item.StateKey)
		}
		if err != nil {
			return &ValidationError{Code: "INVALID_STATE_KEY", Message: fmt.Sprintf("items[%d]: %v", i, err)}
		}
		if item.Confidence != nil && (*item.Confidence < 0 || *item.Confidence > 1) {
			return schemaErr("items[%d].confidence must be number 0..1", i)
		}
		if strings.TrimSpace(item.ObservedAtUTC) != "" {
			if err := parseISO8601UTC(item.ObservedAtUTC); err != nil {
				return schemaErr("items[%d].observed_at_utc: %v", i, err)
			}
		}
	}
	return nil
}
