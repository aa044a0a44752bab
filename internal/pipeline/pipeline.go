// Package pipeline drives the policy -> dispatch -> journal sequence for every
// proposed action. The AI proposes, the core decides: nothing reaches an
// actuator without passing the Standing Orders gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/watchkeeper/brainstem/internal/actuator"
	"github.com/watchkeeper/brainstem/internal/policy"
	"github.com/watchkeeper/brainstem/internal/store"
	"github.com/watchkeeper/brainstem/internal/tools"
)

// Confirm failure codes.
const (
	CodeConfirmExpired      = "CONFIRM_EXPIRED"
	CodeConfirmTokenUnknown = "CONFIRM_TOKEN_UNKNOWN"
)

const denyModeConstraint = "DENY_MODE_CONSTRAINT"
const denyHighRisk = "DENY_HIGH_RISK_NOT_ALLOWED"

// Pipeline is the execution spine between intents and actuators.
type Pipeline struct {
	log    *slog.Logger
	store  *store.Store
	engine *policy.Engine
	router *tools.Router

	defaultWatchCondition string

	mu        sync.Mutex
	incidents map[string]*sync.Mutex
	pending   map[string]pendingConfirm

	nowFn func() time.Time
}

type pendingConfirm struct {
	incidentID string
	requestID  string
	actionID   string
	toolKey    string
	confirmBy  time.Time

	// Snapshot of the originating execute request so /confirm replays it.
	watchCondition string
	sttConfidence  *float64
	allowHighRisk  bool
	dryRun         bool
	source         string
}

type Options struct {
	Logger                *slog.Logger
	Store                 *store.Store
	Engine                *policy.Engine
	Router                *tools.Router
	DefaultWatchCondition string
}

func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Engine == nil {
		return nil, errors.New("missing Engine")
	}
	if opts.Router == nil {
		return nil, errors.New("missing Router")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	condition := strings.ToUpper(strings.TrimSpace(opts.DefaultWatchCondition))
	if condition == "" {
		condition = "STANDBY"
	}
	return &Pipeline{
		log:                   logger,
		store:                 opts.Store,
		engine:                opts.Engine,
		router:                opts.Router,
		defaultWatchCondition: condition,
		incidents:             make(map[string]*sync.Mutex),
		pending:               make(map[string]pendingConfirm),
		nowFn:                 time.Now,
	}, nil
}

func (p *Pipeline) incidentLock(incidentID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.incidents[incidentID]
	if !ok {
		m = &sync.Mutex{}
		p.incidents[incidentID] = m
	}
	return m
}

// PutIntent validates and stores an intent envelope with its queued actions.
// Idempotent by request id.
func (p *Pipeline) PutIntent(ctx context.Context, in store.Intent, source string) (int, error) {
	if err := ValidateIntent(in); err != nil {
		return 0, err
	}
	return p.store.UpsertIntent(ctx, in, source)
}

// ExecuteRequest is the /execute envelope.
type ExecuteRequest struct {
	RequestID        string   `json:"request_id"`
	IncidentID       string   `json:"incident_id"`
	ActionIDs        []string `json:"action_ids,omitempty"`
	WatchCondition   string   `json:"watch_condition,omitempty"`
	STTConfidence    *float64 `json:"stt_confidence,omitempty"`
	DryRun           bool     `json:"dry_run,omitempty"`
	AllowHighRisk    bool     `json:"allow_high_risk,omitempty"`
	UserConfirmed    bool     `json:"user_confirmed,omitempty"`
	UserConfirmToken string   `json:"user_confirm_token,omitempty"`
	ConfirmedAtUTC   string   `json:"confirmed_at_utc,omitempty"`
}

// ActionResult is one per-action row in the execute response.
type ActionResult struct {
	ActionID     string         `json:"action_id"`
	ToolName     string         `json:"tool_name"`
	Status       string         `json:"status"`
	ReasonCode   string         `json:"reason_code,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ConfirmToken string         `json:"confirm_token,omitempty"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// ExecuteResult is the /execute response body.
type ExecuteResult struct {
	RequestID      string         `json:"request_id"`
	IncidentID     string         `json:"incident_id"`
	WatchCondition string         `json:"watch_condition"`
	DryRun         bool           `json:"dry_run"`
	Results        []ActionResult `json:"results"`
}

func (p *Pipeline) resolveWatchCondition(ctx context.Context, requested string, intentMode string) string {
	if c := strings.ToUpper(strings.TrimSpace(requested)); c != "" {
		return c
	}
	for _, key := range []string{"policy.watch_condition", "system.watch_condition"} {
		if v := p.store.GetStateString(ctx, key); v != "" {
			return strings.ToUpper(v)
		}
	}
	switch strings.ToLower(intentMode) {
	case "game":
		return "GAME"
	case "work":
		return "WORK"
	case "tutor":
		return "TUTOR"
	case "standby":
		return "STANDBY"
	}
	return p.defaultWatchCondition
}

func (p *Pipeline) emit(ctx context.Context, ev store.Event) {
	if ev.EventID == "" {
		ev.EventID = store.NewEventID()
	}
	if _, err := p.store.AppendEvent(ctx, ev); err != nil {
		p.log.Warn("event append failed", "component", "pipeline", "event_type", ev.EventType, "error", err)
	}
}

// Execute runs the policy gate and dispatch sequence over an intent's queued
// actions in declared order. Execute calls for the same incident are serialized.
func (p *Pipeline) Execute(ctx context.Context, req ExecuteRequest, source string) (*ExecuteResult, error) {
	if err := ValidateExecute(req); err != nil {
		return nil, err
	}
	incidentID := strings.TrimSpace(req.IncidentID)

	lock := p.incidentLock(incidentID)
	lock.Lock()
	defer lock.Unlock()

	intent, err := p.store.GetIntent(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, schemaErr("request_id not found: %s", req.RequestID)
	}

	watchCondition := p.resolveWatchCondition(ctx, req.WatchCondition, intent.Mode)
	actions, err := p.store.ListActions(ctx, req.RequestID, req.ActionIDs)
	if err != nil {
		return nil, err
	}

	var confirmedAtUnix *float64
	if strings.TrimSpace(req.ConfirmedAtUTC) != "" {
		if ts, err := iso8601ToUnix(req.ConfirmedAtUTC); err == nil {
			confirmedAtUnix = &ts
		}
	}

	out := &ExecuteResult{
		RequestID:      req.RequestID,
		IncidentID:     incidentID,
		WatchCondition: watchCondition,
		DryRun:         req.DryRun,
	}

	for _, action := range actions {
		if store.IsTerminalActionStatus(action.Status) {
			out.Results = append(out.Results, ActionResult{
				ActionID: action.ActionID,
				ToolName: action.ToolName,
				Status:   action.Status,
				Message:  "already finalized",
			})
			continue
		}
		out.Results = append(out.Results, p.executeOne(ctx, intent, action, req, watchCondition, confirmedAtUnix, source))
	}
	return out, nil
}

func (p *Pipeline) executeOne(
	ctx context.Context,
	intent *store.Intent,
	action store.ActionRecord,
	req ExecuteRequest,
	watchCondition string,
	confirmedAtUnix *float64,
	source string,
) ActionResult {
	incidentID := strings.TrimSpace(req.IncidentID)
	base := map[string]any{
		"request_id":      intent.RequestID,
		"action_id":       action.ActionID,
		"tool_name":       action.ToolName,
		"incident_id":     incidentID,
		"watch_condition": watchCondition,
	}

	// Mode-constraint and high-risk gates run before the policy engine; they are
	// properties of the proposed action, not of the standing orders.
	var decision policy.Decision
	var evaluation tools.Evaluation
	switch {
	case len(action.ModeConstr) > 0 && !containsString(action.ModeConstr, intent.Mode):
		decision = policy.Decision{
			Allowed:        false,
			DenyReasonCode: denyModeConstraint,
			DenyReasonText: fmt.Sprintf("mode %q not in action mode_constraints", intent.Mode),
			Constraints:    map[string]any{},
		}
		evaluation = tools.Evaluation{Decision: decision, ToolKey: policy.CanonicalToolName(action.ToolName)}
	case action.SafetyLevel == tools.SafetyHighRisk && !req.AllowHighRisk:
		decision = policy.Decision{
			Allowed:        false,
			DenyReasonCode: denyHighRisk,
			DenyReasonText: "high_risk action requires allow_high_risk=true",
			Constraints:    map[string]any{},
		}
		evaluation = tools.Evaluation{Decision: decision, ToolKey: policy.CanonicalToolName(action.ToolName)}
	default:
		evaluation = p.router.EvaluateAction(tools.EvaluateArgs{
			IncidentID:            incidentID,
			WatchCondition:        watchCondition,
			ToolName:              action.ToolName,
			Parameters:            action.Parameters,
			Source:                source,
			STTConfidence:         req.STTConfidence,
			ForegroundProcess:     p.store.GetStateString(ctx, "app.foreground"),
			UserConfirmed:         req.UserConfirmed,
			UserConfirmToken:      req.UserConfirmToken,
			ActionRequiresConfirm: action.RequiresConf,
			NowUnix:               float64(p.nowFn().UnixNano()) / float64(time.Second),
			ConfirmationUnix:      confirmedAtUnix,
		})
		decision = evaluation.Decision
	}

	severity := store.SeverityInfo
	if !decision.Allowed {
		severity = store.SeverityWarn
	}
	p.emit(ctx, store.Event{
		EventType:     store.EventPolicyDecision,
		Source:        source,
		SessionID:     intent.SessionID,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Mode:          intent.Mode,
		Severity:      severity,
		Payload: merge(base, map[string]any{
			"decision": decision,
			"tool_key": evaluation.ToolKey,
		}),
		Tags: []string{"policy", "standing_orders"},
	})

	if decision.RequiresConfirmation {
		eventType := store.EventActionConfirmRequired
		tags := []string{"assist", "confirm", "required"}
		if decision.DenyReasonCode == policy.ReasonDenyConfirmExpired {
			eventType = store.EventActionConfirmExpired
			tags = []string{"assist", "confirm", "expired"}
		}
		if err := p.store.MarkActionPendingConfirm(ctx, action.ID, decision.DenyReasonCode, decision.DenyReasonText); err != nil {
			p.log.Warn("action confirm mark failed", "component", "pipeline", "error", err)
		}
		if evaluation.ConfirmToken != "" {
			p.registerPending(evaluation.ConfirmToken, pendingConfirm{
				incidentID:     incidentID,
				requestID:      intent.RequestID,
				actionID:       action.ActionID,
				toolKey:        evaluation.ToolKey,
				confirmBy:      p.nowFn().Add(p.engine.ConfirmWindow()),
				watchCondition: watchCondition,
				sttConfidence:  req.STTConfidence,
				allowHighRisk:  req.AllowHighRisk,
				dryRun:         req.DryRun,
				source:         source,
			})
		}
		p.emit(ctx, store.Event{
			EventType:     eventType,
			Source:        source,
			SessionID:     intent.SessionID,
			CorrelationID: incidentID,
			IncidentID:    incidentID,
			Mode:          intent.Mode,
			Severity:      store.SeverityWarn,
			Payload: merge(base, map[string]any{
				"policy_decision": decision,
				"confirm_token":   evaluation.ConfirmToken,
			}),
			Tags: tags,
		})
		return ActionResult{
			ActionID:     action.ActionID,
			ToolName:     action.ToolName,
			Status:       "requires_confirmation",
			ReasonCode:   decision.DenyReasonCode,
			Reason:       decision.DenyReasonText,
			ConfirmToken: evaluation.ConfirmToken,
			Constraints:  decision.Constraints,
		}
	}

	if !decision.Allowed {
		if err := p.store.MarkActionDenied(ctx, action.ID, decision.DenyReasonCode, decision.DenyReasonText); err != nil {
			p.log.Warn("action deny mark failed", "component", "pipeline", "error", err)
		}
		p.emit(ctx, store.Event{
			EventType:     store.EventActionDenied,
			Source:        source,
			SessionID:     intent.SessionID,
			CorrelationID: incidentID,
			IncidentID:    incidentID,
			Mode:          intent.Mode,
			Severity:      store.SeverityWarn,
			Payload: merge(base, map[string]any{
				"reason":          decision.DenyReasonText,
				"reason_code":     decision.DenyReasonCode,
				"policy_decision": decision,
			}),
		})
		return ActionResult{
			ActionID:   action.ActionID,
			ToolName:   action.ToolName,
			Status:     store.ActionDenied,
			ReasonCode: decision.DenyReasonCode,
			Reason:     decision.DenyReasonText,
		}
	}

	if err := p.store.MarkActionApproved(ctx, action.ID, store.UTCNow()); err != nil {
		p.log.Warn("action approve mark failed", "component", "pipeline", "error", err)
	}
	p.emit(ctx, store.Event{
		EventType:     store.EventActionApproved,
		Source:        source,
		SessionID:     intent.SessionID,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Mode:          intent.Mode,
		Severity:      store.SeverityInfo,
		Payload:       merge(base, map[string]any{"policy_decision": decision}),
	})

	var outcome actuator.Outcome
	if req.DryRun {
		started := store.UTCNow()
		outcome = actuator.Outcome{
			Status: actuator.StatusSuccess,
			Output: map[string]any{
				"stub_execution": true,
				"dry_run":        true,
				"result":         "Dry run only. No actuator call executed.",
			},
			StartedAtUTC: started,
			EndedAtUTC:   started,
		}
	} else {
		outcome = p.router.Dispatch(ctx, action.ToolName, actuator.Request{
			RequestID:  intent.RequestID,
			ActionID:   action.ActionID,
			Parameters: action.Parameters,
		})
	}

	finalStatus := store.ActionSuccess
	switch outcome.Status {
	case actuator.StatusTimeout:
		finalStatus = store.ActionTimeout
	case actuator.StatusError:
		finalStatus = store.ActionError
	}
	if err := p.store.FinalizeAction(ctx, action.ID, finalStatus, outcome.Output, outcome.ErrorCode, outcome.ErrorMessage); err != nil {
		p.log.Warn("action finalize failed", "component", "pipeline", "error", err)
	}

	ok := finalStatus == store.ActionSuccess
	resultOrError := any(outcome.Output)
	if !ok {
		resultOrError = outcome.ErrorMessage
	}
	execSeverity := store.SeverityInfo
	if !ok {
		execSeverity = store.SeverityError
	}
	p.emit(ctx, store.Event{
		EventType:     store.EventToolExecuteResult,
		Source:        source,
		SessionID:     intent.SessionID,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Mode:          intent.Mode,
		Severity:      execSeverity,
		Payload: merge(base, map[string]any{
			"ok":              ok,
			"result_or_error": resultOrError,
		}),
	})
	if ok {
		p.emit(ctx, store.Event{
			EventType:     store.EventActionExecuted,
			Source:        source,
			SessionID:     intent.SessionID,
			CorrelationID: incidentID,
			IncidentID:    incidentID,
			Mode:          intent.Mode,
			Severity:      store.SeverityInfo,
			Payload: merge(base, map[string]any{
				"dry_run": req.DryRun,
				"output":  outcome.Output,
			}),
		})
		return ActionResult{
			ActionID: action.ActionID,
			ToolName: action.ToolName,
			Status:   finalStatus,
			Output:   outcome.Output,
		}
	}
	p.emit(ctx, store.Event{
		EventType:     store.EventActionFailed,
		Source:        source,
		SessionID:     intent.SessionID,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Mode:          intent.Mode,
		Severity:      store.SeverityError,
		Payload: merge(base, map[string]any{
			"error_code":    outcome.ErrorCode,
			"error_message": outcome.ErrorMessage,
		}),
	})
	return ActionResult{
		ActionID:  action.ActionID,
		ToolName:  action.ToolName,
		Status:    finalStatus,
		ErrorCode: outcome.ErrorCode,
		Error:     outcome.ErrorMessage,
	}
}

func (p *Pipeline) registerPending(token string, pc pendingConfirm) {
	p.mu.Lock()
	p.pending[token] = pc
	// Expired entries pile up only until their token is tried once; sweep anything
	// stale while we hold the lock.
	now := p.nowFn()
	for t, entry := range p.pending {
		if now.Sub(entry.confirmBy) > time.Hour {
			delete(p.pending, t)
		}
	}
	p.mu.Unlock()
}

// ConfirmRequest is the /confirm envelope.
type ConfirmRequest struct {
	IncidentID   string `json:"incident_id"`
	ConfirmToken string `json:"confirm_token"`
}

// ConfirmError carries a closed confirm failure code.
type ConfirmError struct {
	Code    string
	Message string
}

func (e *ConfirmError) Error() string { return e.Message }

// Confirm consumes a pending confirmation token and executes the action it
// gated. Tokens are single-use: a second presentation fails CONFIRM_TOKEN_UNKNOWN.
func (p *Pipeline) Confirm(ctx context.Context, req ConfirmRequest, source string) (*ExecuteResult, error) {
	if err := ValidateConfirm(req); err != nil {
		return nil, err
	}
	incidentID := strings.TrimSpace(req.IncidentID)
	token := strings.TrimSpace(req.ConfirmToken)

	p.mu.Lock()
	pc, ok := p.pending[token]
	if ok {
		delete(p.pending, token)
	}
	p.mu.Unlock()

	if !ok || pc.incidentID != incidentID {
		return nil, &ConfirmError{Code: CodeConfirmTokenUnknown, Message: "confirm token is unknown or already used"}
	}
	now := p.nowFn()
	if now.After(pc.confirmBy) {
		return nil, &ConfirmError{Code: CodeConfirmExpired,
			Message: fmt.Sprintf("confirm token expired at %s", pc.confirmBy.UTC().Format(time.RFC3339))}
	}

	confirmedAt := store.UTCNow()
	p.emit(ctx, store.Event{
		EventType:     store.EventUserConfirmRecorded,
		Source:        source,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Severity:      store.SeverityInfo,
		Payload: map[string]any{
			"incident_id":      incidentID,
			"tool_name":        pc.toolKey,
			"confirm_token":    token,
			"confirmed_at_utc": confirmedAt,
			"request_id":       pc.requestID,
		},
	})
	p.emit(ctx, store.Event{
		EventType:     store.EventConfirmAccepted,
		Source:        source,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Severity:      store.SeverityInfo,
		Payload: map[string]any{
			"incident_id":   incidentID,
			"tool_name":     pc.toolKey,
			"confirm_token": token,
			"request_id":    pc.requestID,
		},
		Tags: []string{"assist", "confirm", "accepted"},
	})

	return p.Execute(ctx, ExecuteRequest{
		RequestID:        pc.requestID,
		IncidentID:       incidentID,
		ActionIDs:        []string{pc.actionID},
		WatchCondition:   pc.watchCondition,
		STTConfidence:    pc.sttConfidence,
		DryRun:           pc.dryRun,
		AllowHighRisk:    pc.allowHighRisk,
		UserConfirmed:    true,
		UserConfirmToken: token,
		ConfirmedAtUTC:   confirmedAt,
	}, source)
}

// FeedbackRequest is the /feedback envelope.
type FeedbackRequest struct {
	RequestID      string `json:"request_id"`
	Rating         int    `json:"rating"`
	CorrectionText string `json:"correction_text,omitempty"`
	Reviewer       string `json:"reviewer,omitempty"`
}

// Feedback appends a rating bound to an existing request id.
func (p *Pipeline) Feedback(ctx context.Context, req FeedbackRequest, source string) (int64, error) {
	if err := ValidateFeedback(req); err != nil {
		return 0, err
	}
	return p.store.InsertFeedback(ctx, req.RequestID, req.Rating, req.CorrectionText, req.Reviewer, source)
}

// StateIngestRequest is the /state batch envelope.
type StateIngestRequest struct {
	Items         []StateIngestItem `json:"items"`
	EmitEvents    *bool             `json:"emit_events,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type StateIngestItem struct {
	StateKey      string   `json:"state_key"`
	StateValue    any      `json:"state_value"`
	Source        string   `json:"source"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ObservedAtUTC string   `json:"observed_at_utc,omitempty"`
}

// IngestState validates and applies a batch state write from an external adapter.
func (p *Pipeline) IngestState(ctx context.Context, req StateIngestRequest, devIngest bool) (store.BatchResult, error) {
	if err := ValidateStateIngest(req, devIngest); err != nil {
		return store.BatchResult{}, err
	}
	emitEvents := true
	if req.EmitEvents != nil {
		emitEvents = *req.EmitEvents
	}
	items := make([]store.StateItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, store.StateItem{
			StateKey:      item.StateKey,
			StateValue:    item.StateValue,
			Source:        item.Source,
			Confidence:    item.Confidence,
			ObservedAtUTC: item.ObservedAtUTC,
			EmitEvent:     emitEvents,
			SessionID:     req.SessionID,
			CorrelationID: req.CorrelationID,
		})
	}
	return p.store.BatchSetState(ctx, items)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func merge(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
