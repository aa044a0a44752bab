// Package tools maps tool names onto safety classes and actuator bindings and
// enforces the global kill-switches in front of every dispatch.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/watchkeeper/brainstem/internal/actuator"
	"github.com/watchkeeper/brainstem/internal/policy"
)

// Safety classes.
const (
	SafetyReadOnly = "read_only"
	SafetyLowRisk  = "low_risk"
	SafetyHighRisk = "high_risk"
)

// Dispatch refusal codes raised before any adapter runs.
const (
	CodeActuatorsDisabled  = "ACTUATORS_DISABLED"
	CodeKeypressDisabled   = "KEYPRESS_DISABLED"
	CodeToolNotImplemented = "TOOL_NOT_IMPLEMENTED"
)

// Binding ties one canonical tool key to its adapter.
type Binding struct {
	Safety  string
	Adapter actuator.Adapter
	Timeout time.Duration
}

// Router resolves tools and drives dispatch through the policy-approved path.
type Router struct {
	log    *slog.Logger
	engine *policy.Engine

	bindings map[string]Binding

	actuatorsEnabled bool
	keypressEnabled  bool
}

type Options struct {
	Logger           *slog.Logger
	Engine           *policy.Engine
	ActuatorsEnabled bool
	KeypressEnabled  bool
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		log:              logger,
		engine:           opts.Engine,
		bindings:         make(map[string]Binding),
		actuatorsEnabled: opts.ActuatorsEnabled,
		keypressEnabled:  opts.KeypressEnabled,
	}
}

// Register binds a canonical tool key to an adapter.
func (r *Router) Register(toolKey string, b Binding) {
	if r == nil {
		return
	}
	key := policy.CanonicalToolName(toolKey)
	if key == "" || b.Adapter == nil {
		return
	}
	if b.Safety == "" {
		b.Safety = SafetyLowRisk
	}
	r.bindings[key] = b
}

// SafetyClass returns the registered class for a tool ("" when unknown).
func (r *Router) SafetyClass(toolName string) string {
	if r == nil {
		return ""
	}
	b, ok := r.bindings[policy.CanonicalToolName(toolName)]
	if !ok {
		return ""
	}
	return b.Safety
}

// BuildConfirmationToken derives the stable confirm token for one
// (incident, tool) pair.
func BuildConfirmationToken(incidentID string, toolKey string) string {
	id := strings.TrimSpace(incidentID)
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("confirm-%s-%s", id, strings.ReplaceAll(toolKey, ".", "-"))
}

// Evaluation is a policy decision plus the token the caller may hand the user.
type Evaluation struct {
	Decision     policy.Decision
	ToolKey      string
	ConfirmToken string
}

// EvaluateArgs is the context of one policy evaluation.
type EvaluateArgs struct {
	IncidentID           string
	WatchCondition       string
	ToolName             string
	Parameters           map[string]any
	Source               string
	STTConfidence        *float64
	ForegroundProcess    string
	UserConfirmed        bool
	UserConfirmToken     string
	ActionRequiresConfirm bool
	NowUnix              float64
	ConfirmationUnix     *float64
}

// EvaluateAction records a user confirmation if one was supplied, evaluates the
// policy, and overlays the action-metadata confirmation gate.
func (r *Router) EvaluateAction(args EvaluateArgs) Evaluation {
	toolKey := policy.CanonicalToolName(args.ToolName)
	token := strings.TrimSpace(args.UserConfirmToken)
	if token == "" {
		token = BuildConfirmationToken(args.IncidentID, toolKey)
	}
	now := args.NowUnix
	if now <= 0 {
		now = float64(time.Now().UnixNano()) / float64(time.Second)
	}

	if args.UserConfirmed && r.engine != nil {
		ts := now
		if args.ConfirmationUnix != nil {
			ts = *args.ConfirmationUnix
		}
		r.engine.RecordConfirmation(args.IncidentID, toolKey, token, ts)
	}

	var confirmToken string
	if args.UserConfirmed || strings.TrimSpace(args.UserConfirmToken) != "" {
		confirmToken = token
	}

	decision := policy.Decision{Allowed: false, DenyReasonCode: policy.ReasonDenyPolicyInvalid, Constraints: map[string]any{}}
	if r.engine != nil {
		decision = r.engine.Evaluate(policy.ActionRequest{
			IncidentID:        args.IncidentID,
			WatchCondition:    args.WatchCondition,
			ToolName:          args.ToolName,
			Args:              args.Parameters,
			Source:            args.Source,
			STTConfidence:     args.STTConfidence,
			ForegroundProcess: args.ForegroundProcess,
			NowUnix:           now,
			UserConfirmToken:  confirmToken,
		})
	}

	if decision.Allowed && args.ActionRequiresConfirm && !args.UserConfirmed {
		window := 12 * time.Second
		if r.engine != nil {
			window = r.engine.ConfirmWindow()
		}
		decision = policy.Decision{
			Allowed:              false,
			RequiresConfirmation: true,
			DenyReasonCode:       policy.ReasonDenyNeedsConfirmation,
			DenyReasonText:       "action metadata requires user confirmation",
			Constraints: map[string]any{
				"confirm_by_ts": now + window.Seconds(),
			},
		}
	}

	out := Evaluation{Decision: decision, ToolKey: toolKey}
	if decision.RequiresConfirmation {
		if decision.Constraints == nil {
			decision.Constraints = map[string]any{}
		}
		if _, ok := decision.Constraints["confirm_token"]; !ok {
			decision.Constraints["confirm_token"] = token
		}
		out.Decision = decision
		out.ConfirmToken = token
	}
	return out
}

// Dispatch invokes the bound adapter after the kill-switch gates. The adapter
// call is bounded by the binding timeout.
func (r *Router) Dispatch(ctx context.Context, toolName string, req actuator.Request) actuator.Outcome {
	started := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	if r == nil {
		return actuator.Outcome{
			Status:       actuator.StatusError,
			ErrorCode:    actuator.CodeAdapterError,
			ErrorMessage: "tool router not initialized",
			StartedAtUTC: started,
			EndedAtUTC:   started,
		}
	}
	toolKey := policy.CanonicalToolName(toolName)
	b, ok := r.bindings[toolKey]
	if !ok {
		return refusal(started, CodeToolNotImplemented, fmt.Sprintf("unsupported tool: %s", toolName))
	}
	if !r.actuatorsEnabled {
		return refusal(started, CodeActuatorsDisabled, "actuators disabled by configuration")
	}
	if toolKey == "input.keypress" && !r.keypressEnabled {
		return refusal(started, CodeKeypressDisabled, "keypress actuator disabled by configuration")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	return b.Adapter.Invoke(ctx, req)
}

func refusal(started string, code string, msg string) actuator.Outcome {
	return actuator.Outcome{
		Status:       actuator.StatusError,
		ErrorCode:    code,
		ErrorMessage: msg,
		StartedAtUTC: started,
		EndedAtUTC:   started,
	}
}
