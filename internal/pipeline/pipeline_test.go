package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/watchkeeper/brainstem/internal/actuator"
	"github.com/watchkeeper/brainstem/internal/policy"
	"github.com/watchkeeper/brainstem/internal/store"
	"github.com/watchkeeper/brainstem/internal/tools"
)

const testOrders = `{
  "version": 1,
  "defaults": {
    "confirm_window_seconds": 12,
    "stt_min_confidence": 0.82,
    "ui_foreground_required_for_input": true,
    "require_incident_id": true
  },
  "watch_conditions": {
    "STANDBY": {
      "allowed_tools": ["sammi.*", "edparser.*"],
      "deny_tools": ["twitch.*"]
    },
    "GAME": {
      "allowed_tools": ["sammi.*", "edparser.*", "input.keypress"],
      "confirmation": {"always": ["input.keypress"]},
      "guardrails": {"foreground_process_must_be": ["EliteDangerous64.exe"]}
    },
    "WORK": {"allowed_tools": ["sammi.*"]},
    "TUTOR": {"allowed_tools": ["sammi.*"]},
    "RESTRICTED": {"deny_tools": ["*"]},
    "DEGRADED": {"allowed_tools": ["edparser.status"]}
  },
  "tool_policies": {}
}`

type fakeAdapter struct {
	invocations int
	outcome     actuator.Outcome
}

func (f *fakeAdapter) Invoke(_ context.Context, _ actuator.Request) actuator.Outcome {
	f.invocations++
	out := f.outcome
	if out.Status == "" {
		out.Status = actuator.StatusSuccess
		out.Output = map[string]any{"ok": true}
	}
	return out
}

type harness struct {
	store    *store.Store
	engine   *policy.Engine
	router   *tools.Router
	pipeline *Pipeline
	lights   *fakeAdapter
	keypress *fakeAdapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "brainstem.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ordersPath := filepath.Join(t.TempDir(), "standing_orders.json")
	if err := os.WriteFile(ordersPath, []byte(testOrders), 0o600); err != nil {
		t.Fatalf("write orders: %v", err)
	}
	engine, err := policy.NewEngine(ordersPath, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	router := tools.NewRouter(tools.Options{
		Engine:           engine,
		ActuatorsEnabled: true,
		KeypressEnabled:  true,
	})
	lights := &fakeAdapter{}
	keypress := &fakeAdapter{}
	router.Register("sammi.set_lights", tools.Binding{Safety: tools.SafetyLowRisk, Adapter: lights})
	router.Register("input.keypress", tools.Binding{Safety: tools.SafetyHighRisk, Adapter: keypress})

	p, err := New(Options{Store: st, Engine: engine, Router: router})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return &harness{store: st, engine: engine, router: router, pipeline: p, lights: lights, keypress: keypress}
}

func lightsIntent(requestID string) store.Intent {
	return store.Intent{
		RequestID:     requestID,
		SchemaVersion: "1.0",
		TimestampUTC:  "2026-01-01T00:00:00.000000Z",
		Mode:          "game",
		Domain:        "gameplay",
		Urgency:       "normal",
		UserText:      "lights",
		NeedsTools:    true,
		ProposedActions: []store.ProposedAction{{
			ActionID:    "a1",
			ToolName:    "sammi.set_lights",
			Parameters:  map[string]any{"scene": "red_alert"},
			SafetyLevel: "low_risk",
			TimeoutMs:   5000,
			Confidence:  0.9,
		}},
		ResponseText: "done",
	}
}

func TestExecute_denyInCondition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent := lightsIntent("req-deny")
	intent.ProposedActions[0].ToolName = "twitch.send_chat"
	if _, err := h.pipeline.PutIntent(ctx, intent, "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}

	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID:      "req-deny",
		IncidentID:     "inc-1",
		WatchCondition: "STANDBY",
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(result.Results))
	}
	r := result.Results[0]
	if r.Status != store.ActionDenied {
		t.Fatalf("status = %q, want denied", r.Status)
	}
	if r.ReasonCode != policy.ReasonDenyExplicitlyDenied {
		t.Fatalf("reason = %q, want %q", r.ReasonCode, policy.ReasonDenyExplicitlyDenied)
	}

	events, err := h.store.ReadEvents(ctx, store.EventFilter{
		EventType: store.EventActionDenied, CorrelationID: "inc-1",
	})
	if err != nil || len(events) != 1 {
		t.Fatalf("ACTION_DENIED events = %d err=%v, want 1", len(events), err)
	}
}

func TestExecute_missingIncidentID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.pipeline.PutIntent(ctx, lightsIntent("req-noinc"), "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	_, err := h.pipeline.Execute(ctx, ExecuteRequest{RequestID: "req-noinc"}, "test")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != CodeMissingIncidentID {
		t.Fatalf("err = %v, want MISSING_INCIDENT_ID", err)
	}
}

func TestExecute_allowDispatchAndEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.pipeline.PutIntent(ctx, lightsIntent("req-ok"), "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-ok", IncidentID: "inc-2", WatchCondition: "GAME",
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Results[0].Status != store.ActionSuccess {
		t.Fatalf("status = %q (%s)", result.Results[0].Status, result.Results[0].Reason)
	}
	if h.lights.invocations != 1 {
		t.Fatalf("lights invocations = %d, want 1", h.lights.invocations)
	}

	// Re-executing the same incident is a no-op for the finalized action.
	result, err = h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-ok", IncidentID: "inc-2", WatchCondition: "GAME",
	}, "test")
	if err != nil {
		t.Fatalf("re-Execute: %v", err)
	}
	if result.Results[0].Message != "already finalized" {
		t.Fatalf("replay message = %q", result.Results[0].Message)
	}
	if h.lights.invocations != 1 {
		t.Fatalf("lights invocations after replay = %d, want 1", h.lights.invocations)
	}

	executed, err := h.store.ReadEvents(ctx, store.EventFilter{
		EventType: store.EventActionExecuted, CorrelationID: "inc-2",
	})
	if err != nil || len(executed) != 1 {
		t.Fatalf("ACTION_EXECUTED = %d err=%v, want 1", len(executed), err)
	}
}

func TestExecute_eventOrderWithinCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.pipeline.PutIntent(ctx, lightsIntent("req-order"), "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	if _, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-order", IncidentID: "inc-ord", WatchCondition: "GAME",
	}, "test"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events, err := h.store.ReadEvents(ctx, store.EventFilter{CorrelationID: "inc-ord", SinceSeq: 1, Limit: 100})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []string{
		store.EventPolicyDecision,
		store.EventActionApproved,
		store.EventToolExecuteResult,
		store.EventActionExecuted,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
}

func TestExecute_highRiskGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent := lightsIntent("req-hr")
	intent.ProposedActions[0].ToolName = "input.keypress"
	intent.ProposedActions[0].SafetyLevel = "high_risk"
	if _, err := h.pipeline.PutIntent(ctx, intent, "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}

	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-hr", IncidentID: "inc-3", WatchCondition: "GAME",
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Results[0].ReasonCode != "DENY_HIGH_RISK_NOT_ALLOWED" {
		t.Fatalf("reason = %q", result.Results[0].ReasonCode)
	}
}

func TestExecute_foregroundMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.store.SetState(ctx, store.StateItem{
		StateKey: "app.foreground", StateValue: "notepad.exe", Source: "test",
	}); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	intent := lightsIntent("req-fg")
	intent.ProposedActions[0].ToolName = "input.keypress"
	intent.ProposedActions[0].SafetyLevel = "high_risk"
	if _, err := h.pipeline.PutIntent(ctx, intent, "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}

	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-fg", IncidentID: "inc-4", WatchCondition: "GAME", AllowHighRisk: true,
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Results[0].ReasonCode != policy.ReasonDenyForegroundMismatch {
		t.Fatalf("reason = %q, want %q", result.Results[0].ReasonCode, policy.ReasonDenyForegroundMismatch)
	}
}

func TestExecute_confirmFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.store.SetState(ctx, store.StateItem{
		StateKey: "app.foreground", StateValue: "EliteDangerous64.exe", Source: "test",
	}); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	intent := lightsIntent("req-confirm")
	intent.ProposedActions[0].ToolName = "input.keypress"
	intent.ProposedActions[0].SafetyLevel = "high_risk"
	intent.ProposedActions[0].Parameters = map[string]any{"key": "l"}
	if _, err := h.pipeline.PutIntent(ctx, intent, "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}

	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-confirm", IncidentID: "inc-5", WatchCondition: "GAME", AllowHighRisk: true,
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	r := result.Results[0]
	if r.Status != "requires_confirmation" {
		t.Fatalf("status = %q (%s)", r.Status, r.Reason)
	}
	if r.ConfirmToken == "" {
		t.Fatalf("missing confirm token")
	}
	if _, ok := r.Constraints["confirm_by_ts"]; !ok {
		t.Fatalf("missing confirm_by_ts")
	}
	if h.keypress.invocations != 0 {
		t.Fatalf("keypress dispatched before confirmation")
	}

	confirmed, err := h.pipeline.Confirm(ctx, ConfirmRequest{
		IncidentID: "inc-5", ConfirmToken: r.ConfirmToken,
	}, "test")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.Results[0].Status != store.ActionSuccess {
		t.Fatalf("confirmed status = %q (%s)", confirmed.Results[0].Status, confirmed.Results[0].Reason)
	}
	if h.keypress.invocations != 1 {
		t.Fatalf("keypress invocations = %d, want 1", h.keypress.invocations)
	}

	// The token is single-use.
	_, err = h.pipeline.Confirm(ctx, ConfirmRequest{IncidentID: "inc-5", ConfirmToken: r.ConfirmToken}, "test")
	var ce *ConfirmError
	if !errors.As(err, &ce) || ce.Code != CodeConfirmTokenUnknown {
		t.Fatalf("reuse err = %v, want CONFIRM_TOKEN_UNKNOWN", err)
	}
}

func TestConfirm_expiredToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.store.SetState(ctx, store.StateItem{
		StateKey: "app.foreground", StateValue: "EliteDangerous64.exe", Source: "test",
	}); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	intent := lightsIntent("req-exp")
	intent.ProposedActions[0].ToolName = "input.keypress"
	intent.ProposedActions[0].SafetyLevel = "high_risk"
	if _, err := h.pipeline.PutIntent(ctx, intent, "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-exp", IncidentID: "inc-6", WatchCondition: "GAME", AllowHighRisk: true,
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	token := result.Results[0].ConfirmToken

	// Move the pipeline clock past the confirmation window.
	h.pipeline.nowFn = func() time.Time { return time.Now().Add(13 * time.Second) }

	_, err = h.pipeline.Confirm(ctx, ConfirmRequest{IncidentID: "inc-6", ConfirmToken: token}, "test")
	var ce *ConfirmError
	if !errors.As(err, &ce) || ce.Code != CodeConfirmExpired {
		t.Fatalf("err = %v, want CONFIRM_EXPIRED", err)
	}
}

func TestExecute_dryRunSkipsDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.pipeline.PutIntent(ctx, lightsIntent("req-dry"), "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-dry", IncidentID: "inc-7", WatchCondition: "GAME", DryRun: true,
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Results[0].Status != store.ActionSuccess {
		t.Fatalf("status = %q", result.Results[0].Status)
	}
	if h.lights.invocations != 0 {
		t.Fatalf("dry run dispatched the adapter")
	}

	decisions, err := h.store.ReadEvents(ctx, store.EventFilter{
		EventType: store.EventPolicyDecision, CorrelationID: "inc-7",
	})
	if err != nil || len(decisions) != 1 {
		t.Fatalf("POLICY_DECISION = %d err=%v, want 1", len(decisions), err)
	}
}

func TestExecute_adapterTimeoutRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.lights.outcome = actuator.Outcome{
		Status:       actuator.StatusTimeout,
		ErrorCode:    actuator.CodeAdapterTimeout,
		ErrorMessage: "lights webhook timed out after 5s",
	}
	if _, err := h.pipeline.PutIntent(ctx, lightsIntent("req-to"), "test"); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	result, err := h.pipeline.Execute(ctx, ExecuteRequest{
		RequestID: "req-to", IncidentID: "inc-8", WatchCondition: "GAME",
	}, "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Results[0].Status != store.ActionTimeout {
		t.Fatalf("status = %q, want timeout", result.Results[0].Status)
	}
	if result.Results[0].ErrorCode != actuator.CodeAdapterTimeout {
		t.Fatalf("error_code = %q", result.Results[0].ErrorCode)
	}

	failed, err := h.store.ReadEvents(ctx, store.EventFilter{
		EventType: store.EventActionFailed, CorrelationID: "inc-8",
	})
	if err != nil || len(failed) != 1 {
		t.Fatalf("ACTION_FAILED = %d err=%v, want 1", len(failed), err)
	}
}
