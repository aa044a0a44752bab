package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/watchkeeper/brainstem/internal/actuator"
	"github.com/watchkeeper/brainstem/internal/policy"
)

const testOrders = `{
  "version": 1,
  "defaults": {
    "confirm_window_seconds": 12,
    "stt_min_confidence": 0.82,
    "ui_foreground_required_for_input": false
  },
  "watch_conditions": {
    "STANDBY": {"allowed_tools": ["sammi.*", "input.keypress"]},
    "GAME": {"allowed_tools": ["sammi.*"]},
    "WORK": {"allowed_tools": []},
    "TUTOR": {"allowed_tools": []},
    "RESTRICTED": {"deny_tools": ["*"]},
    "DEGRADED": {"allowed_tools": []}
  },
  "tool_policies": {}
}`

type nopAdapter struct {
	invocations int
}

func (a *nopAdapter) Invoke(_ context.Context, _ actuator.Request) actuator.Outcome {
	a.invocations++
	return actuator.Outcome{Status: actuator.StatusSuccess, Output: map[string]any{"ok": true}}
}

func newTestRouter(t *testing.T, actuatorsEnabled bool, keypressEnabled bool) (*Router, *nopAdapter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "standing_orders.json")
	if err := os.WriteFile(path, []byte(testOrders), 0o600); err != nil {
		t.Fatalf("write orders: %v", err)
	}
	engine, err := policy.NewEngine(path, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r := NewRouter(Options{
		Engine:           engine,
		ActuatorsEnabled: actuatorsEnabled,
		KeypressEnabled:  keypressEnabled,
	})
	adapter := &nopAdapter{}
	r.Register("sammi.set_lights", Binding{Safety: SafetyLowRisk, Adapter: adapter})
	r.Register("input.keypress", Binding{Safety: SafetyHighRisk, Adapter: adapter})
	return r, adapter
}

func TestDispatch_unknownTool(t *testing.T) {
	r, _ := newTestRouter(t, true, true)
	out := r.Dispatch(context.Background(), "warp.drive", actuator.Request{})
	if out.ErrorCode != CodeToolNotImplemented {
		t.Fatalf("error_code = %q, want %q", out.ErrorCode, CodeToolNotImplemented)
	}
}

func TestDispatch_killSwitches(t *testing.T) {
	r, adapter := newTestRouter(t, false, false)
	out := r.Dispatch(context.Background(), "sammi.set_lights", actuator.Request{})
	if out.ErrorCode != CodeActuatorsDisabled {
		t.Fatalf("error_code = %q, want %q", out.ErrorCode, CodeActuatorsDisabled)
	}
	if adapter.invocations != 0 {
		t.Fatalf("adapter invoked despite kill switch")
	}

	r2, adapter2 := newTestRouter(t, true, false)
	out = r2.Dispatch(context.Background(), "keypress", actuator.Request{})
	if out.ErrorCode != CodeKeypressDisabled {
		t.Fatalf("error_code = %q, want %q", out.ErrorCode, CodeKeypressDisabled)
	}
	if adapter2.invocations != 0 {
		t.Fatalf("keypress adapter invoked despite kill switch")
	}
}

func TestDispatch_invokesAdapter(t *testing.T) {
	r, adapter := newTestRouter(t, true, true)
	out := r.Dispatch(context.Background(), "set_lights", actuator.Request{
		Parameters: map[string]any{"scene": "calm"},
	})
	if out.Status != actuator.StatusSuccess {
		t.Fatalf("status = %q (%s)", out.Status, out.ErrorMessage)
	}
	if adapter.invocations != 1 {
		t.Fatalf("invocations = %d, want 1", adapter.invocations)
	}
}

func TestSafetyClass(t *testing.T) {
	r, _ := newTestRouter(t, true, true)
	if got := r.SafetyClass("keypress"); got != SafetyHighRisk {
		t.Fatalf("keypress class = %q", got)
	}
	if got := r.SafetyClass("warp.drive"); got != "" {
		t.Fatalf("unknown class = %q", got)
	}
}

func TestBuildConfirmationToken(t *testing.T) {
	token := BuildConfirmationToken("inc-1234567890abcdef", "input.keypress")
	if token != "confirm-inc-12345678-input-keypress" {
		t.Fatalf("token = %q", token)
	}
}

func TestEvaluateAction_attachesToken(t *testing.T) {
	r, _ := newTestRouter(t, true, true)

	// RESTRICTED denies everything outright: no token attached.
	ev := r.EvaluateAction(EvaluateArgs{
		IncidentID:     "inc-1",
		WatchCondition: "RESTRICTED",
		ToolName:       "sammi.set_lights",
	})
	if ev.Decision.Allowed || ev.ConfirmToken != "" {
		t.Fatalf("evaluation = %+v", ev)
	}

	// Action metadata can force a confirmation gate even when policy allows.
	ev = r.EvaluateAction(EvaluateArgs{
		IncidentID:            "inc-1",
		WatchCondition:        "STANDBY",
		ToolName:              "sammi.set_lights",
		ActionRequiresConfirm: true,
	})
	if !ev.Decision.RequiresConfirmation {
		t.Fatalf("requires_confirmation = false")
	}
	if ev.ConfirmToken == "" {
		t.Fatalf("missing confirm token")
	}
	if ev.Decision.DenyReasonCode != policy.ReasonDenyNeedsConfirmation {
		t.Fatalf("code = %q", ev.Decision.DenyReasonCode)
	}
}
