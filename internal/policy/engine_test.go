package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
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
      "allowed_tools": ["sammi.*", "edparser.*", "jinx.*"],
      "deny_tools": ["twitch.*", "input.keypress"]
    },
    "GAME": {
      "inherits": "STANDBY",
      "allowed_tools": ["sammi.*", "edparser.*", "jinx.*", "input.keypress", "twitch.send_chat"],
      "deny_tools": [],
      "confirmation": {
        "always": ["input.keypress"],
        "when_low_confidence": ["sammi.set_lights"]
      },
      "guardrails": {
        "foreground_process_must_be": ["EliteDangerous64.exe", "EliteDangerous.exe"],
        "max_keypress_per_minute": 3,
        "stt_requires_confidence_for_input": true
      }
    },
    "WORK": {"allowed_tools": ["sammi.music_next", "sammi.music_pause", "sammi.music_resume"]},
    "TUTOR": {"allowed_tools": ["sammi.*"]},
    "RESTRICTED": {"allowed_tools": [], "deny_tools": ["*"]},
    "DEGRADED": {"allowed_tools": ["edparser.status"]}
  },
  "tool_policies": {
    "sammi.music_*": {"rate_limit_per_minute": 3},
    "input.keypress": {"requires": ["foreground_ok"], "deny_if": ["stt_confidence_low"]}
  }
}`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "standing_orders.json")
	if err := os.WriteFile(path, []byte(testOrders), 0o600); err != nil {
		t.Fatalf("write standing orders: %v", err)
	}
	e, err := NewEngine(path, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func baseRequest(tool string, condition string) ActionRequest {
	return ActionRequest{
		IncidentID:     "inc-1",
		WatchCondition: condition,
		ToolName:       tool,
		NowUnix:        1_700_000_000,
	}
}

func TestEvaluate_explicitDeny(t *testing.T) {
	e := newTestEngine(t)

	d := e.Evaluate(baseRequest("twitch.send_chat", "STANDBY"))
	if d.Allowed {
		t.Fatalf("allowed = true, want deny")
	}
	if d.DenyReasonCode != ReasonDenyExplicitlyDenied {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyExplicitlyDenied)
	}
}

func TestEvaluate_notAllowedInCondition(t *testing.T) {
	e := newTestEngine(t)

	d := e.Evaluate(baseRequest("sammi.set_lights", "WORK"))
	if d.DenyReasonCode != ReasonDenyNotAllowed {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyNotAllowed)
	}
}

func TestEvaluate_wildcardAllow(t *testing.T) {
	e := newTestEngine(t)

	d := e.Evaluate(baseRequest("sammi.set_lights", "STANDBY"))
	if !d.Allowed {
		t.Fatalf("denied: %s %s", d.DenyReasonCode, d.DenyReasonText)
	}
	if d.DenyReasonCode != ReasonAllow {
		t.Fatalf("code = %q, want ALLOW", d.DenyReasonCode)
	}
}

func TestEvaluate_denyAllWildcard(t *testing.T) {
	e := newTestEngine(t)

	d := e.Evaluate(baseRequest("edparser.status", "RESTRICTED"))
	if d.DenyReasonCode != ReasonDenyExplicitlyDenied {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyExplicitlyDenied)
	}
}

func TestEvaluate_missingIncidentID(t *testing.T) {
	e := newTestEngine(t)

	req := baseRequest("sammi.set_lights", "STANDBY")
	req.IncidentID = ""
	d := e.Evaluate(req)
	if d.DenyReasonCode != ReasonDenyPolicyInvalid {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyPolicyInvalid)
	}
}

func TestEvaluate_unknownCondition(t *testing.T) {
	e := newTestEngine(t)

	d := e.Evaluate(baseRequest("sammi.set_lights", "PARTY"))
	if d.DenyReasonCode != ReasonDenyPolicyInvalid {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyPolicyInvalid)
	}
}

func TestEvaluate_foregroundMismatch(t *testing.T) {
	e := newTestEngine(t)

	req := baseRequest("keypress", "GAME")
	req.ForegroundProcess = "notepad.exe"
	d := e.Evaluate(req)
	if d.DenyReasonCode != ReasonDenyForegroundMismatch {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyForegroundMismatch)
	}
}

func TestEvaluate_lowSTTConfidence(t *testing.T) {
	e := newTestEngine(t)

	low := 0.4
	req := baseRequest("keypress", "GAME")
	req.ForegroundProcess = "EliteDangerous64.exe"
	req.STTConfidence = &low
	d := e.Evaluate(req)
	if d.DenyReasonCode != ReasonDenyLowSTTConfidence {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyLowSTTConfidence)
	}
}

func TestEvaluate_rateLimitWindow(t *testing.T) {
	e := newTestEngine(t)

	req := baseRequest("sammi.music_next", "WORK")
	for i := 0; i < 3; i++ {
		req.NowUnix = 1_700_000_000 + float64(i)
		if d := e.Evaluate(req); !d.Allowed {
			t.Fatalf("call %d denied: %s", i, d.DenyReasonCode)
		}
	}
	req.NowUnix = 1_700_000_003
	if d := e.Evaluate(req); d.DenyReasonCode != ReasonDenyRateLimit {
		t.Fatalf("4th call code = %q, want %q", d.DenyReasonCode, ReasonDenyRateLimit)
	}

	// Just past the rolling window the oldest entry falls out.
	req.NowUnix = 1_700_000_060.5
	if d := e.Evaluate(req); !d.Allowed {
		t.Fatalf("post-window call denied: %s %s", d.DenyReasonCode, d.DenyReasonText)
	}
}

func TestEvaluate_confirmationFlow(t *testing.T) {
	e := newTestEngine(t)

	req := baseRequest("keypress", "GAME")
	req.ForegroundProcess = "EliteDangerous64.exe"

	d := e.Evaluate(req)
	if d.DenyReasonCode != ReasonDenyNeedsConfirmation {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyNeedsConfirmation)
	}
	if !d.RequiresConfirmation {
		t.Fatalf("requires_confirmation = false, want true")
	}
	if _, ok := d.Constraints["confirm_by_ts"]; !ok {
		t.Fatalf("confirm_by_ts missing from constraints")
	}

	// Fresh confirmation within the window passes.
	e.RecordConfirmation("inc-1", "input.keypress", "tok-1", req.NowUnix)
	req.UserConfirmToken = "tok-1"
	if d := e.Evaluate(req); !d.Allowed {
		t.Fatalf("confirmed call denied: %s %s", d.DenyReasonCode, d.DenyReasonText)
	}

	// The confirmation is consumed: a second evaluate needs a new one.
	if d := e.Evaluate(req); d.DenyReasonCode != ReasonDenyNeedsConfirmation {
		t.Fatalf("reuse code = %q, want %q", d.DenyReasonCode, ReasonDenyNeedsConfirmation)
	}
}

func TestEvaluate_confirmationExpiry(t *testing.T) {
	e := newTestEngine(t)

	req := baseRequest("keypress", "GAME")
	req.ForegroundProcess = "EliteDangerous64.exe"
	req.UserConfirmToken = "tok-exp"

	// Recorded just inside the 12s window.
	e.RecordConfirmation("inc-1", "input.keypress", "tok-exp", req.NowUnix-11.999)
	if d := e.Evaluate(req); !d.Allowed {
		t.Fatalf("in-window confirm denied: %s %s", d.DenyReasonCode, d.DenyReasonText)
	}

	// Just past the window expires.
	e.RecordConfirmation("inc-1", "input.keypress", "tok-exp", req.NowUnix-12.001)
	if d := e.Evaluate(req); d.DenyReasonCode != ReasonDenyConfirmExpired {
		t.Fatalf("expired code = %q, want %q", d.DenyReasonCode, ReasonDenyConfirmExpired)
	}
}

func TestEvaluate_inheritsMerge(t *testing.T) {
	e := newTestEngine(t)

	// GAME clears the STANDBY deny list, so send_chat is reachable.
	d := e.Evaluate(baseRequest("twitch.send_chat", "GAME"))
	if !d.Allowed {
		t.Fatalf("GAME send_chat denied: %s %s", d.DenyReasonCode, d.DenyReasonText)
	}
}

func TestEvaluate_invalidDocumentFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "standing_orders.json")
	if err := os.WriteFile(path, []byte(testOrders), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	e, err := NewEngine(path, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	// Force a visible mtime change for coarse filesystem timestamps.
	future := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	d := e.Evaluate(baseRequest("sammi.set_lights", "STANDBY"))
	if d.DenyReasonCode != ReasonDenyPolicyInvalid {
		t.Fatalf("code = %q, want %q", d.DenyReasonCode, ReasonDenyPolicyInvalid)
	}
}

func TestCanonicalToolName(t *testing.T) {
	cases := map[string]string{
		"keypress":       "input.keypress",
		"set_lights":     "sammi.set_lights",
		"music_next":     "sammi.music_next",
		"edparser_start": "edparser.start",
		"jinx.set_scene": "jinx.set_scene",
	}
	for in, want := range cases {
		if got := CanonicalToolName(in); got != want {
			t.Fatalf("CanonicalToolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	if !matchPattern("sammi.*", "sammi.set_lights") {
		t.Fatalf("trailing wildcard should match")
	}
	if matchPattern("sammi.*", "twitch.send_chat") {
		t.Fatalf("wildcard matched wrong namespace")
	}
	if !matchPattern("INPUT.KEYPRESS", "input.keypress") {
		t.Fatalf("matching should be case-insensitive")
	}
}
