package store

import (
	"context"
	"testing"
)

func testIntent(requestID string) Intent {
	return Intent{
		RequestID:     requestID,
		SchemaVersion: "1.0",
		TimestampUTC:  "2026-01-01T00:00:00.000000Z",
		Mode:          "game",
		Domain:        "gameplay",
		Urgency:       "normal",
		UserText:      "set lights to red alert",
		NeedsTools:    true,
		ProposedActions: []ProposedAction{
			{
				ActionID:    "a1",
				ToolName:    "sammi.set_lights",
				Parameters:  map[string]any{"scene": "red_alert"},
				SafetyLevel: "low_risk",
				TimeoutMs:   5000,
				Confidence:  0.95,
			},
			{
				ActionID:    "a2",
				ToolName:    "input.keypress",
				Parameters:  map[string]any{"key": "l"},
				SafetyLevel: "high_risk",
				TimeoutMs:   1000,
				Confidence:  0.8,
			},
		},
		ResponseText: "Aye, lights to red alert.",
	}
}

func TestUpsertIntent_idempotentByRequestID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		count, err := s.UpsertIntent(ctx, testIntent("req-1"), "test")
		if err != nil {
			t.Fatalf("UpsertIntent %d: %v", i, err)
		}
		if count != 2 {
			t.Fatalf("queued = %d, want 2", count)
		}
	}

	actions, err := s.ListActions(ctx, "req-1", nil)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("action rows = %d, want 2 (no duplicates)", len(actions))
	}
	if actions[0].ActionID != "a1" || actions[1].ActionID != "a2" {
		t.Fatalf("order = %s,%s", actions[0].ActionID, actions[1].ActionID)
	}
	if actions[0].Status != ActionQueued {
		t.Fatalf("status = %q, want queued", actions[0].Status)
	}
	if actions[0].Parameters["scene"] != "red_alert" {
		t.Fatalf("parameters = %v", actions[0].Parameters)
	}

	events, err := s.ReadEvents(ctx, EventFilter{EventType: EventIntentProposed})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("INTENT_PROPOSED count = %d, want 2 (one per upsert)", len(events))
	}
}

func TestActionTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertIntent(ctx, testIntent("req-2"), "test"); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}
	actions, err := s.ListActions(ctx, "req-2", []string{"a1"})
	if err != nil || len(actions) != 1 {
		t.Fatalf("ListActions: %v %v", actions, err)
	}

	id := actions[0].ID
	if err := s.MarkActionApproved(ctx, id, UTCNow()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := s.FinalizeAction(ctx, id, ActionSuccess, map[string]any{"ok": true}, "", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	actions, err = s.ListActions(ctx, "req-2", []string{"a1"})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := actions[0]
	if got.Status != ActionSuccess {
		t.Fatalf("status = %q, want success", got.Status)
	}
	if got.StartedAtUTC == "" || got.EndedAtUTC == "" {
		t.Fatalf("timestamps missing: %+v", got)
	}
	if got.Output["ok"] != true {
		t.Fatalf("output = %v", got.Output)
	}
	if !IsTerminalActionStatus(got.Status) {
		t.Fatalf("success must be terminal")
	}
}

func TestInsertFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertIntent(ctx, testIntent("req-3"), "test"); err != nil {
		t.Fatalf("UpsertIntent: %v", err)
	}

	id, err := s.InsertFeedback(ctx, "req-3", 1, "", "", "test")
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	if id <= 0 {
		t.Fatalf("feedback id = %d", id)
	}

	// Unknown request id is rejected.
	if _, err := s.InsertFeedback(ctx, "req-missing", -1, "", "", "test"); err == nil {
		t.Fatalf("feedback for unknown request accepted")
	}

	events, err := s.ReadEvents(ctx, EventFilter{EventType: EventUserFeedback})
	if err != nil || len(events) != 1 {
		t.Fatalf("USER_FEEDBACK events = %v err=%v", events, err)
	}
	if events[0].CorrelationID != "req-3" {
		t.Fatalf("correlation = %q", events[0].CorrelationID)
	}
}
