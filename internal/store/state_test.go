package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "brainstem.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIsUnavailable(t *testing.T) {
	var empty Store
	if _, err := empty.GetState(context.Background(), "ed.running"); !IsUnavailable(err) {
		t.Fatalf("uninitialized store err = %v, want unavailable", err)
	}
	if IsUnavailable(nil) {
		t.Fatalf("nil classified as unavailable")
	}
	if IsUnavailable(ErrInvalidStateKey) {
		t.Fatalf("validation error classified as unavailable")
	}

	s := newTestStore(t)
	if _, err := s.GetState(context.Background(), "ed.running"); err != nil {
		t.Fatalf("healthy store err = %v", err)
	}
}

func TestValidateIngestKey(t *testing.T) {
	valid := []string{"ed.running", "music.track.title", "hw.cpu_percent", "policy.watch_condition", "ai.local.available"}
	for _, key := range valid {
		if err := ValidateIngestKey(key); err != nil {
			t.Fatalf("ValidateIngestKey(%q) = %v, want nil", key, err)
		}
	}

	invalid := []string{"ed..running", "System.CPU", "ed", "music-now_playing", "", "app.foreground", "twitch.cursor"}
	for _, key := range invalid {
		if err := ValidateIngestKey(key); err == nil {
			t.Fatalf("ValidateIngestKey(%q) = nil, want error", key)
		}
	}
}

func TestSetState_lastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetState(ctx, StateItem{
		StateKey: "ed.running", StateValue: false, Source: "t", ObservedAtUTC: "2026-01-01T00:00:00.000000Z",
	}); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if _, err := s.SetState(ctx, StateItem{
		StateKey: "ed.running", StateValue: true, Source: "t", ObservedAtUTC: "2026-01-01T00:00:01.000000Z",
	}); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	e, err := s.GetState(ctx, "ed.running")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if e == nil || e.StateValue != true {
		t.Fatalf("value = %v, want true", e)
	}
	if e.ObservedAtUTC != "2026-01-01T00:00:01.000000Z" {
		t.Fatalf("observed_at = %q", e.ObservedAtUTC)
	}
}

func TestSetState_changeDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	changed, err := s.SetState(ctx, StateItem{StateKey: "ed.running", StateValue: true, Source: "t"})
	if err != nil || !changed {
		t.Fatalf("first write changed=%v err=%v, want true nil", changed, err)
	}
	changed, err = s.SetState(ctx, StateItem{StateKey: "ed.running", StateValue: true, Source: "t"})
	if err != nil || changed {
		t.Fatalf("identical write changed=%v err=%v, want false nil", changed, err)
	}
}

func TestBatchSetState_emitsStateChangedOnlyOnChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := StateItem{StateKey: "music.playing", StateValue: true, Source: "t", EmitEvent: true}
	if _, err := s.BatchSetState(ctx, []StateItem{item}); err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	if _, err := s.BatchSetState(ctx, []StateItem{item}); err != nil {
		t.Fatalf("batch 2: %v", err)
	}

	events, err := s.ReadEvents(ctx, EventFilter{EventType: EventStateChanged})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("STATE_CHANGED count = %d, want 1", len(events))
	}
}

func TestListState_prefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"ed.running", "ed.telemetry.hull_percent", "music.playing"} {
		if _, err := s.SetState(ctx, StateItem{StateKey: key, StateValue: 1, Source: "t"}); err != nil {
			t.Fatalf("SetState(%s): %v", key, err)
		}
	}

	items, err := s.ListState(ctx, "ed")
	if err != nil {
		t.Fatalf("ListState: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("prefix ed count = %d, want 2", len(items))
	}

	all, err := s.ListState(ctx, "")
	if err != nil {
		t.Fatalf("ListState all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all count = %d, want 3", len(all))
	}
}

func TestUpsertBias_uniqueByNormalizedAndMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertBias(ctx, BiasEntry{Phrase: "Frame  Shift Drive", Weight: 2, Active: true}); err != nil {
		t.Fatalf("UpsertBias: %v", err)
	}
	if err := s.UpsertBias(ctx, BiasEntry{Phrase: "frame shift drive", Weight: 3, Active: true}); err != nil {
		t.Fatalf("UpsertBias replay: %v", err)
	}

	entries, err := s.ListBias(ctx, "", true)
	if err != nil {
		t.Fatalf("ListBias: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("count = %d, want 1", len(entries))
	}
	if entries[0].Weight != 3 {
		t.Fatalf("weight = %v, want 3", entries[0].Weight)
	}
}
