package twitch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/watchkeeper/brainstem/internal/store"
)

type fakeBridge struct {
	vars map[string]any
}

func (f *fakeBridge) GetVariable(name string) (any, error) {
	return f.vars[name], nil
}

func (f *fakeBridge) GetVariables(names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = f.vars[name]
	}
	return out
}

func newTestIngest(t *testing.T, bridge VariableReader) (*Ingest, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "brainstem.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	g := NewIngest(IngestOptions{
		Store:  st,
		Bridge: bridge,
		// Chat debounce off: tests drive packets synchronously.
		ChatDebounce: 0,
	})
	return g, st
}

func TestIngest_dedupeByCommitMarker(t *testing.T) {
	bridge := &fakeBridge{vars: map[string]any{
		"ID116.chat_user_id": "42",
		"ID116.chat_login":   "cmdr_vale",
		"ID116.chat_message": "o7",
	}}
	g, st := newTestIngest(t, bridge)
	ctx := context.Background()

	// Two identical doorbell packets: first ingests, second drops silently.
	g.HandlePing(ctx, "101|1700000000000")
	g.HandlePing(ctx, "101|1700000000000")

	events, err := st.ReadEvents(ctx, store.EventFilter{EventType: "TWITCH_CHAT_INGESTED"})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ingested count = %d, want 1", len(events))
	}

	cursor, err := st.GetTwitchCursor(ctx, "CHAT")
	if err != nil {
		t.Fatalf("GetTwitchCursor: %v", err)
	}
	if !strings.HasPrefix(cursor.LastCommitTS, "2023-11-14T") {
		t.Fatalf("cursor = %q, want normalized 1700000000000", cursor.LastCommitTS)
	}
}

func TestIngest_advancesOnNewerMarker(t *testing.T) {
	bridge := &fakeBridge{vars: map[string]any{
		"ID116.chat_user_id": "42",
		"ID116.chat_message": "hello",
	}}
	g, st := newTestIngest(t, bridge)
	ctx := context.Background()

	g.HandlePing(ctx, "101|1700000000000")
	g.HandlePing(ctx, "101|1700000001000")

	events, err := st.ReadEvents(ctx, store.EventFilter{EventType: "TWITCH_CHAT_INGESTED"})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ingested count = %d, want 2", len(events))
	}

	user, err := st.GetTwitchUser(ctx, "42")
	if err != nil || user == nil {
		t.Fatalf("GetTwitchUser: %v %v", user, err)
	}
	if user.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", user.MessageCount)
	}
}

func TestIngest_markerVariableWins(t *testing.T) {
	bridge := &fakeBridge{vars: map[string]any{
		"ID116.redeem_commit":    "1700000005",
		"ID116.redeem_user_id":   "9",
		"ID116.redeem_reward_id": "r1",
		"ID116.redeem_title":     "Hydrate",
	}}
	g, st := newTestIngest(t, bridge)
	ctx := context.Background()

	// The doorbell names a marker variable: its value is the commit marker.
	g.HandlePing(ctx, "REDEEM|ID116.redeem_commit")

	cursor, err := st.GetTwitchCursor(ctx, "REDEEM")
	if err != nil {
		t.Fatalf("GetTwitchCursor: %v", err)
	}
	if !strings.HasPrefix(cursor.LastCommitTS, "2023-11-14T") {
		t.Fatalf("cursor = %q, want marker variable value normalized", cursor.LastCommitTS)
	}

	top, err := st.TopTwitchRedeems(ctx, "9", 5)
	if err != nil || len(top) != 1 {
		t.Fatalf("redeems = %v err=%v", top, err)
	}
}

func TestIngest_malformedPacketJournaled(t *testing.T) {
	g, st := newTestIngest(t, &fakeBridge{vars: map[string]any{}})
	ctx := context.Background()

	g.HandlePing(ctx, "garbage packet")

	events, err := st.ReadEvents(ctx, store.EventFilter{EventType: "TWITCH_PACKET_PARSE_ERROR"})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("parse error events = %d, want 1", len(events))
	}
}

func TestNormalizeMarker(t *testing.T) {
	cases := map[string]string{
		"1700000000000": "2023-11-14T22:13:20.000000Z",
		"1700000000":    "2023-11-14T22:13:20.000000Z",
		"not-a-number":  "not-a-number",
		"":              "",
	}
	for in, want := range cases {
		if got := normalizeMarker(in); got != want {
			t.Fatalf("normalizeMarker(%q) = %q, want %q", in, got, want)
		}
	}
}
