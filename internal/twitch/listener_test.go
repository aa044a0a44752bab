package twitch

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/watchkeeper/brainstem/internal/store"
)

// waitFor polls until the probe succeeds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, probe func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probe() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestListener_gateControlsBinding(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "brainstem.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bridge := &fakeBridge{vars: map[string]any{
		"ID116.chat_user_id": "42",
		"ID116.chat_message": "hello",
	}}
	g := NewIngest(IngestOptions{Store: st, Bridge: bridge, ChatDebounce: 0})

	// Pick a free UDP port first, then release it for the listener.
	probe, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := probe.LocalAddr().String()
	_ = probe.Close()

	var gateOpen atomic.Bool
	l, err := NewListener(ListenerOptions{
		Ingest: g,
		Addr:   addr,
		Gate:   func() bool { return gateOpen.Load() },
	})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	l.gatePollInterval = 20 * time.Millisecond
	l.readTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	bindable := func() bool {
		c, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}

	// Gate closed: the port stays free (we can bind it ourselves).
	if !waitFor(t, time.Second, bindable) {
		t.Fatalf("socket bound while gate closed")
	}

	// Gate open: the listener takes the port.
	gateOpen.Store(true)
	if !waitFor(t, 2*time.Second, func() bool { return !bindable() }) {
		t.Fatalf("socket not bound while gate open")
	}

	// A doorbell packet ingests while the gate is open.
	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("101|1700000000000")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()

	if !waitFor(t, 2*time.Second, func() bool {
		events, err := st.ReadEvents(context.Background(), store.EventFilter{EventType: "TWITCH_CHAT_INGESTED"})
		return err == nil && len(events) == 1
	}) {
		t.Fatalf("doorbell packet not ingested")
	}

	cursor, err := st.GetTwitchCursor(context.Background(), "CHAT")
	if err != nil {
		t.Fatalf("GetTwitchCursor: %v", err)
	}
	if !strings.HasPrefix(cursor.LastCommitTS, "2023-11-14T") {
		t.Fatalf("cursor = %q", cursor.LastCommitTS)
	}

	// Gate closes again: the socket is released.
	gateOpen.Store(false)
	if !waitFor(t, 2*time.Second, bindable) {
		t.Fatalf("socket still bound after gate closed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not exit on cancel")
	}
}
