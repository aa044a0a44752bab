package actuator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLightsWebhook_postsScene(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := NewLightsWebhook(LightsWebhookOptions{URL: srv.URL})
	out := hook.Invoke(context.Background(), Request{
		RequestID:  "req-1",
		ActionID:   "a1",
		Parameters: map[string]any{"scene": "red_alert"},
	})
	if out.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", out.Status, out.ErrorMessage)
	}
	if got["scene"] != "red_alert" || got["request_id"] != "req-1" {
		t.Fatalf("posted body = %v", got)
	}
	if out.Output["http_status"] != http.StatusOK {
		t.Fatalf("output = %v", out.Output)
	}
}

func TestLightsWebhook_urlTemplate(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer srv.Close()

	hook := NewLightsWebhook(LightsWebhookOptions{URLTemplate: srv.URL + "/scenes/{scene}"})
	out := hook.Invoke(context.Background(), Request{Parameters: map[string]any{"scene": "calm"}})
	if out.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", out.Status, out.ErrorMessage)
	}
	if path != "/scenes/calm" {
		t.Fatalf("path = %q", path)
	}
}

func TestLightsWebhook_timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	hook := NewLightsWebhook(LightsWebhookOptions{URL: srv.URL, Timeout: 50 * time.Millisecond})
	out := hook.Invoke(context.Background(), Request{Parameters: map[string]any{"scene": "slow"}})
	if out.Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout (%s)", out.Status, out.ErrorMessage)
	}
	if out.ErrorCode != CodeAdapterTimeout {
		t.Fatalf("error_code = %q", out.ErrorCode)
	}
}

func TestLightsWebhook_httpErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := NewLightsWebhook(LightsWebhookOptions{URL: srv.URL})
	out := hook.Invoke(context.Background(), Request{Parameters: map[string]any{}})
	if out.Status != StatusError || out.ErrorCode != CodeAdapterError {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestKeypress_foregroundGuard(t *testing.T) {
	sent := 0
	k := &Keypress{
		Allowed:    []string{"EliteDangerous64.exe"},
		Foreground: func() string { return "notepad.exe" },
		sendKey:    func(int) error { sent++; return nil },
	}
	out := k.Invoke(context.Background(), Request{Parameters: map[string]any{"key": "l"}})
	if out.ErrorCode != CodeForegroundMismatch {
		t.Fatalf("error_code = %q, want %q", out.ErrorCode, CodeForegroundMismatch)
	}
	if sent != 0 {
		t.Fatalf("key sent despite mismatch")
	}

	k.Foreground = func() string { return "elitedangerous64.exe" }
	out = k.Invoke(context.Background(), Request{Parameters: map[string]any{"key": "l"}})
	if out.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", out.Status, out.ErrorMessage)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
}

func TestKeyToVK(t *testing.T) {
	cases := map[string]int{
		"a":     'A',
		"Z":     'Z',
		"7":     '7',
		"space": 0x20,
		"f12":   0x7B,
	}
	for in, want := range cases {
		got, err := keyToVK(in)
		if err != nil || got != want {
			t.Fatalf("keyToVK(%q) = %d %v, want %d", in, got, err, want)
		}
	}
	if _, err := keyToVK("ctrl+alt+del"); err == nil {
		t.Fatalf("composite key accepted")
	}
	if _, err := keyToVK(""); err == nil {
		t.Fatalf("empty key accepted")
	}
}

func TestNormalizeJinxEffect(t *testing.T) {
	cases := map[string]string{
		"s3":  "S3",
		"C07": "C7",
		"14":  "S14",
		" c2": "C2",
	}
	for in, want := range cases {
		got, err := NormalizeJinxEffect(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeJinxEffect(%q) = %q %v, want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "X9", "Sx", "scene"} {
		if _, err := NormalizeJinxEffect(in); err == nil {
			t.Fatalf("NormalizeJinxEffect(%q) accepted", in)
		}
	}
}
