package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/watchkeeper/brainstem/internal/store"
)

// telemetryKeys is the curated subset published under ed.telemetry.*.
var telemetryKeys = []string{"system_name", "hull_percent", "landed", "shield_up", "lights_on"}

// processTelemetry reads the parser's snapshot file and publishes ed.telemetry.*.
// The file is consumed, never produced. When ED is not running, or the file is
// missing or not a JSON object, every ed.telemetry.* key is written as null.
func (s *Supervisor) processTelemetry(ctx context.Context, edRunning bool) {
	path := strings.TrimSpace(s.opts.TelemetryPath)
	if path == "" {
		return
	}

	var telemetry map[string]any
	if edRunning {
		raw, err := os.ReadFile(path)
		if err == nil {
			_ = json.Unmarshal(raw, &telemetry)
		}
	}

	values := make(map[string]any, len(telemetryKeys))
	for _, key := range telemetryKeys {
		var v any
		if telemetry != nil {
			v = telemetry[key]
		}
		values["ed.telemetry."+key] = v
	}
	s.setStates(ctx, values, "ed_supervisor", uuid.NewString(), modeFor(edRunning), true)
}

// processParser couples the parser lifecycle to ed.running when autorun is on
// and mirrors the parser state under ed.parser.*.
func (s *Supervisor) processParser(ctx context.Context, edRunning bool) {
	parser := s.opts.Parser
	if parser == nil {
		return
	}
	correlationID := uuid.NewString()

	status := parser.Status()
	action := "status"
	if s.opts.ParserAutorun {
		switch {
		case edRunning && !status.Running:
			status, _ = parser.Start("supervisor_ed_running", false)
			action = "start"
		case !edRunning && status.Running:
			status, _ = parser.Stop("supervisor_ed_stopped", true)
			action = "stop"
		}
	}

	values := map[string]any{
		"ed.parser.autorun":    s.opts.ParserAutorun,
		"ed.parser.enabled":    status.Enabled,
		"ed.parser.running":    status.Running,
		"ed.parser.pid":        status.PID,
		"ed.parser.managed_by": status.ManagedBy,
		"ed.parser.last_error": status.LastError,
	}
	if status.LastExitCode != nil {
		values["ed.parser.last_exit_code"] = *status.LastExitCode
	}
	s.setStates(ctx, values, "edparser_supervisor", correlationID, modeFor(edRunning), true)

	if s.prevParserRunning != nil && *s.prevParserRunning != status.Running {
		eventType := "EDPARSER_STOPPED"
		if status.Running {
			eventType = "EDPARSER_STARTED"
		}
		s.appendEvent(ctx, store.Event{
			EventType:     eventType,
			Source:        "edparser_supervisor",
			CorrelationID: correlationID,
			Mode:          modeFor(edRunning),
			Severity:      store.SeverityInfo,
			Payload: map[string]any{
				"running": status.Running,
				"pid":     status.PID,
				"autorun": s.opts.ParserAutorun,
				"action":  action,
			},
			Tags: []string{"edparser", "tool"},
		})
	}
	running := status.Running
	s.prevParserRunning = &running

	currentError := strings.TrimSpace(status.LastError)
	switch {
	case currentError != "" && currentError != s.prevParserError:
		s.appendEvent(ctx, store.Event{
			EventType:     "EDPARSER_ERROR",
			Source:        "edparser_supervisor",
			CorrelationID: correlationID,
			Mode:          modeFor(edRunning),
			Severity:      store.SeverityWarn,
			Payload: map[string]any{
				"error":   currentError,
				"running": status.Running,
				"action":  action,
			},
			Tags: []string{"edparser", "tool", "error"},
		})
	case currentError == "" && s.prevParserError != "":
		s.appendEvent(ctx, store.Event{
			EventType:     "EDPARSER_RECOVERED",
			Source:        "edparser_supervisor",
			CorrelationID: correlationID,
			Mode:          modeFor(edRunning),
			Severity:      store.SeverityInfo,
			Payload: map[string]any{
				"running": status.Running,
				"pid":     status.PID,
				"action":  action,
			},
			Tags: []string{"edparser", "tool"},
		})
	}
	s.prevParserError = currentError
}

// telemetryWatchLoop reacts to telemetry file writes between cadence ticks so a
// fresh parser snapshot lands without waiting out the idle interval.
func (s *Supervisor) telemetryWatchLoop(ctx context.Context) error {
	path := strings.TrimSpace(s.opts.TelemetryPath)
	if path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("telemetry watcher unavailable", "component", "supervisor", "error", err)
		<-ctx.Done()
		return ctx.Err()
	}
	defer watcher.Close()

	// Watch the directory: the parser replaces the file atomically.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		s.log.Warn("telemetry watch failed", "component", "supervisor", "path", path, "error", err)
		<-ctx.Done()
		return ctx.Err()
	}

	base := filepath.Base(path)
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				edRunning := s.store.GetStateBool(ctx, "ed.running")
				s.processTelemetry(ctx, edRunning)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("telemetry watch error", "component", "supervisor", "error", err)
		}
	}
}
