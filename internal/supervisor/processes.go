package supervisor

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/watchkeeper/brainstem/internal/store"
)

var canonRe = regexp.MustCompile(`[^a-z0-9]`)

func canonProcessName(name string) string {
	text := strings.ToLower(strings.TrimSpace(name))
	text = strings.TrimSuffix(text, ".exe")
	return canonRe.ReplaceAllString(text, "")
}

func listProcessNames(ctx context.Context) map[string]bool {
	names := make(map[string]bool)
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return names
	}
	for _, p := range procs {
		if p == nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			names[name] = true
		}
	}
	return names
}

// processRunningByNames matches configured executable names against the process
// table, tolerating .exe suffixes and punctuation differences.
func processRunningByNames(snapshot map[string]bool, configured []string) (bool, string) {
	if len(configured) == 0 {
		return false, ""
	}
	for _, name := range configured {
		n := strings.ToLower(strings.TrimSpace(name))
		if n != "" && snapshot[n] {
			return true, n
		}
	}
	canonSnapshot := make(map[string]bool, len(snapshot))
	for name := range snapshot {
		canonSnapshot[canonProcessName(name)] = true
	}
	for _, name := range configured {
		if c := canonProcessName(name); c != "" && canonSnapshot[c] {
			return true, strings.ToLower(strings.TrimSpace(name))
		}
	}
	return false, ""
}

// processEDPresence writes ed.running and emits ED_STARTED/ED_STOPPED edges.
func (s *Supervisor) processEDPresence(ctx context.Context) bool {
	snapshot := listProcessNames(ctx)
	running, processName := processRunningByNames(snapshot, s.opts.EDProcessNames)
	correlationID := uuid.NewString()

	values := map[string]any{
		"ed.running": running,
	}
	if running {
		values["ed.process_name"] = processName
	} else {
		values["ed.process_name"] = nil
	}
	s.setStates(ctx, values, "ed_supervisor", correlationID, modeFor(running), true)

	if s.prevEDRunning != nil && *s.prevEDRunning != running {
		eventType := "ED_STOPPED"
		if running {
			eventType = "ED_STARTED"
		}
		s.appendEvent(ctx, store.Event{
			EventType:     eventType,
			Source:        "ed_supervisor",
			CorrelationID: correlationID,
			Mode:          modeFor(running),
			Severity:      store.SeverityInfo,
			Payload: map[string]any{
				"running":      running,
				"process_name": processName,
			},
			Tags: []string{"ed"},
		})
	}
	s.prevEDRunning = &running

	// Mirror presence of the bridge and lighting apps; the ingest gate keys its
	// socket lifecycle off app.sammi.running.
	sammiRunning, _ := processRunningByNames(snapshot, s.opts.SammiProcessNames)
	jinxRunning, _ := processRunningByNames(snapshot, s.opts.JinxProcessNames)
	s.auxSnapshot = map[string]bool{"sammi": sammiRunning, "jinx": jinxRunning}

	return running
}

// processAuxApps mirrors aux app presence under app.* and emits start/stop edges.
func (s *Supervisor) processAuxApps(ctx context.Context, edRunning bool) {
	correlationID := uuid.NewString()
	current := s.auxSnapshot
	if current == nil {
		current = map[string]bool{}
	}

	s.setStates(ctx, map[string]any{
		"app.sammi.running": current["sammi"],
		"app.jinx.running":  current["jinx"],
	}, "aux_app_supervisor", correlationID, modeFor(edRunning), true)

	if s.prevAux != nil {
		for app, running := range current {
			if s.prevAux[app] == running {
				continue
			}
			eventType := "AUX_APP_STOPPED"
			if running {
				eventType = "AUX_APP_STARTED"
			}
			s.appendEvent(ctx, store.Event{
				EventType:     eventType,
				Source:        "aux_app_supervisor",
				CorrelationID: correlationID,
				Mode:          modeFor(edRunning),
				Severity:      store.SeverityInfo,
				Payload: map[string]any{
					"app":        app,
					"running":    running,
					"ed_running": edRunning,
				},
				Tags: []string{"aux_app"},
			})
		}
	}
	s.prevAux = current
}
