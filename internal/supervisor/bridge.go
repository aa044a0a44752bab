package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// bridgePriorityVars are pushed first when the per-cycle cap bites.
var bridgePriorityVars = []string{
	"flightstatus",
	"shields_up",
	"landed",
	"lights",
	"current_system",
	"hull_percent",
	"YTM_NowPlaying",
}

// buildBridgeVariableMap assembles the curated overlay variable set from the
// latest-truth store: telemetry mirror, music now-playing, and a heartbeat.
func (s *Supervisor) buildBridgeVariableMap(ctx context.Context, edRunning bool) map[string]any {
	get := func(key string) any {
		e, err := s.store.GetState(ctx, key)
		if err != nil || e == nil {
			return nil
		}
		return e.StateValue
	}
	varMap := map[string]any{}

	if system, ok := get("ed.telemetry.system_name").(string); ok && system != "" {
		varMap["current_system"] = system
		varMap["System"] = system
	}
	if hull, ok := get("ed.telemetry.hull_percent").(float64); ok {
		varMap["hull_percent"] = roundPct(hull * 100.0)
	}
	varMap["landed"] = boolLabel(get("ed.telemetry.landed"), "Landed", "Not Landed")
	varMap["shields_up"] = boolLabel(get("ed.telemetry.shield_up"), "Up", "Down")
	varMap["lights"] = boolLabel(get("ed.telemetry.lights_on"), "On", "Off")
	if edRunning {
		varMap["flightstatus"] = "Normal Space"
	} else {
		varMap["flightstatus"] = ""
	}

	title := stringOf(get("music.track.title"))
	artist := stringOf(get("music.track.artist"))
	nowPlaying := strings.TrimSpace(strings.Join(nonEmpty(title, artist), " - "))
	varMap["YTM_Title"] = title
	varMap["YTM_Artist"] = artist
	varMap["YTM_NowPlaying"] = nowPlaying

	if edRunning {
		s.heartbeat++
		varMap["Heartbeat"] = s.heartbeat
	}
	return varMap
}

// processBridge diffs the variable map against the last-sent snapshot and pushes
// changes to the bridge API, honoring the per-cycle cap. The new-write marker is
// pulsed once per batch of meaningful changes, never per write.
func (s *Supervisor) processBridge(ctx context.Context, edRunning bool) {
	if s.opts.Sammi == nil {
		return
	}
	if s.opts.BridgeOnlyWhenED && !edRunning {
		return
	}

	varMap := s.buildBridgeVariableMap(ctx, edRunning)
	start := time.Now()

	ignore := make(map[string]bool, len(s.opts.BridgeIgnoreVars))
	for _, name := range s.opts.BridgeIgnoreVars {
		ignore[strings.TrimSpace(name)] = true
	}

	type kv struct {
		name  string
		value any
	}
	var changed []kv
	for name, value := range varMap {
		if fmt.Sprint(s.lastSent[name]) != fmt.Sprint(value) {
			changed = append(changed, kv{name, value})
		}
	}
	rank := map[string]int{}
	for i, name := range bridgePriorityVars {
		rank[name] = i
	}
	sort.SliceStable(changed, func(i, j int) bool {
		ri, ok := rank[changed[i].name]
		if !ok {
			ri = 9999
		}
		rj, ok := rank[changed[j].name]
		if !ok {
			rj = 9999
		}
		if ri != rj {
			return ri < rj
		}
		return changed[i].name < changed[j].name
	})

	meaningful := false
	for _, item := range changed {
		if !ignore[item.name] {
			meaningful = true
			break
		}
	}

	sent := 0
	deferred := 0
	var errText string
	maxPerCycle := s.opts.BridgeMaxPerCycle

	if meaningful {
		if err := s.opts.Sammi.SetVariable(s.opts.BridgeNewWriteVar, "yes"); err != nil {
			errText = err.Error()
		} else {
			sent++
		}
	}
	for i, item := range changed {
		if sent >= maxPerCycle {
			deferred += len(changed) - i
			break
		}
		if err := s.opts.Sammi.SetVariable(item.name, item.value); err != nil {
			errText = err.Error()
			deferred += len(changed) - i
			break
		}
		s.lastSent[item.name] = item.value
		sent++
	}

	s.setStates(ctx, map[string]any{
		"app.sammi.api.last_push_count": sent,
		"app.sammi.api.deferred_count":  deferred,
		"app.sammi.api.last_cycle_ms":   float64(time.Since(start).Microseconds()) / 1000.0,
		"app.sammi.api.last_error":      errOrNil(errText),
	}, "sammi_bridge", uuid.NewString(), modeFor(edRunning), false)
}

func errOrNil(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func roundPct(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func boolLabel(v any, yes string, no string) string {
	b, ok := v.(bool)
	if !ok {
		return ""
	}
	if b {
		return yes
	}
	return no
}

func stringOf(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func nonEmpty(parts ...string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
