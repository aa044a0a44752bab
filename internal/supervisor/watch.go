package supervisor

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/watchkeeper/brainstem/internal/store"
)

// DeriveWatchCondition computes the operational mode label from the degraded /
// restricted flags and game presence. Precedence: DEGRADED > RESTRICTED > GAME >
// STANDBY.
func DeriveWatchCondition(degraded bool, restricted bool, edRunning bool) string {
	switch {
	case degraded:
		return "DEGRADED"
	case restricted:
		return "RESTRICTED"
	case edRunning:
		return "GAME"
	}
	return "STANDBY"
}

func watchMode(condition string) string {
	switch strings.ToLower(condition) {
	case "game", "work", "standby", "tutor":
		return strings.ToLower(condition)
	}
	return "standby"
}

// processWatchCondition writes system.watch_condition and, on a transition,
// emits exactly one WATCH_CONDITION_CHANGED and one HANDOVER_NOTE.
func (s *Supervisor) processWatchCondition(ctx context.Context, edRunning bool) {
	condition := strings.ToUpper(strings.TrimSpace(s.opts.ForceWatchCondition))
	if condition == "" {
		condition = DeriveWatchCondition(
			s.store.GetStateBool(ctx, "system.degraded"),
			s.store.GetStateBool(ctx, "system.restricted_mode"),
			edRunning,
		)
	}

	s.setStates(ctx, map[string]any{
		"system.watch_condition": condition,
	}, "watch_condition_supervisor", uuid.NewString(), watchMode(condition), true)

	if s.prevWatchCondition == condition {
		return
	}
	previous := s.prevWatchCondition
	s.prevWatchCondition = condition
	if previous == "" {
		// First observation is a baseline, not a transition.
		return
	}

	correlationID := uuid.NewString()
	s.appendEvent(ctx, store.Event{
		EventType:     store.EventWatchConditionChanged,
		Source:        "watch_condition_supervisor",
		CorrelationID: correlationID,
		Mode:          watchMode(condition),
		Severity:      store.SeverityInfo,
		Payload:       map[string]any{"from": previous, "to": condition},
		Tags:          []string{"watch_condition", "handover"},
	})
	s.appendEvent(ctx, store.Event{
		EventType:     store.EventHandoverNote,
		Source:        "watch_condition_supervisor",
		CorrelationID: correlationID,
		Mode:          watchMode(condition),
		Severity:      store.SeverityInfo,
		Payload:       s.handoverSnapshot(ctx, condition),
		Tags:          []string{"handover"},
	})
}

// handoverSnapshot summarizes the operational picture at a condition transition.
func (s *Supervisor) handoverSnapshot(ctx context.Context, condition string) map[string]any {
	getValue := func(key string) any {
		e, err := s.store.GetState(ctx, key)
		if err != nil || e == nil {
			return nil
		}
		return e.StateValue
	}

	var alarms []string
	if mem, ok := getValue("hw.memory_used_percent").(float64); ok && mem >= s.opts.MemoryThreshold {
		alarms = append(alarms, "hw.memory_used_percent_high")
	}
	if alarms == nil {
		alarms = []string{}
	}

	aiStatus := "unknown"
	switch {
	case s.store.GetStateBool(ctx, "ai.degraded"):
		aiStatus = "degraded"
	case s.store.GetStateBool(ctx, "ai.local.available") && s.store.GetStateBool(ctx, "ai.cloud.available"):
		aiStatus = "local+cloud"
	case s.store.GetStateBool(ctx, "ai.local.available"):
		aiStatus = "local_only"
	case s.store.GetStateBool(ctx, "ai.cloud.available"):
		aiStatus = "cloud_only"
	}

	return map[string]any{
		"watch_condition": condition,
		"equipment": map[string]any{
			"hardware_probe": getValue("hw.memory_used_percent") != nil,
			"ed_probe":       getValue("ed.running") != nil,
			"music_probe":    getValue("music.playing") != nil,
		},
		"current_alarms": alarms,
		"ed_status": map[string]any{
			"running":        getValue("ed.running"),
			"system_name":    getValue("ed.telemetry.system_name"),
			"parser_running": getValue("ed.parser.running"),
			"parser_error":   getValue("ed.parser.last_error"),
			"aux_apps": map[string]any{
				"sammi_running": getValue("app.sammi.running"),
				"jinx_running":  getValue("app.jinx.running"),
			},
		},
		"music_status": map[string]any{
			"playing": getValue("music.playing"),
			"title":   getValue("music.track.title"),
			"artist":  getValue("music.track.artist"),
		},
		"ai_status": aiStatus,
	}
}
