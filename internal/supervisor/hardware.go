package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/watchkeeper/brainstem/internal/store"
)

// hardwareSnapshot is the curated hw.* key set published by the probe loop.
type hardwareSnapshot struct {
	CPUPercent       *float64
	CPUTempC         *float64
	GPUTempC         *float64
	GPUPercent       *float64
	MemoryUsedPct    *float64
	MemoryTotalBytes *uint64
	MemoryUsedBytes  *uint64
	UptimeSec        *uint64
	Source           string
}

// collectHardware prefers an on-disk probe snapshot written by an external
// sensor tool; gopsutil sampling is the fallback.
func (s *Supervisor) collectHardware(ctx context.Context) hardwareSnapshot {
	if snap, ok := readProbeFile(s.opts.HardwareProbePath); ok {
		return snap
	}

	out := hardwareSnapshot{Source: "gopsutil"}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = &percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		usedPct := vm.UsedPercent / 100.0
		out.MemoryUsedPct = &usedPct
		out.MemoryTotalBytes = &vm.Total
		out.MemoryUsedBytes = &vm.Used
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		out.UptimeSec = &uptime
	}
	return out
}

func readProbeFile(path string) (hardwareSnapshot, bool) {
	p := strings.TrimSpace(path)
	if p == "" {
		return hardwareSnapshot{}, false
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return hardwareSnapshot{}, false
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil || len(probe) == 0 {
		return hardwareSnapshot{}, false
	}

	out := hardwareSnapshot{Source: "hardware_probe_json"}
	out.CPUPercent = probeFloat(probe, "cpu_percent", "cpu.usagePercent", "cpu.usage")
	out.CPUTempC = probeFloat(probe, "cpu_temp_c", "cpu.temp_c", "cpu.tempC")
	out.GPUTempC = probeFloat(probe, "gpu_temp_c", "gpu.temp_c", "gpu.tempC")
	out.GPUPercent = probeFloat(probe, "gpu_percent", "gpu_usage_percent", "gpu.usagePercent", "gpu.usage")
	out.MemoryUsedPct = normalizeRatio(probeFloat(probe, "memory_used_percent", "memory.used_percent", "memory.usedPct"))
	return out, true
}

func probeFloat(payload map[string]any, candidates ...string) *float64 {
	for _, keyPath := range candidates {
		cursor := any(payload)
		found := true
		for _, part := range strings.Split(keyPath, ".") {
			m, ok := cursor.(map[string]any)
			if !ok {
				found = false
				break
			}
			cursor, ok = m[part]
			if !ok {
				found = false
				break
			}
		}
		if !found {
			continue
		}
		switch v := cursor.(type) {
		case float64:
			return &v
		case string:
			// Probe tools sometimes write numbers as strings.
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func normalizeRatio(v *float64) *float64 {
	if v == nil {
		return nil
	}
	if *v > 1.0 && *v <= 100.0 {
		ratio := *v / 100.0
		return &ratio
	}
	return v
}

// hardwareTick publishes hw.* and raises the edge-triggered memory alarm.
func (s *Supervisor) hardwareTick(ctx context.Context) {
	snap := s.collectHardware(ctx)
	correlationID := uuid.NewString()

	values := map[string]any{
		"hw.source": snap.Source,
	}
	putFloat := func(key string, v *float64) {
		if v != nil {
			values[key] = *v
		}
	}
	putFloat("hw.cpu_percent", snap.CPUPercent)
	putFloat("hw.cpu_temp_c", snap.CPUTempC)
	putFloat("hw.gpu_temp_c", snap.GPUTempC)
	putFloat("hw.gpu_percent", snap.GPUPercent)
	putFloat("hw.memory_used_percent", snap.MemoryUsedPct)
	if snap.MemoryTotalBytes != nil {
		values["hw.memory_total_bytes"] = *snap.MemoryTotalBytes
	}
	if snap.MemoryUsedBytes != nil {
		values["hw.memory_used_bytes"] = *snap.MemoryUsedBytes
	}
	if snap.UptimeSec != nil {
		values["hw.uptime_sec"] = *snap.UptimeSec
	}
	// Numeric deltas on every sample: no STATE_CHANGED per write.
	s.setStates(ctx, values, "hardware_probe", correlationID, "standby", false)

	s.evaluateMemoryThreshold(ctx, snap.MemoryUsedPct, correlationID)
}

// evaluateMemoryThreshold fires HARDWARE_THRESHOLD once per excursion above the
// threshold and re-arms when the value returns under threshold minus hysteresis.
func (s *Supervisor) evaluateMemoryThreshold(ctx context.Context, usedPct *float64, correlationID string) {
	if usedPct == nil {
		return
	}
	threshold := s.opts.MemoryThreshold
	switch {
	case *usedPct >= threshold && s.thresholdArmed:
		s.thresholdArmed = false
		s.appendEvent(ctx, store.Event{
			EventType:     store.EventHardwareThreshold,
			Source:        "hardware_probe",
			CorrelationID: correlationID,
			Mode:          "standby",
			Severity:      store.SeverityWarn,
			Payload: map[string]any{
				"metric":    "hw.memory_used_percent",
				"value":     *usedPct,
				"threshold": threshold,
			},
			Tags: []string{"threshold", "hardware"},
		})
	case *usedPct < threshold-s.opts.ThresholdHysteresis:
		s.thresholdArmed = true
	}
}
