package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Document is the declarative Standing Orders evaluated by the engine.
type Document struct {
	Version         int                        `json:"version"`
	Defaults        Defaults                   `json:"defaults"`
	WatchConditions map[string]ConditionConfig `json:"watch_conditions"`
	ToolPolicies    map[string]ToolPolicy      `json:"tool_policies"`
}

type Defaults struct {
	ConfirmWindowSeconds         float64 `json:"confirm_window_seconds"`
	STTMinConfidence             float64 `json:"stt_min_confidence"`
	UIForegroundRequiredForInput bool    `json:"ui_foreground_required_for_input"`
	RequireIncidentID            *bool   `json:"require_incident_id,omitempty"`
	LogAllDenies                 bool    `json:"log_all_denies,omitempty"`
	LogAllExecutes               bool    `json:"log_all_executes,omitempty"`
}

type ConditionConfig struct {
	Inherits     string              `json:"inherits,omitempty"`
	AllowedTools []string            `json:"allowed_tools,omitempty"`
	DenyTools    []string            `json:"deny_tools,omitempty"`
	Confirmation *ConfirmationConfig `json:"confirmation,omitempty"`
	Guardrails   *Guardrails         `json:"guardrails,omitempty"`
}

type ConfirmationConfig struct {
	Always            []string `json:"always,omitempty"`
	WhenLowConfidence []string `json:"when_low_confidence,omitempty"`
}

type Guardrails struct {
	ForegroundProcessMustBe      []string `json:"foreground_process_must_be,omitempty"`
	MaxKeypressPerMinute         int      `json:"max_keypress_per_minute,omitempty"`
	STTRequiresConfidenceInput   bool     `json:"stt_requires_confidence_for_input,omitempty"`
	RequireConfirmationForAll    bool     `json:"require_confirmation_for_all_actions,omitempty"`
}

type ToolPolicy struct {
	Requires           []string `json:"requires,omitempty"`
	DenyIf             []string `json:"deny_if,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty"`
}

var requiredConditions = []string{"STANDBY", "GAME", "WORK", "TUTOR", "RESTRICTED", "DEGRADED"}

// LoadDocument reads and validates a Standing Orders file.
func LoadDocument(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("standing orders invalid: %w", err)
	}
	var doc Document
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("standing orders invalid: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) Validate() error {
	if d == nil {
		return fmt.Errorf("standing orders invalid: nil document")
	}
	if d.Version <= 0 {
		return fmt.Errorf("standing orders invalid: missing key 'version'")
	}
	if d.Defaults.ConfirmWindowSeconds <= 0 {
		return fmt.Errorf("standing orders invalid: defaults.confirm_window_seconds must be positive")
	}
	if d.Defaults.STTMinConfidence < 0 || d.Defaults.STTMinConfidence > 1 {
		return fmt.Errorf("standing orders invalid: defaults.stt_min_confidence must be in 0..1")
	}
	if d.WatchConditions == nil {
		return fmt.Errorf("standing orders invalid: missing key 'watch_conditions'")
	}
	var missing []string
	for _, name := range requiredConditions {
		if _, ok := d.WatchConditions[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("standing orders invalid: missing watch_conditions: %s", strings.Join(missing, ", "))
	}
	for name, conf := range d.WatchConditions {
		if conf.Inherits != "" {
			if _, ok := d.WatchConditions[strings.ToUpper(conf.Inherits)]; !ok {
				return fmt.Errorf("standing orders invalid: %s.inherits references unknown condition %q", name, conf.Inherits)
			}
		}
		if g := conf.Guardrails; g != nil && g.MaxKeypressPerMinute < 0 {
			return fmt.Errorf("standing orders invalid: %s.guardrails.max_keypress_per_minute must be >= 0", name)
		}
	}
	for pattern, tp := range d.ToolPolicies {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("standing orders invalid: empty tool policy pattern")
		}
		if tp.RateLimitPerMinute < 0 {
			return fmt.Errorf("standing orders invalid: tool_policies.%s.rate_limit_per_minute must be >= 0", pattern)
		}
	}
	return nil
}

// resolveCondition walks the inherits chain; child fields override parent fields
// when set.
func (d *Document) resolveCondition(name string) *ConditionConfig {
	return d.resolveConditionDepth(name, 0)
}

func (d *Document) resolveConditionDepth(name string, depth int) *ConditionConfig {
	if depth > 8 {
		return nil
	}
	conf, ok := d.WatchConditions[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil
	}
	out := conf
	if conf.Inherits == "" {
		return &out
	}
	parent := d.resolveConditionDepth(conf.Inherits, depth+1)
	if parent == nil {
		return &out
	}
	merged := *parent
	merged.Inherits = ""
	if conf.AllowedTools != nil {
		merged.AllowedTools = conf.AllowedTools
	}
	if conf.DenyTools != nil {
		merged.DenyTools = conf.DenyTools
	}
	if conf.Confirmation != nil {
		merged.Confirmation = conf.Confirmation
	}
	if conf.Guardrails != nil {
		merged.Guardrails = conf.Guardrails
	}
	return &merged
}

// matchPattern supports an exact match or a single trailing wildcard (ns.*),
// case-insensitive.
func matchPattern(pattern string, value string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	v := strings.ToLower(strings.TrimSpace(value))
	if p == "" || v == "" {
		return false
	}
	if p == "*" {
		return true
	}
	if strings.HasSuffix(p, "*") {
		return strings.HasPrefix(v, strings.TrimSuffix(p, "*"))
	}
	return p == v
}

func anyMatch(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

// findToolPolicy returns the first tool policy whose pattern matches the tool key.
// Iteration order is made deterministic by sorting patterns (exact before wildcard,
// then lexicographic).
func (d *Document) findToolPolicy(toolKey string) (ToolPolicy, bool) {
	patterns := make([]string, 0, len(d.ToolPolicies))
	for p := range d.ToolPolicies {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		wi := strings.HasSuffix(patterns[i], "*")
		wj := strings.HasSuffix(patterns[j], "*")
		if wi != wj {
			return !wi
		}
		return patterns[i] < patterns[j]
	})
	for _, p := range patterns {
		if matchPattern(p, toolKey) {
			return d.ToolPolicies[p], true
		}
	}
	return ToolPolicy{}, false
}
