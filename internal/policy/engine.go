package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Engine evaluates Standing Orders. Evaluate performs no I/O beyond a cheap
// mtime check that hot-reloads the document when the file changed on disk.
// A document that fails to reload leaves the engine failing closed.
type Engine struct {
	log  *slog.Logger
	path string

	mu      sync.Mutex
	doc     *Document
	mtime   time.Time
	loadErr error

	confirmations []confirmationRecord
	rateWindows   map[string][]float64

	nowFn func() time.Time
}

type confirmationRecord struct {
	incidentID string
	toolName   string
	token      string
	ts         float64
}

const confirmationRetention = 3600.0

func NewEngine(path string, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:         log,
		path:        strings.TrimSpace(path),
		rateWindows: make(map[string][]float64),
		nowFn:       time.Now,
	}
	if e.path == "" {
		return nil, fmt.Errorf("missing standing orders path")
	}
	if err := e.reloadLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) reloadLocked() error {
	st, err := os.Stat(e.path)
	if err != nil {
		e.loadErr = err
		return err
	}
	doc, err := LoadDocument(e.path)
	if err != nil {
		e.loadErr = err
		return err
	}
	e.doc = doc
	e.mtime = st.ModTime()
	e.loadErr = nil
	return nil
}

func (e *Engine) maybeReloadLocked() {
	st, err := os.Stat(e.path)
	if err != nil {
		return
	}
	if e.doc != nil && st.ModTime().Equal(e.mtime) {
		return
	}
	if err := e.reloadLocked(); err != nil {
		// Fail closed until the document is repaired; the process keeps running.
		e.log.Warn("standing orders reload failed", "path", e.path, "error", err)
	}
}

// canonicalAliases maps shorthand tool names onto their dotted keys.
var canonicalAliases = map[string]string{
	"keypress":        "input.keypress",
	"set_lights":      "sammi.set_lights",
	"music_next":      "sammi.music_next",
	"music_pause":     "sammi.music_pause",
	"music_resume":    "sammi.music_resume",
	"edparser_start":  "edparser.start",
	"edparser_stop":   "edparser.stop",
	"edparser_status": "edparser.status",
	"send_chat":       "twitch.send_chat",
}

// CanonicalToolName resolves a shorthand tool name to its dotted key.
func CanonicalToolName(name string) string {
	n := strings.TrimSpace(name)
	if mapped, ok := canonicalAliases[strings.ToLower(n)]; ok {
		return mapped
	}
	return n
}

// ConfirmWindow returns the confirmation TTL from the active document.
func (e *Engine) ConfirmWindow() time.Duration {
	if e == nil {
		return 12 * time.Second
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil || e.doc.Defaults.ConfirmWindowSeconds <= 0 {
		return 12 * time.Second
	}
	return time.Duration(e.doc.Defaults.ConfirmWindowSeconds * float64(time.Second))
}

// RecordConfirmation registers a user confirmation for (incident, tool, token).
// Records older than an hour are dropped.
func (e *Engine) RecordConfirmation(incidentID string, toolName string, token string, ts float64) {
	if e == nil {
		return
	}
	incidentID = strings.TrimSpace(incidentID)
	toolKey := CanonicalToolName(toolName)
	token = strings.TrimSpace(token)
	if incidentID == "" || toolKey == "" || token == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmations = append(e.confirmations, confirmationRecord{
		incidentID: incidentID,
		toolName:   toolKey,
		token:      token,
		ts:         ts,
	})
	cutoff := ts - confirmationRetention
	kept := e.confirmations[:0]
	for _, c := range e.confirmations {
		if c.ts >= cutoff {
			kept = append(kept, c)
		}
	}
	e.confirmations = kept
}

// consumeConfirmationLocked finds the freshest matching confirmation and removes
// it so a token satisfies at most one evaluation.
func (e *Engine) consumeConfirmationLocked(incidentID string, toolKey string, token string) (confirmationRecord, bool) {
	best := -1
	for i, c := range e.confirmations {
		if c.incidentID != incidentID || c.toolName != toolKey {
			continue
		}
		if token != "" && c.token != token {
			continue
		}
		if best < 0 || c.ts > e.confirmations[best].ts {
			best = i
		}
	}
	if best < 0 {
		return confirmationRecord{}, false
	}
	rec := e.confirmations[best]
	e.confirmations = append(e.confirmations[:best], e.confirmations[best+1:]...)
	return rec, true
}

func (e *Engine) rateLimitLocked(bucket string, now float64, limitPerMinute int) (bool, int) {
	window := e.rateWindows[bucket]
	cutoff := now - 60.0
	kept := window[:0]
	for _, t := range window {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limitPerMinute {
		e.rateWindows[bucket] = kept
		return false, 0
	}
	kept = append(kept, now)
	e.rateWindows[bucket] = kept
	remaining := limitPerMinute - len(kept)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

// Evaluate runs the decision procedure in order, first hit wins.
func (e *Engine) Evaluate(req ActionRequest) Decision {
	if e == nil {
		return deny(ReasonDenyPolicyInvalid, "policy engine not initialized", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReloadLocked()

	constraints := map[string]any{}
	if e.doc == nil || e.loadErr != nil {
		return deny(ReasonDenyPolicyInvalid, "standing orders unavailable", constraints)
	}
	doc := e.doc
	toolKey := CanonicalToolName(req.ToolName)
	now := req.NowUnix
	if now <= 0 {
		now = float64(e.nowFn().UnixNano()) / float64(time.Second)
	}

	condition := strings.ToUpper(strings.TrimSpace(req.WatchCondition))
	if condition == "" {
		return deny(ReasonDenyPolicyInvalid, "watch_condition is required", constraints)
	}

	requireIncident := true
	if doc.Defaults.RequireIncidentID != nil {
		requireIncident = *doc.Defaults.RequireIncidentID
	}
	if requireIncident && strings.TrimSpace(req.IncidentID) == "" {
		return deny(ReasonDenyPolicyInvalid, "incident_id is required by policy", constraints)
	}

	conf := doc.resolveCondition(condition)
	if conf == nil {
		return deny(ReasonDenyPolicyInvalid, fmt.Sprintf("unknown watch_condition: %s", req.WatchCondition), constraints)
	}

	if anyMatch(conf.DenyTools, toolKey) {
		return deny(ReasonDenyExplicitlyDenied,
			fmt.Sprintf("%s denied in %s", toolKey, condition), constraints)
	}
	if len(conf.AllowedTools) > 0 && !anyMatch(conf.AllowedTools, toolKey) {
		return deny(ReasonDenyNotAllowed,
			fmt.Sprintf("%s not allowed in %s", toolKey, condition), constraints)
	}

	guardrails := conf.Guardrails
	if guardrails == nil {
		guardrails = &Guardrails{}
	}
	confirmation := conf.Confirmation
	if confirmation == nil {
		confirmation = &ConfirmationConfig{}
	}
	toolPolicy, _ := doc.findToolPolicy(toolKey)

	sttMin := doc.Defaults.STTMinConfidence
	sttLow := req.STTConfidence != nil && *req.STTConfidence < sttMin

	if guardrails.STTRequiresConfidenceInput && toolKey == "input.keypress" && sttLow {
		return deny(ReasonDenyLowSTTConfidence,
			fmt.Sprintf("stt_confidence %.2f below threshold %.2f", *req.STTConfidence, sttMin), constraints)
	}
	if sttLow && containsString(toolPolicy.DenyIf, "stt_confidence_low") {
		return deny(ReasonDenyLowSTTConfidence,
			fmt.Sprintf("tool policy deny_if stt_confidence_low (%.2f<%.2f)", *req.STTConfidence, sttMin), constraints)
	}

	foreground := strings.ToLower(strings.TrimSpace(req.ForegroundProcess))
	foregroundGuarded := toolKey == "input.keypress" || containsString(toolPolicy.Requires, "foreground_ok")
	if len(guardrails.ForegroundProcessMustBe) > 0 && foregroundGuarded {
		if foreground == "" || !containsFold(guardrails.ForegroundProcessMustBe, foreground) {
			return deny(ReasonDenyForegroundMismatch,
				fmt.Sprintf("foreground %q not in allowed %s", req.ForegroundProcess,
					strings.Join(guardrails.ForegroundProcessMustBe, ", ")), constraints)
		}
	}
	if doc.Defaults.UIForegroundRequiredForInput && toolKey == "input.keypress" && foreground == "" {
		return deny(ReasonDenyForegroundMismatch, "foreground process required for input.keypress", constraints)
	}

	if toolKey == "input.keypress" && guardrails.MaxKeypressPerMinute > 0 {
		ok, remaining := e.rateLimitLocked(condition+":"+toolKey+":guardrail", now, guardrails.MaxKeypressPerMinute)
		constraints["rate_limit_remaining"] = remaining
		if !ok {
			return deny(ReasonDenyRateLimit,
				fmt.Sprintf("max_keypress_per_minute exceeded (%d/min)", guardrails.MaxKeypressPerMinute), constraints)
		}
	}
	if toolPolicy.RateLimitPerMinute > 0 {
		ok, remaining := e.rateLimitLocked(condition+":"+toolKey+":tool_policy", now, toolPolicy.RateLimitPerMinute)
		constraints["rate_limit_remaining"] = remaining
		if !ok {
			return deny(ReasonDenyRateLimit,
				fmt.Sprintf("tool rate limit exceeded (%d/min)", toolPolicy.RateLimitPerMinute), constraints)
		}
	}

	requiresConfirmation := anyMatch(confirmation.Always, toolKey) ||
		(sttLow && anyMatch(confirmation.WhenLowConfidence, toolKey)) ||
		guardrails.RequireConfirmationForAll ||
		containsString(toolPolicy.Requires, "recent_user_confirm")

	if requiresConfirmation {
		window := doc.Defaults.ConfirmWindowSeconds
		constraints["confirm_by_ts"] = now + window

		rec, ok := e.consumeConfirmationLocked(strings.TrimSpace(req.IncidentID), toolKey, strings.TrimSpace(req.UserConfirmToken))
		if !ok {
			d := deny(ReasonDenyNeedsConfirmation,
				fmt.Sprintf("%s requires user confirmation", toolKey), constraints)
			d.RequiresConfirmation = true
			return d
		}
		if age := now - rec.ts; age > window {
			d := deny(ReasonDenyConfirmExpired,
				fmt.Sprintf("confirmation expired (%.1fs > %.0fs)", age, window), constraints)
			d.RequiresConfirmation = true
			return d
		}
	}

	return Decision{
		Allowed:        true,
		DenyReasonCode: ReasonAllow,
		Constraints:    constraints,
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func containsFold(list []string, wantLower string) bool {
	for _, s := range list {
		if strings.ToLower(strings.TrimSpace(s)) == wantLower {
			return true
		}
	}
	return false
}
