package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/watchkeeper/brainstem/internal/pipeline"
	"github.com/watchkeeper/brainstem/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"service":    "brainstem",
		"version":    s.version,
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
		"ts":         store.UTCNow(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" {
		prefix = strings.TrimSpace(r.URL.Query().Get("key"))
	}
	items, err := s.store.ListState(r.Context(), prefix)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if items == nil {
		items = []store.StateEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(items), "items": items})
}

func (s *Server) handlePostState(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StateIngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	result, err := s.pipeline.IngestState(r.Context(), req, s.devIngest)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"upserted":   result.Upserted,
		"changed":    result.Changed,
		"state_keys": result.Keys,
	})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		EventType:     strings.TrimSpace(q.Get("event_type")),
		CorrelationID: strings.TrimSpace(q.Get("correlation_id")),
		SessionID:     strings.TrimSpace(q.Get("session_id")),
		SinceUTC:      strings.TrimSpace(q.Get("since")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if raw := strings.TrimSpace(q.Get("since_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", "since_seq must be an integer")
			return
		}
		filter.SinceSeq = n
	}
	events, err := s.store.ReadEvents(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(events), "items": events})
}

// handleEventStream replays new events over SSE until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.store.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	enc := newSSEWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := enc.comment("keepalive"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.event(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handlePostIntent(w http.ResponseWriter, r *http.Request) {
	var in store.Intent
	if err := decodeJSON(r, &in); err != nil {
		writeFailure(w, err)
		return
	}
	queued, err := s.pipeline.PutIntent(r.Context(), in, sourceOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"request_id":     in.RequestID,
		"queued_actions": queued,
	})
}

func (s *Server) handlePostExecute(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	result, err := s.pipeline.Execute(r.Context(), req, sourceOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"request_id":      result.RequestID,
		"incident_id":     result.IncidentID,
		"watch_condition": result.WatchCondition,
		"dry_run":         result.DryRun,
		"results":         result.Results,
	})
}

func (s *Server) handlePostConfirm(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	result, err := s.pipeline.Confirm(r.Context(), req, sourceOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"incident_id": result.IncidentID,
		"results":     result.Results,
	})
}

func (s *Server) handlePostFeedback(w http.ResponseWriter, r *http.Request) {
	var req pipeline.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	feedbackID, err := s.pipeline.Feedback(r.Context(), req, sourceOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"feedback_id": feedbackID,
		"request_id":  req.RequestID,
		"rating":      req.Rating,
	})
}

func (s *Server) handleSitrep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	condition := s.store.GetStateString(ctx, "system.watch_condition")
	if condition == "" {
		condition = "STANDBY"
	}

	var handover map[string]any
	if notes, err := s.store.ReadEvents(ctx, store.EventFilter{
		EventType: store.EventHandoverNote, Limit: 1,
	}); err == nil && len(notes) > 0 {
		handover = notes[0].Payload
	}

	capabilities, err := s.store.ListCapabilities(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if capabilities == nil {
		capabilities = []store.Capability{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"watch_condition": condition,
		"handover_note":   handover,
		"capabilities":    capabilities,
		"ed_running":      s.store.GetStateBool(ctx, "ed.running"),
		"music_playing":   s.store.GetStateBool(ctx, "music.playing"),
		"uptime_sec":      int(time.Since(s.startedAt).Seconds()),
		"version":         s.version,
	})
}

var policyAuditTypes = map[string]bool{
	store.EventPolicyDecision:    true,
	store.EventToolExecuteResult: true,
}

// handlePolicyAudit exposes the recent POLICY_DECISION / TOOL_EXECUTE_RESULT
// trail, optionally filtered by incident id.
func (s *Server) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	incidentID := strings.TrimSpace(q.Get("incident_id"))

	rows, err := s.store.ReadEvents(r.Context(), store.EventFilter{Limit: limit * 4})
	if err != nil {
		writeFailure(w, err)
		return
	}
	items := make([]store.Event, 0, limit)
	for _, ev := range rows {
		if !policyAuditTypes[ev.EventType] {
			continue
		}
		if incidentID != "" && ev.IncidentID != incidentID {
			continue
		}
		items = append(items, ev)
		if len(items) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(items), "items": items})
}

func (s *Server) handleTwitchRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.store.ListTwitchRecentEvents(r.Context(), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if items == nil {
		items = []store.TwitchRecentEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(items), "items": items})
}

func (s *Server) handleTwitchUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	user, err := s.store.GetTwitchUser(r.Context(), userID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown twitch user")
		return
	}
	messages, err := s.store.ListTwitchMessages(r.Context(), userID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if messages == nil {
		messages = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user": user, "recent_messages": messages})
}

func (s *Server) handleTwitchRedeemsTop(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.store.TopTwitchRedeems(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if items == nil {
		items = []store.RedeemCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(items), "items": items})
}

type sendChatRequest struct {
	IncidentID     string `json:"incident_id"`
	Message        string `json:"message"`
	WatchCondition string `json:"watch_condition,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

// handleTwitchSendChat routes an outbound chat line through the full policy
// gate by synthesizing a one-action intent and executing it. A confirmation
// guard on twitch.send_chat surfaces the usual confirm token.
func (s *Server) handleTwitchSendChat(w http.ResponseWriter, r *http.Request) {
	var req sendChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if strings.TrimSpace(req.IncidentID) == "" {
		writeError(w, http.StatusBadRequest, pipeline.CodeMissingIncidentID, "incident_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", "message is required")
		return
	}

	requestID := "chat-" + uuid.NewString()[:12]
	intent := store.Intent{
		RequestID:     requestID,
		SchemaVersion: "1.0",
		TimestampUTC:  store.UTCNow(),
		Mode:          "standby",
		Domain:        "general",
		Urgency:       "normal",
		UserText:      req.Message,
		NeedsTools:    true,
		ProposedActions: []store.ProposedAction{{
			ActionID:    "send-1",
			ToolName:    "twitch.send_chat",
			Parameters:  map[string]any{"message": req.Message},
			SafetyLevel: "low_risk",
			TimeoutMs:   5000,
			Confidence:  1.0,
		}},
	}
	if _, err := s.pipeline.PutIntent(r.Context(), intent, sourceOf(r)); err != nil {
		writeFailure(w, err)
		return
	}
	result, err := s.pipeline.Execute(r.Context(), pipeline.ExecuteRequest{
		RequestID:      requestID,
		IncidentID:     req.IncidentID,
		WatchCondition: req.WatchCondition,
		DryRun:         req.DryRun,
	}, sourceOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"request_id":  requestID,
		"incident_id": result.IncidentID,
		"results":     result.Results,
	})
}

type appOpenRequest struct {
	AppID string `json:"app_id"`
}

func (s *Server) handleAppOpen(w http.ResponseWriter, r *http.Request) {
	var req appOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if s.launcher == nil {
		writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", "no apps configured")
		return
	}
	pid, err := s.launcher.Launch(req.AppID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "app_id": req.AppID, "pid": pid})
}
