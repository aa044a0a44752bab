package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/watchkeeper/brainstem/internal/store"
)

// VariableReader is the slice of the bridge client the ingest path needs.
type VariableReader interface {
	GetVariable(name string) (any, error)
	GetVariables(names []string) map[string]any
}

// Ingest reads event snapshots from the bridge on doorbell receipt, dedupes by
// commit marker, and persists normalized records.
type Ingest struct {
	log    *slog.Logger
	store  *store.Store
	bridge VariableReader
	index  *VariableIndex
	source string

	chatDebounce time.Duration

	mu             sync.Mutex
	pendingMarkers map[EventType]string
	timers         map[EventType]*time.Timer
}

type IngestOptions struct {
	Logger       *slog.Logger
	Store        *store.Store
	Bridge       VariableReader
	Index        *VariableIndex
	Source       string
	ChatDebounce time.Duration
}

func NewIngest(opts IngestOptions) *Ingest {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	index := opts.Index
	if index == nil {
		index, _ = LoadVariableIndex("")
	}
	source := strings.TrimSpace(opts.Source)
	if source == "" {
		source = "twitch_ingest"
	}
	debounce := opts.ChatDebounce
	if debounce < 0 {
		debounce = 0
	}
	return &Ingest{
		log:            logger,
		store:          opts.Store,
		bridge:         opts.Bridge,
		index:          index,
		source:         source,
		chatDebounce:   debounce,
		pendingMarkers: make(map[EventType]string),
		timers:         make(map[EventType]*time.Timer),
	}
}

// normalizeMarker converts unix-seconds and unix-milliseconds markers to
// RFC3339-style UTC so cursor comparisons order lexicographically.
func normalizeMarker(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" || !isDigits(text) {
		return text
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n <= 0 {
		return text
	}
	const isoFormat = "2006-01-02T15:04:05.000000Z"
	switch {
	case len(text) >= 13:
		return time.UnixMilli(n).UTC().Format(isoFormat)
	case len(text) >= 10:
		return time.Unix(n, 0).UTC().Format(isoFormat)
	default:
		base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		return base.Add(time.Duration(n) * time.Second).Format(isoFormat)
	}
}

func looksLikeVariableName(value string) bool {
	text := strings.TrimSpace(value)
	if text == "" || !strings.Contains(text, ".") {
		return false
	}
	if strings.ContainsAny(text, ":- ") {
		return false
	}
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

// resolveCommitMarker picks the commit marker: a marker variable read from the
// bridge when one is configured or named by the packet, else the packet marker.
// The configured marker wins over the packet timestamp; single pass, no retry.
func (g *Ingest) resolveCommitMarker(eventType EventType, markerHint string) (string, string) {
	marker := strings.TrimSpace(markerHint)
	keys := g.index.CommitKeys[eventType]
	defaultKey := "packet.timestamp"
	if len(keys) > 0 {
		defaultKey = keys[0]
	}

	if marker != "" && looksLikeVariableName(marker) {
		if value, err := g.bridge.GetVariable(marker); err == nil {
			if resolved := strings.TrimSpace(fmt.Sprint(value)); resolved != "" && value != nil {
				return normalizeMarker(resolved), marker
			}
		}
		return store.UTCNow(), marker
	}

	for _, key := range keys {
		value, err := g.bridge.GetVariable(key)
		if err != nil {
			continue
		}
		if resolved := strings.TrimSpace(fmt.Sprint(value)); resolved != "" && value != nil {
			return normalizeMarker(resolved), key
		}
	}
	if marker != "" {
		return normalizeMarker(marker), defaultKey
	}
	return store.UTCNow(), defaultKey
}

// Snapshot is one event's variable values keyed by payload field.
type Snapshot struct {
	EventType EventType
	CommitTS  string
	CommitKey string
	Seq       int
	Payload   map[string]any
}

func (g *Ingest) readSnapshot(ctx context.Context, eventType EventType, markerHint string) (*Snapshot, error) {
	commitTS, commitKey := g.resolveCommitMarker(eventType, markerHint)
	if commitTS == "" {
		return nil, nil
	}

	cursor, err := g.store.GetTwitchCursor(ctx, string(eventType))
	if err != nil {
		return nil, err
	}
	if commitTS <= cursor.LastCommitTS {
		return nil, nil
	}

	fieldMap := g.index.Fields[eventType]
	var allNames []string
	seen := map[string]bool{}
	fields := make([]string, 0, len(fieldMap))
	for field := range fieldMap {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		for _, name := range fieldMap[field] {
			if !seen[name] {
				seen[name] = true
				allNames = append(allNames, name)
			}
		}
	}
	values := g.bridge.GetVariables(allNames)

	payload := map[string]any{}
	for _, field := range fields {
		var resolved any
		for _, name := range fieldMap[field] {
			value, ok := values[name]
			if !ok || value == nil {
				continue
			}
			if s, isStr := value.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			resolved = value
			break
		}
		payload[field] = resolved
	}
	payload["commit_key"] = commitKey
	payload["commit_ts"] = commitTS
	return &Snapshot{EventType: eventType, CommitTS: commitTS, CommitKey: commitKey, Payload: payload}, nil
}

func normalizeUserID(payload map[string]any) string {
	switch v := payload["user_id"].(type) {
	case string:
		if text := strings.TrimSpace(v); text != "" {
			return text
		}
	case float64:
		if !math.IsNaN(v) && v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
	}
	if login, ok := payload["login_name"].(string); ok {
		if l := strings.ToLower(strings.TrimSpace(login)); l != "" {
			return "login:" + l
		}
	}
	return "unknown"
}

func intOf(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return 0
}

func parseFlags(payload map[string]any) map[string]any {
	flags := map[string]any{}
	if raw, ok := payload["flags_json"].(string); ok && strings.TrimSpace(raw) != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			for k, v := range parsed {
				flags[k] = v
			}
		}
	}
	for _, key := range []string{"is_vip", "is_mod", "is_sub", "is_broadcaster"} {
		if v, ok := payload[key]; ok {
			flags[key] = coerceBool(v)
		}
	}
	return flags
}

func coerceBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

// Persist advances the cursor and writes the normalized snapshot. A marker at or
// below the cursor drops as a duplicate.
func (g *Ingest) Persist(ctx context.Context, snap *Snapshot) (bool, error) {
	if snap == nil {
		return false, nil
	}
	commitTS := strings.TrimSpace(snap.CommitTS)
	if commitTS == "" {
		commitTS = store.UTCNow()
	}

	updated, err := g.store.AdvanceTwitchCursor(ctx, string(snap.EventType), commitTS, snap.Seq)
	if err != nil {
		return false, err
	}
	if !updated {
		return false, nil
	}

	payload := snap.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	userID := normalizeUserID(payload)
	login := strings.TrimSpace(stringField(payload, "login_name"))
	display := strings.TrimSpace(stringField(payload, "display_name"))
	flags := parseFlags(payload)

	increment := 0
	if snap.EventType == EventChat {
		increment = 1
	}
	if err := g.store.UpsertTwitchUser(ctx, store.TwitchUser{
		UserID:      userID,
		LoginName:   login,
		DisplayName: display,
		Flags:       flags,
		LastSeenUTC: commitTS,
	}, increment); err != nil {
		return false, err
	}

	chatSeenCount := 0
	isFirstChat := false
	switch snap.EventType {
	case EventChat:
		if err := g.store.InsertTwitchMessage(ctx, userID, commitTS,
			stringField(payload, "message_id"), strings.TrimSpace(stringField(payload, "message_text")), 5); err != nil {
			return false, err
		}
		chatSeenCount, _ = g.store.TwitchMessageCount(ctx, userID)
		isFirstChat = chatSeenCount <= 1
	case EventBits:
		if err := g.store.AddTwitchBits(ctx, userID, intOf(payload["amount"])); err != nil {
			return false, err
		}
	case EventHype:
		if err := g.store.AddTwitchHype(ctx, userID, intOf(payload["amount"])); err != nil {
			return false, err
		}
	case EventRedeem:
		rewardID := strings.TrimSpace(stringField(payload, "reward_id"))
		if rewardID == "" {
			rewardID = "unknown_reward"
		}
		if err := g.store.AddTwitchRedeem(ctx, userID, rewardID,
			strings.TrimSpace(stringField(payload, "reward_title")), commitTS); err != nil {
			return false, err
		}
	}

	recent := map[string]any{
		"event_type":   string(snap.EventType),
		"user_id":      userID,
		"login_name":   login,
		"display_name": display,
		"payload":      payload,
	}
	if snap.EventType == EventChat {
		recent["chat_seen_count"] = chatSeenCount
		recent["is_first_chat"] = isFirstChat
	}
	if err := g.store.RecordTwitchRecentEvent(ctx, string(snap.EventType), commitTS, userID, recent); err != nil {
		return false, err
	}

	eventPayload := map[string]any{
		"event_type": string(snap.EventType),
		"commit_ts":  commitTS,
		"commit_key": snap.CommitKey,
		"user_id":    userID,
		"seq":        snap.Seq,
	}
	if snap.EventType == EventChat {
		eventPayload["chat_seen_count"] = chatSeenCount
		eventPayload["is_first_chat"] = isFirstChat
	}
	if _, err := g.store.AppendEvent(ctx, store.Event{
		TimestampUTC: commitTS,
		EventType:    fmt.Sprintf("TWITCH_%s_INGESTED", snap.EventType),
		Source:       g.source,
		Severity:     store.SeverityInfo,
		Payload:      eventPayload,
		Tags:         []string{"twitch", strings.ToLower(string(snap.EventType)), "ingest"},
	}); err != nil {
		return true, err
	}
	return true, nil
}

func stringField(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	if payload[key] == nil {
		return ""
	}
	return fmt.Sprint(payload[key])
}

// HandlePing processes one doorbell datagram. Chat packets are debounced; other
// categories ingest immediately.
func (g *Ingest) HandlePing(ctx context.Context, payloadText string) {
	bell, ok := ParseDoorbell(payloadText)
	if !ok {
		g.recordParseError(ctx, payloadText)
		return
	}

	if bell.EventType == EventChat && g.chatDebounce > 0 {
		g.mu.Lock()
		g.pendingMarkers[bell.EventType] = bell.Marker
		if timer := g.timers[bell.EventType]; timer == nil {
			g.timers[bell.EventType] = time.AfterFunc(g.chatDebounce, func() {
				g.flushDebounced(context.Background(), bell.EventType)
			})
		}
		g.mu.Unlock()
		return
	}
	g.ingestOne(ctx, bell.EventType, bell.Marker, bell.Seq)
}

func (g *Ingest) flushDebounced(ctx context.Context, eventType EventType) {
	g.mu.Lock()
	marker := g.pendingMarkers[eventType]
	delete(g.pendingMarkers, eventType)
	delete(g.timers, eventType)
	g.mu.Unlock()
	g.ingestOne(ctx, eventType, marker, 0)
}

func (g *Ingest) ingestOne(ctx context.Context, eventType EventType, marker string, seq int) {
	snap, err := g.readSnapshot(ctx, eventType, marker)
	if err != nil {
		g.log.Warn("twitch snapshot read failed", "component", "twitch_ingest",
			"event_type", eventType, "error", err)
		return
	}
	if snap == nil {
		return
	}
	snap.Seq = seq
	if _, err := g.Persist(ctx, snap); err != nil {
		g.log.Warn("twitch snapshot persist failed", "component", "twitch_ingest",
			"event_type", eventType, "error", err)
	}
}

// recordParseError journals DOORBELL_MALFORMED packets; they are never surfaced.
func (g *Ingest) recordParseError(ctx context.Context, payloadText string) {
	raw := payloadText
	if len(raw) > 512 {
		raw = raw[:512]
	}
	if _, err := g.store.AppendEvent(ctx, store.Event{
		EventType: "TWITCH_PACKET_PARSE_ERROR",
		Source:    g.source,
		Severity:  store.SeverityWarn,
		Payload: map[string]any{
			"raw_payload": raw,
			"error":       "DOORBELL_MALFORMED",
		},
		Tags: []string{"twitch", "doorbell", "parse_error"},
	}); err != nil {
		g.log.Warn("parse error journal failed", "component", "twitch_ingest", "error", err)
	}
}
