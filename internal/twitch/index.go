package twitch

import (
	"encoding/json"
	"os"
	"strings"
)

// VariableIndex maps each event category to the bridge variables that hold its
// payload fields, and to the variables that carry its commit marker.
type VariableIndex struct {
	// Fields: category -> payload field -> candidate variable names (first
	// non-empty wins).
	Fields map[EventType]map[string][]string
	// CommitKeys: category -> candidate commit marker variable names.
	CommitKeys map[EventType][]string
}

// defaultFieldMap covers the standard deck layout when no index file is supplied.
var defaultFieldMap = map[EventType]map[string][]string{
	EventChat: {
		"user_id":      {"ID116.chat_user_id", "chat_user_id"},
		"login_name":   {"ID116.chat_login", "chat_login"},
		"display_name": {"ID116.chat_display", "chat_display"},
		"message_id":   {"ID116.chat_msg_id", "chat_msg_id"},
		"message_text": {"ID116.chat_message", "chat_message"},
		"flags_json":   {"ID116.chat_flags", "chat_flags"},
	},
	EventRedeem: {
		"user_id":      {"ID116.redeem_user_id", "redeem_user_id"},
		"login_name":   {"ID116.redeem_login", "redeem_login"},
		"display_name": {"ID116.redeem_display", "redeem_display"},
		"reward_id":    {"ID116.redeem_reward_id", "redeem_reward_id"},
		"reward_title": {"ID116.redeem_title", "redeem_title"},
	},
	EventBits: {
		"user_id":      {"ID116.bits_user_id", "bits_user_id"},
		"login_name":   {"ID116.bits_login", "bits_login"},
		"display_name": {"ID116.bits_display", "bits_display"},
		"amount":       {"ID116.bits_amount", "bits_amount"},
	},
	EventFollow: {
		"user_id":      {"ID116.follow_user_id", "follow_user_id"},
		"login_name":   {"ID116.follow_login", "follow_login"},
		"display_name": {"ID116.follow_display", "follow_display"},
	},
	EventSub: {
		"user_id":      {"ID116.sub_user_id", "sub_user_id"},
		"login_name":   {"ID116.sub_login", "sub_login"},
		"display_name": {"ID116.sub_display", "sub_display"},
		"tier":         {"ID116.sub_tier", "sub_tier"},
		"months":       {"ID116.sub_months", "sub_months"},
	},
	EventRaid: {
		"user_id":      {"ID116.raid_user_id", "raid_user_id"},
		"login_name":   {"ID116.raid_login", "raid_login"},
		"display_name": {"ID116.raid_display", "raid_display"},
		"viewers":      {"ID116.raid_viewers", "raid_viewers"},
	},
	EventHypeTrain: {
		"level":   {"ID116.hypetrain_level", "hypetrain_level"},
		"percent": {"ID116.hypetrain_percent", "hypetrain_percent"},
	},
	EventPoll: {
		"title": {"ID116.poll_title", "poll_title"},
	},
	EventPrediction: {
		"title": {"ID116.prediction_title", "prediction_title"},
	},
	EventShoutout: {
		"user_id":      {"ID116.shoutout_user_id", "shoutout_user_id"},
		"login_name":   {"ID116.shoutout_login", "shoutout_login"},
		"display_name": {"ID116.shoutout_display", "shoutout_display"},
	},
	EventPowerUps: {
		"user_id": {"ID116.powerup_user_id", "powerup_user_id"},
		"kind":    {"ID116.powerup_kind", "powerup_kind"},
	},
	EventHype: {
		"user_id": {"ID116.hype_user_id", "hype_user_id"},
		"amount":  {"ID116.hype_amount", "hype_amount"},
	},
}

var defaultCommitKeys = map[EventType][]string{
	EventChat:       {"ID116.chat_commit_ts"},
	EventRedeem:     {"ID116.redeem_commit_ts"},
	EventBits:       {"ID116.bits_commit_ts"},
	EventFollow:     {"ID116.follow_commit_ts"},
	EventSub:        {"ID116.sub_commit_ts"},
	EventRaid:       {"ID116.raid_commit_ts"},
	EventHypeTrain:  {"ID116.hypetrain_commit_ts"},
	EventPoll:       {"ID116.poll_commit_ts"},
	EventPrediction: {"ID116.prediction_commit_ts"},
	EventShoutout:   {"ID116.shoutout_commit_ts"},
	EventPowerUps:   {"ID116.powerup_commit_ts"},
	EventHype:       {"ID116.hype_commit_ts"},
}

type indexFile struct {
	Events map[string]struct {
		Fields     map[string][]string `json:"fields"`
		CommitKeys []string            `json:"commit_keys"`
	} `json:"events"`
}

// LoadVariableIndex reads the variable index JSON, falling back to the built-in
// defaults per category for anything the file leaves out.
func LoadVariableIndex(path string) (*VariableIndex, error) {
	out := &VariableIndex{
		Fields:     make(map[EventType]map[string][]string, len(AllEventTypes)),
		CommitKeys: make(map[EventType][]string, len(AllEventTypes)),
	}
	for _, et := range AllEventTypes {
		out.Fields[et] = defaultFieldMap[et]
		out.CommitKeys[et] = defaultCommitKeys[et]
	}

	p := strings.TrimSpace(path)
	if p == "" {
		return out, nil
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	var parsed indexFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	for name, entry := range parsed.Events {
		et, ok := nameAliases[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		if len(entry.Fields) > 0 {
			out.Fields[et] = entry.Fields
		}
		if len(entry.CommitKeys) > 0 {
			out.CommitKeys[et] = entry.CommitKeys
		}
	}
	return out, nil
}
