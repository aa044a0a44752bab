package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// TwitchCursor is the per-category monotonic commit marker.
type TwitchCursor struct {
	EventType    string `json:"event_type"`
	LastCommitTS string `json:"last_commit_ts"`
	LastSeq      int    `json:"last_seq"`
	UpdatedAtUTC string `json:"updated_at_utc"`
}

// TwitchUser is the aggregate per-viewer row maintained by the ingest gate.
type TwitchUser struct {
	UserID       string         `json:"user_id"`
	LoginName    string         `json:"login_name,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	Flags        map[string]any `json:"flags,omitempty"`
	FirstSeenUTC string         `json:"first_seen_utc"`
	LastSeenUTC  string         `json:"last_seen_utc"`
	MessageCount int            `json:"message_count"`
	BitsTotal    int            `json:"bits_total"`
	HypeTotal    int            `json:"hype_total"`
}

// TwitchRecentEvent is one row of the recent-events ring exposed to the UI.
type TwitchRecentEvent struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	CommitTS  string         `json:"commit_ts"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload"`
}

// RedeemCount aggregates redeems per reward for one user.
type RedeemCount struct {
	RewardID string `json:"reward_id"`
	Title    string `json:"title"`
	Count    int    `json:"count"`
	LastUTC  string `json:"last_utc"`
}

func (s *Store) GetTwitchCursor(ctx context.Context, eventType string) (TwitchCursor, error) {
	if err := s.ready(); err != nil {
		return TwitchCursor{}, err
	}
	eventType = strings.TrimSpace(eventType)
	c := TwitchCursor{EventType: eventType}
	err := s.db.QueryRowContext(ensureCtx(ctx), `
SELECT last_commit_ts, last_seq, updated_at_utc FROM twitch_cursors WHERE event_type = ?
`, eventType).Scan(&c.LastCommitTS, &c.LastSeq, &c.UpdatedAtUTC)
	if err != nil && err != sql.ErrNoRows {
		return TwitchCursor{}, err
	}
	return c, nil
}

// AdvanceTwitchCursor moves the category cursor forward. It returns false without
// writing when the commit marker is not strictly greater than the stored one.
func (s *Store) AdvanceTwitchCursor(ctx context.Context, eventType string, commitTS string, seq int) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ctx = ensureCtx(ctx)
	eventType = strings.TrimSpace(eventType)
	commitTS = strings.TrimSpace(commitTS)
	if eventType == "" || commitTS == "" {
		return false, errors.New("missing event_type or commit marker")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := func() (string, error) {
		var last string
		err := s.db.QueryRowContext(ctx,
			`SELECT last_commit_ts FROM twitch_cursors WHERE event_type = ?`, eventType,
		).Scan(&last)
		if err == sql.ErrNoRows {
			return "", nil
		}
		return last, err
	}()
	if err != nil {
		return false, err
	}
	if commitTS <= cur {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO twitch_cursors(event_type, last_commit_ts, last_seq, updated_at_utc)
VALUES(?, ?, ?, ?)
ON CONFLICT(event_type) DO UPDATE SET
  last_commit_ts = excluded.last_commit_ts,
  last_seq = excluded.last_seq,
  updated_at_utc = excluded.updated_at_utc
`, eventType, commitTS, seq, UTCNow())
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertTwitchUser merges one sighting into the per-user aggregate.
func (s *Store) UpsertTwitchUser(ctx context.Context, u TwitchUser, incrementMessages int) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ensureCtx(ctx)
	userID := strings.TrimSpace(u.UserID)
	if userID == "" {
		return errors.New("missing user_id")
	}
	seen := strings.TrimSpace(u.LastSeenUTC)
	if seen == "" {
		seen = UTCNow()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO twitch_users(user_id, login_name, display_name, flags_json, first_seen_utc, last_seen_utc, message_count)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  login_name = COALESCE(NULLIF(excluded.login_name, ''), twitch_users.login_name),
  display_name = COALESCE(NULLIF(excluded.display_name, ''), twitch_users.display_name),
  flags_json = excluded.flags_json,
  last_seen_utc = excluded.last_seen_utc,
  message_count = twitch_users.message_count + ?
`, userID, u.LoginName, u.DisplayName, marshalJSON(u.Flags), seen, seen, incrementMessages, incrementMessages)
	return err
}

func (s *Store) GetTwitchUser(ctx context.Context, userID string) (*TwitchUser, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	var u TwitchUser
	var login, display sql.NullString
	var flagsRaw string
	err := s.db.QueryRowContext(ensureCtx(ctx), `
SELECT user_id, login_name, display_name, flags_json, first_seen_utc, last_seen_utc,
       message_count, bits_total, hype_total
FROM twitch_users WHERE user_id = ?
`, userID).Scan(&u.UserID, &login, &display, &flagsRaw, &u.FirstSeenUTC, &u.LastSeenUTC,
		&u.MessageCount, &u.BitsTotal, &u.HypeTotal)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.LoginName = login.String
	u.DisplayName = display.String
	if m, ok := unmarshalJSON(flagsRaw).(map[string]any); ok {
		u.Flags = m
	}
	return &u, nil
}

// InsertTwitchMessage records one chat line and prunes the per-user history to keepLast.
func (s *Store) InsertTwitchMessage(ctx context.Context, userID string, tsUTC string, msgID string, text string, keepLast int) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ensureCtx(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("missing user_id")
	}
	if keepLast <= 0 {
		keepLast = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO twitch_recent_messages(user_id, message_ts_utc, msg_id, text) VALUES(?, ?, ?, ?)
`, userID, tsUTC, nullable(msgID), text); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM twitch_recent_messages
WHERE user_id = ? AND id NOT IN (
  SELECT id FROM twitch_recent_messages WHERE user_id = ? ORDER BY id DESC LIMIT ?
)
`, userID, userID, keepLast); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListTwitchMessages(ctx context.Context, userID string) ([]map[string]any, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ensureCtx(ctx), `
SELECT message_ts_utc, msg_id, text FROM twitch_recent_messages
WHERE user_id = ? ORDER BY id DESC
`, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var ts, text string
		var msgID sql.NullString
		if err := rows.Scan(&ts, &msgID, &text); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"message_ts_utc": ts,
			"msg_id":         msgID.String,
			"text":           text,
		})
	}
	return out, rows.Err()
}

func (s *Store) TwitchMessageCount(ctx context.Context, userID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ensureCtx(ctx),
		`SELECT message_count FROM twitch_users WHERE user_id = ?`, strings.TrimSpace(userID),
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// AddTwitchBits adds a bits donation to the user tally.
func (s *Store) AddTwitchBits(ctx context.Context, userID string, amount int) error {
	return s.addTwitchTally(ctx, `UPDATE twitch_users SET bits_total = bits_total + ? WHERE user_id = ?`, userID, amount)
}

// AddTwitchHype adds hype points to the user tally.
func (s *Store) AddTwitchHype(ctx context.Context, userID string, amount int) error {
	return s.addTwitchTally(ctx, `UPDATE twitch_users SET hype_total = hype_total + ? WHERE user_id = ?`, userID, amount)
}

func (s *Store) addTwitchTally(ctx context.Context, q string, userID string, amount int) error {
	if err := s.ready(); err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ensureCtx(ctx), q, amount, strings.TrimSpace(userID))
	return err
}

// AddTwitchRedeem records one channel-point redeem.
func (s *Store) AddTwitchRedeem(ctx context.Context, userID string, rewardID string, title string, tsUTC string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ensureCtx(ctx), `
INSERT INTO twitch_redeems(user_id, reward_id, title, ts_utc) VALUES(?, ?, ?, ?)
`, strings.TrimSpace(userID), strings.TrimSpace(rewardID), title, tsUTC)
	return err
}

func (s *Store) TopTwitchRedeems(ctx context.Context, userID string, limit int) ([]RedeemCount, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ensureCtx(ctx), `
SELECT reward_id, MAX(title), COUNT(1) AS n, MAX(ts_utc)
FROM twitch_redeems
WHERE user_id = ?
GROUP BY reward_id
ORDER BY n DESC
LIMIT ?
`, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RedeemCount
	for rows.Next() {
		var r RedeemCount
		if err := rows.Scan(&r.RewardID, &r.Title, &r.Count, &r.LastUTC); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordTwitchRecentEvent appends to the recent-events ring (capped at 200 rows).
func (s *Store) RecordTwitchRecentEvent(ctx context.Context, eventType string, commitTS string, userID string, payload map[string]any) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ensureCtx(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO twitch_recent_events(event_type, commit_ts, user_id, payload_json)
VALUES(?, ?, ?, ?)
`, strings.TrimSpace(eventType), commitTS, strings.TrimSpace(userID), marshalJSON(payload)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM twitch_recent_events
WHERE id NOT IN (SELECT id FROM twitch_recent_events ORDER BY id DESC LIMIT 200)
`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListTwitchRecentEvents(ctx context.Context, limit int) ([]TwitchRecentEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ensureCtx(ctx), `
SELECT id, event_type, commit_ts, user_id, payload_json
FROM twitch_recent_events
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TwitchRecentEvent
	for rows.Next() {
		var e TwitchRecentEvent
		var raw string
		if err := rows.Scan(&e.ID, &e.EventType, &e.CommitTS, &e.UserID, &raw); err != nil {
			return nil, err
		}
		if m, ok := unmarshalJSON(raw).(map[string]any); ok {
			e.Payload = m
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
