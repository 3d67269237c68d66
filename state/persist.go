package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Load replaces the in-memory state with the database contents. A store
// without a database (NewMemory) is a no-op. Query failures leave the store
// empty rather than partially populated; the caller decides whether to treat
// that as degraded startup.
func (s *Store) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	channels := map[string]map[string]ChannelConfig{}
	filters := map[string]FilterConfig{}
	cursors := map[string]map[string]time.Time{}
	delivered := map[string]map[string]*deliveredSet{}
	stats := map[string]*Stats{}

	err := func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT guild_id, broadcaster_id, login, COALESCE(display_name,''), clip_channel_id, enabled, live_notifications, COALESCE(live_channel_id,'') FROM guild_channels`)
		if err != nil {
			return fmt.Errorf("load channels: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g string
			var cfg ChannelConfig
			if err := rows.Scan(&g, &cfg.BroadcasterID, &cfg.Login, &cfg.DisplayName, &cfg.ClipChannelID, &cfg.Enabled, &cfg.LiveNotifications, &cfg.LiveChannelID); err != nil {
				return fmt.Errorf("scan channel: %w", err)
			}
			if channels[g] == nil {
				channels[g] = map[string]ChannelConfig{}
			}
			channels[g][cfg.BroadcasterID] = cfg
		}
		return rows.Err()
	}()
	if err != nil {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
		return err
	}

	err = func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT guild_id, min_views, max_views, min_duration, max_duration, COALESCE(keywords_include,''), COALESCE(keywords_exclude,''), COALESCE(creators_allow,''), COALESCE(creators_deny,'') FROM guild_filters`)
		if err != nil {
			return fmt.Errorf("load filters: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g string
			var f FilterConfig
			var inc, exc, allow, deny string
			if err := rows.Scan(&g, &f.MinViews, &f.MaxViews, &f.MinDuration, &f.MaxDuration, &inc, &exc, &allow, &deny); err != nil {
				return fmt.Errorf("scan filter: %w", err)
			}
			f.KeywordsInclude = decodeList(inc)
			f.KeywordsExclude = decodeList(exc)
			f.CreatorsAllow = decodeList(allow)
			f.CreatorsDeny = decodeList(deny)
			f.Normalize()
			filters[g] = f
		}
		return rows.Err()
	}()
	if err != nil {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
		return err
	}

	err = func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT guild_id, broadcaster_id, last_clip_at FROM cursors`)
		if err != nil {
			return fmt.Errorf("load cursors: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g, b string
			var t time.Time
			if err := rows.Scan(&g, &b, &t); err != nil {
				return fmt.Errorf("scan cursor: %w", err)
			}
			if cursors[g] == nil {
				cursors[g] = map[string]time.Time{}
			}
			cursors[g][b] = t.UTC()
		}
		return rows.Err()
	}()
	if err != nil {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
		return err
	}

	err = func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT guild_id, broadcaster_id, clip_id FROM delivered_clips ORDER BY guild_id, broadcaster_id, seq`)
		if err != nil {
			return fmt.Errorf("load delivered: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g, b, id string
			if err := rows.Scan(&g, &b, &id); err != nil {
				return fmt.Errorf("scan delivered: %w", err)
			}
			if delivered[g] == nil {
				delivered[g] = map[string]*deliveredSet{}
			}
			set := delivered[g][b]
			if set == nil {
				set = newDeliveredSet()
				delivered[g][b] = set
			}
			set.add(id)
		}
		return rows.Err()
	}()
	if err != nil {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
		return err
	}

	err = func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT guild_id, clips_total, COALESCE(by_streamer,''), COALESCE(by_creator,'') FROM guild_stats`)
		if err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g, byStreamer, byCreator string
			st := &Stats{ByStreamer: map[string]int64{}, ByCreator: map[string]int64{}}
			if err := rows.Scan(&g, &st.ClipsTotal, &byStreamer, &byCreator); err != nil {
				return fmt.Errorf("scan stats: %w", err)
			}
			decodeCounts(byStreamer, st.ByStreamer)
			decodeCounts(byCreator, st.ByCreator)
			stats[g] = st
		}
		return rows.Err()
	}()
	if err != nil {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.channels = channels
	s.filters = filters
	s.cursors = cursors
	s.delivered = delivered
	s.stats = stats
	s.mu.Unlock()
	return nil
}

// Save snapshots the in-memory state to the database in one transaction, so a
// crash mid-save leaves the previous committed snapshot intact. The store
// mutex is released before any I/O; Save works from a copy.
func (s *Store) Save(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	type deliveredRow struct {
		guild, broadcaster, clip string
		seq                      int
	}
	type cursorRow struct {
		guild, broadcaster string
		at                 time.Time
	}
	type channelRow struct {
		guild string
		cfg   ChannelConfig
	}
	type filterRow struct {
		guild string
		f     FilterConfig
	}
	type statsRow struct {
		guild string
		st    Stats
	}

	s.mu.Lock()
	var channelRows []channelRow
	for g, m := range s.channels {
		for _, cfg := range m {
			channelRows = append(channelRows, channelRow{g, cfg})
		}
	}
	var filterRows []filterRow
	for g, f := range s.filters {
		filterRows = append(filterRows, filterRow{g, f})
	}
	var cursorRows []cursorRow
	for g, m := range s.cursors {
		for b, t := range m {
			cursorRows = append(cursorRows, cursorRow{g, b, t})
		}
	}
	var deliveredRows []deliveredRow
	for g, m := range s.delivered {
		for b, set := range m {
			for i, id := range set.order {
				deliveredRows = append(deliveredRows, deliveredRow{g, b, id, i})
			}
		}
	}
	var statsRows []statsRow
	for g, st := range s.stats {
		// Deep copy: the live maps keep changing once the lock is released.
		cp := Stats{
			ClipsTotal: st.ClipsTotal,
			ByStreamer: make(map[string]int64, len(st.ByStreamer)),
			ByCreator:  make(map[string]int64, len(st.ByCreator)),
		}
		for k, v := range st.ByStreamer {
			cp.ByStreamer[k] = v
		}
		for k, v := range st.ByCreator {
			cp.ByCreator[k] = v
		}
		statsRows = append(statsRows, statsRow{g, cp})
	}
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Warn("state save rollback", slog.Any("err", err))
		}
	}()

	for _, table := range []string{"guild_channels", "guild_filters", "cursors", "delivered_clips", "guild_stats"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, r := range channelRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO guild_channels (guild_id, broadcaster_id, login, display_name, clip_channel_id, enabled, live_notifications, live_channel_id, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())`,
			r.guild, r.cfg.BroadcasterID, r.cfg.Login, r.cfg.DisplayName, r.cfg.ClipChannelID, r.cfg.Enabled, r.cfg.LiveNotifications, r.cfg.LiveChannelID); err != nil {
			return fmt.Errorf("save channel: %w", err)
		}
	}
	for _, r := range filterRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO guild_filters (guild_id, min_views, max_views, min_duration, max_duration, keywords_include, keywords_exclude, creators_allow, creators_deny, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
			r.guild, r.f.MinViews, r.f.MaxViews, r.f.MinDuration, r.f.MaxDuration,
			encodeList(r.f.KeywordsInclude), encodeList(r.f.KeywordsExclude), encodeList(r.f.CreatorsAllow), encodeList(r.f.CreatorsDeny)); err != nil {
			return fmt.Errorf("save filter: %w", err)
		}
	}
	for _, r := range cursorRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cursors (guild_id, broadcaster_id, last_clip_at, updated_at) VALUES ($1,$2,$3,NOW())`,
			r.guild, r.broadcaster, r.at); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	for _, r := range deliveredRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO delivered_clips (guild_id, broadcaster_id, clip_id, seq) VALUES ($1,$2,$3,$4)`,
			r.guild, r.broadcaster, r.clip, r.seq); err != nil {
			return fmt.Errorf("save delivered: %w", err)
		}
	}
	for _, r := range statsRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO guild_stats (guild_id, clips_total, by_streamer, by_creator, updated_at) VALUES ($1,$2,$3,$4,NOW())`,
			r.guild, r.st.ClipsTotal, encodeCounts(r.st.ByStreamer), encodeCounts(r.st.ByCreator)); err != nil {
			return fmt.Errorf("save stats: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		slog.Warn("corrupt list in stored filter; ignoring", slog.Any("err", err))
		return nil
	}
	return out
}

func encodeCounts(m map[string]int64) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeCounts(s string, into map[string]int64) {
	if s == "" {
		return
	}
	if err := json.Unmarshal([]byte(s), &into); err != nil {
		slog.Warn("corrupt counts in stored stats; ignoring", slog.Any("err", err))
	}
}
