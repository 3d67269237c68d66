// Package state owns the per-guild relay state: monitored channels, filter
// configuration, delivered-clip id sets, poll cursors, and delivery stats.
// All working state lives in memory behind a single Store; Save snapshots it
// to Postgres in one transaction and Load rebuilds it at startup.
package state

import "time"

// ChannelConfig identifies one monitored broadcaster within a guild.
type ChannelConfig struct {
	BroadcasterID     string `json:"broadcaster_id"`
	Login             string `json:"login"`
	DisplayName       string `json:"display_name"`
	ClipChannelID     string `json:"clip_channel_id"`
	Enabled           bool   `json:"enabled"`
	LiveNotifications bool   `json:"live_notifications"`
	LiveChannelID     string `json:"live_channel_id,omitempty"`
}

// Name returns the display name, falling back to the login.
func (c ChannelConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Login
}

// FilterConfig is a guild's clip acceptance predicate configuration.
// Zero max values mean "no upper bound"; an all-zero config accepts everything.
type FilterConfig struct {
	MinViews        int      `json:"min_views"`
	MaxViews        int      `json:"max_views"`
	MinDuration     float64  `json:"min_duration"`
	MaxDuration     float64  `json:"max_duration"`
	KeywordsInclude []string `json:"keywords_include,omitempty"`
	KeywordsExclude []string `json:"keywords_exclude,omitempty"`
	CreatorsAllow   []string `json:"creators_allow,omitempty"`
	CreatorsDeny    []string `json:"creators_deny,omitempty"`
}

// Normalize clamps invalid ranges in place: negative minimums become zero and
// a positive maximum below its minimum is raised to the minimum.
func (f *FilterConfig) Normalize() {
	if f.MinViews < 0 {
		f.MinViews = 0
	}
	if f.MaxViews > 0 && f.MaxViews < f.MinViews {
		f.MaxViews = f.MinViews
	}
	if f.MinDuration < 0 {
		f.MinDuration = 0
	}
	if f.MaxDuration > 0 && f.MaxDuration < f.MinDuration {
		f.MaxDuration = f.MinDuration
	}
}

// IsZero reports whether no predicate is configured.
func (f FilterConfig) IsZero() bool {
	return f.MinViews == 0 && f.MaxViews == 0 &&
		f.MinDuration == 0 && f.MaxDuration == 0 &&
		len(f.KeywordsInclude) == 0 && len(f.KeywordsExclude) == 0 &&
		len(f.CreatorsAllow) == 0 && len(f.CreatorsDeny) == 0
}

// Stats accumulates per-guild delivery counters.
type Stats struct {
	ClipsTotal int64            `json:"clips_total"`
	ByStreamer map[string]int64 `json:"by_streamer,omitempty"`
	ByCreator  map[string]int64 `json:"by_creator,omitempty"`
}

// GuildSnapshot is a read-only copy of one guild's state for inspection.
type GuildSnapshot struct {
	GuildID   string                   `json:"guild_id"`
	Channels  []ChannelConfig          `json:"channels"`
	Filter    FilterConfig             `json:"filter"`
	Cursors   map[string]time.Time     `json:"cursors"`
	Delivered map[string]int           `json:"delivered_counts"`
	Stats     Stats                    `json:"stats"`
}
