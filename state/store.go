package state

import (
	"database/sql"
	"sort"
	"sync"
	"time"
)

// deliveredSet is an insertion-ordered set of clip ids.
type deliveredSet struct {
	ids   map[string]struct{}
	order []string
}

func newDeliveredSet() *deliveredSet {
	return &deliveredSet{ids: map[string]struct{}{}}
}

func (d *deliveredSet) add(id string) bool {
	if _, ok := d.ids[id]; ok {
		return false
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}

func (d *deliveredSet) has(id string) bool {
	_, ok := d.ids[id]
	return ok
}

// trim retains only the n most recently added ids.
func (d *deliveredSet) trim(n int) int {
	if n <= 0 || len(d.order) <= n {
		return 0
	}
	drop := d.order[:len(d.order)-n]
	for _, id := range drop {
		delete(d.ids, id)
	}
	d.order = append([]string(nil), d.order[len(d.order)-n:]...)
	return len(drop)
}

// Store is the single owner of all per-guild relay state. Mutators only touch
// memory; callers flush with Save at safe checkpoints (end of a poll cycle,
// after an interactive mutation, on shutdown). The mutex is held only for the
// duration of an in-memory update, never across I/O.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	channels  map[string]map[string]ChannelConfig // guild -> broadcaster -> config
	filters   map[string]FilterConfig             // guild -> filter
	cursors   map[string]map[string]time.Time     // guild -> broadcaster -> last clip time
	delivered map[string]map[string]*deliveredSet // guild -> broadcaster -> ids
	stats     map[string]*Stats                   // guild -> counters
}

// New returns a Store persisted to the given database.
func New(db *sql.DB) *Store {
	s := &Store{db: db}
	s.reset()
	return s
}

// NewMemory returns a Store with persistence disabled; Load and Save are
// no-ops. Used by tests and by degraded startup.
func NewMemory() *Store { return New(nil) }

// reset reinitializes all maps to empty. Caller holds the lock (or owns the
// store exclusively, as in New).
func (s *Store) reset() {
	s.channels = map[string]map[string]ChannelConfig{}
	s.filters = map[string]FilterConfig{}
	s.cursors = map[string]map[string]time.Time{}
	s.delivered = map[string]map[string]*deliveredSet{}
	s.stats = map[string]*Stats{}
}

// UpsertChannel adds or replaces a monitored channel. The broadcaster id is
// the key, so re-adding an existing broadcaster updates it in place.
func (s *Store) UpsertChannel(guildID string, cfg ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[guildID] == nil {
		s.channels[guildID] = map[string]ChannelConfig{}
	}
	s.channels[guildID][cfg.BroadcasterID] = cfg
}

// SetChannelEnabled flips the enabled flag; returns false when the channel is unknown.
func (s *Store) SetChannelEnabled(guildID, broadcasterID string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.channels[guildID][broadcasterID]
	if !ok {
		return false
	}
	cfg.Enabled = enabled
	s.channels[guildID][broadcasterID] = cfg
	return true
}

// RenameChannel updates the display name; returns false when the channel is unknown.
func (s *Store) RenameChannel(guildID, broadcasterID, displayName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.channels[guildID][broadcasterID]
	if !ok {
		return false
	}
	cfg.DisplayName = displayName
	s.channels[guildID][broadcasterID] = cfg
	return true
}

// RemoveChannel drops one monitored channel and its cursor and delivered set.
func (s *Store) RemoveChannel(guildID, broadcasterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[guildID][broadcasterID]; !ok {
		return false
	}
	delete(s.channels[guildID], broadcasterID)
	delete(s.cursors[guildID], broadcasterID)
	delete(s.delivered[guildID], broadcasterID)
	return true
}

// RemoveGuild drops every trace of a guild (teardown).
func (s *Store) RemoveGuild(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, guildID)
	delete(s.filters, guildID)
	delete(s.cursors, guildID)
	delete(s.delivered, guildID)
	delete(s.stats, guildID)
}

// Guilds lists guild ids with at least one monitored channel, sorted for
// deterministic iteration.
func (s *Store) Guilds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for g := range s.channels {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Channels returns a copy of a guild's monitored channels, sorted by login.
func (s *Store) Channels(guildID string) []ChannelConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelConfig, 0, len(s.channels[guildID]))
	for _, cfg := range s.channels[guildID] {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

// Channel looks up one monitored channel.
func (s *Store) Channel(guildID, broadcasterID string) (ChannelConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.channels[guildID][broadcasterID]
	return cfg, ok
}

// SetFilter stores a guild's filter config after normalization.
func (s *Store) SetFilter(guildID string, f FilterConfig) {
	f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[guildID] = f
}

// Filter returns the guild's filter config (zero value accepts everything).
func (s *Store) Filter(guildID string) FilterConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[guildID]
}

// Cursor returns the stored cursor and whether one exists.
func (s *Store) Cursor(guildID, broadcasterID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cursors[guildID][broadcasterID]
	return t, ok
}

// AdvanceCursor moves the cursor forward; a timestamp at or before the stored
// one is ignored, so the cursor never regresses.
func (s *Store) AdvanceCursor(guildID, broadcasterID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors[guildID] == nil {
		s.cursors[guildID] = map[string]time.Time{}
	}
	if cur, ok := s.cursors[guildID][broadcasterID]; ok && !ts.After(cur) {
		return
	}
	s.cursors[guildID][broadcasterID] = ts.UTC()
}

// ResetCursor overwrites the cursor unconditionally; the only sanctioned
// regression, used at channel setup.
func (s *Store) ResetCursor(guildID, broadcasterID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors[guildID] == nil {
		s.cursors[guildID] = map[string]time.Time{}
	}
	s.cursors[guildID][broadcasterID] = ts.UTC()
}

// WasDelivered reports whether a clip id has already been dispatched.
func (s *Store) WasDelivered(guildID, broadcasterID, clipID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.delivered[guildID][broadcasterID]
	return set != nil && set.has(clipID)
}

// MarkDelivered records a dispatched clip id. Idempotent; returns true when
// the id was newly added.
func (s *Store) MarkDelivered(guildID, broadcasterID, clipID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered[guildID] == nil {
		s.delivered[guildID] = map[string]*deliveredSet{}
	}
	set := s.delivered[guildID][broadcasterID]
	if set == nil {
		set = newDeliveredSet()
		s.delivered[guildID][broadcasterID] = set
	}
	return set.add(clipID)
}

// DeliveredCount returns the size of one delivered-id set.
func (s *Store) DeliveredCount(guildID, broadcasterID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.delivered[guildID][broadcasterID]
	if set == nil {
		return 0
	}
	return len(set.order)
}

// TrimDelivered retains only the n most recent ids in every delivered set and
// returns the total number of ids dropped.
func (s *Store) TrimDelivered(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for _, sets := range s.delivered {
		for _, set := range sets {
			dropped += set.trim(n)
		}
	}
	return dropped
}

// RecordDelivery bumps per-guild stats counters for a delivered clip.
func (s *Store) RecordDelivery(guildID, streamerName, creatorName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[guildID]
	if st == nil {
		st = &Stats{ByStreamer: map[string]int64{}, ByCreator: map[string]int64{}}
		s.stats[guildID] = st
	}
	st.ClipsTotal++
	if st.ByStreamer == nil {
		st.ByStreamer = map[string]int64{}
	}
	if st.ByCreator == nil {
		st.ByCreator = map[string]int64{}
	}
	st.ByStreamer[streamerName]++
	st.ByCreator[creatorName]++
}

// Stats returns a copy of a guild's counters.
func (s *Store) Stats(guildID string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[guildID]
	if st == nil {
		return Stats{}
	}
	out := Stats{ClipsTotal: st.ClipsTotal, ByStreamer: map[string]int64{}, ByCreator: map[string]int64{}}
	for k, v := range st.ByStreamer {
		out.ByStreamer[k] = v
	}
	for k, v := range st.ByCreator {
		out.ByCreator[k] = v
	}
	return out
}

// Snapshot assembles a read-only view of one guild for status inspection.
func (s *Store) Snapshot(guildID string) GuildSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := GuildSnapshot{
		GuildID:   guildID,
		Filter:    s.filters[guildID],
		Cursors:   map[string]time.Time{},
		Delivered: map[string]int{},
	}
	for _, cfg := range s.channels[guildID] {
		snap.Channels = append(snap.Channels, cfg)
	}
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].Login < snap.Channels[j].Login })
	for b, t := range s.cursors[guildID] {
		snap.Cursors[b] = t
	}
	for b, set := range s.delivered[guildID] {
		snap.Delivered[b] = len(set.order)
	}
	if st := s.stats[guildID]; st != nil {
		snap.Stats = Stats{ClipsTotal: st.ClipsTotal, ByStreamer: map[string]int64{}, ByCreator: map[string]int64{}}
		for k, v := range st.ByStreamer {
			snap.Stats.ByStreamer[k] = v
		}
		for k, v := range st.ByCreator {
			snap.Stats.ByCreator[k] = v
		}
	}
	return snap
}
