package clips

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/clip-relay/delivery"
	"github.com/onnwee/clip-relay/state"
	"github.com/onnwee/clip-relay/twitchapi"
)

type listCall struct {
	broadcasterID string
	start, end    time.Time
}

type fakeLister struct {
	clips map[string][]twitchapi.Clip
	errs  map[string]error
	calls []listCall
}

func (f *fakeLister) ListClips(_ context.Context, broadcasterID string, start, end time.Time) ([]twitchapi.Clip, error) {
	f.calls = append(f.calls, listCall{broadcasterID, start, end})
	if err := f.errs[broadcasterID]; err != nil {
		return nil, err
	}
	var out []twitchapi.Clip
	for _, c := range f.clips[broadcasterID] {
		if !c.CreatedAt.Before(start) && !c.CreatedAt.After(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

type sentMsg struct {
	channelID string
	msg       delivery.Message
}

type fakeSink struct {
	sent    []sentMsg
	failFor map[string]error // clip URL in content -> error
}

func (f *fakeSink) Send(_ context.Context, channelID string, msg delivery.Message) error {
	if err := f.failFor[msg.Content]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMsg{channelID, msg})
	return nil
}

func testClip(id string, at time.Time, views int) twitchapi.Clip {
	return twitchapi.Clip{
		ID:          id,
		URL:         "https://clips.twitch.tv/" + id,
		CreatorName: "clipper",
		Title:       "clip " + id,
		ViewCount:   views,
		Duration:    20,
		CreatedAt:   at,
	}
}

func newTestRelay(store *state.Store, lister *fakeLister, sink *fakeSink, now time.Time) *Relay {
	return &Relay{
		Store:    store,
		Twitch:   lister,
		Sink:     sink,
		Lookback: time.Hour,
		now:      func() time.Time { return now },
	}
}

func addChannel(store *state.Store, guild, broadcaster string) {
	store.UpsertChannel(guild, state.ChannelConfig{
		BroadcasterID: broadcaster,
		Login:         "streamer_" + broadcaster,
		ClipChannelID: "discord-" + guild,
		Enabled:       true,
	})
}

func TestRelayOnceDeliversInOrder(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	addChannel(store, "g1", "b1")
	lister := &fakeLister{clips: map[string][]twitchapi.Clip{"b1": {
		testClip("c1", now.Add(-30*time.Minute), 5),
		testClip("c2", now.Add(-20*time.Minute), 10),
		testClip("c3", now.Add(-10*time.Minute), 15),
	}}}
	sink := &fakeSink{}
	r := newTestRelay(store, lister, sink, now)

	r.RelayOnce(context.Background())

	if len(sink.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sink.sent))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if got := sink.sent[i].msg.Content; got != "https://clips.twitch.tv/"+want {
			t.Errorf("message %d = %q, want clip %s", i, got, want)
		}
		if sink.sent[i].channelID != "discord-g1" {
			t.Errorf("message %d went to %q", i, sink.sent[i].channelID)
		}
	}
	cur, ok := store.Cursor("g1", "b1")
	if !ok || !cur.Equal(now.Add(-10*time.Minute)) {
		t.Errorf("cursor = %v %v, want last clip time", cur, ok)
	}
	if st := store.Stats("g1"); st.ClipsTotal != 3 {
		t.Errorf("ClipsTotal = %d, want 3", st.ClipsTotal)
	}
}

func TestRelayOnceExactlyOnceAcrossCycles(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	addChannel(store, "g1", "b1")
	lister := &fakeLister{clips: map[string][]twitchapi.Clip{"b1": {
		testClip("c1", now.Add(-30*time.Minute), 5),
		testClip("c2", now.Add(-20*time.Minute), 5),
	}}}
	sink := &fakeSink{}
	r := newTestRelay(store, lister, sink, now)

	// Two cycles over overlapping windows must not resend anything.
	r.RelayOnce(context.Background())
	r.RelayOnce(context.Background())

	if len(sink.sent) != 2 {
		t.Fatalf("sent %d messages across two cycles, want 2", len(sink.sent))
	}
}

func TestRelayOnceFailedSendRetriesNextCycle(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	addChannel(store, "g1", "b1")
	lister := &fakeLister{clips: map[string][]twitchapi.Clip{"b1": {
		testClip("c1", now.Add(-30*time.Minute), 5),
		testClip("c2", now.Add(-20*time.Minute), 5),
		testClip("c3", now.Add(-10*time.Minute), 5),
	}}}
	sink := &fakeSink{failFor: map[string]error{
		"https://clips.twitch.tv/c2": fmt.Errorf("discord hiccup"),
	}}
	r := newTestRelay(store, lister, sink, now)

	r.RelayOnce(context.Background())
	if len(sink.sent) != 1 || sink.sent[0].msg.Content != "https://clips.twitch.tv/c1" {
		t.Fatalf("first cycle sent %v, want only c1", sink.sent)
	}
	cur, _ := store.Cursor("g1", "b1")
	if !cur.Equal(now.Add(-30 * time.Minute)) {
		t.Errorf("cursor = %v, want c1 time (failed send must not advance it)", cur)
	}
	if store.WasDelivered("g1", "b1", "c2") {
		t.Error("failed clip must not be marked delivered")
	}

	// Discord recovers; the retry picks up at c2 and never resends c1.
	sink.failFor = nil
	r.RelayOnce(context.Background())
	if len(sink.sent) != 3 {
		t.Fatalf("total sent %d, want 3", len(sink.sent))
	}
	if sink.sent[1].msg.Content != "https://clips.twitch.tv/c2" || sink.sent[2].msg.Content != "https://clips.twitch.tv/c3" {
		t.Errorf("retry order wrong: %v, %v", sink.sent[1].msg.Content, sink.sent[2].msg.Content)
	}
}

func TestRelayOnceGuildIsolation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	addChannel(store, "g1", "b1")
	addChannel(store, "g2", "b2")
	lister := &fakeLister{
		clips: map[string][]twitchapi.Clip{"b2": {testClip("c9", now.Add(-5*time.Minute), 5)}},
		errs:  map[string]error{"b1": errors.New("helix 500")},
	}
	sink := &fakeSink{}
	r := newTestRelay(store, lister, sink, now)

	r.RelayOnce(context.Background())

	if len(sink.sent) != 1 || sink.sent[0].channelID != "discord-g2" {
		t.Fatalf("healthy guild not served: %v", sink.sent)
	}
	if _, ok := store.Cursor("g1", "b1"); ok {
		t.Error("failing guild's cursor must not move")
	}
}

func TestRelayOnceWindowBounds(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	addChannel(store, "g1", "b1")
	lister := &fakeLister{}
	r := newTestRelay(store, lister, &fakeSink{}, now)

	// No cursor: window starts at the lookback boundary.
	r.RelayOnce(context.Background())
	if len(lister.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(lister.calls))
	}
	if got := lister.calls[0]; !got.start.Equal(now.Add(-time.Hour)) || !got.end.Equal(now) {
		t.Errorf("window = [%v, %v], want [now-1h, now]", got.start, got.end)
	}

	// A cursor inside the lookback narrows the window.
	cursor := now.Add(-10 * time.Minute)
	store.AdvanceCursor("g1", "b1", cursor)
	r.RelayOnce(context.Background())
	if got := lister.calls[1]; !got.start.Equal(cursor) {
		t.Errorf("window start = %v, want cursor %v", got.start, cursor)
	}

	// A stale cursor older than the lookback is capped at the boundary.
	store.ResetCursor("g1", "b1", now.Add(-48*time.Hour))
	r.RelayOnce(context.Background())
	if got := lister.calls[2]; !got.start.Equal(now.Add(-time.Hour)) {
		t.Errorf("window start = %v, want lookback boundary", got.start)
	}
}

func TestRelayOnceAppliesFilter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	addChannel(store, "g1", "b1")
	store.SetFilter("g1", state.FilterConfig{MinViews: 10})
	lister := &fakeLister{clips: map[string][]twitchapi.Clip{"b1": {
		testClip("low", now.Add(-20*time.Minute), 3),
		testClip("high", now.Add(-10*time.Minute), 50),
	}}}
	sink := &fakeSink{}
	r := newTestRelay(store, lister, sink, now)

	r.RelayOnce(context.Background())

	if len(sink.sent) != 1 || sink.sent[0].msg.Content != "https://clips.twitch.tv/high" {
		t.Fatalf("filter not applied: %v", sink.sent)
	}
	if store.WasDelivered("g1", "b1", "low") {
		t.Error("rejected clip must not be marked delivered")
	}
}

func TestRelayOnceDisablesGoneChannel(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	addChannel(store, "g1", "b1")
	lister := &fakeLister{clips: map[string][]twitchapi.Clip{"b1": {
		testClip("c1", now.Add(-10*time.Minute), 5),
	}}}
	sink := &fakeSink{failFor: map[string]error{
		"https://clips.twitch.tv/c1": fmt.Errorf("gone: %w", delivery.ErrChannelNotFound),
	}}
	r := newTestRelay(store, lister, sink, now)

	r.RelayOnce(context.Background())

	cfg, ok := store.Channel("g1", "b1")
	if !ok {
		t.Fatal("channel config removed, want disabled")
	}
	if cfg.Enabled {
		t.Error("channel should be disabled after ErrChannelNotFound")
	}

	// Disabled channels are skipped entirely on the next cycle.
	calls := len(lister.calls)
	r.RelayOnce(context.Background())
	if len(lister.calls) != calls {
		t.Error("disabled channel still polled")
	}
}

func TestRelayOnceSkipsDisabledChannels(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemory()
	store.UpsertChannel("g1", state.ChannelConfig{
		BroadcasterID: "b1", Login: "off", ClipChannelID: "chan", Enabled: false,
	})
	lister := &fakeLister{}
	r := newTestRelay(store, lister, &fakeSink{}, now)

	r.RelayOnce(context.Background())
	if len(lister.calls) != 0 {
		t.Fatalf("disabled channel polled %d times", len(lister.calls))
	}
}

func TestBuildClipMessage(t *testing.T) {
	clip := testClip("abc", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), 42)
	clip.ThumbnailURL = "https://t.example/abc-preview-480x272.jpg"
	ch := state.ChannelConfig{Login: "streamer", DisplayName: "Streamer"}

	msg := buildClipMessage(ch, clip)
	if msg.Embed == nil {
		t.Fatal("message has no embed")
	}
	if msg.Embed.Title != clip.Title || msg.Embed.URL != clip.URL {
		t.Errorf("embed = %+v", msg.Embed)
	}
	if msg.Content != clip.URL {
		t.Errorf("content = %q, want clip url", msg.Content)
	}
	if len(msg.Embed.Fields) != 3 {
		t.Errorf("embed fields = %d, want 3", len(msg.Embed.Fields))
	}
}
