package state

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/onnwee/clip-relay/testutil"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	return testutil.SetupTestDB(t)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	src := New(database)
	src.UpsertChannel("g1", ChannelConfig{
		BroadcasterID: "b1", Login: "alpha", DisplayName: "Alpha",
		ClipChannelID: "chan1", Enabled: true, LiveNotifications: true, LiveChannelID: "live1",
	})
	src.UpsertChannel("g1", ChannelConfig{BroadcasterID: "b2", Login: "beta", ClipChannelID: "chan2", Enabled: true})
	src.SetFilter("g1", FilterConfig{MinViews: 10, KeywordsExclude: []string{"spoiler"}, CreatorsDeny: []string{"botface"}})
	cursor := time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)
	src.AdvanceCursor("g1", "b1", cursor)
	for _, id := range []string{"c1", "c2", "c3"} {
		src.MarkDelivered("g1", "b1", id)
	}
	src.RecordDelivery("g1", "Alpha", "clipper")

	if err := src.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	dst := New(database)
	if err := dst.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg, ok := dst.Channel("g1", "b1")
	if !ok {
		t.Fatal("channel b1 missing after load")
	}
	if cfg.Login != "alpha" || !cfg.LiveNotifications || cfg.LiveChannelID != "live1" {
		t.Errorf("channel round trip: %+v", cfg)
	}
	if got := len(dst.Channels("g1")); got != 2 {
		t.Fatalf("Channels = %d, want 2", got)
	}

	f := dst.Filter("g1")
	if f.MinViews != 10 || len(f.KeywordsExclude) != 1 || f.KeywordsExclude[0] != "spoiler" {
		t.Errorf("filter round trip: %+v", f)
	}

	got, ok := dst.Cursor("g1", "b1")
	if !ok || !got.Equal(cursor) {
		t.Errorf("cursor round trip: %v %v, want %v", got, ok, cursor)
	}

	for _, id := range []string{"c1", "c2", "c3"} {
		if !dst.WasDelivered("g1", "b1", id) {
			t.Errorf("delivered id %q missing after load", id)
		}
	}
	// Insertion order survives: trimming to 1 keeps the newest id.
	dst.TrimDelivered(1)
	if !dst.WasDelivered("g1", "b1", "c3") || dst.WasDelivered("g1", "b1", "c1") {
		t.Error("delivered order not preserved through save/load")
	}

	st := dst.Stats("g1")
	if st.ClipsTotal != 1 || st.ByStreamer["Alpha"] != 1 || st.ByCreator["clipper"] != 1 {
		t.Errorf("stats round trip: %+v", st)
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	s := New(database)
	s.UpsertChannel("g2", ChannelConfig{BroadcasterID: "b1", Login: "gamma", ClipChannelID: "chan", Enabled: true})
	if err := s.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.RemoveGuild("g2")
	if err := s.Save(ctx); err != nil {
		t.Fatalf("save after removal: %v", err)
	}

	fresh := New(database)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := fresh.Channel("g2", "b1"); ok {
		t.Error("removed guild should not reappear after save/load")
	}
}

func TestMemoryStorePersistenceNoOp(t *testing.T) {
	s := NewMemory()
	s.MarkDelivered("g", "b", "c")
	if err := s.Save(context.Background()); err != nil {
		t.Fatalf("Save on memory store: %v", err)
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load on memory store: %v", err)
	}
	if !s.WasDelivered("g", "b", "c") {
		t.Error("Load on memory store must not clear state")
	}
}
