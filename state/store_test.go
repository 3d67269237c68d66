package state

import (
	"testing"
	"time"
)

func TestMarkDeliveredIdempotent(t *testing.T) {
	s := NewMemory()
	if !s.MarkDelivered("g1", "b1", "clip-a") {
		t.Fatal("first MarkDelivered should report newly added")
	}
	if s.MarkDelivered("g1", "b1", "clip-a") {
		t.Fatal("second MarkDelivered should report already present")
	}
	if !s.WasDelivered("g1", "b1", "clip-a") {
		t.Fatal("WasDelivered should see the id")
	}
	if s.WasDelivered("g1", "b2", "clip-a") {
		t.Fatal("delivered sets must be scoped per broadcaster")
	}
	if s.WasDelivered("g2", "b1", "clip-a") {
		t.Fatal("delivered sets must be scoped per guild")
	}
	if got := s.DeliveredCount("g1", "b1"); got != 1 {
		t.Fatalf("DeliveredCount = %d, want 1", got)
	}
}

func TestAdvanceCursorMonotone(t *testing.T) {
	s := NewMemory()
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	s.AdvanceCursor("g1", "b1", t2)
	s.AdvanceCursor("g1", "b1", t1) // must be ignored
	got, ok := s.Cursor("g1", "b1")
	if !ok || !got.Equal(t2) {
		t.Fatalf("Cursor = %v %v, want %v", got, ok, t2)
	}

	// Equal timestamp does not move it either.
	s.AdvanceCursor("g1", "b1", t2)
	got, _ = s.Cursor("g1", "b1")
	if !got.Equal(t2) {
		t.Fatalf("Cursor after equal advance = %v, want %v", got, t2)
	}

	// ResetCursor is the only sanctioned regression.
	s.ResetCursor("g1", "b1", t1)
	got, _ = s.Cursor("g1", "b1")
	if !got.Equal(t1) {
		t.Fatalf("Cursor after reset = %v, want %v", got, t1)
	}
}

func TestTrimDeliveredKeepsMostRecent(t *testing.T) {
	s := NewMemory()
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		s.MarkDelivered("g1", "b1", id)
	}
	if dropped := s.TrimDelivered(3); dropped != 2 {
		t.Fatalf("TrimDelivered dropped %d, want 2", dropped)
	}
	for _, id := range []string{"a", "b"} {
		if s.WasDelivered("g1", "b1", id) {
			t.Errorf("old id %q should have been trimmed", id)
		}
	}
	for _, id := range []string{"c", "d", "e"} {
		if !s.WasDelivered("g1", "b1", id) {
			t.Errorf("recent id %q should survive trim", id)
		}
	}
	// A second trim at the same size is a no-op.
	if dropped := s.TrimDelivered(3); dropped != 0 {
		t.Fatalf("second TrimDelivered dropped %d, want 0", dropped)
	}
}

func TestRemoveChannelAndGuild(t *testing.T) {
	s := NewMemory()
	s.UpsertChannel("g1", ChannelConfig{BroadcasterID: "b1", Login: "alpha", ClipChannelID: "c1", Enabled: true})
	s.UpsertChannel("g1", ChannelConfig{BroadcasterID: "b2", Login: "beta", ClipChannelID: "c1", Enabled: true})
	s.MarkDelivered("g1", "b1", "clip-a")
	s.AdvanceCursor("g1", "b1", time.Now())

	if !s.RemoveChannel("g1", "b1") {
		t.Fatal("RemoveChannel should succeed for a known channel")
	}
	if s.RemoveChannel("g1", "b1") {
		t.Fatal("RemoveChannel should fail for a removed channel")
	}
	if s.WasDelivered("g1", "b1", "clip-a") {
		t.Fatal("delivered ids should go with the channel")
	}
	if _, ok := s.Cursor("g1", "b1"); ok {
		t.Fatal("cursor should go with the channel")
	}
	if got := len(s.Channels("g1")); got != 1 {
		t.Fatalf("Channels = %d entries, want 1", got)
	}

	s.RemoveGuild("g1")
	if got := len(s.Guilds()); got != 0 {
		t.Fatalf("Guilds after RemoveGuild = %d, want 0", got)
	}
}

func TestUpsertChannelReplaces(t *testing.T) {
	s := NewMemory()
	s.UpsertChannel("g1", ChannelConfig{BroadcasterID: "b1", Login: "alpha", ClipChannelID: "c1"})
	s.UpsertChannel("g1", ChannelConfig{BroadcasterID: "b1", Login: "alpha", ClipChannelID: "c2", Enabled: true})
	cfg, ok := s.Channel("g1", "b1")
	if !ok {
		t.Fatal("channel missing after upsert")
	}
	if cfg.ClipChannelID != "c2" || !cfg.Enabled {
		t.Fatalf("upsert did not replace: %+v", cfg)
	}
	if got := len(s.Channels("g1")); got != 1 {
		t.Fatalf("Channels = %d entries, want 1", got)
	}
}

func TestFilterNormalizeOnSet(t *testing.T) {
	s := NewMemory()
	s.SetFilter("g1", FilterConfig{MinViews: 100, MaxViews: 10, MinDuration: -5})
	f := s.Filter("g1")
	if f.MaxViews != 100 {
		t.Errorf("MaxViews = %d, want clamped to 100", f.MaxViews)
	}
	if f.MinDuration != 0 {
		t.Errorf("MinDuration = %v, want clamped to 0", f.MinDuration)
	}
	if s.Filter("g2").IsZero() != true {
		t.Error("unset guild filter should be zero")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewMemory()
	s.UpsertChannel("g1", ChannelConfig{BroadcasterID: "b1", Login: "alpha", ClipChannelID: "c1"})
	s.RecordDelivery("g1", "Alpha", "someone")
	snap := s.Snapshot("g1")
	snap.Stats.ByStreamer["Alpha"] = 999
	snap.Cursors["b1"] = time.Now()

	if s.Stats("g1").ByStreamer["Alpha"] != 1 {
		t.Error("mutating a snapshot must not affect the store")
	}
	if _, ok := s.Cursor("g1", "b1"); ok {
		t.Error("mutating snapshot cursors must not affect the store")
	}
}

func TestRecordDeliveryCounters(t *testing.T) {
	s := NewMemory()
	s.RecordDelivery("g1", "Alpha", "clipper1")
	s.RecordDelivery("g1", "Alpha", "clipper2")
	s.RecordDelivery("g1", "Beta", "clipper1")
	st := s.Stats("g1")
	if st.ClipsTotal != 3 {
		t.Errorf("ClipsTotal = %d, want 3", st.ClipsTotal)
	}
	if st.ByStreamer["Alpha"] != 2 || st.ByStreamer["Beta"] != 1 {
		t.Errorf("ByStreamer = %v", st.ByStreamer)
	}
	if st.ByCreator["clipper1"] != 2 {
		t.Errorf("ByCreator = %v", st.ByCreator)
	}
}
