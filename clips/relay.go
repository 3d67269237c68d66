package clips

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/clip-relay/db"
	"github.com/onnwee/clip-relay/delivery"
	"github.com/onnwee/clip-relay/state"
	"github.com/onnwee/clip-relay/telemetry"
	"github.com/onnwee/clip-relay/twitchapi"
)

// ClipLister is the slice of the Helix client the relay needs.
type ClipLister interface {
	ListClips(ctx context.Context, broadcasterID string, start, end time.Time) ([]twitchapi.Clip, error)
}

// Relay polls Twitch for new clips per monitored channel and forwards them to
// Discord. Guilds are fully isolated: a Twitch or Discord failure for one
// guild never stalls the others.
type Relay struct {
	Store      *state.Store
	Twitch     ClipLister
	Sink       delivery.Sink
	Downloader *delivery.Downloader
	// DB receives a job heartbeat in kv each cycle when set.
	DB *sql.DB

	Lookback    time.Duration
	APITimeout  time.Duration
	AttachVideo bool

	// now is a test seam; nil means time.Now.
	now func() time.Time
}

func (r *Relay) clock() time.Time {
	if r.now != nil {
		return r.now().UTC()
	}
	return time.Now().UTC()
}

func (r *Relay) lookback() time.Duration {
	if r.Lookback > 0 {
		return r.Lookback
	}
	return time.Hour
}

func (r *Relay) apiTimeout() time.Duration {
	if r.APITimeout > 0 {
		return r.APITimeout
	}
	return 15 * time.Second
}

// StartClipRelayJob runs the poll loop at the given interval until ctx is
// cancelled. An immediate cycle runs at startup so a restart does not wait a
// full interval.
func StartClipRelayJob(ctx context.Context, r *Relay, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("clip relay job starting", slog.Duration("interval", interval), slog.Duration("lookback", r.lookback()))
	r.RelayOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("clip relay job stopped")
			return
		case <-ticker.C:
			r.RelayOnce(ctx)
		}
	}
}

// RelayOnce runs a single poll cycle across all guilds and flushes state once
// at the end.
func (r *Relay) RelayOnce(ctx context.Context) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	telemetry.Init()
	telemetry.PollCycles.Inc()
	if r.DB != nil {
		if err := db.SetKV(ctx, r.DB, "job_clip_relay_last", time.Now().UTC().Format(time.RFC3339)); err != nil {
			telemetry.LoggerWithCorr(ctx).Debug("heartbeat write failed", slog.Any("err", err))
		}
	}
	telemetry.TimeFunc(telemetry.PollCycleDuration, func() {
		total := 0
		for _, guildID := range r.Store.Guilds() {
			if ctx.Err() != nil {
				return
			}
			total += r.relayGuild(ctx, guildID)
		}
		telemetry.SetMonitoredChannels(total)
	})
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.Store.Save(saveCtx); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("state save after cycle", slog.Any("err", err))
	}
}

// relayGuild polls every enabled channel of one guild; returns the channel
// config count for the monitored-channels gauge.
func (r *Relay) relayGuild(ctx context.Context, guildID string) int {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("guild_id", guildID), slog.String("component", "clip_relay"))
	filter := r.Store.Filter(guildID)
	channels := r.Store.Channels(guildID)
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		if err := r.relayChannel(ctx, logger, guildID, ch, filter); err != nil {
			logger.Warn("channel poll failed", slog.String("login", ch.Login), slog.Any("err", err))
		}
	}
	return len(channels)
}

func (r *Relay) relayChannel(ctx context.Context, logger *slog.Logger, guildID string, ch state.ChannelConfig, filter state.FilterConfig) error {
	now := r.clock()
	start := now.Add(-r.lookback())
	if cur, ok := r.Store.Cursor(guildID, ch.BroadcasterID); ok && cur.After(start) {
		start = cur
	}
	if !start.Before(now) {
		return nil
	}

	listCtx, cancel := context.WithTimeout(ctx, r.apiTimeout())
	clips, err := r.Twitch.ListClips(listCtx, ch.BroadcasterID, start, now)
	cancel()
	if err != nil {
		telemetry.TwitchAPIErrors.Inc()
		return fmt.Errorf("list clips for %s: %w", ch.Login, err)
	}

	var lastDelivered time.Time
	for _, clip := range clips {
		// Helix bounds the window server side; drop anything outside it anyway.
		if clip.CreatedAt.Before(start) || clip.CreatedAt.After(now) {
			continue
		}
		if r.Store.WasDelivered(guildID, ch.BroadcasterID, clip.ID) {
			continue
		}
		if !Accept(clip, filter) {
			telemetry.ClipsFiltered.Inc()
			continue
		}
		if err := r.deliver(ctx, guildID, ch, clip); err != nil {
			telemetry.DeliveryFailures.Inc()
			if errors.Is(err, delivery.ErrChannelNotFound) || errors.Is(err, delivery.ErrForbidden) {
				logger.Warn("destination channel unusable; disabling",
					slog.String("login", ch.Login), slog.String("channel_id", ch.ClipChannelID), slog.Any("err", err))
				r.Store.SetChannelEnabled(guildID, ch.BroadcasterID, false)
			}
			// Stop here so the next cycle retries this clip first and
			// chronological order is preserved.
			if !lastDelivered.IsZero() {
				r.Store.AdvanceCursor(guildID, ch.BroadcasterID, lastDelivered)
			}
			return fmt.Errorf("deliver clip %s: %w", clip.ID, err)
		}
		r.Store.MarkDelivered(guildID, ch.BroadcasterID, clip.ID)
		r.Store.RecordDelivery(guildID, ch.Name(), clip.CreatorName)
		telemetry.ClipsDelivered.Inc()
		lastDelivered = clip.CreatedAt
		logger.Info("clip delivered",
			slog.String("login", ch.Login),
			slog.String("clip_id", clip.ID),
			slog.Int("views", clip.ViewCount))
	}
	if !lastDelivered.IsZero() {
		r.Store.AdvanceCursor(guildID, ch.BroadcasterID, lastDelivered)
	}
	return nil
}

func (r *Relay) deliver(ctx context.Context, guildID string, ch state.ChannelConfig, clip twitchapi.Clip) error {
	msg := buildClipMessage(ch, clip)
	if r.AttachVideo && r.Downloader != nil {
		dlCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		data, err := r.Downloader.FetchClipVideo(dlCtx, clip.ThumbnailURL)
		cancel()
		switch {
		case err == nil:
			msg.Attachment = &delivery.Attachment{Name: clip.ID + ".mp4", Data: data}
		case errors.Is(err, delivery.ErrTooLarge):
			telemetry.LoggerWithCorr(ctx).Info("clip video too large; sending link only", slog.String("clip_id", clip.ID))
		default:
			telemetry.LoggerWithCorr(ctx).Warn("clip video fetch failed; sending link only",
				slog.String("clip_id", clip.ID), slog.Any("err", err))
		}
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.apiTimeout())
	defer cancel()
	var err error
	telemetry.TimeFunc(telemetry.SendDuration, func() {
		err = r.Sink.Send(sendCtx, ch.ClipChannelID, msg)
	})
	return err
}

const embedColorPurple = 0x9146FF

func buildClipMessage(ch state.ChannelConfig, clip twitchapi.Clip) delivery.Message {
	embed := &delivery.Embed{
		Title:        clip.Title,
		URL:          clip.URL,
		Description:  fmt.Sprintf("New clip from **%s**", ch.Name()),
		ThumbnailURL: clip.ThumbnailURL,
		Color:        embedColorPurple,
		Timestamp:    clip.CreatedAt,
		Fields: []delivery.EmbedField{
			{Name: "Clipped by", Value: clip.CreatorName, Inline: true},
			{Name: "Views", Value: fmt.Sprintf("%d", clip.ViewCount), Inline: true},
			{Name: "Duration", Value: fmt.Sprintf("%.1fs", clip.Duration), Inline: true},
		},
	}
	return delivery.Message{Content: clip.URL, Embed: embed}
}
