// Package live polls stream status and posts edge-triggered go-live
// notifications: exactly one message when a broadcaster flips offline to
// online, silence on the way back down.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/clip-relay/delivery"
	"github.com/onnwee/clip-relay/state"
	"github.com/onnwee/clip-relay/telemetry"
	"github.com/onnwee/clip-relay/twitchapi"
)

// StreamChecker is the slice of the Helix client the watcher needs.
type StreamChecker interface {
	GetStream(ctx context.Context, broadcasterID string) (*twitchapi.Stream, error)
}

// Watcher tracks per-broadcaster live state in memory. State is deliberately
// not persisted: after a restart a currently-live broadcaster may be
// announced once more, which beats missing a stream start entirely.
type Watcher struct {
	Store      *state.Store
	Twitch     StreamChecker
	Sink       delivery.Sink
	APITimeout time.Duration

	mu   sync.Mutex
	live map[string]bool // guildID+"/"+broadcasterID -> last seen live
}

func NewWatcher(store *state.Store, tw StreamChecker, sink delivery.Sink) *Watcher {
	return &Watcher{Store: store, Twitch: tw, Sink: sink, live: map[string]bool{}}
}

func (w *Watcher) apiTimeout() time.Duration {
	if w.APITimeout > 0 {
		return w.APITimeout
	}
	return 15 * time.Second
}

// StartLiveWatchJob runs the watcher loop until ctx is cancelled. The first
// check runs immediately.
func StartLiveWatchJob(ctx context.Context, w *Watcher, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	slog.Info("live watch job starting", slog.Duration("interval", interval))
	w.CheckOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("live watch job stopped")
			return
		case <-ticker.C:
			w.CheckOnce(ctx)
		}
	}
}

// CheckOnce polls every channel with live notifications enabled and fires
// notifications for offline-to-online transitions.
func (w *Watcher) CheckOnce(ctx context.Context) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	telemetry.Init()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "live_watch"))

	// One Helix lookup per broadcaster per cycle, shared across guilds.
	type result struct {
		stream *twitchapi.Stream
		err    error
	}
	checked := map[string]result{}
	liveNow := 0

	for _, guildID := range w.Store.Guilds() {
		if ctx.Err() != nil {
			return
		}
		for _, ch := range w.Store.Channels(guildID) {
			if !ch.Enabled || !ch.LiveNotifications {
				continue
			}
			res, ok := checked[ch.BroadcasterID]
			if !ok {
				checkCtx, cancel := context.WithTimeout(ctx, w.apiTimeout())
				stream, err := w.Twitch.GetStream(checkCtx, ch.BroadcasterID)
				cancel()
				res = result{stream, err}
				checked[ch.BroadcasterID] = res
				if err == nil && stream != nil {
					liveNow++
				}
			}
			if res.err != nil {
				telemetry.TwitchAPIErrors.Inc()
				logger.Warn("stream check failed", slog.String("login", ch.Login), slog.Any("err", res.err))
				continue
			}
			w.transition(ctx, logger, guildID, ch, res.stream)
		}
	}
	telemetry.SetLiveNow(liveNow)
}

func (w *Watcher) transition(ctx context.Context, logger *slog.Logger, guildID string, ch state.ChannelConfig, stream *twitchapi.Stream) {
	key := guildID + "/" + ch.BroadcasterID
	isLive := stream != nil

	w.mu.Lock()
	wasLive := w.live[key]
	w.mu.Unlock()

	switch {
	case isLive && !wasLive:
		channelID := ch.LiveChannelID
		if channelID == "" {
			channelID = ch.ClipChannelID
		}
		sendCtx, cancel := context.WithTimeout(ctx, w.apiTimeout())
		err := w.Sink.Send(sendCtx, channelID, buildLiveMessage(ch, stream))
		cancel()
		if err != nil {
			telemetry.DeliveryFailures.Inc()
			logger.Warn("live notification failed", slog.String("login", ch.Login), slog.Any("err", err))
			// State stays offline so the next cycle retries the notification.
			return
		}
		telemetry.LiveNotifications.Inc()
		logger.Info("live notification sent", slog.String("login", ch.Login), slog.String("title", stream.Title))
		w.mu.Lock()
		w.live[key] = true
		w.mu.Unlock()
	case !isLive && wasLive:
		// Offline transitions flip state silently.
		w.mu.Lock()
		w.live[key] = false
		w.mu.Unlock()
		logger.Debug("broadcaster went offline", slog.String("login", ch.Login))
	}
}

const liveEmbedColorRed = 0xE91916

func buildLiveMessage(ch state.ChannelConfig, stream *twitchapi.Stream) delivery.Message {
	// Stream thumbnails come back as a size template.
	thumb := strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(stream.ThumbnailURL)
	embed := &delivery.Embed{
		Title:        fmt.Sprintf("%s is live!", ch.Name()),
		URL:          "https://twitch.tv/" + ch.Login,
		Description:  stream.Title,
		ThumbnailURL: thumb,
		Color:        liveEmbedColorRed,
		Timestamp:    stream.StartedAt,
	}
	if stream.GameName != "" {
		embed.Fields = append(embed.Fields, delivery.EmbedField{Name: "Playing", Value: stream.GameName, Inline: true})
	}
	return delivery.Message{Content: fmt.Sprintf("**%s** just went live: https://twitch.tv/%s", ch.Name(), ch.Login), Embed: embed}
}
