// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        prometheus.Counter
	ClipsDelivered    prometheus.Counter
	DeliveryFailures  prometheus.Counter
	TwitchAPIErrors   prometheus.Counter
	LiveNotifications prometheus.Counter
	ClipsFiltered     prometheus.Counter

	// Histograms (seconds)
	PollCycleDuration prometheus.Observer
	SendDuration      prometheus.Observer

	// Gauges
	MonitoredChannelsGauge prometheus.Gauge
	LiveNowGauge           prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_poll_cycles_total", Help: "Number of clip poll cycles completed"})
		ClipsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_deliveries_total", Help: "Number of clips delivered to Discord"})
		DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_delivery_failures_total", Help: "Number of failed Discord deliveries"})
		TwitchAPIErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "twitch_api_errors_total", Help: "Number of Twitch Helix request failures"})
		LiveNotifications = promauto.NewCounter(prometheus.CounterOpts{Name: "live_notifications_total", Help: "Number of go-live notifications sent"})
		ClipsFiltered = promauto.NewCounter(prometheus.CounterOpts{Name: "clips_filtered_total", Help: "Number of clips rejected by guild filters"})
		PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_poll_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_send_duration_seconds", Help: "Discord send duration seconds", Buckets: prometheus.DefBuckets})
		MonitoredChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitored_channels", Help: "Current number of monitored channel configs"})
		LiveNowGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "channels_live_now", Help: "Broadcasters currently seen live"})
	})
}

// SetMonitoredChannels records the current channel config count.
func SetMonitoredChannels(n int) {
	if MonitoredChannelsGauge != nil {
		MonitoredChannelsGauge.Set(float64(n))
	}
}

// SetLiveNow records how many broadcasters are currently live.
func SetLiveNow(n int) {
	if LiveNowGauge != nil {
		LiveNowGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
