package clips

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/onnwee/clip-relay/db"
	"github.com/onnwee/clip-relay/state"
)

// DefaultDeliveredRetain is how many delivered clip ids each channel keeps.
// Old ids beyond the poll lookback can never match a listed clip again, so
// retaining the most recent ids is enough to stay exactly-once.
const DefaultDeliveredRetain = 10000

// StartRetentionJob periodically trims delivered-id sets down to retain ids
// per channel and flushes the shrunken state.
func StartRetentionJob(ctx context.Context, store *state.Store, dbc *sql.DB, retain int, interval time.Duration) {
	if retain <= 0 {
		retain = DefaultDeliveredRetain
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	slog.Info("delivered-id retention job starting", slog.Int("retain", retain), slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("delivered-id retention job stopped")
			return
		case <-ticker.C:
			runRetentionOnce(ctx, store, dbc, retain)
		}
	}
}

func runRetentionOnce(ctx context.Context, store *state.Store, dbc *sql.DB, retain int) {
	if dbc != nil {
		if err := db.SetKV(ctx, dbc, "job_retention_last", time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Debug("heartbeat write failed", slog.Any("err", err))
		}
	}
	dropped := store.TrimDelivered(retain)
	if dropped == 0 {
		return
	}
	slog.Info("trimmed delivered clip ids", slog.Int("dropped", dropped), slog.Int("retain", retain))
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := store.Save(saveCtx); err != nil {
		slog.Warn("state save after retention trim", slog.Any("err", err))
	}
}
