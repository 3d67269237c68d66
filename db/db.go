// Package db provides database connection helpers and schema migration for
// the relay's persisted per-guild state.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN. The DSN comes from
// config.Load, which owns the env lookup and the local-dev default.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS guild_channels (
			guild_id TEXT NOT NULL,
			broadcaster_id TEXT NOT NULL,
			login TEXT NOT NULL,
			display_name TEXT,
			clip_channel_id TEXT NOT NULL,
			enabled BOOLEAN DEFAULT TRUE,
			live_notifications BOOLEAN DEFAULT FALSE,
			live_channel_id TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			PRIMARY KEY (guild_id, broadcaster_id)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_filters (
			guild_id TEXT PRIMARY KEY,
			min_views INTEGER DEFAULT 0,
			max_views INTEGER DEFAULT 0,
			min_duration DOUBLE PRECISION DEFAULT 0,
			max_duration DOUBLE PRECISION DEFAULT 0,
			keywords_include TEXT,
			keywords_exclude TEXT,
			creators_allow TEXT,
			creators_deny TEXT,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS delivered_clips (
			guild_id TEXT NOT NULL,
			broadcaster_id TEXT NOT NULL,
			clip_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			PRIMARY KEY (guild_id, broadcaster_id, clip_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			guild_id TEXT NOT NULL,
			broadcaster_id TEXT NOT NULL,
			last_clip_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ,
			PRIMARY KEY (guild_id, broadcaster_id)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_stats (
			guild_id TEXT PRIMARY KEY,
			clips_total BIGINT DEFAULT 0,
			by_streamer TEXT,
			by_creator TEXT,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivered_clips_seq ON delivered_clips(guild_id, broadcaster_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_guild_channels_guild ON guild_channels(guild_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV upserts a small operational value (job heartbeats and the like).
func SetKV(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV reads a value from kv; returns "" when the key is absent.
func GetKV(ctx context.Context, db *sql.DB, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
