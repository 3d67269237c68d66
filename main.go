// Command clip-relay is the main entrypoint for the clip relay service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and loads relay state.
//   - Opens a Discord session and starts background jobs: clip polling,
//     live-status watching, and delivered-id retention.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /channels, /filters, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM, with a final state flush.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/onnwee/clip-relay/clips"
	"github.com/onnwee/clip-relay/config"
	"github.com/onnwee/clip-relay/db"
	"github.com/onnwee/clip-relay/delivery"
	"github.com/onnwee/clip-relay/live"
	"github.com/onnwee/clip-relay/server"
	"github.com/onnwee/clip-relay/state"
	"github.com/onnwee/clip-relay/telemetry"
	"github.com/onnwee/clip-relay/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateRelayReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("clip-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Twitch app token source shared by the Helix client.
	tokenSource := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	{
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if tok, err := tokenSource.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			masked := "***" + tok[len(tok)-6:]
			slog.Info("twitch app token acquired", slog.String("tail", masked))
		}
		cancel()
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: tokenSource,
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     &http.Client{Timeout: cfg.APITimeout},
		PageCap:        cfg.PageCap,
	}

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Relay state: load the last committed snapshot; start empty if the read fails.
	store := state.New(database)
	{
		loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.Load(loadCtx); err != nil {
			slog.Warn("state load failed; starting with empty state", slog.Any("err", err))
		}
		cancel()
	}

	// Discord session. The relay only posts messages, so no gateway intents
	// beyond the defaults are needed.
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		slog.Error("discord session create failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := session.Open(); err != nil {
		slog.Error("discord session open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("discord session close failed", slog.Any("err", err))
		}
	}()
	sink := delivery.NewDiscordSink(session)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := &clips.Relay{
		Store:       store,
		Twitch:      helix,
		Sink:        sink,
		Downloader:  delivery.NewDownloader(cfg.MaxClipBytes),
		DB:          database,
		Lookback:    cfg.Lookback,
		APITimeout:  cfg.APITimeout,
		AttachVideo: cfg.AttachVideo,
	}
	go clips.StartClipRelayJob(ctx, relay, cfg.CheckInterval)
	go live.StartLiveWatchJob(ctx, live.NewWatcher(store, helix, sink), cfg.LiveCheckInterval)
	go clips.StartRetentionJob(ctx, store, database, cfg.DeliveredRetain, cfg.RetentionInterval)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/admin/metrics)
	go func() {
		if err := server.Start(ctx, database, store, helix, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then flush state one last time.
	<-ctx.Done()
	slog.Info("shutting down")
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Save(saveCtx); err != nil {
		slog.Error("final state save failed", slog.Any("err", err))
	}
}
