package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/onnwee/clip-relay/db"
	"github.com/onnwee/clip-relay/state"
	"github.com/onnwee/clip-relay/telemetry"
	"github.com/onnwee/clip-relay/twitchapi"
)

// jobHeartbeatKeys are the kv keys the background loops stamp each run.
var jobHeartbeatKeys = []string{"job_clip_relay_last", "job_retention_last"}

// UserResolver is the slice of the Helix client the admin API needs to turn a
// login into a broadcaster id.
type UserResolver interface {
	ResolveUser(ctx context.Context, login string) (twitchapi.User, error)
}

// Handlers carries the dependencies for all HTTP endpoints.
type Handlers struct {
	DB       *sql.DB
	Store    *state.Store
	Resolver UserResolver

	ready atomic.Bool
}

func NewHandlers(db *sql.DB, store *state.Store, resolver UserResolver) *Handlers {
	return &Handlers{DB: db, Store: store, Resolver: resolver}
}

// MarkReady flips the readiness probe once startup (migrate + state load) is done.
func (h *Handlers) MarkReady() { h.ready.Store(true) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz reports liveness; with a database configured it also pings it.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports whether startup completed.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns per-guild snapshots: all guilds, or one with ?guild_id=.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g := r.URL.Query().Get("guild_id"); g != "" {
		writeJSON(w, http.StatusOK, h.Store.Snapshot(g))
		return
	}
	var out []state.GuildSnapshot
	for _, g := range h.Store.Guilds() {
		out = append(out, h.Store.Snapshot(g))
	}
	resp := map[string]any{"guilds": out}
	if h.DB != nil {
		jobs := map[string]string{}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, key := range jobHeartbeatKeys {
			if v, err := db.GetKV(ctx, h.DB, key); err == nil && v != "" {
				jobs[key] = v
			}
		}
		resp["jobs"] = jobs
	}
	writeJSON(w, http.StatusOK, resp)
}

type addChannelRequest struct {
	GuildID           string `json:"guild_id"`
	Login             string `json:"login"`
	ClipChannelID     string `json:"clip_channel_id"`
	LiveNotifications bool   `json:"live_notifications"`
	LiveChannelID     string `json:"live_channel_id"`
}

// HandleChannels dispatches channel management by method: GET lists, POST adds,
// PATCH edits, DELETE removes.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleChannelsList(w, r)
	case http.MethodPost:
		h.handleChannelsAdd(w, r)
	case http.MethodPatch:
		h.handleChannelsPatch(w, r)
	case http.MethodDelete:
		h.handleChannelsRemove(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handlers) handleChannelsList(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		writeError(w, http.StatusBadRequest, "guild_id required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.Store.Channels(guildID)})
}

func (h *Handlers) handleChannelsAdd(w http.ResponseWriter, r *http.Request) {
	var req addChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Login = strings.ToLower(strings.TrimSpace(req.Login))
	if req.GuildID == "" || req.Login == "" || req.ClipChannelID == "" {
		writeError(w, http.StatusBadRequest, "guild_id, login and clip_channel_id required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	user, err := h.Resolver.ResolveUser(ctx, req.Login)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("resolve user", slog.String("login", req.Login), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "could not resolve twitch login: "+req.Login)
		return
	}
	cfg := state.ChannelConfig{
		BroadcasterID:     user.ID,
		Login:             user.Login,
		DisplayName:       user.DisplayName,
		ClipChannelID:     req.ClipChannelID,
		Enabled:           true,
		LiveNotifications: req.LiveNotifications,
		LiveChannelID:     req.LiveChannelID,
	}
	h.Store.UpsertChannel(req.GuildID, cfg)
	// No cursor yet: the first poll starts at the lookback boundary, so
	// history older than the lookback is never replayed.
	h.saveState(r.Context())
	writeJSON(w, http.StatusCreated, cfg)
}

type patchChannelRequest struct {
	GuildID       string     `json:"guild_id"`
	BroadcasterID string     `json:"broadcaster_id"`
	DisplayName   *string    `json:"display_name,omitempty"`
	Enabled       *bool      `json:"enabled,omitempty"`
	ResetCursorTo *time.Time `json:"reset_cursor_to,omitempty"`
}

func (h *Handlers) handleChannelsPatch(w http.ResponseWriter, r *http.Request) {
	var req patchChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.GuildID == "" || req.BroadcasterID == "" {
		writeError(w, http.StatusBadRequest, "guild_id and broadcaster_id required")
		return
	}
	if _, ok := h.Store.Channel(req.GuildID, req.BroadcasterID); !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if req.DisplayName != nil {
		h.Store.RenameChannel(req.GuildID, req.BroadcasterID, *req.DisplayName)
	}
	if req.Enabled != nil {
		h.Store.SetChannelEnabled(req.GuildID, req.BroadcasterID, *req.Enabled)
	}
	if req.ResetCursorTo != nil {
		// Moves the poll window start; a past timestamp replays old clips,
		// bounded by the lookback and the delivered-id set.
		h.Store.ResetCursor(req.GuildID, req.BroadcasterID, req.ResetCursorTo.UTC())
	}
	h.saveState(r.Context())
	cfg, _ := h.Store.Channel(req.GuildID, req.BroadcasterID)
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) handleChannelsRemove(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guild_id")
	broadcasterID := r.URL.Query().Get("broadcaster_id")
	if guildID == "" || broadcasterID == "" {
		writeError(w, http.StatusBadRequest, "guild_id and broadcaster_id required")
		return
	}
	if !h.Store.RemoveChannel(guildID, broadcasterID) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	h.saveState(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type filterRequest struct {
	GuildID string `json:"guild_id"`
	state.FilterConfig
}

// HandleFilters reads (GET) or replaces (PUT) a guild's filter config.
func (h *Handlers) HandleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		guildID := r.URL.Query().Get("guild_id")
		if guildID == "" {
			writeError(w, http.StatusBadRequest, "guild_id required")
			return
		}
		writeJSON(w, http.StatusOK, h.Store.Filter(guildID))
	case http.MethodPut:
		var req filterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.GuildID == "" {
			writeError(w, http.StatusBadRequest, "guild_id required")
			return
		}
		h.Store.SetFilter(req.GuildID, req.FilterConfig)
		h.saveState(r.Context())
		writeJSON(w, http.StatusOK, h.Store.Filter(req.GuildID))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// saveState flushes interactive mutations immediately so an admin change
// survives a crash before the next poll cycle.
func (h *Handlers) saveState(ctx context.Context) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := h.Store.Save(saveCtx); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("state save after admin mutation", slog.Any("err", err))
	}
}
