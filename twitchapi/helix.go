// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for broadcaster resolution, clip listing, and live stream status, using an
// app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// clipsPageSize is the Helix maximum for /helix/clips.
const clipsPageSize = 100

// defaultPageCap bounds how many pages a single ListClips call walks so one
// backlogged broadcaster cannot stall a whole poll cycle.
const defaultPageCap = 5

// HelixClient provides the methods needed for clip discovery and live status.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// PageCap overrides defaultPageCap when > 0.
	PageCap int
}

// User is a resolved Twitch account.
type User struct {
	ID          string
	Login       string
	DisplayName string
}

// Clip is one clip as returned by /helix/clips.
type Clip struct {
	ID              string
	URL             string
	EmbedURL        string
	BroadcasterID   string
	BroadcasterName string
	CreatorName     string
	Title           string
	ViewCount       int
	Duration        float64
	CreatedAt       time.Time
	ThumbnailURL    string
}

// Stream describes an active broadcast.
type Stream struct {
	ID           string
	Title        string
	GameName     string
	ThumbnailURL string
	StartedAt    time.Time
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// doGet performs an authenticated Helix GET, retrying once on 401 after
// invalidating the cached app token.
func (hc *HelixClient) doGet(ctx context.Context, rawURL string, query map[string]string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			hc.AppTokenSource.Invalidate()
			continue
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("helix request failed: %s: %s", resp.Status, string(b))
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return fmt.Errorf("helix request failed: unauthorized after token refresh")
}

// ResolveUser resolves a login name to its broadcaster id and display name.
func (hc *HelixClient) ResolveUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID          string `json:"id"`
			Login       string `json:"login"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/users", map[string]string{"login": login}, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	d := body.Data[0]
	return User{ID: d.ID, Login: d.Login, DisplayName: d.DisplayName}, nil
}

// ListClips lists clips created in [start, end] for a broadcaster, walking
// pagination up to the page cap and returning the merged result sorted by
// creation time ascending. Time bounds are sent with second precision in UTC.
func (hc *HelixClient) ListClips(ctx context.Context, broadcasterID string, start, end time.Time) ([]Clip, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	pageCap := hc.PageCap
	if pageCap <= 0 {
		pageCap = defaultPageCap
	}
	var out []Clip
	after := ""
	for page := 0; page < pageCap; page++ {
		query := map[string]string{
			"broadcaster_id": broadcasterID,
			"first":          fmt.Sprintf("%d", clipsPageSize),
			"started_at":     start.UTC().Format("2006-01-02T15:04:05Z"),
			"ended_at":       end.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if after != "" {
			query["after"] = after
		}
		var body struct {
			Data []struct {
				ID              string  `json:"id"`
				URL             string  `json:"url"`
				EmbedURL        string  `json:"embed_url"`
				BroadcasterID   string  `json:"broadcaster_id"`
				BroadcasterName string  `json:"broadcaster_name"`
				CreatorName     string  `json:"creator_name"`
				Title           string  `json:"title"`
				ViewCount       int     `json:"view_count"`
				Duration        float64 `json:"duration"`
				CreatedAt       string  `json:"created_at"`
				ThumbnailURL    string  `json:"thumbnail_url"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.doGet(ctx, "https://api.twitch.tv/helix/clips", query, &body); err != nil {
			return nil, err
		}
		for _, c := range body.Data {
			created, err := time.Parse(time.RFC3339, c.CreatedAt)
			if err != nil {
				slog.Warn("skipping clip with unparseable created_at", slog.String("clip_id", c.ID), slog.String("created_at", c.CreatedAt))
				continue
			}
			out = append(out, Clip{
				ID:              c.ID,
				URL:             c.URL,
				EmbedURL:        c.EmbedURL,
				BroadcasterID:   c.BroadcasterID,
				BroadcasterName: c.BroadcasterName,
				CreatorName:     c.CreatorName,
				Title:           c.Title,
				ViewCount:       c.ViewCount,
				Duration:        c.Duration,
				CreatedAt:       created.UTC(),
				ThumbnailURL:    c.ThumbnailURL,
			})
		}
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			break
		}
		after = body.Pagination.Cursor
		if page == pageCap-1 {
			slog.Warn("clip listing hit page cap; possible backlog",
				slog.String("broadcaster_id", broadcasterID),
				slog.Int("page_cap", pageCap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetStream returns the active broadcast for a broadcaster, or nil when offline.
func (hc *HelixClient) GetStream(ctx context.Context, broadcasterID string) (*Stream, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []struct {
			ID           string `json:"id"`
			Title        string `json:"title"`
			GameName     string `json:"game_name"`
			ThumbnailURL string `json:"thumbnail_url"`
			StartedAt    string `json:"started_at"`
		} `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/streams", map[string]string{"user_id": broadcasterID}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	d := body.Data[0]
	started, _ := time.Parse(time.RFC3339, d.StartedAt)
	return &Stream{ID: d.ID, Title: d.Title, GameName: d.GameName, ThumbnailURL: d.ThumbnailURL, StartedAt: started.UTC()}, nil
}

// IsLive reports whether the broadcaster currently has an active broadcast.
func (hc *HelixClient) IsLive(ctx context.Context, broadcasterID string) (bool, error) {
	s, err := hc.GetStream(ctx, broadcasterID)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}
