// Package server middleware for authentication and CORS.
package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
)

// authConfig holds admin authentication configuration loaded from environment.
type authConfig struct {
	adminToken string
	enabled    bool
}

func loadAuthConfig() *authConfig {
	token := os.Getenv("ADMIN_TOKEN")
	if token == "" {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_TOKEN for production")
	}
	return &authConfig{adminToken: token, enabled: token != ""}
}

// adminAuth protects admin endpoints with X-Admin-Token header auth.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.adminToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// withCORS applies permissive CORS headers for development tooling.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Token, X-Correlation-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
