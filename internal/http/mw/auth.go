// Package mw contains HTTP middleware for the API.
package mw

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/repository"
)

// ContextKey is a type for context keys.
type ContextKey string

// APIKeyContextKey is the context key carrying the authenticated key.
const APIKeyContextKey ContextKey = "api_key"

// GetAPIKey returns the authenticated API key from the request context,
// or nil when auth is disabled.
func GetAPIKey(ctx context.Context) *repository.APIKey {
	key, _ := ctx.Value(APIKeyContextKey).(*repository.APIKey)
	return key
}

// Auth validates the bearer token against the api_key table. When enabled
// is false every request passes through unauthenticated.
func Auth(keys repository.APIKeyRepository, enabled bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			key, err := keys.GetByKey(r.Context(), token)
			if err != nil {
				logger.Error("api key lookup failed", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if key == nil || !key.IsActive {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if err := keys.UpdateLastUsed(r.Context(), key.UUID, time.Now().UTC()); err != nil {
				logger.Warn("failed to update key last_used", "error", err)
			}

			ctx := context.WithValue(r.Context(), APIKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CreditGate rejects requests whose key has no credits left. Responses
// carry the current balance so clients can surface it.
func CreditGate(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			key := GetAPIKey(r.Context())
			if key != nil && key.Credits <= 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusPaymentRequired)
				fmt.Fprintf(w, `{"error":"insufficient credits","current_credits":%d}`, key.Credits)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
