// Package handlers contains the HTTP handlers for the API.
package handlers

import (
	"context"

	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/jackronrau/anycrawl/internal/http/mw"
	"github.com/jackronrau/anycrawl/internal/repository"
	"github.com/jackronrau/anycrawl/internal/version"
)

// HealthOutput is the health check response.
type HealthOutput struct {
	Body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
}

// Health reports service liveness.
func Health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = version.Get().Version
	return out, nil
}

// ReadyzHandler checks the dependencies the API cannot serve without.
type ReadyzHandler struct {
	db  *sqlx.DB
	rdb redis.UniversalClient
}

// NewReadyzHandler creates a readiness handler.
func NewReadyzHandler(db *sqlx.DB, rdb redis.UniversalClient) *ReadyzHandler {
	return &ReadyzHandler{db: db, rdb: rdb}
}

// ReadyzOutput is the readiness response.
type ReadyzOutput struct {
	Body struct {
		Status string `json:"status"`
		DB     string `json:"db"`
		Redis  string `json:"redis"`
	}
}

// Readyz reports whether the database and Redis are reachable.
func (h *ReadyzHandler) Readyz(ctx context.Context, input *struct{}) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Status = "ok"
	out.Body.DB = "ok"
	out.Body.Redis = "ok"

	if err := h.db.PingContext(ctx); err != nil {
		out.Body.Status = "degraded"
		out.Body.DB = err.Error()
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		out.Body.Status = "degraded"
		out.Body.Redis = err.Error()
	}
	return out, nil
}

// apiKeyID returns the authenticated key's id, or "" with auth disabled.
func apiKeyID(ctx context.Context) string {
	if key := mw.GetAPIKey(ctx); key != nil {
		return key.UUID
	}
	return ""
}

// creditCharger deducts credits from the authenticated key, best effort.
type creditCharger struct {
	keys    repository.APIKeyRepository
	enabled bool
	logger  *slog.Logger
}

func newCreditCharger(keys repository.APIKeyRepository, enabled bool, logger *slog.Logger) *creditCharger {
	if logger == nil {
		logger = slog.Default()
	}
	return &creditCharger{keys: keys, enabled: enabled, logger: logger}
}

// Charge deducts amount from the request's key. Failures are logged, not
// surfaced; the work already happened.
func (c *creditCharger) Charge(ctx context.Context, amount int) {
	if !c.enabled || amount <= 0 {
		return
	}
	id := apiKeyID(ctx)
	if id == "" {
		return
	}
	if _, err := c.keys.DeductCredits(ctx, id, amount); err != nil {
		c.logger.Warn("failed to deduct credits", "api_key_id", id, "error", err)
	}
}
