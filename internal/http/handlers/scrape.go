package handlers

import (
	"context"
	"time"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/engine"
	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/queue"
	"github.com/jackronrau/anycrawl/internal/repository"
	"github.com/jackronrau/anycrawl/internal/service"
)

// scrapeWaitMargin pads the synchronous wait beyond the per-attempt
// navigation timeouts to cover queueing and extraction.
const scrapeWaitMargin = 30 * time.Second

// ScrapeHandler serves the synchronous scrape endpoint.
type ScrapeHandler struct {
	jobs    *service.JobService
	charger *creditCharger
	logger  *slog.Logger
}

// NewScrapeHandler creates the handler.
func NewScrapeHandler(jobs *service.JobService, keys repository.APIKeyRepository, creditsEnabled bool, logger *slog.Logger) *ScrapeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScrapeHandler{
		jobs:    jobs,
		charger: newCreditCharger(keys, creditsEnabled, logger),
		logger:  logger,
	}
}

// ScrapeInput is the scrape request payload.
type ScrapeInput struct {
	Body struct {
		URL         string              `json:"url" required:"true" doc:"Target URL to scrape"`
		Engine      models.EngineName   `json:"engine,omitempty" enum:"static,browser,stealth" doc:"Rendering engine"`
		Proxy       string              `json:"proxy,omitempty" doc:"Proxy URL override for this request"`
		Formats     []models.Format     `json:"formats,omitempty" doc:"Requested output formats"`
		Timeout     int                 `json:"timeout,omitempty" doc:"Navigation timeout in milliseconds"`
		Retry       bool                `json:"retry,omitempty"`
		WaitFor     int                 `json:"wait_for,omitempty" doc:"Extra wait after load, milliseconds"`
		IncludeTags []string            `json:"include_tags,omitempty"`
		ExcludeTags []string            `json:"exclude_tags,omitempty"`
		JSONOptions *models.JSONOptions `json:"json_options,omitempty"`
	}
}

// ScrapeOutput is the scrape response payload.
type ScrapeOutput struct {
	Body struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data,omitempty"`
		Error   string         `json:"error,omitempty"`
	}
}

// Scrape runs one page synchronously and returns the extracted record.
func (h *ScrapeHandler) Scrape(ctx context.Context, input *ScrapeInput) (*ScrapeOutput, error) {
	for _, f := range input.Body.Formats {
		if !models.ValidFormat(f) {
			return nil, mapServiceError(&models.CodedError{
				Code:    models.ErrCodeValidation,
				Message: "unknown format " + string(f),
			})
		}
	}

	opts := models.ScrapeOptions{
		Formats:     input.Body.Formats,
		Proxy:       input.Body.Proxy,
		Timeout:     input.Body.Timeout,
		Retry:       input.Body.Retry,
		WaitFor:     input.Body.WaitFor,
		IncludeTags: input.Body.IncludeTags,
		ExcludeTags: input.Body.ExcludeTags,
		JSONOptions: input.Body.JSONOptions,
	}

	wait := engine.ClampTimeout(input.Body.Timeout)*time.Duration(queue.MaxAttempts) + scrapeWaitMargin
	job, outcome, err := h.jobs.ScrapeSync(ctx, &service.SubmitInput{
		Kind:     models.JobKindScrape,
		Engine:   input.Body.Engine,
		URL:      input.Body.URL,
		Options:  opts,
		APIKeyID: apiKeyID(ctx),
		Origin:   "api",
	}, wait)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &ScrapeOutput{}
	out.Body.Success = outcome.Success
	out.Body.Data = outcome.Record
	out.Body.Error = outcome.Error

	if outcome.Success {
		h.charger.Charge(ctx, 1)
	}
	h.logger.Debug("scrape served", "job_id", job.UUID, "success", outcome.Success)
	return out, nil
}
