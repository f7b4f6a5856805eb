package handlers

import (
	"context"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/repository"
	"github.com/jackronrau/anycrawl/internal/service"
)

// SearchHandler serves the synchronous search endpoint.
type SearchHandler struct {
	search  *service.SearchService
	charger *creditCharger
	logger  *slog.Logger
}

// NewSearchHandler creates the handler.
func NewSearchHandler(search *service.SearchService, keys repository.APIKeyRepository, creditsEnabled bool, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{
		search:  search,
		charger: newCreditCharger(keys, creditsEnabled, logger),
		logger:  logger,
	}
}

// SearchInput is the search request payload.
type SearchInput struct {
	Body struct {
		Query         string                `json:"query" required:"true"`
		Engine        models.EngineName     `json:"engine,omitempty" enum:"static,browser,stealth" doc:"Engine used to fetch result pages"`
		Limit         int                   `json:"limit,omitempty" doc:"Maximum number of results"`
		Offset        int                   `json:"offset,omitempty"`
		Pages         int                   `json:"pages,omitempty" doc:"Result pages to fetch when no limit is set"`
		Lang          string                `json:"lang,omitempty"`
		Country       string                `json:"country,omitempty"`
		SafeSearch    *int                  `json:"safeSearch,omitempty"`
		ScrapeOptions *models.ScrapeOptions `json:"scrape_options,omitempty"`
	}
}

// SearchOutput is the search response payload.
type SearchOutput struct {
	Body struct {
		Success bool                   `json:"success"`
		Data    []service.SearchResult `json:"data"`
	}
}

// Search fans the query out over result pages and returns the merged list.
func (h *SearchHandler) Search(ctx context.Context, input *SearchInput) (*SearchOutput, error) {
	opts := &models.SearchOptions{
		Query:         input.Body.Query,
		Engine:        input.Body.Engine,
		Limit:         input.Body.Limit,
		Offset:        input.Body.Offset,
		Pages:         input.Body.Pages,
		Lang:          input.Body.Lang,
		Country:       input.Body.Country,
		SafeSearch:    input.Body.SafeSearch,
		ScrapeOptions: input.Body.ScrapeOptions,
	}

	results, err := h.search.Search(ctx, opts, apiKeyID(ctx), "api")
	if err != nil {
		return nil, mapServiceError(err)
	}

	h.charger.Charge(ctx, service.EffectivePages(opts))

	out := &SearchOutput{}
	out.Body.Success = true
	if results == nil {
		results = []service.SearchResult{}
	}
	out.Body.Data = results
	return out, nil
}
