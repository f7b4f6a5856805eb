package handlers

import (
	"context"
	"time"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/repository"
	"github.com/jackronrau/anycrawl/internal/service"
)

// CrawlHandler serves crawl creation, status, results, and cancel.
type CrawlHandler struct {
	jobs    *service.JobService
	charger *creditCharger
	logger  *slog.Logger
}

// NewCrawlHandler creates the handler.
func NewCrawlHandler(jobs *service.JobService, keys repository.APIKeyRepository, creditsEnabled bool, logger *slog.Logger) *CrawlHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrawlHandler{
		jobs:    jobs,
		charger: newCreditCharger(keys, creditsEnabled, logger),
		logger:  logger,
	}
}

// CreateCrawlInput is the crawl request payload.
type CreateCrawlInput struct {
	Body struct {
		URL         string              `json:"url" required:"true" doc:"Seed URL"`
		Engine      models.EngineName   `json:"engine,omitempty" enum:"static,browser,stealth"`
		Proxy       string              `json:"proxy,omitempty"`
		Formats     []models.Format     `json:"formats,omitempty"`
		Timeout     int                 `json:"timeout,omitempty"`
		WaitFor     int                 `json:"wait_for,omitempty"`
		IncludeTags []string            `json:"include_tags,omitempty"`
		ExcludeTags []string            `json:"exclude_tags,omitempty"`
		JSONOptions *models.JSONOptions `json:"json_options,omitempty"`

		MaxDepth              int                  `json:"max_depth,omitempty"`
		MaxDiscoveryDepth     int                  `json:"max_discovery_depth,omitempty"`
		Limit                 int                  `json:"limit,omitempty"`
		Strategy              models.ScopeStrategy `json:"strategy,omitempty" enum:"all,same-domain,same-hostname,same-origin"`
		IncludePaths          []string             `json:"include_paths,omitempty"`
		ExcludePaths          []string             `json:"exclude_paths,omitempty"`
		IgnoreSitemap         bool                 `json:"ignore_sitemap,omitempty"`
		IgnoreQueryParameters bool                 `json:"ignore_query_parameters,omitempty"`
		Delay                 int                  `json:"delay,omitempty" doc:"Delay between page fetches, milliseconds"`
		AllowExternalLinks    bool                 `json:"allow_external_links,omitempty"`
		AllowSubdomains       bool                 `json:"allow_subdomains,omitempty"`
	}
}

// CreateCrawlOutput acknowledges an accepted crawl.
type CreateCrawlOutput struct {
	Status int
	Body   struct {
		JobID   string `json:"job_id"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
}

// CreateCrawl submits an asynchronous crawl job.
func (h *CrawlHandler) CreateCrawl(ctx context.Context, input *CreateCrawlInput) (*CreateCrawlOutput, error) {
	opts := models.ScrapeOptions{
		Formats:     input.Body.Formats,
		Proxy:       input.Body.Proxy,
		Timeout:     input.Body.Timeout,
		WaitFor:     input.Body.WaitFor,
		IncludeTags: input.Body.IncludeTags,
		ExcludeTags: input.Body.ExcludeTags,
		JSONOptions: input.Body.JSONOptions,
	}
	crawlOpts := &models.CrawlOptions{
		MaxDepth:              input.Body.MaxDepth,
		MaxDiscoveryDepth:     input.Body.MaxDiscoveryDepth,
		Limit:                 input.Body.Limit,
		Strategy:              input.Body.Strategy,
		IncludePaths:          input.Body.IncludePaths,
		ExcludePaths:          input.Body.ExcludePaths,
		IgnoreSitemap:         input.Body.IgnoreSitemap,
		IgnoreQueryParameters: input.Body.IgnoreQueryParameters,
		DelayMs:               input.Body.Delay,
		AllowExternalLinks:    input.Body.AllowExternalLinks,
		AllowSubdomains:       input.Body.AllowSubdomains,
	}

	job, err := h.jobs.Submit(ctx, &service.SubmitInput{
		Kind:     models.JobKindCrawl,
		Engine:   input.Body.Engine,
		URL:      input.Body.URL,
		Options:  opts,
		Crawl:    crawlOpts,
		APIKeyID: apiKeyID(ctx),
		Origin:   "api",
	})
	if err != nil {
		return nil, mapServiceError(err)
	}

	h.charger.Charge(ctx, 1)

	out := &CreateCrawlOutput{Status: 201}
	out.Body.JobID = job.UUID
	out.Body.Status = "created"
	out.Body.Message = "crawl job created"
	return out, nil
}

// CrawlStatusInput identifies a crawl job.
type CrawlStatusInput struct {
	JobID string `path:"jobId" doc:"Crawl job id"`
}

// CrawlStatusOutput is the status response.
type CrawlStatusOutput struct {
	Body struct {
		JobID       string           `json:"job_id"`
		Status      models.JobStatus `json:"status"`
		StartTime   time.Time        `json:"start_time"`
		ExpiresAt   time.Time        `json:"expires_at"`
		CreditsUsed int              `json:"credits_used"`
		Total       int              `json:"total"`
		Completed   int              `json:"completed"`
		Failed      int              `json:"failed"`
	}
}

// GetStatus reports live counters for a crawl.
func (h *CrawlHandler) GetStatus(ctx context.Context, input *CrawlStatusInput) (*CrawlStatusOutput, error) {
	view, err := h.jobs.Status(ctx, input.JobID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	out := &CrawlStatusOutput{}
	out.Body.JobID = view.JobID
	out.Body.Status = view.Status
	out.Body.StartTime = view.StartTime
	out.Body.ExpiresAt = view.ExpiresAt
	out.Body.CreditsUsed = view.CreditsUsed
	out.Body.Total = view.Total
	out.Body.Completed = view.Completed
	out.Body.Failed = view.Failed
	return out, nil
}

// CrawlResultsInput identifies a crawl page of results.
type CrawlResultsInput struct {
	JobID string `path:"jobId"`
	Skip  int    `query:"skip" doc:"Number of results to skip"`
}

// CrawlResultsOutput is one page of results.
type CrawlResultsOutput struct {
	Body struct {
		Success     bool             `json:"success"`
		Status      models.JobStatus `json:"status"`
		Total       int              `json:"total"`
		Completed   int              `json:"completed"`
		CreditsUsed int              `json:"creditsUsed"`
		Next        *int             `json:"next,omitempty"`
		Data        []any            `json:"data"`
	}
}

// GetResults returns a page of crawl results ordered by arrival.
func (h *CrawlHandler) GetResults(ctx context.Context, input *CrawlResultsInput) (*CrawlResultsOutput, error) {
	page, err := h.jobs.Results(ctx, input.JobID, input.Skip)
	if err != nil {
		return nil, mapServiceError(err)
	}
	out := &CrawlResultsOutput{}
	out.Body.Success = true
	out.Body.Status = page.Status
	out.Body.Total = page.Total
	out.Body.Completed = page.Completed
	out.Body.CreditsUsed = page.CreditsUsed
	out.Body.Next = page.Next
	out.Body.Data = page.Data
	return out, nil
}

// CancelCrawlOutput acknowledges a cancellation.
type CancelCrawlOutput struct {
	Body struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
}

// Cancel stops a running crawl. Terminal jobs yield 409.
func (h *CrawlHandler) Cancel(ctx context.Context, input *CrawlStatusInput) (*CancelCrawlOutput, error) {
	if err := h.jobs.Cancel(ctx, input.JobID); err != nil {
		return nil, mapServiceError(err)
	}
	out := &CancelCrawlOutput{}
	out.Body.JobID = input.JobID
	out.Body.Status = "cancelled"
	return out, nil
}
