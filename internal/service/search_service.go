package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/queue"
)

// resultsPerPage is how many organic results one SERP page carries.
const resultsPerPage = 10

// searchWaitTimeout bounds how long a search request waits for its pages.
const searchWaitTimeout = 90 * time.Second

// SearchResult is one organic result parsed from a SERP.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Page        int    `json:"page"`
}

// searchAggregate collects per-page results for one search job.
type searchAggregate struct {
	mu      sync.Mutex
	pages   map[int][]SearchResult
	pending int
	failed  int
	done    chan struct{}
}

// SearchService fans a query out over SERP pages and aggregates the
// parsed results.
type SearchService struct {
	jobs   *JobService
	logger *slog.Logger

	mu         sync.Mutex
	aggregates map[string]*searchAggregate // keyed by request unique_key
}

// NewSearchService creates the search orchestrator.
func NewSearchService(jobs *JobService, logger *slog.Logger) *SearchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchService{
		jobs:       jobs,
		logger:     logger,
		aggregates: make(map[string]*searchAggregate),
	}
}

// EffectivePages derives how many SERP pages to fetch. An explicit limit
// wins over the pages option; the default is one page.
func EffectivePages(opts *models.SearchOptions) int {
	if opts.Limit > 0 {
		return (opts.Limit + resultsPerPage - 1) / resultsPerPage
	}
	if opts.Pages > 0 {
		return opts.Pages
	}
	return 1
}

// BuildSERPURL builds the page-specific search URL. Only google is
// supported; page is 1-based and offset shifts the first result.
func BuildSERPURL(opts *models.SearchOptions, page int) string {
	q := url.Values{}
	q.Set("q", opts.Query)
	start := (page-1)*resultsPerPage + opts.Offset
	if start > 0 {
		q.Set("start", strconv.Itoa(start))
	}
	if opts.Lang != "" {
		q.Set("hl", opts.Lang)
	}
	if opts.Country != "" {
		q.Set("gl", opts.Country)
	}
	if opts.SafeSearch != nil {
		if *opts.SafeSearch > 0 {
			q.Set("safe", "active")
		} else {
			q.Set("safe", "off")
		}
	}
	return "https://www.google.com/search?" + q.Encode()
}

// Search enqueues one request per SERP page and blocks until every page
// reported, the context ended, or the wait timeout elapsed. Failed pages
// contribute empty results.
func (s *SearchService) Search(ctx context.Context, opts *models.SearchOptions, apiKeyID, origin string) ([]SearchResult, error) {
	if opts.Query == "" {
		return nil, &models.CodedError{
			Code:    models.ErrCodeValidation,
			Message: "query is required",
		}
	}
	engine := opts.Engine
	if engine == "" {
		engine = models.EngineStatic
	}
	if !models.ValidEngine(engine) {
		return nil, &models.CodedError{
			Code:    models.ErrCodeValidation,
			Message: fmt.Sprintf("unknown engine %q", engine),
		}
	}

	pages := EffectivePages(opts)
	jobID := uuid.NewString()
	queueName := queue.Name(models.JobKindSearch, engine)
	now := time.Now().UTC()

	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search payload: %w", err)
	}
	job := &models.Job{
		UUID:        jobID,
		Kind:        models.JobKindSearch,
		QueueName:   queueName,
		Engine:      engine,
		URL:         BuildSERPURL(opts, 1),
		PayloadJSON: string(payload),
		APIKeyID:    apiKeyID,
		Origin:      origin,
		Status:      models.JobStatusPending,
		Total:       pages,
		ExpiresAt:   models.ExpiryFor(models.JobKindSearch, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	agg := &searchAggregate{
		pages:   make(map[int][]SearchResult, pages),
		pending: pages,
		done:    make(chan struct{}),
	}
	keys := make([]string, 0, pages)
	for p := 1; p <= pages; p++ {
		uniqueKey := uuid.NewString()
		s.mu.Lock()
		s.aggregates[uniqueKey] = agg
		s.mu.Unlock()
		keys = append(keys, uniqueKey)

		scrapeOpts := models.ScrapeOptions{}
		if opts.ScrapeOptions != nil {
			scrapeOpts = *opts.ScrapeOptions
		}
		req := &models.EngineRequest{
			URL:       BuildSERPURL(opts, p),
			UniqueKey: uniqueKey,
			Attempt:   1,
			UserData: models.RequestUserData{
				JobID:      jobID,
				QueueName:  queueName,
				Kind:       models.JobKindSearch,
				Options:    scrapeOpts,
				SearchPage: p,
			},
		}
		if err := s.jobs.Enqueue(ctx, queueName, req); err != nil {
			s.dropKeys(keys)
			return nil, err
		}
	}

	s.logger.Info("search submitted",
		"job_id", jobID, "query", opts.Query, "pages", pages, "engine", engine)

	timer := time.NewTimer(searchWaitTimeout)
	defer timer.Stop()
	select {
	case <-agg.done:
	case <-ctx.Done():
		s.dropKeys(keys)
		return nil, ctx.Err()
	case <-timer.C:
		s.dropKeys(keys)
		s.finalize(jobID, agg, pages)
		return nil, &models.CodedError{
			Code:    models.ErrCodeNavigationTimeout,
			Message: "search timed out waiting for result pages",
		}
	}

	s.finalize(jobID, agg, pages)

	results := s.collect(agg, pages)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Report delivers one page's parse outcome. The worker calls this after
// handling a search request; unknown keys (timed-out searches) are dropped.
func (s *SearchService) Report(uniqueKey string, page int, results []SearchResult, success bool) {
	s.mu.Lock()
	agg, ok := s.aggregates[uniqueKey]
	if ok {
		delete(s.aggregates, uniqueKey)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	agg.mu.Lock()
	if !success {
		agg.failed++
		results = nil
	}
	agg.pages[page] = results
	agg.pending--
	finished := agg.pending == 0
	agg.mu.Unlock()
	if finished {
		close(agg.done)
	}
}

// collect flattens per-page results in page order.
func (s *SearchService) collect(agg *searchAggregate, pages int) []SearchResult {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	var out []SearchResult
	for p := 1; p <= pages; p++ {
		out = append(out, agg.pages[p]...)
	}
	return out
}

// finalize writes the job's terminal row from the aggregate counters.
func (s *SearchService) finalize(jobID string, agg *searchAggregate, pages int) {
	agg.mu.Lock()
	reported := pages - agg.pending
	failed := agg.failed
	agg.mu.Unlock()
	succeeded := reported - failed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.jobs.jobs.IncrementCounters(ctx, jobID, 0, succeeded, failed+(pages-reported), succeeded); err != nil {
		s.logger.Warn("failed to update search counters", "job_id", jobID, "error", err)
	}
	status := models.JobStatusCompleted
	errMsg := ""
	if succeeded == 0 {
		status = models.JobStatusFailed
		errMsg = "no search pages succeeded"
	}
	if _, err := s.jobs.jobs.MarkTerminal(ctx, jobID, status, succeeded > 0, errMsg); err != nil {
		s.logger.Warn("failed to finalize search job", "job_id", jobID, "error", err)
	}
}

func (s *SearchService) dropKeys(keys []string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.aggregates, k)
	}
	s.mu.Unlock()
}
