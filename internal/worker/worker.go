// Package worker implements the queue handler: fetch, extract, record,
// and fan out discovered work.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jackronrau/anycrawl/internal/engine"
	"github.com/jackronrau/anycrawl/internal/extract"
	"github.com/jackronrau/anycrawl/internal/frontier"
	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/progress"
	"github.com/jackronrau/anycrawl/internal/queue"
	"github.com/jackronrau/anycrawl/internal/repository"
	"github.com/jackronrau/anycrawl/internal/service"
)

// Worker handles engine requests popped from the queues.
type Worker struct {
	registry  *engine.Registry
	extractor *extract.Extractor
	repos     *repository.Repositories
	rdb       redis.UniversalClient
	jobs      *service.JobService
	search    *service.SearchService
	progress  *progress.Engine
	frontier  *frontier.Frontier
	logger    *slog.Logger
}

// New creates a Worker.
func New(
	registry *engine.Registry,
	extractor *extract.Extractor,
	repos *repository.Repositories,
	rdb redis.UniversalClient,
	jobs *service.JobService,
	search *service.SearchService,
	prog *progress.Engine,
	front *frontier.Frontier,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		registry:  registry,
		extractor: extractor,
		repos:     repos,
		rdb:       rdb,
		jobs:      jobs,
		search:    search,
		progress:  prog,
		frontier:  front,
		logger:    logger,
	}
}

// Handle processes one request. It satisfies queue.Handler; a returned
// retryable error makes the pool reschedule the request, so terminal
// bookkeeping happens here before returning.
func (w *Worker) Handle(ctx context.Context, queueName string, req *models.EngineRequest) error {
	jobID := req.UserData.JobID

	cancelled, err := queue.IsCancelled(ctx, w.rdb, jobID)
	if err != nil {
		w.logger.Warn("failed to check cancel flag", "job_id", jobID, "error", err)
	}
	if cancelled {
		w.logger.Debug("skipping cancelled job request", "job_id", jobID, "url", req.URL)
		return nil
	}

	engineName := engineFromQueue(queueName)
	eng, err := w.registry.Get(engineName)
	if err != nil {
		w.recordTerminalFailure(ctx, req, err)
		return err
	}

	res, err := eng.Execute(ctx, req)
	if err == nil {
		var record *extract.Record
		record, err = w.extractor.Extract(ctx, res, req)
		if err == nil {
			return w.recordOutcome(ctx, req, record, res)
		}
	}

	if w.isTerminal(err, req.Attempt) {
		w.recordTerminalFailure(ctx, req, err)
	}
	return err
}

// isTerminal reports whether the pool will not retry this failure.
func (w *Worker) isTerminal(err error, attempt int) bool {
	return !models.IsRetryable(err) || attempt >= queue.MaxAttempts
}

// recordOutcome persists the extracted record and advances per-kind state.
// A non-2xx page counts as failed even though its payload is kept.
func (w *Worker) recordOutcome(ctx context.Context, req *models.EngineRequest, record *extract.Record, res *engine.Result) error {
	jobID := req.UserData.JobID
	succeeded := res.Succeeded()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	switch req.UserData.Kind {
	case models.JobKindCrawl:
		w.insertResult(ctx, jobID, record.URL, string(data), succeeded)
		w.updateCrawlState(ctx, req, record, res.HTML(), succeeded)
	case models.JobKindSearch:
		w.handleSearchPage(ctx, req, record, res.HTML(), succeeded)
	default:
		w.insertResult(ctx, jobID, record.URL, string(data), succeeded)
		w.finishScrape(ctx, req, record, succeeded)
	}
	return nil
}

// recordTerminalFailure performs the bookkeeping for a request the pool
// will not retry: a failure row, progress accounting, and waiter or
// aggregator notification.
func (w *Worker) recordTerminalFailure(ctx context.Context, req *models.EngineRequest, cause error) {
	// The surrounding request context may already be done.
	ctx = context.WithoutCancel(ctx)
	jobID := req.UserData.JobID

	failure := map[string]any{
		"url":   req.URL,
		"error": cause.Error(),
		"code":  models.CodeOf(cause),
	}
	data, _ := json.Marshal(failure)
	w.insertResult(ctx, jobID, req.URL, string(data), false)

	switch req.UserData.Kind {
	case models.JobKindCrawl:
		if err := w.progress.MarkDone(ctx, jobID, false); err != nil {
			w.logger.Error("failed to mark page done", "job_id", jobID, "error", err)
		}
		if err := w.repos.Job.IncrementCounters(ctx, jobID, 1, 0, 1, 0); err != nil {
			w.logger.Error("failed to increment job counters", "job_id", jobID, "error", err)
		}
		w.tryFinalizeCrawl(ctx, jobID)
	case models.JobKindSearch:
		w.search.Report(req.UniqueKey, req.UserData.SearchPage, nil, false)
	default:
		if err := w.repos.Job.IncrementCounters(ctx, jobID, 1, 0, 1, 0); err != nil {
			w.logger.Error("failed to increment job counters", "job_id", jobID, "error", err)
		}
		if _, err := w.repos.Job.MarkTerminal(ctx, jobID, models.JobStatusFailed, false, cause.Error()); err != nil {
			w.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
		}
		w.jobs.Notify(req.UniqueKey, &service.ScrapeOutcome{
			Success: false,
			Error:   cause.Error(),
		})
	}
}

// finishScrape marks the one-page job terminal and wakes its waiter.
func (w *Worker) finishScrape(ctx context.Context, req *models.EngineRequest, record *extract.Record, succeeded bool) {
	jobID := req.UserData.JobID

	completed, failed, credits := 1, 0, 1
	status := models.JobStatusCompleted
	if !succeeded {
		completed, failed, credits = 0, 1, 0
		status = models.JobStatusFailed
	}
	if err := w.repos.Job.IncrementCounters(ctx, jobID, 1, completed, failed, credits); err != nil {
		w.logger.Error("failed to increment job counters", "job_id", jobID, "error", err)
	}
	errMsg := ""
	if !succeeded {
		errMsg = fmt.Sprintf("request blocked: page returned status %d", record.Status)
	}
	if _, err := w.repos.Job.MarkTerminal(ctx, jobID, status, succeeded, errMsg); err != nil {
		w.logger.Error("failed to mark job terminal", "job_id", jobID, "error", err)
	}

	w.jobs.Notify(req.UniqueKey, &service.ScrapeOutcome{
		Record:  recordToMap(record),
		Success: succeeded,
		Error:   errMsg,
	})
}

// updateCrawlState marks the page done, fans out discovered links, and
// races for finalization.
func (w *Worker) updateCrawlState(ctx context.Context, req *models.EngineRequest, record *extract.Record, html string, succeeded bool) {
	jobID := req.UserData.JobID

	if succeeded {
		w.discover(ctx, req, record, html)
	}

	completed, failed, credits := 1, 0, 1
	if !succeeded {
		completed, failed, credits = 0, 1, 0
	}
	if err := w.repos.Job.IncrementCounters(ctx, jobID, 1, completed, failed, credits); err != nil {
		w.logger.Error("failed to increment job counters", "job_id", jobID, "error", err)
	}
	if err := w.progress.MarkDone(ctx, jobID, succeeded); err != nil {
		w.logger.Error("failed to mark page done", "job_id", jobID, "error", err)
	}
	w.tryFinalizeCrawl(ctx, jobID)
}

// beforeDiscovery gates link discovery for a fetched page. The depth
// ceiling and the job cancel flag both abort with the crawl-limit tag;
// everything else proceeds.
func (w *Worker) beforeDiscovery(ctx context.Context, jobID string, depth int, opts *models.CrawlOptions) models.NavigationOutcome {
	if !w.frontier.ShouldDiscover(depth, opts) {
		return models.Abort(models.ErrCodeCrawlLimitReached)
	}
	if cancelled, _ := queue.IsCancelled(ctx, w.rdb, jobID); cancelled {
		return models.Abort(models.ErrCodeCrawlLimitReached)
	}
	return models.Proceed()
}

// discover admits the page's links and enqueues the admitted ones.
func (w *Worker) discover(ctx context.Context, req *models.EngineRequest, record *extract.Record, html string) {
	opts := req.UserData.CrawlOptions
	if opts == nil {
		return
	}
	depth := req.UserData.Depth
	jobID := req.UserData.JobID

	if outcome := w.beforeDiscovery(ctx, jobID, depth, opts); !outcome.Proceed {
		w.logger.Debug("discovery aborted",
			"job_id", jobID, "depth", depth, "reason", outcome.Reason)
		return
	}

	seedURL := req.UserData.SeedURL
	if seedURL == "" {
		seedURL = req.URL
	}
	seed, err := url.Parse(seedURL)
	if err != nil {
		return
	}
	base, err := url.Parse(record.URL)
	if err != nil {
		base = seed
	}

	q := queue.New(w.rdb, req.UserData.QueueName)
	delay := time.Duration(opts.DelayMs) * time.Millisecond
	admitted := 0

	for _, link := range frontier.Links(html, base) {
		adm, normalized, err := w.frontier.Admit(ctx, jobID, seed, link, depth, opts)
		if err != nil {
			w.logger.Error("frontier admission failed", "job_id", jobID, "url", link, "error", err)
			continue
		}
		if adm.Outcome().IsCrawlLimit() {
			break
		}
		if adm != frontier.Admitted {
			continue
		}

		next := &models.EngineRequest{
			URL:       normalized,
			UniqueKey: ulid.Make().String(),
			Attempt:   1,
			UserData: models.RequestUserData{
				JobID:        jobID,
				QueueName:    req.UserData.QueueName,
				Kind:         models.JobKindCrawl,
				Options:      req.UserData.Options,
				CrawlOptions: opts,
				SeedURL:      seedURL,
				Depth:        depth + 1,
			},
		}
		admitted++
		if delay > 0 {
			err = q.PushDelayed(ctx, next, time.Now().Add(delay*time.Duration(admitted)))
		} else {
			err = q.Push(ctx, next)
		}
		if err != nil {
			w.logger.Error("failed to enqueue discovered url", "job_id", jobID, "url", normalized, "error", err)
		}
	}
	if admitted > 0 {
		w.logger.Debug("discovered links", "job_id", jobID, "url", record.URL, "admitted", admitted)
	}
}

// tryFinalizeCrawl races for the finalizer role; the winner writes the
// terminal job row.
func (w *Worker) tryFinalizeCrawl(ctx context.Context, jobID string) {
	won, err := w.progress.TryFinalize(ctx, jobID)
	if err != nil {
		w.logger.Error("failed to try finalize", "job_id", jobID, "error", err)
		return
	}
	if !won {
		return
	}

	snap, err := w.progress.Get(ctx, jobID)
	if err != nil {
		w.logger.Error("failed to read final progress", "job_id", jobID, "error", err)
		return
	}
	status := models.JobStatusCompleted
	isSuccess := snap.Succeeded > 0
	errMsg := ""
	if !isSuccess {
		status = models.JobStatusFailed
		errMsg = "no pages succeeded"
	}
	if _, err := w.repos.Job.MarkTerminal(ctx, jobID, status, isSuccess, errMsg); err != nil {
		w.logger.Error("failed to finalize job", "job_id", jobID, "error", err)
		return
	}
	w.logger.Info("crawl finalized",
		"job_id", jobID,
		"status", status,
		"done", snap.Done,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
	)
}

// handleSearchPage parses the SERP and reports the page to the
// aggregator. Results are also persisted per page.
func (w *Worker) handleSearchPage(ctx context.Context, req *models.EngineRequest, record *extract.Record, html string, succeeded bool) {
	jobID := req.UserData.JobID
	page := req.UserData.SearchPage

	var results []service.SearchResult
	if succeeded {
		results = ParseGoogleSERP(html, page)
	}

	data, err := json.Marshal(map[string]any{
		"page":    page,
		"url":     record.URL,
		"status":  record.Status,
		"results": results,
	})
	if err == nil {
		w.insertResult(ctx, jobID, record.URL, string(data), succeeded)
	}

	w.search.Report(req.UniqueKey, page, results, succeeded)
}

func (w *Worker) insertResult(ctx context.Context, jobID, pageURL, dataJSON string, succeeded bool) {
	status := models.ResultStatusSuccess
	if !succeeded {
		status = models.ResultStatusFailed
	}
	now := time.Now().UTC()
	result := &models.JobResult{
		UUID:      ulid.Make().String(),
		JobUUID:   jobID,
		URL:       pageURL,
		DataJSON:  dataJSON,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.repos.JobResult.Insert(ctx, result); err != nil {
		w.logger.Error("failed to insert job result", "job_id", jobID, "url", pageURL, "error", err)
	}
}

// engineFromQueue extracts the engine part of a "{kind}-{engine}" name.
func engineFromQueue(queueName string) models.EngineName {
	if _, engine, ok := strings.Cut(queueName, "-"); ok {
		return models.EngineName(engine)
	}
	return models.EngineName(queueName)
}

func recordToMap(record *extract.Record) map[string]any {
	data, err := json.Marshal(record)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
