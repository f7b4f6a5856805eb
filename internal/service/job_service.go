package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jackronrau/anycrawl/internal/frontier"
	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/progress"
	"github.com/jackronrau/anycrawl/internal/queue"
	"github.com/jackronrau/anycrawl/internal/repository"
)

// ResultsPageSize bounds one page of crawl results.
const ResultsPageSize = 100

var (
	// ErrJobNotFound is returned when no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when an operation conflicts with a job
	// that already reached a terminal status.
	ErrJobTerminal = errors.New("job already in a terminal state")
)

// ScrapeOutcome is delivered to the waiter of a synchronous scrape.
type ScrapeOutcome struct {
	Record  map[string]any
	Success bool
	Error   string
}

// JobService is the broker between user-facing jobs and engine requests.
type JobService struct {
	jobs     repository.JobRepository
	results  repository.JobResultRepository
	rdb      redis.UniversalClient
	queues   map[string]*queue.Queue
	progress *progress.Engine
	frontier *frontier.Frontier
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan *ScrapeOutcome
}

// NewJobService creates the broker with one queue handle per (kind, engine).
func NewJobService(
	repos *repository.Repositories,
	rdb redis.UniversalClient,
	prog *progress.Engine,
	front *frontier.Frontier,
	logger *slog.Logger,
) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	queues := make(map[string]*queue.Queue)
	for _, name := range queue.Names() {
		queues[name] = queue.New(rdb, name)
	}
	return &JobService{
		jobs:     repos.Job,
		results:  repos.JobResult,
		rdb:      rdb,
		queues:   queues,
		progress: prog,
		frontier: front,
		logger:   logger,
		waiters:  make(map[string]chan *ScrapeOutcome),
	}
}

// SubmitInput describes a new scrape or crawl job.
type SubmitInput struct {
	Kind     models.JobKind
	Engine   models.EngineName
	URL      string
	Options  models.ScrapeOptions
	Crawl    *models.CrawlOptions
	APIKeyID string
	Origin   string

	// uniqueKey pre-binds the first request's key so a waiter can be
	// registered before the enqueue.
	uniqueKey string
}

// Submit persists a job row and enqueues its first engine request. For
// crawls the seed goes through frontier admission so the enqueued counter
// covers it.
func (s *JobService) Submit(ctx context.Context, in *SubmitInput) (*models.Job, error) {
	engine := in.Engine
	if engine == "" {
		engine = models.EngineStatic
	}
	if !models.ValidEngine(engine) {
		return nil, &models.CodedError{
			Code:    models.ErrCodeValidation,
			Message: fmt.Sprintf("unknown engine %q", engine),
		}
	}

	jobID := uuid.NewString()
	queueName := queue.Name(in.Kind, engine)
	now := time.Now().UTC()
	seedURL := in.URL

	payload, err := json.Marshal(in.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	var crawlOpts *models.CrawlOptions
	if in.Kind == models.JobKindCrawl {
		crawlOpts = in.Crawl
		if crawlOpts == nil {
			crawlOpts = &models.CrawlOptions{}
		}
		crawlOpts.Normalize()

		ttl := time.Until(models.ExpiryFor(in.Kind, now))
		if err := s.progress.Start(ctx, jobID, crawlOpts.Limit, ttl); err != nil {
			return nil, err
		}
		adm, normalized, err := s.frontier.AdmitSeed(ctx, jobID, in.URL, crawlOpts, ttl)
		if err != nil {
			return nil, err
		}
		if adm != frontier.Admitted {
			return nil, &models.CodedError{
				Code:    models.ErrCodeValidation,
				Message: fmt.Sprintf("seed url %q not admitted", in.URL),
			}
		}
		seedURL = normalized
	}

	job := &models.Job{
		UUID:        jobID,
		Kind:        in.Kind,
		QueueName:   queueName,
		Engine:      engine,
		URL:         seedURL,
		PayloadJSON: string(payload),
		APIKeyID:    in.APIKeyID,
		Origin:      in.Origin,
		Status:      models.JobStatusPending,
		ExpiresAt:   models.ExpiryFor(in.Kind, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	uniqueKey := in.uniqueKey
	if uniqueKey == "" {
		uniqueKey = uuid.NewString()
	}
	req := &models.EngineRequest{
		URL:       seedURL,
		UniqueKey: uniqueKey,
		Attempt:   1,
		UserData: models.RequestUserData{
			JobID:        jobID,
			QueueName:    queueName,
			Kind:         in.Kind,
			Options:      in.Options,
			CrawlOptions: crawlOpts,
			SeedURL:      seedURL,
		},
	}
	if err := s.Enqueue(ctx, queueName, req); err != nil {
		return nil, err
	}

	s.logger.Info("job submitted",
		"job_id", jobID,
		"kind", in.Kind,
		"engine", engine,
		"url", seedURL,
	)
	return job, nil
}

// ScrapeSync submits a scrape job and blocks until its worker reports the
// outcome, the context ends, or wait elapses. The job keeps running in the
// background on timeout.
func (s *JobService) ScrapeSync(ctx context.Context, in *SubmitInput, wait time.Duration) (*models.Job, *ScrapeOutcome, error) {
	in.uniqueKey = uuid.NewString()
	ch := s.RegisterWaiter(in.uniqueKey)

	job, err := s.Submit(ctx, in)
	if err != nil {
		s.RemoveWaiter(in.uniqueKey)
		return nil, nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case outcome := <-ch:
		return job, outcome, nil
	case <-ctx.Done():
		s.RemoveWaiter(in.uniqueKey)
		return job, nil, ctx.Err()
	case <-timer.C:
		s.RemoveWaiter(in.uniqueKey)
		return job, nil, &models.CodedError{
			Code:    models.ErrCodeNavigationTimeout,
			Message: "scrape timed out waiting for the worker",
		}
	}
}

// Enqueue pushes a request onto the named queue. Used for initial
// submissions, crawl discovery, and search page fan-out.
func (s *JobService) Enqueue(ctx context.Context, queueName string, req *models.EngineRequest) error {
	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("unknown queue %q", queueName)
	}
	return q.Push(ctx, req)
}

// CreateJob persists a pre-built job row for kinds whose fan-out is
// handled elsewhere (search).
func (s *JobService) CreateJob(ctx context.Context, job *models.Job) error {
	return s.jobs.Create(ctx, job)
}

// JobStatusView is the merged broker + counter view of one job.
type JobStatusView struct {
	JobID       string           `json:"job_id"`
	Status      models.JobStatus `json:"status"`
	StartTime   time.Time        `json:"start_time"`
	ExpiresAt   time.Time        `json:"expires_at"`
	CreditsUsed int              `json:"credits_used"`
	Total       int              `json:"total"`
	Completed   int              `json:"completed"`
	Failed      int              `json:"failed"`
}

// Status merges the job row with live progress counters. For running
// crawls the Redis snapshot is fresher than the row.
func (s *JobService) Status(ctx context.Context, jobID string) (*JobStatusView, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	view := &JobStatusView{
		JobID:       job.UUID,
		Status:      job.Status,
		StartTime:   job.CreatedAt,
		ExpiresAt:   job.ExpiresAt,
		CreditsUsed: job.CreditsUsed,
		Total:       job.Total,
		Completed:   job.Completed,
		Failed:      job.Failed,
	}
	if job.Kind == models.JobKindCrawl && !job.Status.IsTerminal() {
		snap, err := s.progress.Get(ctx, jobID)
		if err == nil && snap.Enqueued > 0 {
			view.Total = int(snap.Enqueued)
			view.Completed = int(snap.Succeeded)
			view.Failed = int(snap.Failed)
		}
	}
	return view, nil
}

// ResultsPage is one page of a job's results.
type ResultsPage struct {
	Status      models.JobStatus `json:"status"`
	Total       int              `json:"total"`
	Completed   int              `json:"completed"`
	CreditsUsed int              `json:"creditsUsed"`
	Next        *int             `json:"next,omitempty"`
	Data        []any            `json:"data"`
}

// Results returns up to ResultsPageSize results starting at skip, ordered
// by insertion. Next is set only when more rows remain.
func (s *JobService) Results(ctx context.Context, jobID string, skip int) (*ResultsPage, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if skip < 0 {
		skip = 0
	}

	total, err := s.results.CountByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rows, err := s.results.ListPage(ctx, jobID, skip, ResultsPageSize)
	if err != nil {
		return nil, err
	}

	page := &ResultsPage{
		Status:      job.Status,
		Total:       total,
		Completed:   job.Completed,
		CreditsUsed: job.CreditsUsed,
		Data:        make([]any, 0, len(rows)),
	}
	for _, row := range rows {
		var data any
		if err := json.Unmarshal([]byte(row.DataJSON), &data); err != nil {
			s.logger.Warn("skipping undecodable result",
				"job_id", jobID, "result_id", row.UUID, "error", err)
			continue
		}
		page.Data = append(page.Data, data)
	}
	if skip+len(rows) < total {
		next := skip + len(rows)
		page.Next = &next
	}
	return page, nil
}

// ListJobs returns the key's recent jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, apiKeyID string, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > ResultsPageSize {
		limit = ResultsPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByAPIKey(ctx, apiKeyID, limit, offset)
}

// Cancel marks a job cancelled, broadcasts the cancel flag, and purges its
// pending queue entries best-effort. Terminal jobs conflict.
func (s *JobService) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrJobTerminal
	}

	applied, err := s.jobs.MarkTerminal(ctx, jobID, models.JobStatusCancelled, false, "cancelled by user")
	if err != nil {
		return err
	}
	if !applied {
		return ErrJobTerminal
	}

	ttl := time.Until(job.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := queue.SetCancelFlag(ctx, s.rdb, jobID, ttl); err != nil {
		return err
	}

	if q, ok := s.queues[job.QueueName]; ok {
		removed, err := q.PurgeJob(ctx, jobID)
		if err != nil {
			s.logger.Warn("failed to purge cancelled job from queue",
				"job_id", jobID, "queue", job.QueueName, "error", err)
		} else if removed > 0 {
			s.logger.Info("purged cancelled job entries",
				"job_id", jobID, "queue", job.QueueName, "removed", removed)
		}
	}
	return nil
}

// RegisterWaiter installs a channel that receives the outcome for one
// synchronous request, identified by the request's unique key.
func (s *JobService) RegisterWaiter(uniqueKey string) <-chan *ScrapeOutcome {
	ch := make(chan *ScrapeOutcome, 1)
	s.mu.Lock()
	s.waiters[uniqueKey] = ch
	s.mu.Unlock()
	return ch
}

// RemoveWaiter drops a waiter that gave up (timeout, client gone).
func (s *JobService) RemoveWaiter(uniqueKey string) {
	s.mu.Lock()
	delete(s.waiters, uniqueKey)
	s.mu.Unlock()
}

// Notify delivers the outcome to the request's waiter, if one is still
// registered. Non-blocking; the channel is buffered.
func (s *JobService) Notify(uniqueKey string, outcome *ScrapeOutcome) {
	s.mu.Lock()
	ch, ok := s.waiters[uniqueKey]
	if ok {
		delete(s.waiters, uniqueKey)
	}
	s.mu.Unlock()
	if ok {
		ch <- outcome
	}
}
