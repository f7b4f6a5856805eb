package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	result *engine.Result
	err    error
}

func (e *fakeEngine) Name() models.EngineName { return models.EngineStatic }

func (e *fakeEngine) Execute(_ context.Context, req *models.EngineRequest) (*engine.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	res := *e.result
	if res.URL == "" {
		res.URL = req.URL
	}
	return &res, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func (r *fakeJobRepo) Create(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *job
	r.jobs[job.UUID] = &clone
	return nil
}

func (r *fakeJobRepo) GetByID(_ context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := *job
	return &clone, nil
}

func (r *fakeJobRepo) ListByAPIKey(_ context.Context, apiKeyID string, limit, offset int) ([]*models.Job, error) {
	return nil, nil
}

func (r *fakeJobRepo) IncrementCounters(_ context.Context, id string, total, completed, failed, credits int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Total += total
		job.Completed += completed
		job.Failed += failed
		job.CreditsUsed += credits
	}
	return nil
}

func (r *fakeJobRepo) MarkTerminal(_ context.Context, id string, status models.JobStatus, isSuccess bool, errorMessage string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = status
	job.IsSuccess = isSuccess
	job.ErrorMessage = errorMessage
	return true, nil
}

func (r *fakeJobRepo) MarkStaleFailed(_ context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (r *fakeJobRepo) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	return nil, nil
}

type fakeResultRepo struct {
	mu      sync.Mutex
	results []*models.JobResult
}

func (r *fakeResultRepo) Insert(_ context.Context, result *models.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *result
	r.results = append(r.results, &clone)
	return nil
}

func (r *fakeResultRepo) ListPage(_ context.Context, jobUUID string, skip, limit int) ([]*models.JobResult, error) {
	return nil, nil
}

func (r *fakeResultRepo) CountByJob(_ context.Context, jobUUID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.results {
		if res.JobUUID == jobUUID {
			n++
		}
	}
	return n, nil
}

func (r *fakeResultRepo) DeleteByJobIDs(_ context.Context, jobUUIDs []string) error { return nil }

func (r *fakeResultRepo) rows() []*models.JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.JobResult, len(r.results))
	copy(out, r.results)
	return out
}

type fakeKeyRepo struct{}

func (fakeKeyRepo) GetByKey(_ context.Context, key string) (*repository.APIKey, error) {
	return nil, nil
}
func (fakeKeyRepo) DeductCredits(_ context.Context, id string, amount int) (int, error) {
	return 0, nil
}
func (fakeKeyRepo) UpdateLastUsed(_ context.Context, id string, at time.Time) error { return nil }

type workerFixture struct {
	worker   *Worker
	engine   *fakeEngine
	jobRepo  *fakeJobRepo
	results  *fakeResultRepo
	jobs     *service.JobService
	progress *progress.Engine
	frontier *frontier.Frontier
	rdb      redis.UniversalClient
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	jobRepo := &fakeJobRepo{jobs: map[string]*models.Job{}}
	resultRepo := &fakeResultRepo{}
	repos := &repository.Repositories{Job: jobRepo, JobResult: resultRepo, APIKey: fakeKeyRepo{}}

	eng := &fakeEngine{}
	registry := engine.NewRegistry(eng)
	extractor := extract.New(extract.Options{})

	prog := progress.NewEngine(rdb)
	front := frontier.New(rdb, nil)
	jobs := service.NewJobService(repos, rdb, prog, front, nil)
	search := service.NewSearchService(jobs, nil)

	return &workerFixture{
		worker:   New(registry, extractor, repos, rdb, jobs, search, prog, front, nil),
		engine:   eng,
		jobRepo:  jobRepo,
		results:  resultRepo,
		jobs:     jobs,
		progress: prog,
		frontier: front,
		rdb:      rdb,
	}
}

func staticResult(status int, html string) *engine.Result {
	return &engine.Result{
		StatusCode: status,
		Context:    &engine.StaticContext{Body: []byte(html), ContentType: "text/html"},
	}
}

func scrapeRequest(jobID, uniqueKey, pageURL string) *models.EngineRequest {
	return &models.EngineRequest{
		URL:       pageURL,
		UniqueKey: uniqueKey,
		Attempt:   1,
		UserData: models.RequestUserData{
			JobID:     jobID,
			QueueName: "scrape-static",
			Kind:      models.JobKindScrape,
		},
	}
}

func TestHandleScrapeSuccess(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindScrape, Status: models.JobStatusPending})
	f.engine.result = staticResult(200, "<html><head><title>Hello</title></head><body>hi</body></html>")

	req := scrapeRequest("job-1", "key-1", "https://example.com/")
	ch := f.jobs.RegisterWaiter(req.UniqueKey)

	if err := f.worker.Handle(ctx, "scrape-static", req); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	select {
	case outcome := <-ch:
		if !outcome.Success {
			t.Errorf("outcome.Success = false, want true")
		}
		if outcome.Record["title"] != "Hello" {
			t.Errorf("record title = %v, want Hello", outcome.Record["title"])
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never notified")
	}

	job, _ := f.jobRepo.GetByID(ctx, "job-1")
	if job.Status != models.JobStatusCompleted || !job.IsSuccess {
		t.Errorf("job = %q success=%v, want completed/true", job.Status, job.IsSuccess)
	}
	if job.Total != 1 || job.Completed != 1 || job.CreditsUsed != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/1/1", job.Total, job.Completed, job.CreditsUsed)
	}
	rows := f.results.rows()
	if len(rows) != 1 || rows[0].Status != models.ResultStatusSuccess {
		t.Errorf("rows = %+v, want one success row", rows)
	}
}

func TestHandleScrapeNon2xxCountsFailed(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindScrape, Status: models.JobStatusPending})
	f.engine.result = staticResult(404, "<html><title>Not Found</title></html>")

	req := scrapeRequest("job-1", "key-1", "https://example.com/missing")
	ch := f.jobs.RegisterWaiter(req.UniqueKey)

	if err := f.worker.Handle(ctx, "scrape-static", req); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	select {
	case outcome := <-ch:
		if outcome.Success {
			t.Error("outcome.Success = true, want false for a 404")
		}
		if outcome.Record == nil {
			t.Error("record dropped, want best-effort payload for the error page")
		}
		if !strings.Contains(outcome.Error, "request blocked") {
			t.Errorf("error = %q, want it to name the blocked request", outcome.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never notified")
	}

	job, _ := f.jobRepo.GetByID(ctx, "job-1")
	if job.Status != models.JobStatusFailed || job.Failed != 1 {
		t.Errorf("job = %q failed=%d, want failed/1", job.Status, job.Failed)
	}
	if job.CreditsUsed != 0 {
		t.Errorf("credits = %d, want 0 for a failed page", job.CreditsUsed)
	}
	if !strings.Contains(job.ErrorMessage, "request blocked") {
		t.Errorf("job error = %q, want it to name the blocked request", job.ErrorMessage)
	}
}

func TestHandleRetryableFailureLeavesJobOpen(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindScrape, Status: models.JobStatusPending})
	f.engine.err = &models.CodedError{Code: models.ErrCodeNavigationTimeout, Message: "timed out"}

	req := scrapeRequest("job-1", "key-1", "https://example.com/")
	if err := f.worker.Handle(ctx, "scrape-static", req); err == nil {
		t.Fatal("Handle() = nil, want the retryable error back for the pool")
	}

	job, _ := f.jobRepo.GetByID(ctx, "job-1")
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %q, want pending while retries remain", job.Status)
	}
	if len(f.results.rows()) != 0 {
		t.Errorf("rows = %d, want none before the attempt budget is spent", len(f.results.rows()))
	}
}

func TestHandleTerminalFailure(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindScrape, Status: models.JobStatusPending})
	f.engine.err = errors.New("dns lookup failed")

	req := scrapeRequest("job-1", "key-1", "https://nope.invalid/")
	ch := f.jobs.RegisterWaiter(req.UniqueKey)

	if err := f.worker.Handle(ctx, "scrape-static", req); err == nil {
		t.Fatal("Handle() = nil, want the failure propagated")
	}

	select {
	case outcome := <-ch:
		if outcome.Success || outcome.Error == "" {
			t.Errorf("outcome = %+v, want failure with message", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never notified")
	}

	job, _ := f.jobRepo.GetByID(ctx, "job-1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
	rows := f.results.rows()
	if len(rows) != 1 || rows[0].Status != models.ResultStatusFailed {
		t.Errorf("rows = %+v, want one failure row", rows)
	}
}

func TestHandleLastAttemptIsTerminal(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindScrape, Status: models.JobStatusPending})
	f.engine.err = &models.CodedError{Code: models.ErrCodeNavigationTimeout, Message: "timed out"}

	req := scrapeRequest("job-1", "key-1", "https://example.com/")
	req.Attempt = queue.MaxAttempts

	if err := f.worker.Handle(ctx, "scrape-static", req); err == nil {
		t.Fatal("Handle() = nil, want error")
	}
	job, _ := f.jobRepo.GetByID(ctx, "job-1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed once attempts are spent", job.Status)
	}
}

func TestHandleSkipsCancelledJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	if err := queue.SetCancelFlag(ctx, f.rdb, "job-1", time.Hour); err != nil {
		t.Fatalf("SetCancelFlag() error = %v", err)
	}
	req := scrapeRequest("job-1", "key-1", "https://example.com/")

	if err := f.worker.Handle(ctx, "scrape-static", req); err != nil {
		t.Fatalf("Handle() error = %v, want nil for a cancelled job", err)
	}
	if f.engine.callCount() != 0 {
		t.Errorf("engine called %d times, want 0", f.engine.callCount())
	}
}

func TestHandleCrawlDiscoversLinks(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	opts := &models.CrawlOptions{Limit: 10}
	opts.Normalize()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindCrawl, Status: models.JobStatusPending})
	if err := f.progress.Start(ctx, "job-1", opts.Limit, time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	adm, seedURL, err := f.frontier.AdmitSeed(ctx, "job-1", "https://example.com/", opts, time.Hour)
	if err != nil || adm != frontier.Admitted {
		t.Fatalf("AdmitSeed() = %v, %v", adm, err)
	}

	f.engine.result = staticResult(200, `<html><body>
		<a href="/a">a</a>
		<a href="/b">b</a>
		<a href="/a">a again</a>
		<a href="https://other.net/c">external</a>
	</body></html>`)

	req := &models.EngineRequest{
		URL:       seedURL,
		UniqueKey: "seed",
		Attempt:   1,
		UserData: models.RequestUserData{
			JobID:        "job-1",
			QueueName:    "crawl-static",
			Kind:         models.JobKindCrawl,
			CrawlOptions: opts,
			SeedURL:      seedURL,
		},
	}
	if err := f.worker.Handle(ctx, "crawl-static", req); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	q := queue.New(f.rdb, "crawl-static")
	depth, _ := q.Depth(ctx)
	if depth != 2 {
		t.Fatalf("queue depth = %d, want the 2 in-scope links", depth)
	}
	next, err := q.Pop(ctx, time.Second)
	if err != nil || next == nil {
		t.Fatalf("Pop() = %v, %v", next, err)
	}
	if next.UserData.Depth != 1 {
		t.Errorf("discovered depth = %d, want 1", next.UserData.Depth)
	}
	if next.UserData.SeedURL != seedURL {
		t.Errorf("discovered seed = %q, want %q", next.UserData.SeedURL, seedURL)
	}

	snap, err := f.progress.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Enqueued != 3 || snap.Done != 1 || snap.Succeeded != 1 {
		t.Errorf("progress = enqueued %d done %d succeeded %d, want 3/1/1",
			snap.Enqueued, snap.Done, snap.Succeeded)
	}
	if snap.Finalized {
		t.Error("crawl finalized with pages still pending")
	}
}

func TestHandleCrawlFinalizesWhenDone(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	opts := &models.CrawlOptions{Limit: 1}
	opts.Normalize()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindCrawl, Status: models.JobStatusPending})
	if err := f.progress.Start(ctx, "job-1", opts.Limit, time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	adm, seedURL, err := f.frontier.AdmitSeed(ctx, "job-1", "https://example.com/", opts, time.Hour)
	if err != nil || adm != frontier.Admitted {
		t.Fatalf("AdmitSeed() = %v, %v", adm, err)
	}

	f.engine.result = staticResult(200, `<html><body><a href="/more">more</a></body></html>`)

	req := &models.EngineRequest{
		URL:       seedURL,
		UniqueKey: "seed",
		Attempt:   1,
		UserData: models.RequestUserData{
			JobID:        "job-1",
			QueueName:    "crawl-static",
			Kind:         models.JobKindCrawl,
			CrawlOptions: opts,
			SeedURL:      seedURL,
		},
	}
	if err := f.worker.Handle(ctx, "crawl-static", req); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	job, _ := f.jobRepo.GetByID(ctx, "job-1")
	if job.Status != models.JobStatusCompleted || !job.IsSuccess {
		t.Errorf("job = %q success=%v, want completed/true at the page limit", job.Status, job.IsSuccess)
	}
	q := queue.New(f.rdb, "crawl-static")
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("queue depth = %d, want 0 past the limit", depth)
	}
}

func TestHandleSearchPagePersistsResults(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.jobRepo.Create(ctx, &models.Job{UUID: "job-1", Kind: models.JobKindSearch, Status: models.JobStatusPending})
	f.engine.result = staticResult(200, `<html><body>
		<div class="g">
			<a href="https://example.com/hit"><h3>Example Hit</h3></a>
			<div class="VwiC3b">A fine snippet.</div>
		</div>
	</body></html>`)

	req := &models.EngineRequest{
		URL:       "https://www.google.com/search?q=x",
		UniqueKey: "page-1",
		Attempt:   1,
		UserData: models.RequestUserData{
			JobID:      "job-1",
			QueueName:  "search-static",
			Kind:       models.JobKindSearch,
			SearchPage: 1,
		},
	}
	if err := f.worker.Handle(ctx, "search-static", req); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	rows := f.results.rows()
	if len(rows) != 1 || rows[0].Status != models.ResultStatusSuccess {
		t.Fatalf("rows = %+v, want one success row", rows)
	}
	if !strings.Contains(rows[0].DataJSON, "Example Hit") {
		t.Errorf("row data = %q, want the parsed result title", rows[0].DataJSON)
	}
}

func TestEngineFromQueue(t *testing.T) {
	tests := []struct {
		name     string
		queue    string
		expected models.EngineName
	}{
		{name: "scrape static", queue: "scrape-static", expected: models.EngineStatic},
		{name: "crawl browser", queue: "crawl-browser", expected: models.EngineBrowser},
		{name: "no separator", queue: "static", expected: models.EngineStatic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engineFromQueue(tt.queue); got != tt.expected {
				t.Errorf("engineFromQueue(%q) = %q, want %q", tt.queue, got, tt.expected)
			}
		})
	}
}

func TestBeforeDiscoveryGates(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	opts := &models.CrawlOptions{}
	opts.Normalize()

	if out := f.worker.beforeDiscovery(ctx, "job-1", 0, opts); !out.Proceed {
		t.Errorf("fresh job at depth 0 aborted: %+v", out)
	}
	if out := f.worker.beforeDiscovery(ctx, "job-1", opts.MaxDiscoveryDepth, opts); !out.IsCrawlLimit() {
		t.Errorf("depth ceiling should abort with the crawl-limit tag, got %+v", out)
	}

	if err := queue.SetCancelFlag(ctx, f.rdb, "job-1", time.Hour); err != nil {
		t.Fatalf("SetCancelFlag: %v", err)
	}
	if out := f.worker.beforeDiscovery(ctx, "job-1", 0, opts); !out.IsCrawlLimit() {
		t.Errorf("cancelled job should abort discovery, got %+v", out)
	}
}
