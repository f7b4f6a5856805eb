package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/repository"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*models.Job{}}
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
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, job := range r.jobs {
		if job.APIKeyID == apiKeyID {
			clone := *job
			out = append(out, &clone)
		}
	}
	return out, nil
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
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, job := range r.jobs {
		if job.Status == models.JobStatusPending && job.UpdatedAt.Before(before) {
			job.Status = models.JobStatusFailed
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, job := range r.jobs {
		if job.ExpiresAt.Before(now) {
			ids = append(ids, id)
			delete(r.jobs, id)
		}
	}
	return ids, nil
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
	r.mu.Lock()
	defer r.mu.Unlock()
	var rows []*models.JobResult
	for _, res := range r.results {
		if res.JobUUID == jobUUID {
			rows = append(rows, res)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UUID < rows[j].UUID })
	if skip >= len(rows) {
		return nil, nil
	}
	rows = rows[skip:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*models.JobResult, len(rows))
	for i, res := range rows {
		clone := *res
		out[i] = &clone
	}
	return out, nil
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

func (r *fakeResultRepo) DeleteByJobIDs(_ context.Context, jobUUIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := map[string]bool{}
	for _, id := range jobUUIDs {
		ids[id] = true
	}
	kept := r.results[:0]
	for _, res := range r.results {
		if !ids[res.JobUUID] {
			kept = append(kept, res)
		}
	}
	r.results = kept
	return nil
}

type fakeKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*repository.APIKey // by key string
}

func (r *fakeKeyRepo) GetByKey(_ context.Context, key string) (*repository.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return nil, nil
	}
	clone := *k
	return &clone, nil
}

func (r *fakeKeyRepo) DeductCredits(_ context.Context, id string, amount int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.UUID == id {
			k.Credits -= amount
			return k.Credits, nil
		}
	}
	return 0, nil
}

func (r *fakeKeyRepo) UpdateLastUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.UUID == id {
			t := at
			k.LastUsedAt = &t
		}
	}
	return nil
}

func newFakeRepos() (*repository.Repositories, *fakeJobRepo, *fakeResultRepo) {
	jobs := newFakeJobRepo()
	results := &fakeResultRepo{}
	keys := &fakeKeyRepo{keys: map[string]*repository.APIKey{}}
	return &repository.Repositories{Job: jobs, JobResult: results, APIKey: keys}, jobs, results
}
