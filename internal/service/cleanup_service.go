package service

import (
	"context"
	"time"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/frontier"
	"github.com/jackronrau/anycrawl/internal/progress"
	"github.com/jackronrau/anycrawl/internal/repository"
)

// CleanupService evicts jobs past their TTL together with their results
// and Redis crawl state.
type CleanupService struct {
	jobs     repository.JobRepository
	results  repository.JobResultRepository
	progress *progress.Engine
	frontier *frontier.Frontier
	interval time.Duration
	logger   *slog.Logger
}

// NewCleanupService creates the cleanup loop.
func NewCleanupService(
	repos *repository.Repositories,
	prog *progress.Engine,
	front *frontier.Frontier,
	interval time.Duration,
	logger *slog.Logger,
) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{
		jobs:     repos.Job,
		results:  repos.JobResult,
		progress: prog,
		frontier: front,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps immediately, then on every interval tick until ctx ends.
// The immediate sweep doubles as startup recovery for jobs that expired
// while the process was down.
func (s *CleanupService) Run(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("cleanup sweep failed", "error", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("cleanup sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes expired jobs, their results, and their Redis state.
func (s *CleanupService) Sweep(ctx context.Context) error {
	ids, err := s.jobs.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.results.DeleteByJobIDs(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.progress.Clear(ctx, id); err != nil {
			s.logger.Warn("failed to clear progress", "job_id", id, "error", err)
		}
		if err := s.frontier.Clear(ctx, id); err != nil {
			s.logger.Warn("failed to clear frontier", "job_id", id, "error", err)
		}
	}
	s.logger.Info("cleanup removed expired jobs", "count", len(ids))
	return nil
}
