package handlers

import (
	"context"

	"log/slog"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/service"
)

// JobsHandler lists the caller's jobs.
type JobsHandler struct {
	jobs   *service.JobService
	logger *slog.Logger
}

// NewJobsHandler creates the handler.
func NewJobsHandler(jobs *service.JobService, logger *slog.Logger) *JobsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsHandler{jobs: jobs, logger: logger}
}

// ListJobsInput paginates the job listing.
type ListJobsInput struct {
	Limit  int `query:"limit" doc:"Maximum jobs to return"`
	Offset int `query:"offset"`
}

// ListJobsOutput is the job listing response.
type ListJobsOutput struct {
	Body struct {
		Success bool          `json:"success"`
		Data    []*models.Job `json:"data"`
	}
}

// List returns the authenticated key's recent jobs.
func (h *JobsHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	jobs, err := h.jobs.ListJobs(ctx, apiKeyID(ctx), input.Limit, input.Offset)
	if err != nil {
		return nil, mapServiceError(err)
	}
	out := &ListJobsOutput{}
	out.Body.Success = true
	if jobs == nil {
		jobs = []*models.Job{}
	}
	out.Body.Data = jobs
	return out, nil
}
