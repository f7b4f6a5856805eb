// Package repository defines repository interfaces for data access.
package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jackronrau/anycrawl/internal/models"
)

// JobRepository defines methods for job data access.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	ListByAPIKey(ctx context.Context, apiKeyID string, limit, offset int) ([]*models.Job, error)
	// IncrementCounters applies arithmetic updates (total = total + ...) so
	// concurrent workers never lose increments.
	IncrementCounters(ctx context.Context, id string, total, completed, failed, credits int) error
	// MarkTerminal sets a terminal status once; it is a no-op when the job
	// is already terminal. Returns whether the write was applied.
	MarkTerminal(ctx context.Context, id string, status models.JobStatus, isSuccess bool, errorMessage string) (bool, error)
	// MarkStaleFailed fails pending jobs untouched since before. Queue
	// entries survive restarts in Redis, but a request popped by a process
	// that died is gone; its job row would otherwise hang until expiry.
	MarkStaleFailed(ctx context.Context, before time.Time) (int, error)
	// DeleteExpired removes jobs whose TTL elapsed before now and returns
	// the deleted job ids.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// JobResultRepository defines methods for job result data access.
type JobResultRepository interface {
	Insert(ctx context.Context, result *models.JobResult) error
	// ListPage returns up to limit results for a job ordered by insertion
	// time ascending, skipping the first skip rows.
	ListPage(ctx context.Context, jobUUID string, skip, limit int) ([]*models.JobResult, error)
	CountByJob(ctx context.Context, jobUUID string) (int, error)
	DeleteByJobIDs(ctx context.Context, jobUUIDs []string) error
}

// APIKey is a bearer credential with a credit balance.
type APIKey struct {
	UUID       string     `db:"uuid"`
	Key        string     `db:"key"`
	Name       string     `db:"name"`
	Credits    int        `db:"credits"`
	IsActive   bool       `db:"is_active"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// APIKeyRepository defines methods for API key data access.
type APIKeyRepository interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	// DeductCredits decrements the balance atomically; the returned value
	// is the balance after the deduction.
	DeductCredits(ctx context.Context, id string, amount int) (int, error)
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
}

// Repositories holds all repository instances.
type Repositories struct {
	Job       JobRepository
	JobResult JobResultRepository
	APIKey    APIKeyRepository
}

// NewRepositories creates all repository instances.
func NewRepositories(db *sqlx.DB) *Repositories {
	return &Repositories{
		Job:       NewSQLJobRepository(db),
		JobResult: NewSQLJobResultRepository(db),
		APIKey:    NewSQLAPIKeyRepository(db),
	}
}
