package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jackronrau/anycrawl/internal/models"
)

// SQLJobRepository implements JobRepository over sqlx. Queries are written
// with ? placeholders and rebound for the active dialect.
type SQLJobRepository struct {
	db *sqlx.DB
}

// NewSQLJobRepository creates a new SQL job repository.
func NewSQLJobRepository(db *sqlx.DB) *SQLJobRepository {
	return &SQLJobRepository{db: db}
}

const jobColumns = `uuid, job_type, job_queue_name, engine, url, payload, api_key_id,
	origin, status, total, completed, failed, credits_used, is_success,
	error_message, job_expire_at, created_at, updated_at`

func (r *SQLJobRepository) Create(ctx context.Context, job *models.Job) error {
	query := r.db.Rebind(`
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		job.UUID,
		job.Kind,
		job.QueueName,
		job.Engine,
		job.URL,
		job.PayloadJSON,
		nullString(job.APIKeyID),
		nullString(job.Origin),
		job.Status,
		job.Total,
		job.Completed,
		job.Failed,
		job.CreditsUsed,
		boolToInt(job.IsSuccess),
		nullString(job.ErrorMessage),
		job.ExpiresAt.UTC().Format(time.RFC3339),
		job.CreatedAt.UTC().Format(time.RFC3339),
		job.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *SQLJobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE uuid = ?`)
	job, err := scanJob(r.db.QueryRowxContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *SQLJobRepository) ListByAPIKey(ctx context.Context, apiKeyID string, limit, offset int) ([]*models.Job, error) {
	query := r.db.Rebind(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE api_key_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?
	`)
	rows, err := r.db.QueryxContext(ctx, query, apiKeyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *SQLJobRepository) IncrementCounters(ctx context.Context, id string, total, completed, failed, credits int) error {
	query := r.db.Rebind(`
		UPDATE jobs SET total = total + ?, completed = completed + ?,
			failed = failed + ?, credits_used = credits_used + ?, updated_at = ?
		WHERE uuid = ?
	`)
	_, err := r.db.ExecContext(ctx, query,
		total, completed, failed, credits,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment job counters: %w", err)
	}
	return nil
}

// MarkTerminal writes a terminal status only when the job is not already
// terminal, so any number of concurrent finalizers produce one DB write.
func (r *SQLJobRepository) MarkTerminal(ctx context.Context, id string, status models.JobStatus, isSuccess bool, errorMessage string) (bool, error) {
	query := r.db.Rebind(`
		UPDATE jobs SET status = ?, is_success = ?, error_message = ?, updated_at = ?
		WHERE uuid = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`)
	res, err := r.db.ExecContext(ctx, query,
		status,
		boolToInt(isSuccess),
		nullString(errorMessage),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job terminal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLJobRepository) MarkStaleFailed(ctx context.Context, before time.Time) (int, error) {
	query := r.db.Rebind(`
		UPDATE jobs SET status = ?, is_success = 0, error_message = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`)
	res, err := r.db.ExecContext(ctx, query,
		models.JobStatusFailed,
		"job stalled and was closed at startup",
		time.Now().UTC().Format(time.RFC3339),
		models.JobStatusPending,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(affected), nil
}

func (r *SQLJobRepository) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	selectQuery := r.db.Rebind(`SELECT uuid FROM jobs WHERE job_expire_at < ?`)
	rows, err := r.db.QueryContext(ctx, selectQuery, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	deleteQuery, args, err := sqlx.In(`DELETE FROM jobs WHERE uuid IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build delete query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(deleteQuery), args...); err != nil {
		return nil, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	return ids, nil
}

// scanner abstracts *sqlx.Row and *sqlx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job          models.Job
		apiKeyID     sql.NullString
		origin       sql.NullString
		errorMessage sql.NullString
		isSuccess    int
		expiresAt    string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&job.UUID,
		&job.Kind,
		&job.QueueName,
		&job.Engine,
		&job.URL,
		&job.PayloadJSON,
		&apiKeyID,
		&origin,
		&job.Status,
		&job.Total,
		&job.Completed,
		&job.Failed,
		&job.CreditsUsed,
		&isSuccess,
		&errorMessage,
		&expiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.APIKeyID = apiKeyID.String
	job.Origin = origin.String
	job.ErrorMessage = errorMessage.String
	job.IsSuccess = isSuccess != 0
	job.ExpiresAt = parseTime(expiresAt)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
