package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jackronrau/anycrawl/internal/models"
)

// SQLJobResultRepository implements JobResultRepository over sqlx.
type SQLJobResultRepository struct {
	db *sqlx.DB
}

// NewSQLJobResultRepository creates a new SQL job result repository.
func NewSQLJobResultRepository(db *sqlx.DB) *SQLJobResultRepository {
	return &SQLJobResultRepository{db: db}
}

func (r *SQLJobResultRepository) Insert(ctx context.Context, result *models.JobResult) error {
	query := r.db.Rebind(`
		INSERT INTO job_results (uuid, job_uuid, url, data, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		result.UUID,
		result.JobUUID,
		result.URL,
		result.DataJSON,
		result.Status,
		result.CreatedAt.UTC().Format(time.RFC3339),
		result.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job result: %w", err)
	}
	return nil
}

// ListPage orders by created_at then uuid so pages are stable when many
// results share a timestamp (ULIDs are themselves time-ordered).
func (r *SQLJobResultRepository) ListPage(ctx context.Context, jobUUID string, skip, limit int) ([]*models.JobResult, error) {
	query := r.db.Rebind(`
		SELECT uuid, job_uuid, url, data, status, created_at, updated_at
		FROM job_results
		WHERE job_uuid = ?
		ORDER BY created_at ASC, uuid ASC
		LIMIT ? OFFSET ?
	`)
	rows, err := r.db.QueryxContext(ctx, query, jobUUID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to query job results: %w", err)
	}
	defer rows.Close()

	var results []*models.JobResult
	for rows.Next() {
		var (
			res       models.JobResult
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&res.UUID, &res.JobUUID, &res.URL, &res.DataJSON,
			&res.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		res.CreatedAt = parseTime(createdAt)
		res.UpdatedAt = parseTime(updatedAt)
		results = append(results, &res)
	}
	return results, rows.Err()
}

func (r *SQLJobResultRepository) CountByJob(ctx context.Context, jobUUID string) (int, error) {
	query := r.db.Rebind(`SELECT COUNT(*) FROM job_results WHERE job_uuid = ?`)
	var count int
	if err := r.db.QueryRowContext(ctx, query, jobUUID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count job results: %w", err)
	}
	return count, nil
}

func (r *SQLJobResultRepository) DeleteByJobIDs(ctx context.Context, jobUUIDs []string) error {
	if len(jobUUIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM job_results WHERE job_uuid IN (?)`, jobUUIDs)
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete job results: %w", err)
	}
	return nil
}
