package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLAPIKeyRepository implements APIKeyRepository over sqlx.
type SQLAPIKeyRepository struct {
	db *sqlx.DB
}

// NewSQLAPIKeyRepository creates a new SQL API key repository.
func NewSQLAPIKeyRepository(db *sqlx.DB) *SQLAPIKeyRepository {
	return &SQLAPIKeyRepository{db: db}
}

func (r *SQLAPIKeyRepository) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	query := r.db.Rebind(`
		SELECT uuid, key, name, credits, is_active, last_used_at, created_at, updated_at
		FROM api_keys WHERE key = ?
	`)
	var (
		k          APIKey
		name       sql.NullString
		isActive   int
		lastUsedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&k.UUID, &k.Key, &name, &k.Credits, &isActive, &lastUsedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}
	k.Name = name.String
	k.IsActive = isActive != 0
	if lastUsedAt.Valid {
		t := parseTime(lastUsedAt.String)
		k.LastUsedAt = &t
	}
	k.CreatedAt = parseTime(createdAt)
	k.UpdatedAt = parseTime(updatedAt)
	return &k, nil
}

func (r *SQLAPIKeyRepository) DeductCredits(ctx context.Context, id string, amount int) (int, error) {
	update := r.db.Rebind(`
		UPDATE api_keys SET credits = credits - ?, updated_at = ? WHERE uuid = ?
	`)
	if _, err := r.db.ExecContext(ctx, update, amount,
		time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}
	var remaining int
	query := r.db.Rebind(`SELECT credits FROM api_keys WHERE uuid = ?`)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("failed to read credit balance: %w", err)
	}
	return remaining, nil
}

func (r *SQLAPIKeyRepository) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	query := r.db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE uuid = ?`)
	if _, err := r.db.ExecContext(ctx, query, at.UTC().Format(time.RFC3339), id); err != nil {
		return fmt.Errorf("failed to update last used: %w", err)
	}
	return nil
}
