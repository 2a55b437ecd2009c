package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

// ErrIngestionErrorNotFound is returned by MarkResolved for an unknown id.
var ErrIngestionErrorNotFound = errors.New("ingestion error not found")

// IngestionErrorRepository defines the interface for storing and retrieving ingestion errors.
type IngestionErrorRepository interface {
	// Store saves an ingestion error to the repository.
	Store(ctx context.Context, err models.IngestionError) error

	// List retrieves ingestion errors, newest first.
	List(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error)

	// MarkResolved marks an error as resolved.
	MarkResolved(ctx context.Context, id string) error

	// CountUnresolved returns the count of unresolved errors.
	CountUnresolved(ctx context.Context) (int, error)
}

// PostgresIngestionErrorRepository implements the IngestionErrorRepository using PostgreSQL.
type PostgresIngestionErrorRepository struct {
	db *sql.DB
}

// NewPostgresIngestionErrorRepository creates a new PostgreSQL-based ingestion error repository.
func NewPostgresIngestionErrorRepository(db *sql.DB) *PostgresIngestionErrorRepository {
	return &PostgresIngestionErrorRepository{db: db}
}

// Store saves an ingestion error to the database.
func (r *PostgresIngestionErrorRepository) Store(ctx context.Context, err models.IngestionError) error {
	if err.ID == "" {
		err.ID = uuid.NewString()
	}
	if err.CreatedAt.IsZero() {
		err.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO ingestion_errors (id, platform, error_type, account_id, url, error_msg, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::jsonb, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, execErr := r.db.ExecContext(ctx, query,
		err.ID,
		err.Platform,
		err.ErrorType,
		err.AccountID,
		err.URL,
		err.ErrorMsg,
		err.Metadata,
		err.CreatedAt,
	)
	return execErr
}

// List retrieves ingestion errors, newest first.
func (r *PostgresIngestionErrorRepository) List(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error) {
	query := `
		SELECT id, platform, error_type, account_id, url, error_msg, metadata::text, created_at, resolved, resolved_at
		FROM ingestion_errors
	`
	if unresolvedOnly {
		query += " WHERE resolved = FALSE"
	}
	query += " ORDER BY created_at DESC LIMIT $1"

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingestion errors: %w", err)
	}
	defer rows.Close()

	var out []models.IngestionError
	for rows.Next() {
		var (
			e          models.IngestionError
			metadata   sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(
			&e.ID,
			&e.Platform,
			&e.ErrorType,
			&e.AccountID,
			&e.URL,
			&e.ErrorMsg,
			&metadata,
			&e.CreatedAt,
			&e.Resolved,
			&resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion error: %w", err)
		}

		e.Metadata = metadata.String
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, e)
	}

	return out, rows.Err()
}

// MarkResolved marks an error as resolved.
func (r *PostgresIngestionErrorRepository) MarkResolved(ctx context.Context, id string) error {
	query := `
		UPDATE ingestion_errors
		SET resolved = TRUE, resolved_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to resolve ingestion error: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrIngestionErrorNotFound, id)
	}
	return nil
}

// CountUnresolved returns the count of unresolved errors.
func (r *PostgresIngestionErrorRepository) CountUnresolved(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors WHERE resolved = FALSE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved errors: %w", err)
	}
	return count, nil
}

var _ models.IngestionErrorRecorder = (*PostgresIngestionErrorRepository)(nil)
