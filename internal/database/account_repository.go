package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

// PostgresAccountStore implements models.AccountStore on the tracked_accounts
// table.
type PostgresAccountStore struct {
	db *sql.DB
}

func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

// Sync upserts every roster account in one transaction and disables rows
// missing from the roster. Cursor columns are left out of the update so a
// roster reload never rewinds an account.
func (r *PostgresAccountStore) Sync(ctx context.Context, accounts []models.TrackedAccount) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracked_accounts
		(id, handle, display_name, user_id, tier, reliability, topics, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (id)
		DO UPDATE SET
			handle = EXCLUDED.handle,
			display_name = EXCLUDED.display_name,
			user_id = COALESCE(NULLIF(EXCLUDED.user_id, ''), tracked_accounts.user_id),
			tier = EXCLUDED.tier,
			reliability = EXCLUDED.reliability,
			topics = EXCLUDED.topics,
			enabled = TRUE,
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("prepare sync: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
		_, err := stmt.ExecContext(ctx,
			a.ID,
			a.Handle,
			a.DisplayName,
			a.UserID,
			a.Tier,
			a.Reliability,
			pq.Array(a.Topics),
		)
		if err != nil {
			return fmt.Errorf("sync account %s: %w", a.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tracked_accounts
		SET enabled = FALSE, updated_at = NOW()
		WHERE enabled AND NOT (id = ANY($1))
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("disable removed accounts: %w", err)
	}

	return tx.Commit()
}

// List returns enabled accounts ordered by tier, then handle.
func (r *PostgresAccountStore) List(ctx context.Context) ([]models.TrackedAccount, error) {
	query := `
		SELECT id, handle, display_name, user_id, tier, reliability, topics,
		       enabled, last_fetched_id, last_fetched_at
		FROM tracked_accounts
		WHERE enabled = TRUE
		ORDER BY tier, handle
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.TrackedAccount
	for rows.Next() {
		var (
			a             models.TrackedAccount
			topics        pq.StringArray
			lastFetchedID sql.NullString
			lastFetchedAt sql.NullTime
		)
		if err := rows.Scan(
			&a.ID,
			&a.Handle,
			&a.DisplayName,
			&a.UserID,
			&a.Tier,
			&a.Reliability,
			&topics,
			&a.Enabled,
			&lastFetchedID,
			&lastFetchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tracked account: %w", err)
		}

		a.Topics = []string(topics)
		a.Cursor = lastFetchedID.String
		if lastFetchedAt.Valid {
			a.LastFetchedAt = &lastFetchedAt.Time
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// UpdateLastFetched records the cursor and fetch time for id.
func (r *PostgresAccountStore) UpdateLastFetched(ctx context.Context, id, cursor string, fetchedAt time.Time) error {
	query := `
		UPDATE tracked_accounts
		SET last_fetched_id = $2,
		    last_fetched_at = $3,
		    updated_at = NOW()
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query, id, cursor, fetchedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

var _ models.AccountStore = (*PostgresAccountStore)(nil)
