package ingestion

import (
	"context"
	"time"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

// FetchRequest bounds a timeline fetch.
type FetchRequest struct {
	// Cursor is an exclusive lower bound on post ids; empty on first fetch.
	Cursor string
	// StartTime optionally limits results to posts created at or after it.
	StartTime  time.Time
	MaxResults int
}

// PrimaryFetcher is the quota-metered fetch path. Implementations report
// every attempt as an explicit outcome and never retry internally.
type PrimaryFetcher interface {
	FetchTimeline(ctx context.Context, account models.TrackedAccount, req FetchRequest) FetchOutcome
}

// SecondaryFetcher is the unmetered, slower fallback path.
type SecondaryFetcher interface {
	FetchTimeline(ctx context.Context, account models.TrackedAccount, req FetchRequest) ([]models.NormalizedUpdate, error)
}

// BatchFetcher fetches a whole roster.
type BatchFetcher interface {
	FetchAllAccounts(ctx context.Context, accounts []models.TrackedAccount) (map[string][]models.NormalizedUpdate, error)
}
