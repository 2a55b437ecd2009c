package models

import (
	"context"
	"strings"
	"time"
)

// TrackedAccount is an upstream account whose posts are fetched on every sweep.
// Identity, tier and topics come from the roster; Cursor and LastFetchedAt
// advance after each successful fetch. Accounts dropped from the roster stay
// stored with Enabled false so their cursors survive a later re-add.
type TrackedAccount struct {
	ID            string     `json:"id"`
	Handle        string     `json:"handle"`
	DisplayName   string     `json:"display_name,omitempty"`
	UserID        string     `json:"user_id,omitempty"` // upstream numeric id, resolved lazily when empty
	Tier          int        `json:"tier"`
	Reliability   float64    `json:"reliability"`
	Topics        []string   `json:"topics,omitempty"`
	Enabled       bool       `json:"enabled"`
	Cursor        string     `json:"cursor,omitempty"` // id of the newest post already seen
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
}

// AccountKey derives the stable account id used when the roster omits one.
func AccountKey(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Clone returns a deep copy safe to hand to another goroutine.
func (a TrackedAccount) Clone() TrackedAccount {
	c := a
	c.Topics = append([]string(nil), a.Topics...)
	if a.LastFetchedAt != nil {
		t := *a.LastFetchedAt
		c.LastFetchedAt = &t
	}
	return c
}

// AccountStore persists the roster and each account's fetch cursor.
type AccountStore interface {
	// Sync makes accounts the roster: listed accounts are upserted and
	// enabled, any other stored account is disabled. Cursors are preserved.
	Sync(ctx context.Context, accounts []TrackedAccount) error

	// List returns enabled accounts ordered by tier, then handle.
	List(ctx context.Context) ([]TrackedAccount, error)

	// UpdateLastFetched records the cursor and fetch time after a successful fetch.
	UpdateLastFetched(ctx context.Context, id, cursor string, fetchedAt time.Time) error
}
