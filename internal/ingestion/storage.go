package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

// MemoryAccountStore implements models.AccountStore in memory for tests and
// dry runs.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]models.TrackedAccount
}

// NewMemoryAccountStore creates an empty store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]models.TrackedAccount)}
}

// Sync upserts roster fields, keeping any stored cursor and fetch time, and
// disables stored accounts missing from accounts.
func (s *MemoryAccountStore) Sync(ctx context.Context, accounts []models.TrackedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inRoster := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		next := a.Clone()
		next.Enabled = true
		if existing, ok := s.accounts[a.ID]; ok {
			next.Cursor = existing.Cursor
			next.LastFetchedAt = existing.LastFetchedAt
		}
		s.accounts[a.ID] = next
		inRoster[a.ID] = true
	}
	for id, a := range s.accounts {
		if !inRoster[id] && a.Enabled {
			a.Enabled = false
			s.accounts[id] = a
		}
	}
	return nil
}

// List returns enabled accounts ordered by tier, then handle.
func (s *MemoryAccountStore) List(ctx context.Context) ([]models.TrackedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TrackedAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.Enabled {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

// UpdateLastFetched records the cursor and fetch time for id.
func (s *MemoryAccountStore) UpdateLastFetched(ctx context.Context, id, cursor string, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	a.Cursor = cursor
	t := fetchedAt
	a.LastFetchedAt = &t
	s.accounts[id] = a
	return nil
}

// Get returns the stored account for id.
func (s *MemoryAccountStore) Get(id string) (models.TrackedAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	return a.Clone(), ok
}

var _ models.AccountStore = (*MemoryAccountStore)(nil)
