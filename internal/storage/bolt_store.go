// Package storage persists account cursors and quota windows in a local
// bbolt file for deployments without Postgres.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Dean-Rough/transferjuice/internal/models"
	"github.com/Dean-Rough/transferjuice/internal/quota"
)

var (
	accountsBucket = []byte("accounts")
	quotaBucket    = []byte("quota")
)

// BoltStore implements models.AccountStore on a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{accountsBucket, quotaBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Sync upserts roster fields, keeping any stored cursor and fetch time, and
// disables stored accounts missing from accounts.
func (s *BoltStore) Sync(ctx context.Context, accounts []models.TrackedAccount) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)

		inRoster := make(map[string]bool, len(accounts))
		for _, a := range accounts {
			inRoster[a.ID] = true
		}

		var dropped []models.TrackedAccount
		err := b.ForEach(func(k, v []byte) error {
			if inRoster[string(k)] {
				return nil
			}
			var a models.TrackedAccount
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode account %s: %w", k, err)
			}
			if a.Enabled {
				a.Enabled = false
				dropped = append(dropped, a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// bbolt forbids writes inside ForEach.
		for _, a := range dropped {
			if err := putJSON(b, a.ID, a); err != nil {
				return err
			}
		}

		for _, a := range accounts {
			next := a.Clone()
			next.Enabled = true
			if data := b.Get([]byte(a.ID)); data != nil {
				var existing models.TrackedAccount
				if err := json.Unmarshal(data, &existing); err != nil {
					return fmt.Errorf("decode account %s: %w", a.ID, err)
				}
				next.Cursor = existing.Cursor
				next.LastFetchedAt = existing.LastFetchedAt
			}
			if err := putJSON(b, a.ID, next); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns enabled accounts ordered by tier, then handle.
func (s *BoltStore) List(ctx context.Context) ([]models.TrackedAccount, error) {
	var accounts []models.TrackedAccount
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			var a models.TrackedAccount
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode account %s: %w", k, err)
			}
			if a.Enabled {
				accounts = append(accounts, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Tier != accounts[j].Tier {
			return accounts[i].Tier < accounts[j].Tier
		}
		return accounts[i].Handle < accounts[j].Handle
	})
	return accounts, nil
}

// UpdateLastFetched records the cursor and fetch time for id.
func (s *BoltStore) UpdateLastFetched(ctx context.Context, id, cursor string, fetchedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("account %s not found", id)
		}
		var a models.TrackedAccount
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decode account %s: %w", id, err)
		}
		a.Cursor = cursor
		a.LastFetchedAt = &fetchedAt
		return putJSON(b, id, a)
	})
}

// SaveQuota replaces the stored quota windows with states.
func (s *BoltStore) SaveQuota(states []quota.State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(quotaBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(quotaBucket)
		if err != nil {
			return err
		}
		for _, st := range states {
			if err := putJSON(b, st.Endpoint, st); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadQuota returns the stored quota windows.
func (s *BoltStore) LoadQuota() ([]quota.State, error) {
	var states []quota.State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(quotaBucket).ForEach(func(k, v []byte) error {
			var st quota.State
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode quota window %s: %w", k, err)
			}
			states = append(states, st)
			return nil
		})
	})
	return states, err
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

var _ models.AccountStore = (*BoltStore)(nil)
