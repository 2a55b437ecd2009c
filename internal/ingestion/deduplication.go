package ingestion

import (
	"sync"
	"time"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

// Deduplicator identifies updates already published.
type Deduplicator interface {
	// IsNew checks if an update id has not been seen.
	IsNew(id string) bool

	// Mark records an update id as seen.
	Mark(id string)

	// Cleanup removes entries marked before olderThan.
	Cleanup(olderThan time.Time)
}

// MemoryDeduplicator implements in-memory deduplication keyed by update id.
// Post ids are global upstream, so the same post fetched through both paths
// collapses to one entry.
type MemoryDeduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration // How long to keep ids
	now    func() time.Time
}

// NewMemoryDeduplicator creates a new in-memory deduplicator.
func NewMemoryDeduplicator(window time.Duration) *MemoryDeduplicator {
	return &MemoryDeduplicator{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func (d *MemoryDeduplicator) IsNew(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.seen[id]
	return !exists
}

func (d *MemoryDeduplicator) Mark(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = d.now()
}

func (d *MemoryDeduplicator) Cleanup(olderThan time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.seen {
		if at.Before(olderThan) {
			delete(d.seen, id)
		}
	}
}

// Expire drops entries older than the configured window.
func (d *MemoryDeduplicator) Expire() {
	if d.window > 0 {
		d.Cleanup(d.now().Add(-d.window))
	}
}

// Size returns the number of ids in the cache.
func (d *MemoryDeduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// DeduplicationStats tracks deduplication metrics.
type DeduplicationStats struct {
	TotalProcessed int     `json:"total_processed"`
	Duplicates     int     `json:"duplicates"`
	Unique         int     `json:"unique"`
	DuplicateRate  float64 `json:"duplicate_rate"`
}

// DeduplicationFilter wraps a deduplicator to track statistics.
type DeduplicationFilter struct {
	mu    sync.Mutex
	dedup Deduplicator
	stats DeduplicationStats
}

// NewDeduplicationFilter creates a new filter with stats tracking.
func NewDeduplicationFilter(dedup Deduplicator) *DeduplicationFilter {
	return &DeduplicationFilter{
		dedup: dedup,
	}
}

// Filter removes updates already seen, including repeats within updates.
func (f *DeduplicationFilter) Filter(updates []models.NormalizedUpdate) []models.NormalizedUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()

	unique := make([]models.NormalizedUpdate, 0, len(updates))

	for _, u := range updates {
		f.stats.TotalProcessed++

		if f.dedup.IsNew(u.ID) {
			f.dedup.Mark(u.ID)
			unique = append(unique, u)
			f.stats.Unique++
		} else {
			f.stats.Duplicates++
		}
	}

	if f.stats.TotalProcessed > 0 {
		f.stats.DuplicateRate = float64(f.stats.Duplicates) / float64(f.stats.TotalProcessed)
	}

	return unique
}

// GetStats returns the current deduplication statistics.
func (f *DeduplicationFilter) GetStats() DeduplicationStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// ResetStats clears the statistics counters.
func (f *DeduplicationFilter) ResetStats() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = DeduplicationStats{}
}
