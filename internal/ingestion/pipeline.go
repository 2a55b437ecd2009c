package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/logging"
	"github.com/Dean-Rough/transferjuice/internal/metrics"
	"github.com/Dean-Rough/transferjuice/internal/models"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Publisher receives classified items; *broadcast.Broadcaster satisfies it.
type Publisher interface {
	Broadcast(t broadcast.EventType, data any, route broadcast.Route) (broadcast.Message, error)
}

// PipelineConfig holds configuration for the ingestion pipeline.
type PipelineConfig struct {
	DedupWindow     time.Duration
	ProfileBaseURL  string
	BreakingMarkers []string
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		DedupWindow:    24 * time.Hour,
		ProfileBaseURL: "https://x.com",
	}
}

// DegradedAccount is a SweepReport entry for an account with no result.
type DegradedAccount struct {
	AccountID string    `json:"account_id"`
	Handle    string    `json:"handle"`
	Reason    string    `json:"reason"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
	Error     string    `json:"error"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Accounts   int               `json:"accounts"`
	Fetched    int               `json:"fetched"`
	Duplicates int               `json:"duplicates"`
	Published  int               `json:"published"`
	Breaking   int               `json:"breaking"`
	Degraded   []DegradedAccount `json:"degraded,omitempty"`
}

// Pipeline runs sweeps: fetch the roster, drop duplicates, classify, and
// publish in chronological order.
type Pipeline struct {
	store      models.AccountStore
	fetcher    BatchFetcher
	dedup      *MemoryDeduplicator
	filter     *DeduplicationFilter
	classifier *Classifier
	publisher  Publisher
	recorder   models.IngestionErrorRecorder
	logger     *slog.Logger
	metrics    *metrics.Collector
	config     PipelineConfig

	mu      sync.Mutex
	running bool
	idle    chan struct{} // closed when the running sweep returns
	last    *SweepReport
}

// NewPipeline creates a new ingestion pipeline. recorder may be nil.
func NewPipeline(
	store models.AccountStore,
	fetcher BatchFetcher,
	publisher Publisher,
	recorder models.IngestionErrorRecorder,
	logger *slog.Logger,
	collector *metrics.Collector,
	config PipelineConfig,
) *Pipeline {
	if logger == nil {
		logger = logging.Discard()
	}
	dedup := NewMemoryDeduplicator(config.DedupWindow)

	return &Pipeline{
		store:      store,
		fetcher:    fetcher,
		dedup:      dedup,
		filter:     NewDeduplicationFilter(dedup),
		classifier: NewClassifier(config.BreakingMarkers),
		publisher:  publisher,
		recorder:   recorder,
		logger:     logger.With("component", "pipeline"),
		metrics:    collector,
		config:     config,
	}
}

// Sweep fetches every stored account once and publishes what is new.
// Degraded accounts are listed in the report and also returned as a
// *BatchError; the report is complete either way.
func (p *Pipeline) Sweep(ctx context.Context) (SweepReport, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return SweepReport{}, ErrSweepInProgress
	}
	p.running = true
	idle := make(chan struct{})
	p.idle = idle
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(idle)
	}()

	report := SweepReport{StartedAt: time.Now()}

	accounts, err := p.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	report.Accounts = len(accounts)
	byID := make(map[string]models.TrackedAccount, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	results, fetchErr := p.fetcher.FetchAllAccounts(ctx, accounts)

	var batchErr *BatchError
	if fetchErr != nil && !errors.As(fetchErr, &batchErr) {
		return report, fmt.Errorf("fetch accounts: %w", fetchErr)
	}
	if batchErr != nil {
		for _, f := range batchErr.Failures {
			report.Degraded = append(report.Degraded, DegradedAccount{
				AccountID: f.AccountID,
				Handle:    f.Handle,
				Reason:    string(f.ErrorType()),
				ResetAt:   f.ResetAt,
				Error:     f.Err.Error(),
			})
			p.record(ctx, f)
		}
	}

	var fetched []models.NormalizedUpdate
	for _, updates := range results {
		fetched = append(fetched, updates...)
	}
	report.Fetched = len(fetched)

	fresh := p.filter.Filter(fetched)
	report.Duplicates = len(fetched) - len(fresh)

	sort.SliceStable(fresh, func(i, j int) bool {
		if !fresh[i].CreatedAt.Equal(fresh[j].CreatedAt) {
			return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
		}
		return models.CompareUpdateIDs(fresh[i].ID, fresh[j].ID) < 0
	})

	for _, u := range fresh {
		item := p.classifier.Classify(byID[u.SourceAccountID], u)
		eventType, route := p.classifier.Route(item)
		if _, err := p.publisher.Broadcast(eventType, item, route); err != nil {
			return report, fmt.Errorf("publish %s: %w", u.ID, err)
		}
		report.Published++
		if eventType == broadcast.EventBreakingNews {
			report.Breaking++
		}
	}

	p.dedup.Expire()

	report.FinishedAt = time.Now()
	p.metrics.ObserveSweep(report.FinishedAt.Sub(report.StartedAt))

	p.mu.Lock()
	last := report
	p.last = &last
	p.mu.Unlock()

	p.logger.Info("sweep completed",
		"accounts", report.Accounts,
		"fetched", report.Fetched,
		"duplicates", report.Duplicates,
		"published", report.Published,
		"breaking", report.Breaking,
		"degraded", len(report.Degraded),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)

	if batchErr != nil {
		return report, batchErr
	}
	return report, nil
}

// LastReport returns the most recent completed sweep.
func (p *Pipeline) LastReport() (SweepReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return SweepReport{}, false
	}
	return *p.last, true
}

// IsRunning returns whether a sweep is in progress.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until no sweep is running or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	running, idle := p.running, p.idle
	p.mu.Unlock()
	if !running {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DedupStats returns cumulative deduplication statistics.
func (p *Pipeline) DedupStats() DeduplicationStats {
	return p.filter.GetStats()
}

func (p *Pipeline) record(ctx context.Context, f *DegradedFetchError) {
	if p.recorder == nil {
		return
	}

	metadata, _ := json.Marshal(map[string]any{
		"kind":     f.Kind.String(),
		"reset_at": f.ResetAt,
	})
	rec := models.IngestionError{
		ID:        uuid.NewString(),
		Platform:  "twitter",
		ErrorType: string(f.ErrorType()),
		AccountID: f.AccountID,
		URL:       p.config.ProfileBaseURL + "/" + f.Handle,
		ErrorMsg:  f.Err.Error(),
		Metadata:  string(metadata),
		CreatedAt: time.Now(),
	}
	if err := p.recorder.Store(ctx, rec); err != nil {
		p.logger.Error("failed to record degraded fetch", "account", f.Handle, "error", err)
	}
}
