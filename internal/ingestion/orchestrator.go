package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Dean-Rough/transferjuice/internal/logging"
	"github.com/Dean-Rough/transferjuice/internal/metrics"
	"github.com/Dean-Rough/transferjuice/internal/models"
)

// OrchestratorConfig tunes account fetching.
type OrchestratorConfig struct {
	Retry      RetryPolicy
	MaxResults int
	// FallbackConcurrency bounds simultaneous secondary-path fetches.
	FallbackConcurrency int
	// Window optionally restricts first fetches (empty cursor) to recent posts.
	Window time.Duration
}

// Orchestrator chooses a fetch path per account. The primary path is always
// tried first; accounts it refuses for quota go to the secondary path.
type Orchestrator struct {
	primary   PrimaryFetcher
	secondary SecondaryFetcher
	store     models.AccountStore
	config    OrchestratorConfig
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

// NewOrchestrator wires the fetch paths. secondary may be nil (no fallback
// configured); store may be nil (cursors are not persisted).
func NewOrchestrator(
	primary PrimaryFetcher,
	secondary SecondaryFetcher,
	store models.AccountStore,
	config OrchestratorConfig,
	logger *slog.Logger,
	collector *metrics.Collector,
) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	if config.FallbackConcurrency < 1 {
		config.FallbackConcurrency = 1
	}
	return &Orchestrator{
		primary:   primary,
		secondary: secondary,
		store:     store,
		config:    config,
		logger:    logger.With("component", "orchestrator"),
		metrics:   collector,
		now:       time.Now,
	}
}

// FetchTimeline fetches one account's posts newer than sinceCursor. A quota
// refusal on the primary path is answered by the secondary path when one is
// configured; its result is what the caller sees. Failures are returned as
// *DegradedFetchError.
func (o *Orchestrator) FetchTimeline(ctx context.Context, account models.TrackedAccount, sinceCursor string) ([]models.NormalizedUpdate, error) {
	account.Cursor = sinceCursor

	out := o.fetchPrimary(ctx, account)
	switch out.Kind {
	case OutcomeOK:
		o.advance(ctx, account, out.Updates)
		return out.Updates, nil
	case OutcomeQuotaExceeded:
		return o.fallback(ctx, account, out)
	default:
		return nil, o.degraded(account, out)
	}
}

// FetchAllAccounts fetches every account, primary path first. Accounts
// refused for quota are collected and fetched in one bounded-concurrency
// pass over the secondary path. Per-account failures never abort the batch;
// they are returned together as a *BatchError alongside the results that
// did succeed.
func (o *Orchestrator) FetchAllAccounts(ctx context.Context, accounts []models.TrackedAccount) (map[string][]models.NormalizedUpdate, error) {
	ordered := orderAccounts(accounts)
	results := make(map[string][]models.NormalizedUpdate, len(ordered))

	var (
		exhausted []models.TrackedAccount
		outcomes  = make(map[string]FetchOutcome)
		failures  []*DegradedFetchError
	)

	for _, account := range ordered {
		out := o.fetchPrimary(ctx, account)
		switch out.Kind {
		case OutcomeOK:
			o.advance(ctx, account, out.Updates)
			results[account.ID] = out.Updates
		case OutcomeQuotaExceeded:
			exhausted = append(exhausted, account)
			outcomes[account.ID] = out
		default:
			failures = append(failures, o.degraded(account, out))
		}
	}

	if len(exhausted) > 0 {
		o.logger.Info("primary quota exhausted, falling back",
			"accounts", len(exhausted),
			"fallback_configured", o.secondary != nil,
		)

		var (
			mu        sync.Mutex
			wg        sync.WaitGroup
			semaphore = make(chan struct{}, o.config.FallbackConcurrency)
		)
		for _, account := range exhausted {
			wg.Add(1)
			go func(account models.TrackedAccount) {
				defer wg.Done()

				semaphore <- struct{}{}
				defer func() { <-semaphore }()

				updates, err := o.fallback(ctx, account, outcomes[account.ID])

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					var degraded *DegradedFetchError
					if errors.As(err, &degraded) {
						failures = append(failures, degraded)
					}
					return
				}
				results[account.ID] = updates
			}(account)
		}
		wg.Wait()
	}

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].AccountID < failures[j].AccountID })
		return results, &BatchError{Failures: failures}
	}
	return results, nil
}

func (o *Orchestrator) fetchPrimary(ctx context.Context, account models.TrackedAccount) FetchOutcome {
	req := o.request(account)
	return RetryOutcome(ctx, o.config.Retry, func() FetchOutcome {
		return o.primary.FetchTimeline(ctx, account, req)
	})
}

func (o *Orchestrator) fallback(ctx context.Context, account models.TrackedAccount, quotaOut FetchOutcome) ([]models.NormalizedUpdate, error) {
	if o.secondary == nil {
		return nil, o.degraded(account, quotaOut)
	}

	o.metrics.ObserveFallback(1)
	updates, err := o.secondary.FetchTimeline(ctx, account, o.request(account))
	if err != nil {
		o.metrics.ObserveFetch(string(models.FetchPathSecondary), "failed")
		return nil, o.degraded(account, FetchOutcome{
			Kind:    OutcomeQuotaExceeded,
			ResetAt: quotaOut.ResetAt,
			Err:     fmt.Errorf("%w: %w (primary: %v)", errFallbackFailed, err, quotaOut.Err),
		})
	}

	o.metrics.ObserveFetch(string(models.FetchPathSecondary), OutcomeOK.String())
	o.advance(ctx, account, updates)
	return updates, nil
}

func (o *Orchestrator) request(account models.TrackedAccount) FetchRequest {
	req := FetchRequest{Cursor: account.Cursor, MaxResults: o.config.MaxResults}
	if account.Cursor == "" && o.config.Window > 0 {
		req.StartTime = o.now().Add(-o.config.Window)
	}
	return req
}

// advance moves the account cursor past the newest fetched post and records
// the fetch time. Persistence failures are logged; the next sweep refetches.
func (o *Orchestrator) advance(ctx context.Context, account models.TrackedAccount, updates []models.NormalizedUpdate) {
	if o.store == nil {
		return
	}
	cursor := models.NewestUpdateID(updates, account.Cursor)
	if err := o.store.UpdateLastFetched(ctx, account.ID, cursor, o.now()); err != nil {
		o.logger.Error("failed to persist cursor",
			"account", account.Handle,
			"cursor", cursor,
			"error", err,
		)
	}
}

func (o *Orchestrator) degraded(account models.TrackedAccount, out FetchOutcome) *DegradedFetchError {
	err := &DegradedFetchError{
		AccountID: account.ID,
		Handle:    account.Handle,
		Kind:      out.Kind,
		ResetAt:   out.ResetAt,
		Err:       out.Err,
	}
	o.logger.Warn("degraded fetch",
		"account", account.Handle,
		"kind", out.Kind.String(),
		"reset_at", out.ResetAt,
		"error", out.Err,
	)
	return err
}

// orderAccounts sorts by tier, then least recently fetched first; accounts
// never fetched come before any fetched account of the same tier.
func orderAccounts(accounts []models.TrackedAccount) []models.TrackedAccount {
	ordered := make([]models.TrackedAccount, len(accounts))
	for i, a := range accounts {
		ordered[i] = a.Clone()
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		switch {
		case a.LastFetchedAt == nil && b.LastFetchedAt == nil:
			return false
		case a.LastFetchedAt == nil:
			return true
		case b.LastFetchedAt == nil:
			return false
		}
		return a.LastFetchedAt.Before(*b.LastFetchedAt)
	})
	return ordered
}

var _ BatchFetcher = (*Orchestrator)(nil)
