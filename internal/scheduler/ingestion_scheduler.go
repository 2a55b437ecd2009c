package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Dean-Rough/transferjuice/internal/ingestion"
	"github.com/Dean-Rough/transferjuice/internal/logging"
)

// Sweeper runs one ingestion sweep; *ingestion.Pipeline satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (ingestion.SweepReport, error)
}

// IngestionScheduler runs sweeps on a fixed interval. A tick that arrives
// while a sweep is still running is skipped.
type IngestionScheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	entry  cron.EntryID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestionScheduler creates a new ingestion scheduler
func NewIngestionScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *IngestionScheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &IngestionScheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "ingestion_scheduler"),
	}
}

// Start schedules sweeps and runs one immediately in the background.
func (s *IngestionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid sweep interval %v", s.interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	log := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	entry, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.run(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron = c
	s.entry = entry
	s.cancel = cancel

	s.logger.Info("Starting ingestion scheduler", "interval", s.interval)
	c.Start()

	// Run once immediately on start
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop halts scheduling, cancels any running sweep and waits for it.
func (s *IngestionScheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel, s.entry = nil, nil, 0
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Ingestion scheduler stopped")
}

// RunNow runs a sweep outside the schedule.
func (s *IngestionScheduler) RunNow(ctx context.Context) (ingestion.SweepReport, error) {
	return s.sweeper.Sweep(ctx)
}

// Next returns the time of the next scheduled sweep, or zero when stopped.
func (s *IngestionScheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *IngestionScheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	report, err := s.sweeper.Sweep(ctx)
	var batch *ingestion.BatchError
	switch {
	case err == nil:
	case errors.Is(err, ingestion.ErrSweepInProgress):
		s.logger.Debug("Sweep skipped, another is running")
	case errors.As(err, &batch):
		s.logger.Warn("Sweep completed with degraded accounts",
			"published", report.Published,
			"degraded", len(batch.Failures),
		)
	default:
		s.logger.Error("Sweep failed", "error", err)
	}
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
