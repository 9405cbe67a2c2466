/*
scheduler.go - Periodic pending-submission sweep

PURPOSE:
  Lines move between payers when remittances arrive, but the next payer's
  claim is only queued by AdvanceSubmission. The scheduler runs
  SweepPendingSubmissions over every line on a fixed interval so nothing
  waits for a human to press "advance".

DESIGN:
  - One background goroutine, one sweep at a time
  - Runs once immediately on Start
  - Per-line failures are logged by the engine and retried next tick
  - The last BatchResult is kept for the admin endpoint and tests

USAGE:
  scheduler := NewSubmissionScheduler(engine, 5*time.Minute, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: SweepPendingSubmissions endpoint (manual sweep)
  - billing/engine.go: SweepLines
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

// Sweeper is the engine surface the scheduler drives.
type Sweeper interface {
	SweepPendingSubmissions(ctx context.Context, invoice *billing.InvoiceKey) (*billing.BatchResult, error)
}

type SubmissionScheduler struct {
	Sweeper       Sweeper
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastRun    time.Time
	lastResult *billing.BatchResult
}

func NewSubmissionScheduler(sweeper Sweeper, interval time.Duration, log zerolog.Logger) *SubmissionScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SubmissionScheduler{
		Sweeper:       sweeper,
		CheckInterval: interval,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. Calling it twice is a no-op.
func (s *SubmissionScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().Dur("interval", s.CheckInterval).Msg("started")
}

// Stop cancels an in-flight sweep and waits for the goroutine to exit.
func (s *SubmissionScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("stopped")
}

func (s *SubmissionScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SubmissionScheduler) sweep(ctx context.Context) {
	start := time.Now()
	res, err := s.Sweeper.SweepPendingSubmissions(ctx, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return
	}

	for key, lineErr := range res.Failed {
		s.log.Warn().Err(lineErr).Str("line", key.String()).Msg("line not advanced")
	}
	s.log.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", len(res.Failed)).
		Dur("took", time.Since(start)).
		Msg("sweep completed")

	s.mu.Lock()
	s.lastRun = start
	s.lastResult = res
	s.mu.Unlock()
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *SubmissionScheduler) RunNow(ctx context.Context) {
	s.sweep(ctx)
}

// LastResult returns the most recent completed sweep, if any.
func (s *SubmissionScheduler) LastResult() (time.Time, *billing.BatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastResult
}
