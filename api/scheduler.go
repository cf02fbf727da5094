/*
scheduler.go - Automated amortization scheduler

PURPOSE:
  Runs the daily amortization batch and the monthly review on timers so
  due entries are recognized without operator involvement.

DESIGN:
  - One background goroutine, two tickers (daily check, monthly check)
  - The daily batch is idempotent: a re-run finds nothing due, and races
    are absorbed by the entry status guard, so waking up more often than
    once a day is harmless
  - The monthly review fires on the first run on or after the 1st

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewAmortizationScheduler(svc, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunDaily/RunMonthly endpoints (manual triggers)
  - ../engine/batch.go: The batch jobs themselves
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/prepayment-engine/engine"
)

// AmortizationScheduler drives the batch jobs on a timer.
type AmortizationScheduler struct {
	Engine        *engine.Service
	CheckInterval time.Duration
	Enabled       bool

	log       zerolog.Logger
	ticker    *time.Ticker
	stop      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	lastDay   time.Time
	lastMonth time.Time
}

// NewAmortizationScheduler creates a scheduler with a 1-hour check interval.
func NewAmortizationScheduler(svc *engine.Service, log zerolog.Logger) *AmortizationScheduler {
	return &AmortizationScheduler{
		Engine:        svc,
		CheckInterval: time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (as *AmortizationScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.log.Info().Msg("scheduler disabled, not starting")
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)
	go as.run()

	as.log.Info().Dur("interval", as.CheckInterval).Msg("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (as *AmortizationScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.log.Info().Msg("scheduler stopped")
	}
}

func (as *AmortizationScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start.
	as.tick()

	for {
		select {
		case <-as.ticker.C:
			as.tick()
		case <-as.stop:
			return
		}
	}
}

func (as *AmortizationScheduler) tick() {
	ctx := context.Background()
	now := as.Engine.Now().UTC()
	today := now.Truncate(24 * time.Hour)

	if !as.lastDay.Equal(today) {
		res, err := as.Engine.RunDaily(ctx, now)
		if err != nil {
			as.log.Error().Err(err).Msg("daily run failed")
		} else {
			as.lastDay = today
			if res.Due > 0 {
				as.log.Info().
					Int("processed", res.Processed).
					Int("failed", res.Failed).
					Msg("daily run complete")
			}
		}
	}

	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if !as.lastMonth.Equal(month) {
		if _, err := as.Engine.RunMonthly(ctx, now); err != nil {
			as.log.Error().Err(err).Msg("monthly review failed")
		} else {
			as.lastMonth = month
		}
	}
}
