package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/valutatrade/parser-service/internal/config"
	"github.com/valutatrade/parser-service/internal/provider"
	"github.com/valutatrade/parser-service/internal/updater"
)

// Tier is one of the two scheduling cadences, each bound to one rate source
type Tier string

const (
	TierFiat   Tier = "fiat"
	TierCrypto Tier = "crypto"
)

// stopWait bounds how long Stop waits for an in-flight update. Shutdown is
// best effort, not a guaranteed drain.
const stopWait = 2 * time.Second

// SchedulerStatus is a point-in-time snapshot of the scheduler state
type SchedulerStatus struct {
	Running          bool   `json:"running"`
	LastFiatUpdate   string `json:"last_fiat_update,omitempty"`
	LastCryptoUpdate string `json:"last_crypto_update,omitempty"`
	NextFiatUpdate   string `json:"next_fiat_update,omitempty"`
	NextCryptoUpdate string `json:"next_crypto_update,omitempty"`
	TotalUpdates     int    `json:"total_updates"`
	FailedUpdates    int    `json:"failed_updates"`
}

// RatesScheduler drives periodic refresh with two independent
// self-rescheduling timer chains (fiat cadence and crypto cadence). Each
// tier reschedules itself after every run, so drift accumulates by the run
// duration per cycle; this is accepted, not corrected.
type RatesScheduler struct {
	updater *updater.RatesUpdater
	logger  *logrus.Logger

	fiatInterval    time.Duration
	cryptoInterval  time.Duration
	overlapRetry    time.Duration
	updateTimeout   time.Duration
	allowConcurrent bool

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu          sync.Mutex
	running     bool
	fiatTimer   *time.Timer
	cryptoTimer *time.Timer
	status      SchedulerStatus
}

// New creates a scheduler over the given updater
func New(ratesUpdater *updater.RatesUpdater, cfg *config.Config, logger *logrus.Logger) *RatesScheduler {
	ratesScheduler := &RatesScheduler{
		updater:         ratesUpdater,
		logger:          logger,
		fiatInterval:    cfg.FiatUpdateInterval,
		cryptoInterval:  cfg.CryptoUpdateInterval,
		overlapRetry:    cfg.OverlapRetryDelay,
		updateTimeout:   cfg.UpdateTimeout,
		allowConcurrent: cfg.AllowConcurrentUpdates,
	}

	logger.Infof("scheduler initialized: fiat every %s, crypto every %s",
		cfg.FiatUpdateInterval, cfg.CryptoUpdateInterval)
	return ratesScheduler
}

// Start activates both tiers with an immediate first run. Starting an
// already-running scheduler is a warning no-op.
func (ratesScheduler *RatesScheduler) Start() {
	ratesScheduler.mu.Lock()
	if ratesScheduler.running {
		ratesScheduler.mu.Unlock()
		ratesScheduler.logger.Warn("scheduler already running")
		return
	}
	ratesScheduler.running = true
	ratesScheduler.status.Running = true

	ratesScheduler.scheduleLocked(TierFiat, 0)
	ratesScheduler.scheduleLocked(TierCrypto, 0)
	ratesScheduler.mu.Unlock()

	ratesScheduler.logger.Infof("scheduler started: fiat every %s, crypto every %s",
		ratesScheduler.fiatInterval, ratesScheduler.cryptoInterval)
}

// Stop cancels pending timers and waits briefly for an in-flight update.
// Stopping an already-stopped scheduler is a warning no-op.
func (ratesScheduler *RatesScheduler) Stop() {
	ratesScheduler.mu.Lock()
	if !ratesScheduler.running {
		ratesScheduler.mu.Unlock()
		ratesScheduler.logger.Warn("scheduler already stopped")
		return
	}
	ratesScheduler.running = false
	ratesScheduler.status.Running = false

	if ratesScheduler.fiatTimer != nil {
		ratesScheduler.fiatTimer.Stop()
		ratesScheduler.fiatTimer = nil
	}
	if ratesScheduler.cryptoTimer != nil {
		ratesScheduler.cryptoTimer.Stop()
		ratesScheduler.cryptoTimer = nil
	}
	totalUpdates := ratesScheduler.status.TotalUpdates
	failedUpdates := ratesScheduler.status.FailedUpdates
	ratesScheduler.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ratesScheduler.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWait):
		ratesScheduler.logger.Warn("in-flight update did not finish before shutdown deadline")
	}

	ratesScheduler.logger.Infof("scheduler stopped: %d updates total, %d failed", totalUpdates, failedUpdates)
}

// Status returns a snapshot copy of the scheduler state
func (ratesScheduler *RatesScheduler) Status() SchedulerStatus {
	ratesScheduler.mu.Lock()
	defer ratesScheduler.mu.Unlock()
	return ratesScheduler.status
}

// scheduleLocked arms the next timer for a tier, replacing the tier's
// previous timer so each tier holds exactly one reference. The caller holds
// the lock.
func (ratesScheduler *RatesScheduler) scheduleLocked(tier Tier, delay time.Duration) {
	if !ratesScheduler.running {
		return
	}

	timer := time.AfterFunc(delay, func() {
		ratesScheduler.runTier(tier)
	})

	nextRun := time.Now().Add(delay).UTC().Format(time.RFC3339)
	switch tier {
	case TierFiat:
		if ratesScheduler.fiatTimer != nil {
			ratesScheduler.fiatTimer.Stop()
		}
		ratesScheduler.fiatTimer = timer
		ratesScheduler.status.NextFiatUpdate = nextRun
	case TierCrypto:
		if ratesScheduler.cryptoTimer != nil {
			ratesScheduler.cryptoTimer.Stop()
		}
		ratesScheduler.cryptoTimer = timer
		ratesScheduler.status.NextCryptoUpdate = nextRun
	}
}

func (ratesScheduler *RatesScheduler) schedule(tier Tier, delay time.Duration) {
	ratesScheduler.mu.Lock()
	defer ratesScheduler.mu.Unlock()
	ratesScheduler.scheduleLocked(tier, delay)
}

func (ratesScheduler *RatesScheduler) intervalFor(tier Tier) time.Duration {
	if tier == TierFiat {
		return ratesScheduler.fiatInterval
	}
	return ratesScheduler.cryptoInterval
}

func sourceFor(tier Tier) string {
	if tier == TierFiat {
		return provider.NameExchangeRate
	}
	return provider.NameCoinGecko
}

// runTier executes one scheduled update for a tier and always reschedules
// the tier on its normal cadence, success or failure. A failing tier keeps
// retrying; it is never disabled.
func (ratesScheduler *RatesScheduler) runTier(tier Tier) {
	ratesScheduler.mu.Lock()
	running := ratesScheduler.running
	ratesScheduler.mu.Unlock()
	if !running {
		return
	}

	// The in-flight claim and the skip decision are a single CAS so two
	// tiers firing together cannot both pass the guard.
	if !ratesScheduler.allowConcurrent {
		if !ratesScheduler.inFlight.CompareAndSwap(false, true) {
			ratesScheduler.logger.Warnf("skipping %s update: another update is in flight", tier)
			ratesScheduler.schedule(tier, ratesScheduler.overlapRetry)
			return
		}
		defer ratesScheduler.inFlight.Store(false)
	}

	ratesScheduler.wg.Add(1)
	defer ratesScheduler.wg.Done()
	defer ratesScheduler.schedule(tier, ratesScheduler.intervalFor(tier))

	sourceName := sourceFor(tier)
	startedAt := time.Now().UTC().Format(time.RFC3339)
	ratesScheduler.logger.Infof("scheduled %s update via %s", tier, sourceName)

	ctx, cancel := context.WithTimeout(context.Background(), ratesScheduler.updateTimeout)
	defer cancel()

	result, err := ratesScheduler.updater.RunUpdateForSource(ctx, sourceName)

	ratesScheduler.mu.Lock()
	ratesScheduler.status.TotalUpdates++
	switch tier {
	case TierFiat:
		ratesScheduler.status.LastFiatUpdate = startedAt
	case TierCrypto:
		ratesScheduler.status.LastCryptoUpdate = startedAt
	}
	if err != nil {
		ratesScheduler.status.FailedUpdates++
	}
	ratesScheduler.mu.Unlock()

	if err != nil {
		ratesScheduler.logger.Errorf("scheduled %s update failed: %v", tier, err)
		return
	}
	ratesScheduler.logger.Infof("scheduled %s update done: %d rates", tier, result.TotalRates)
}
