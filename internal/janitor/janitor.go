// Package janitor expires stale payment intents. It is the only producer of
// the expired status.
package janitor

import (
	"context"
	"time"

	"blinkpos-broker/internal/claim"
	"blinkpos-broker/internal/hotcache"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/internal/metrics"
	"blinkpos-broker/pkg/logger"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"go.uber.org/zap"
)

// Janitor periodically sweeps intents past their expiry into the terminal
// expired state, evicts their hot-cache entries and records audit events.
type Janitor struct {
	store   intent.Store
	claimer *claim.Claimer
	mirror  hotcache.Mirror
	clock   clock.Clock
	ticker  ticker.Ticker
	metrics *metrics.Metrics
}

func New(store intent.Store, claimer *claim.Claimer, mirror hotcache.Mirror, clk clock.Clock, tick ticker.Ticker, m *metrics.Metrics) *Janitor {
	if mirror == nil {
		mirror = hotcache.Noop{}
	}
	return &Janitor{
		store:   store,
		claimer: claimer,
		mirror:  mirror,
		clock:   clk,
		ticker:  tick,
		metrics: m,
	}
}

// Run sweeps on every tick until ctx is cancelled. Sweep errors are logged
// and the loop keeps going; a broken store this tick may be healthy the next.
func (j *Janitor) Run(ctx context.Context) {
	j.ticker.Resume()
	defer j.ticker.Stop()

	logger.Info("Janitor started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Janitor stopped")
			return
		case <-j.ticker.Ticks():
			if _, err := j.Sweep(ctx); err != nil {
				logger.Error("Janitor sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep expires everything past its expires_at and returns the affected
// payment hashes.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	now := j.clock.Now().UTC()

	expired, err := j.store.ExpireBefore(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	j.mirror.Delete(ctx, expired...)
	j.metrics.IntentsExpired.Add(float64(len(expired)))

	for _, hash := range expired {
		j.claimer.AppendEvent(ctx, intent.Event{
			PaymentHash: hash,
			Kind:        intent.StatusEventKind(intent.Expired),
			Outcome:     intent.OutcomeFailure,
			Metadata:    map[string]string{"expired_at": now.Format(time.RFC3339)},
		})
	}

	logger.Info("Expired stale intents", zap.Int("count", len(expired)))
	return expired, nil
}
