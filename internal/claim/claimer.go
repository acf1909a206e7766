// Package claim orchestrates exclusive forwarding rights over the intent
// store and the hot cache. All entrypoints funnel through Claim so that at
// most one caller per payment hash ever launches a payout.
package claim

import (
	"context"
	"encoding/json"
	"time"

	"blinkpos-broker/internal/hotcache"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/pkg/logger"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

// EventsStream is the Redis stream mirroring the audit log for operator
// tooling.
const EventsStream = "forwarding_events"

// EventPublisher pushes audit events onto a message stream. Satisfied by
// queue.StreamQueue. Publishing is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, data []byte) (string, error)
}

// Claimer is a thin composition of the durable store, the advisory mirror
// and the audit log.
type Claimer struct {
	store     intent.Store
	events    intent.EventStore
	mirror    hotcache.Mirror
	publisher EventPublisher
	clock     clock.Clock
}

func NewClaimer(store intent.Store, events intent.EventStore, mirror hotcache.Mirror, publisher EventPublisher, clk clock.Clock) *Claimer {
	if mirror == nil {
		mirror = hotcache.Noop{}
	}
	return &Claimer{
		store:     store,
		events:    events,
		mirror:    mirror,
		publisher: publisher,
		clock:     clk,
	}
}

// Claim attempts the pending → processing transition. On success the hot
// cache entry is evicted so subsequent reads go through the store, and a
// claimed_for_processing event is appended. source names the entrypoint
// ("webhook" or "client") for tracing.
func (c *Claimer) Claim(ctx context.Context, paymentHash string, source string) (intent.ClaimResult, error) {
	claimMeta := map[string]string{
		intent.MetaClaimedAt:   c.clock.Now().UTC().Format(time.RFC3339),
		intent.MetaClaimSource: source,
		intent.MetaClaimID:     uuid.New().String(),
	}

	res, err := c.store.TryClaim(ctx, paymentHash, claimMeta)
	if err != nil {
		return intent.ClaimResult{}, err
	}

	switch res.Outcome {
	case intent.ClaimGranted:
		c.mirror.Delete(ctx, paymentHash)
		c.appendEvent(ctx, intent.Event{
			PaymentHash: paymentHash,
			Kind:        intent.EventClaimed,
			Outcome:     intent.OutcomeSuccess,
			Metadata:    map[string]string{intent.MetaClaimSource: source},
		})
	case intent.ClaimAlreadyProcessing:
		logger.Info("Intent already claimed by a concurrent worker",
			zap.String("payment_hash", paymentHash), zap.String("source", source))
	case intent.ClaimAlreadyTerminal:
		logger.Info("Intent already terminal, nothing to forward",
			zap.String("payment_hash", paymentHash),
			zap.String("status", res.Status.String()),
			zap.String("source", source))
	}

	return res, nil
}

// Release returns a claimed intent to the pending pool so a later delivery
// can retry it. This is cleanup-path code: failures are logged, never
// propagated.
func (c *Claimer) Release(ctx context.Context, paymentHash string, errMsg string) {
	released, err := c.store.Release(ctx, paymentHash, errMsg)
	if err != nil {
		logger.Error("Failed to release claim",
			zap.String("payment_hash", paymentHash), zap.Error(err))
		return
	}
	if !released {
		logger.Debug("Release found no processing row",
			zap.String("payment_hash", paymentHash))
		return
	}

	c.appendEvent(ctx, intent.Event{
		PaymentHash:  paymentHash,
		Kind:         intent.EventClaimReleased,
		Outcome:      intent.OutcomeFailure,
		ErrorMessage: errMsg,
	})
}

// Complete marks the intent completed and evicts the mirror.
func (c *Claimer) Complete(ctx context.Context, paymentHash string, summary map[string]string) error {
	if err := c.store.MarkStatus(ctx, paymentHash, intent.Completed, summary); err != nil {
		return err
	}
	c.mirror.Delete(ctx, paymentHash)
	c.appendEvent(ctx, intent.Event{
		PaymentHash: paymentHash,
		Kind:        intent.StatusEventKind(intent.Completed),
		Outcome:     intent.OutcomeSuccess,
		Metadata:    summary,
	})
	return nil
}

// Fail marks the intent failed and evicts the mirror.
func (c *Claimer) Fail(ctx context.Context, paymentHash string, errMsg string) error {
	patch := map[string]string{intent.MetaLastError: errMsg}
	if err := c.store.MarkStatus(ctx, paymentHash, intent.Failed, patch); err != nil {
		return err
	}
	c.mirror.Delete(ctx, paymentHash)
	c.appendEvent(ctx, intent.Event{
		PaymentHash:  paymentHash,
		Kind:         intent.StatusEventKind(intent.Failed),
		Outcome:      intent.OutcomeFailure,
		ErrorMessage: errMsg,
	})
	return nil
}

// Lookup reads an intent through the hot cache with a store fallback. On a
// miss the store result repopulates the cache with the active TTL.
func (c *Claimer) Lookup(ctx context.Context, paymentHash string) (*intent.PaymentIntent, error) {
	if it, ok := c.mirror.Get(ctx, paymentHash); ok {
		return it, nil
	}

	it, err := c.store.Get(ctx, paymentHash)
	if err != nil {
		return nil, err
	}
	if it.Status == intent.Pending {
		c.mirror.Put(ctx, it, hotcache.DefaultActiveTTL)
	}
	return it, nil
}

// AppendEvent records an audit event. Exposed for the executor and the
// ingress handlers so every event flows through one best-effort path.
func (c *Claimer) AppendEvent(ctx context.Context, ev intent.Event) {
	c.appendEvent(ctx, ev)
}

func (c *Claimer) appendEvent(ctx context.Context, ev intent.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.clock.Now().UTC()
	}
	if err := c.events.AppendEvent(ctx, ev); err != nil {
		// Audit failures never break the forwarding flow.
		logger.Error("Failed to append forwarding event",
			zap.String("payment_hash", ev.PaymentHash),
			zap.String("kind", ev.Kind),
			zap.Error(err))
	}

	if c.publisher == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to marshal forwarding event", zap.Error(err))
		return
	}
	if _, err := c.publisher.Publish(ctx, EventsStream, data); err != nil {
		logger.Warn("Failed to publish forwarding event to stream", zap.Error(err))
	}
}
