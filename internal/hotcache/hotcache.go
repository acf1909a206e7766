// Package hotcache mirrors active payment intents into Redis for the
// low-latency read path. The mirror is advisory: every consumer falls back
// to the intent store on a miss or error, and claiming never consults it.
package hotcache

import (
	"context"
	"encoding/json"
	"time"

	"blinkpos-broker/internal/intent"
	"blinkpos-broker/pkg/cache"
	"blinkpos-broker/pkg/logger"

	"go.uber.org/zap"
)

const keyPrefix = "intent:"

// DefaultActiveTTL bounds how long a mirrored pending intent may outlive
// its last store read.
const DefaultActiveTTL = 15 * time.Minute

// Mirror is the advisory low-latency view of active intents.
type Mirror interface {
	// Put stores a snapshot with the given TTL. Failures are swallowed.
	Put(ctx context.Context, it *intent.PaymentIntent, ttl time.Duration)
	// Get returns the mirrored intent, or false on miss or error.
	Get(ctx context.Context, paymentHash string) (*intent.PaymentIntent, bool)
	// Delete evicts one or more hashes. Failures are swallowed.
	Delete(ctx context.Context, paymentHashes ...string)
}

// RedisMirror implements Mirror on the shared Redis client.
type RedisMirror struct {
	cache *cache.Client
}

func NewRedisMirror(c *cache.Client) *RedisMirror {
	return &RedisMirror{cache: c}
}

var _ Mirror = (*RedisMirror)(nil)

func (m *RedisMirror) Put(ctx context.Context, it *intent.PaymentIntent, ttl time.Duration) {
	data, err := json.Marshal(it)
	if err != nil {
		logger.Error("Failed to marshal intent for hot cache",
			zap.String("payment_hash", it.PaymentHash), zap.Error(err))
		return
	}
	if err := m.cache.Set(ctx, keyPrefix+it.PaymentHash, data, ttl); err != nil {
		logger.Warn("Hot cache put failed",
			zap.String("payment_hash", it.PaymentHash), zap.Error(err))
	}
}

func (m *RedisMirror) Get(ctx context.Context, paymentHash string) (*intent.PaymentIntent, bool) {
	val, err := m.cache.Get(ctx, keyPrefix+paymentHash)
	if err != nil || val == "" {
		return nil, false
	}

	var it intent.PaymentIntent
	if err := json.Unmarshal([]byte(val), &it); err != nil {
		logger.Warn("Corrupt intent in hot cache, evicting",
			zap.String("payment_hash", paymentHash), zap.Error(err))
		m.Delete(ctx, paymentHash)
		return nil, false
	}
	return &it, true
}

func (m *RedisMirror) Delete(ctx context.Context, paymentHashes ...string) {
	if len(paymentHashes) == 0 {
		return
	}
	keys := make([]string, len(paymentHashes))
	for i, hash := range paymentHashes {
		keys[i] = keyPrefix + hash
	}
	if _, err := m.cache.Delete(ctx, keys...); err != nil {
		logger.Warn("Hot cache delete failed", zap.Strings("payment_hashes", paymentHashes), zap.Error(err))
	}
}

// Noop is the mirror used when hot_cache_enabled is off.
type Noop struct{}

var _ Mirror = Noop{}

func (Noop) Put(context.Context, *intent.PaymentIntent, time.Duration) {}

func (Noop) Get(context.Context, string) (*intent.PaymentIntent, bool) { return nil, false }

func (Noop) Delete(context.Context, ...string) {}
