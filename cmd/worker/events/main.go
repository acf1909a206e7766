// The events worker tails the forwarding_events Redis stream and turns the
// audit trail into operator-facing logs and rollup counters. It is read-only:
// payouts are driven entirely by the API process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"blinkpos-broker/config"
	"blinkpos-broker/internal/claim"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/pkg/cache"
	"blinkpos-broker/pkg/logger"
	"blinkpos-broker/pkg/queue"

	"go.uber.org/zap"
)

const (
	consumerGroup     = "blinkpos-operators"
	defaultConfigPath = "config/broker.toml"
)

// rollup keeps in-process counts per event kind/outcome, logged periodically
// so a plain log pipeline gets aggregate visibility without Prometheus.
type rollup struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (r *rollup) bump(kind string, outcome intent.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[kind+"/"+outcome.String()]++
}

func (r *rollup) snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func main() {
	if err := logger.Init(logger.GetEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfgPath := config.Path(defaultConfigPath)
	if fromEnv := os.Getenv("BLINKPOS_CONFIG"); fromEnv != "" {
		cfgPath = config.Path(fromEnv)
	}

	var cfg config.BrokerConfig
	if err := config.Load(cfgPath, &cfg); err != nil {
		logger.Fatal("Failed to load configuration", zap.String("path", cfgPath.ToString()), zap.Error(err))
	}
	if !cfg.Redis.Enabled {
		logger.Fatal("Events worker requires Redis (redis.enabled = true)")
	}

	redisC, err := cache.New(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisC.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.NewStreamQueue(redisC.Redis())
	if err := q.DeclareStream(ctx, claim.EventsStream, consumerGroup); err != nil {
		logger.Fatal("Failed to declare events stream", zap.Error(err))
	}

	counts := &rollup{counts: make(map[string]int64)}
	go logRollups(ctx, counts)

	consumer := fmt.Sprintf("events-%d", os.Getpid())
	logger.Info("Events worker started",
		zap.String("stream", claim.EventsStream),
		zap.String("consumer", consumer))

	if err := q.Consume(ctx, claim.EventsStream, consumerGroup, consumer, func(messageID string, data []byte) error {
		return handleEvent(messageID, data, counts)
	}); err != nil && err != context.Canceled {
		logger.Error("Consumer stopped with error", zap.Error(err))
	}
	logger.Info("Events worker stopped")
}

// handleEvent logs one audit event. A malformed payload is ACKed after
// logging; redelivering it cannot make it parse.
func handleEvent(messageID string, data []byte, counts *rollup) error {
	var ev intent.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Error("Malformed event payload, dropping",
			zap.String("messageID", messageID), zap.Error(err))
		return nil
	}

	counts.bump(ev.Kind, ev.Outcome)

	fields := []zap.Field{
		zap.String("payment_hash", ev.PaymentHash),
		zap.String("kind", ev.Kind),
		zap.String("outcome", ev.Outcome.String()),
		zap.Time("ts", ev.Timestamp),
	}
	if ev.ErrorMessage != "" {
		fields = append(fields, zap.String("error", ev.ErrorMessage))
	}
	if len(ev.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", ev.Metadata))
	}

	if ev.Outcome == intent.OutcomeFailure {
		logger.Warn("Forwarding event", fields...)
	} else {
		logger.Info("Forwarding event", fields...)
	}
	return nil
}

func logRollups(ctx context.Context, counts *rollup) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := counts.snapshot()
			if len(snap) > 0 {
				logger.Info("Event rollup", zap.Any("counts", snap))
			}
		}
	}
}
