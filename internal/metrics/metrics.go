// Package metrics exposes Prometheus counters for the forwarding pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the broker's Prometheus collectors. A single instance is
// created at startup and shared by injection, so tests can register against
// their own registry.
type Metrics struct {
	ClaimsTotal       *prometheus.CounterVec
	ForwardsTotal     *prometheus.CounterVec
	TipLegsTotal      *prometheus.CounterVec
	IntentsCreated    prometheus.Counter
	IntentsExpired    prometheus.Counter
	WebhooksTotal     *prometheus.CounterVec
	ForwardDurationMs prometheus.Histogram
}

// New registers the broker collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blinkpos_claims_total",
			Help: "TryClaim outcomes by result and ingress source.",
		}, []string{"outcome", "source"}),
		ForwardsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blinkpos_forwards_total",
			Help: "Base leg payout attempts by destination mode and result.",
		}, []string{"mode", "result"}),
		TipLegsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blinkpos_tip_legs_total",
			Help: "Tip leg payout attempts by kind and result.",
		}, []string{"kind", "result"}),
		IntentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "blinkpos_intents_created_total",
			Help: "Payment intents persisted by the invoice API.",
		}),
		IntentsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "blinkpos_intents_expired_total",
			Help: "Intents expired by the janitor.",
		}),
		WebhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blinkpos_webhooks_total",
			Help: "Webhook deliveries by handling result.",
		}, []string{"result"}),
		ForwardDurationMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "blinkpos_forward_duration_ms",
			Help:    "End-to-end plan execution latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}),
	}
}
