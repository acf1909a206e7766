package exchange

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const satsPerBTC = 100_000_000

// Rate is a point-in-time conversion rate for one fiat currency.
type Rate struct {
	Currency    string    `json:"currency"`
	BTCPrice    float64   `json:"btc_price"`
	SatsPerUnit float64   `json:"sats_per_unit"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Service caches spot prices per currency so POS clients polling the rate
// endpoint do not hammer the upstream price API.
type Service struct {
	provider PriceProvider
	clock    clock.Clock
	ttl      time.Duration

	mu    sync.Mutex
	rates map[string]Rate
}

func NewService(provider PriceProvider, clk clock.Clock, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		provider: provider,
		clock:    clk,
		ttl:      ttl,
		rates:    make(map[string]Rate),
	}
}

// GetRate returns the cached rate for currency, refreshing it from the
// provider when the cached value is older than the TTL.
func (s *Service) GetRate(ctx context.Context, currency string) (Rate, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}

	now := s.clock.Now()

	s.mu.Lock()
	cached, ok := s.rates[currency]
	s.mu.Unlock()
	if ok && now.Sub(cached.FetchedAt) < s.ttl {
		return cached, nil
	}

	price, err := s.provider.GetPrice(ctx, currency)
	if err != nil {
		// A stale rate beats no rate for a display conversion.
		if ok {
			return cached, nil
		}
		return Rate{}, fmt.Errorf("failed to fetch %s rate: %w", currency, err)
	}

	rate := Rate{
		Currency:    currency,
		BTCPrice:    price,
		SatsPerUnit: satsPerBTC / price,
		FetchedAt:   now,
	}

	s.mu.Lock()
	s.rates[currency] = rate
	s.mu.Unlock()

	return rate, nil
}

// FiatToSats converts a fiat amount to whole sats, rounding to nearest.
func (s *Service) FiatToSats(ctx context.Context, currency string, amount float64) (int64, error) {
	rate, err := s.GetRate(ctx, currency)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(amount * rate.SatsPerUnit)), nil
}
