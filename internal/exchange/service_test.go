package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPriceProvider serves a fixed price and counts upstream calls.
type stubPriceProvider struct {
	price float64
	err   error
	calls int
}

func (p *stubPriceProvider) GetPrice(_ context.Context, _ string) (float64, error) {
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	return p.price, nil
}

func newTestService(price float64) (*Service, *stubPriceProvider, *clock.TestClock) {
	provider := &stubPriceProvider{price: price}
	clk := clock.NewTestClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewService(provider, clk, time.Minute), provider, clk
}

func TestGetRate_CachesWithinTTL(t *testing.T) {
	svc, provider, clk := newTestService(50_000)

	rate, err := svc.GetRate(context.Background(), "usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", rate.Currency)
	assert.Equal(t, 50_000.0, rate.BTCPrice)
	assert.Equal(t, 2000.0, rate.SatsPerUnit)

	clk.SetTime(clk.Now().Add(30 * time.Second))
	_, err = svc.GetRate(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls, "a fresh cache entry must not hit the provider")
}

func TestGetRate_RefreshesAfterTTL(t *testing.T) {
	svc, provider, clk := newTestService(50_000)

	_, err := svc.GetRate(context.Background(), "USD")
	require.NoError(t, err)

	provider.price = 60_000
	clk.SetTime(clk.Now().Add(2 * time.Minute))

	rate, err := svc.GetRate(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 60_000.0, rate.BTCPrice)
	assert.Equal(t, 2, provider.calls)
}

func TestGetRate_StaleFallbackOnProviderError(t *testing.T) {
	svc, provider, clk := newTestService(50_000)

	_, err := svc.GetRate(context.Background(), "USD")
	require.NoError(t, err)

	provider.err = errors.New("api down")
	clk.SetTime(clk.Now().Add(2 * time.Minute))

	rate, err := svc.GetRate(context.Background(), "USD")
	require.NoError(t, err, "a stale rate beats no rate")
	assert.Equal(t, 50_000.0, rate.BTCPrice)
}

func TestGetRate_ErrorWithoutCache(t *testing.T) {
	svc, provider, _ := newTestService(0)
	provider.err = errors.New("api down")

	_, err := svc.GetRate(context.Background(), "USD")
	assert.Error(t, err)
}

func TestGetRate_DefaultCurrencyUSD(t *testing.T) {
	svc, _, _ := newTestService(50_000)

	rate, err := svc.GetRate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "USD", rate.Currency)
}

func TestFiatToSats_RoundsToNearest(t *testing.T) {
	svc, _, _ := newTestService(50_000) // 2000 sats per dollar

	sats, err := svc.FiatToSats(context.Background(), "USD", 1.25)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), sats)

	sats, err = svc.FiatToSats(context.Background(), "USD", 0.0001)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sats)
}
