package janitor

import (
	"context"
	"testing"
	"time"

	"blinkpos-broker/internal/claim"
	"blinkpos-broker/internal/database"
	"blinkpos-broker/internal/hotcache"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/internal/metrics"
	"blinkpos-broker/pkg/logger"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestJanitor(t *testing.T, grace time.Duration) (*Janitor, *database.MemoryStore, *clock.TestClock) {
	t.Helper()
	clk := clock.NewTestClock(epoch)
	store := database.NewMemoryStore(clk, grace)
	claimer := claim.NewClaimer(store, store, hotcache.Noop{}, nil, clk)
	j := New(store, claimer, hotcache.Noop{}, clk, ticker.NewForce(time.Minute), metrics.New(prometheus.NewRegistry()))
	return j, store, clk
}

func insertIntent(t *testing.T, store *database.MemoryStore, hash string, expiresAt time.Time) {
	t.Helper()
	err := store.Insert(context.Background(), &intent.PaymentIntent{
		PaymentHash:     hash,
		TotalAmountSats: 100,
		BaseAmountSats:  100,
		Status:          intent.Pending,
		CreatedAt:       epoch,
		ExpiresAt:       expiresAt,
	})
	require.NoError(t, err)
}

func TestSweep_ExpiresOnlyStaleIntents(t *testing.T) {
	j, store, clk := newTestJanitor(t, 0)

	insertIntent(t, store, "stale", epoch.Add(15*time.Minute))
	insertIntent(t, store, "fresh", epoch.Add(2*time.Hour))

	clk.SetTime(epoch.Add(16 * time.Minute))

	expired, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, expired)

	stale, err := store.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, intent.Expired, stale.Status)

	fresh, err := store.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, intent.Pending, fresh.Status)
}

func TestSweep_ExpiredIsTerminal(t *testing.T) {
	j, store, clk := newTestJanitor(t, 0)
	claimer := claim.NewClaimer(store, store, hotcache.Noop{}, nil, clk)

	insertIntent(t, store, "late", epoch.Add(15*time.Minute))
	clk.SetTime(epoch.Add(time.Hour))

	_, err := j.Sweep(context.Background())
	require.NoError(t, err)

	// A webhook retry arriving after expiry must not win a claim.
	res, err := claimer.Claim(context.Background(), "late", "webhook")
	require.NoError(t, err)
	assert.Equal(t, intent.ClaimAlreadyTerminal, res.Outcome)
	assert.Equal(t, intent.Expired, res.Status)
}

func TestSweep_AppendsStatusExpiredEvents(t *testing.T) {
	j, store, clk := newTestJanitor(t, 0)

	insertIntent(t, store, "audited", epoch.Add(15*time.Minute))
	clk.SetTime(epoch.Add(time.Hour))

	_, err := j.Sweep(context.Background())
	require.NoError(t, err)

	events, err := store.ListEvents(context.Background(), "audited")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, intent.StatusEventKind(intent.Expired), events[0].Kind)
	assert.Equal(t, intent.OutcomeFailure, events[0].Outcome)
}

func TestSweep_GraceWindowProtectsFreshClaims(t *testing.T) {
	j, store, clk := newTestJanitor(t, 10*time.Minute)
	claimer := claim.NewClaimer(store, store, hotcache.Noop{}, nil, clk)

	insertIntent(t, store, "claimed", epoch.Add(15*time.Minute))

	// Claim just before expiry; the payout may still be in flight.
	clk.SetTime(epoch.Add(14 * time.Minute))
	res, err := claimer.Claim(context.Background(), "claimed", "webhook")
	require.NoError(t, err)
	require.Equal(t, intent.ClaimGranted, res.Outcome)

	clk.SetTime(epoch.Add(16 * time.Minute))
	expired, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired, "a recently claimed intent stays out of the sweep")

	// Once the grace window has passed the row is fair game.
	clk.SetTime(epoch.Add(30 * time.Minute))
	expired, err = j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"claimed"}, expired)
}

func TestRun_SweepsOnTicks(t *testing.T) {
	j, store, clk := newTestJanitor(t, 0)
	force := ticker.NewForce(time.Minute)
	j.ticker = force

	insertIntent(t, store, "ticked", epoch.Add(15*time.Minute))
	clk.SetTime(epoch.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	force.Force <- clk.Now()

	require.Eventually(t, func() bool {
		it, err := store.Get(context.Background(), "ticked")
		return err == nil && it.Status == intent.Expired
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
