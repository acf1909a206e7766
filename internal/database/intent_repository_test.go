//go:build integration

package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"blinkpos-broker/internal/intent"
	"blinkpos-broker/pkg/logger"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func testIntent(hash string, now time.Time) *intent.PaymentIntent {
	return &intent.PaymentIntent{
		PaymentHash:     hash,
		UserAPIKeyHash:  intent.HashAPIKey("merchant-key"),
		UserWalletID:    "merchant-wallet",
		TotalAmountSats: 1100,
		BaseAmountSats:  1000,
		TipAmountSats:   100,
		TipPercent:      10,
		DisplayCurrency: "USD",
		Memo:            "$10.00 + 10% tip = $11.00",
		Destination: intent.Destination{
			Mode:         intent.ModeAPIKey,
			UserAPIKey:   "merchant-key",
			UserWalletID: "merchant-wallet",
		},
		TipRecipients: []intent.TipRecipient{
			{Handle: "alice", SharePercent: 60},
			{Handle: "bob@npub.cash", SharePercent: 40},
		},
		Environment: intent.Production,
		Status:      intent.Pending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(15 * time.Minute),
	}
}

func TestIntentRepository_InsertAndGet(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	clk := clock.NewDefaultClock()
	repo := NewIntentRepository(db, clk, 0)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	it := testIntent("hash-roundtrip", now)
	require.NoError(t, repo.Insert(ctx, it))

	got, err := repo.Get(ctx, "hash-roundtrip")
	require.NoError(t, err)
	assert.Equal(t, it.TotalAmountSats, got.TotalAmountSats)
	assert.Equal(t, it.Memo, got.Memo)
	assert.Equal(t, intent.ModeAPIKey, got.Destination.Mode)
	assert.Equal(t, it.TipRecipients, got.TipRecipients)
	assert.Equal(t, intent.Production, got.Environment)
	assert.Equal(t, intent.Pending, got.Status)
	assert.WithinDuration(t, now, got.CreatedAt, time.Second)
	assert.Nil(t, got.ProcessedAt)
}

func TestIntentRepository_InsertDuplicate(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewIntentRepository(db, clock.NewDefaultClock(), 0)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Insert(ctx, testIntent("hash-dup", now)))
	err := repo.Insert(ctx, testIntent("hash-dup", now))
	assert.ErrorIs(t, err, intent.ErrDuplicate)
}

func TestIntentRepository_TryClaim_ExactlyOnce(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewIntentRepository(db, clock.NewDefaultClock(), 0)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testIntent("hash-claim", time.Now().UTC())))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		losers  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.TryClaim(ctx, "hash-claim", map[string]string{intent.MetaClaimSource: "test"})
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			if res.Outcome == intent.ClaimGranted {
				granted++
			} else {
				assert.Equal(t, intent.ClaimAlreadyProcessing, res.Outcome)
				losers++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted, "the conditional update admits exactly one winner")
	assert.Equal(t, workers-1, losers)

	got, err := repo.Get(ctx, "hash-claim")
	require.NoError(t, err)
	assert.Equal(t, intent.Processing, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, "test", got.Metadata[intent.MetaClaimSource])
}

func TestIntentRepository_TryClaim_Classification(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewIntentRepository(db, clock.NewDefaultClock(), 0)
	ctx := context.Background()

	res, err := repo.TryClaim(ctx, "hash-missing", nil)
	require.NoError(t, err)
	assert.Equal(t, intent.ClaimNotFound, res.Outcome)

	require.NoError(t, repo.Insert(ctx, testIntent("hash-terminal", time.Now().UTC())))
	require.NoError(t, repo.MarkStatus(ctx, "hash-terminal", intent.Completed, nil))

	res, err = repo.TryClaim(ctx, "hash-terminal", nil)
	require.NoError(t, err)
	assert.Equal(t, intent.ClaimAlreadyTerminal, res.Outcome)
	assert.Equal(t, intent.Completed, res.Status)
}

func TestIntentRepository_ReleaseThenReclaim(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewIntentRepository(db, clock.NewDefaultClock(), 0)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testIntent("hash-release", time.Now().UTC())))

	res, err := repo.TryClaim(ctx, "hash-release", nil)
	require.NoError(t, err)
	require.Equal(t, intent.ClaimGranted, res.Outcome)

	released, err := repo.Release(ctx, "hash-release", "upstream timeout")
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing twice is a no-op.
	released, err = repo.Release(ctx, "hash-release", "again")
	require.NoError(t, err)
	assert.False(t, released)

	got, err := repo.Get(ctx, "hash-release")
	require.NoError(t, err)
	assert.Equal(t, intent.Pending, got.Status)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, "upstream timeout", got.Metadata[intent.MetaLastError])

	res, err = repo.TryClaim(ctx, "hash-release", nil)
	require.NoError(t, err)
	assert.Equal(t, intent.ClaimGranted, res.Outcome)
}

func TestIntentRepository_ExpireBefore(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewIntentRepository(db, clock.NewDefaultClock(), 10*time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testIntent("hash-stale", now.Add(-time.Hour))
	stale.ExpiresAt = now.Add(-45 * time.Minute)
	require.NoError(t, repo.Insert(ctx, stale))

	fresh := testIntent("hash-fresh", now)
	require.NoError(t, repo.Insert(ctx, fresh))

	// A processing row claimed just now stays inside the grace window even
	// though its expiry has passed.
	inflight := testIntent("hash-inflight", now.Add(-time.Hour))
	inflight.ExpiresAt = now.Add(-45 * time.Minute)
	require.NoError(t, repo.Insert(ctx, inflight))
	res, err := repo.TryClaim(ctx, "hash-inflight", nil)
	require.NoError(t, err)
	require.Equal(t, intent.ClaimGranted, res.Outcome)

	hashes, err := repo.ExpireBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-stale"}, hashes)

	got, err := repo.Get(ctx, "hash-stale")
	require.NoError(t, err)
	assert.Equal(t, intent.Expired, got.Status)

	got, err = repo.Get(ctx, "hash-inflight")
	require.NoError(t, err)
	assert.Equal(t, intent.Processing, got.Status)
}

func TestIntentRepository_Stats(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewIntentRepository(db, clock.NewDefaultClock(), 0)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Insert(ctx, testIntent("hash-s1", now)))
	require.NoError(t, repo.Insert(ctx, testIntent("hash-s2", now)))
	require.NoError(t, repo.MarkStatus(ctx, "hash-s2", intent.Completed, nil))

	old := testIntent("hash-old", now.Add(-48*time.Hour))
	require.NoError(t, repo.Insert(ctx, old))

	stats, err := repo.Stats(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountsByStatus[intent.Pending.String()])
	assert.Equal(t, int64(1), stats.CountsByStatus[intent.Completed.String()])
	assert.Equal(t, int64(2200), stats.TotalAmountSat)
	assert.Equal(t, int64(200), stats.TipAmountSat)
}

func TestEventRepository_AppendAndList(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewEventRepository(db, clock.NewDefaultClock())
	ctx := context.Background()

	now := time.Now().UTC()
	events := []intent.Event{
		{PaymentHash: "hash-ev", Kind: intent.EventCreated, Outcome: intent.OutcomeSuccess},
		{PaymentHash: "hash-ev", Kind: intent.EventClaimed, Outcome: intent.OutcomeSuccess,
			Metadata: map[string]string{"source": "webhook"}},
		{PaymentHash: "hash-ev", Kind: intent.EventForwarded, Outcome: intent.OutcomeFailure,
			ErrorMessage: "no route"},
	}
	for i, ev := range events {
		ev.Timestamp = now.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, repo.AppendEvent(ctx, ev))
	}

	got, err := repo.ListEvents(ctx, "hash-ev")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, intent.EventCreated, got[0].Kind)
	assert.Equal(t, intent.EventClaimed, got[1].Kind)
	assert.Equal(t, "webhook", got[1].Metadata["source"])
	assert.Equal(t, intent.OutcomeFailure, got[2].Outcome)
	assert.Equal(t, "no route", got[2].ErrorMessage)

	other, err := repo.ListEvents(ctx, "hash-other")
	require.NoError(t, err)
	assert.Empty(t, other)
}
