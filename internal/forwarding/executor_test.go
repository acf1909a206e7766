package forwarding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blinkpos-broker/internal/claim"
	"blinkpos-broker/internal/database"
	"blinkpos-broker/internal/hotcache"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/internal/metrics"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider records every call and fails on demand, per method.
type stubProvider struct {
	mu sync.Mutex

	payments    []string
	memos       []string
	invoices    int
	failPay     map[string]error
	failCreate  error
	failResolve error
	wallets     map[string]string
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		failPay: make(map[string]error),
		wallets: map[string]string{"alice": "wallet-alice", "bob": "wallet-bob"},
	}
}

func (p *stubProvider) nextInvoice() *Invoice {
	p.invoices++
	return &Invoice{PaymentRequest: "lnbc-stub", PaymentHash: "hash-stub"}
}

func (p *stubProvider) CreateInvoiceWithAPIKey(_ context.Context, _, _ string, _ int64, memo string) (*Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate != nil {
		return nil, p.failCreate
	}
	p.memos = append(p.memos, memo)
	return p.nextInvoice(), nil
}

func (p *stubProvider) CreateInvoiceOnBehalfOf(_ context.Context, walletID string, _ int64, memo string) (*Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate != nil {
		return nil, p.failCreate
	}
	p.memos = append(p.memos, memo)
	inv := p.nextInvoice()
	inv.PaymentRequest = "lnbc-" + walletID
	return inv, nil
}

func (p *stubProvider) ResolveUsernameWallet(_ context.Context, username string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failResolve != nil {
		return "", p.failResolve
	}
	w, ok := p.wallets[username]
	if !ok {
		return "", errors.New("unknown username")
	}
	return w, nil
}

func (p *stubProvider) PayInvoice(_ context.Context, paymentRequest string, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failPay[paymentRequest]; ok {
		return err
	}
	p.payments = append(p.payments, paymentRequest)
	return nil
}

type stubLNURL struct {
	fail error
}

func (l *stubLNURL) FetchInvoice(_ context.Context, address string, _ int64, _ string) (*Invoice, error) {
	if l.fail != nil {
		return nil, l.fail
	}
	return &Invoice{PaymentRequest: "lnbc-lnurl-" + address}, nil
}

type stubNWC struct {
	gotURI  string
	gotMsat int64
}

func (n *stubNWC) MakeInvoice(_ context.Context, uri string, amountMsat int64, _ string) (*Invoice, error) {
	n.gotURI = uri
	n.gotMsat = amountMsat
	return &Invoice{PaymentRequest: "lnbc-nwc"}, nil
}

type fixture struct {
	store    *database.MemoryStore
	claimer  *claim.Claimer
	executor *Executor
	provider *stubProvider
	lnurl    *stubLNURL
	nwc      *stubNWC
	clock    *clock.TestClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewTestClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := database.NewMemoryStore(clk, 0)
	claimer := claim.NewClaimer(store, store, hotcache.Noop{}, nil, clk)

	f := &fixture{
		store:    store,
		claimer:  claimer,
		provider: newStubProvider(),
		lnurl:    &stubLNURL{},
		nwc:      &stubNWC{},
		clock:    clk,
	}

	adapters := func(intent.Environment) Adapters {
		return Adapters{Provider: f.provider, LNURL: f.lnurl, NWC: f.nwc}
	}
	decrypt := func(ciphertext string) (string, error) {
		return "decrypted:" + ciphertext, nil
	}
	f.executor = NewExecutor(claimer, adapters, decrypt, metrics.New(prometheus.NewRegistry()))
	return f
}

func (f *fixture) insertAndClaim(t *testing.T, it *intent.PaymentIntent) *intent.PaymentIntent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Insert(ctx, it))
	res, err := f.claimer.Claim(ctx, it.PaymentHash, "client")
	require.NoError(t, err)
	require.Equal(t, intent.ClaimGranted, res.Outcome)
	return res.Intent
}

func TestExecute_BaseAndTipsSucceed(t *testing.T) {
	f := newFixture(t)
	it := baseIntent()
	it.TipRecipients = []intent.TipRecipient{
		{Handle: "alice", SharePercent: 50},
		{Handle: "bob", SharePercent: 50},
	}
	claimed := f.insertAndClaim(t, it)

	outcome := f.executor.Execute(context.Background(), Plan(claimed))

	assert.True(t, outcome.Base.OK)
	assert.True(t, outcome.Success)
	assert.False(t, outcome.PartialSuccess)
	require.Len(t, outcome.Tips, 2)
	assert.True(t, outcome.Tips[0].OK)
	assert.True(t, outcome.Tips[1].OK)

	stored, err := f.store.Get(context.Background(), it.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, intent.Completed, stored.Status)
}

func TestExecute_BaseFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.provider.failCreate = errors.New("provider down")

	it := baseIntent()
	claimed := f.insertAndClaim(t, it)

	outcome := f.executor.Execute(context.Background(), Plan(claimed))

	assert.False(t, outcome.Base.OK)
	assert.NotEmpty(t, outcome.Base.Error)
	assert.Empty(t, f.provider.payments)

	// The intent must be pending again so a later delivery can retry.
	stored, err := f.store.Get(context.Background(), it.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, intent.Pending, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
	assert.Contains(t, stored.Metadata[intent.MetaLastError], "provider down")

	// And it is claimable again.
	res, err := f.claimer.Claim(context.Background(), it.PaymentHash, "webhook")
	require.NoError(t, err)
	assert.Equal(t, intent.ClaimGranted, res.Outcome)
}

func TestExecute_TipFailureDoesNotAbortRemainingTips(t *testing.T) {
	f := newFixture(t)
	// alice's invoice-on-behalf payment fails; bob's succeeds.
	f.provider.failPay["lnbc-wallet-alice"] = errors.New("route not found")

	it := baseIntent()
	it.TipRecipients = []intent.TipRecipient{
		{Handle: "alice", SharePercent: 50},
		{Handle: "bob", SharePercent: 50},
	}
	claimed := f.insertAndClaim(t, it)

	outcome := f.executor.Execute(context.Background(), Plan(claimed))

	assert.True(t, outcome.Base.OK)
	require.Len(t, outcome.Tips, 2)
	assert.False(t, outcome.Tips[0].OK)
	assert.True(t, outcome.Tips[1].OK)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.PartialSuccess)

	// Tip failures never release: the base payout went out.
	stored, err := f.store.Get(context.Background(), it.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, intent.Completed, stored.Status)
}

func TestExecute_SkippedLegsDoNotCountAsFailures(t *testing.T) {
	f := newFixture(t)

	it := baseIntent()
	it.TipAmountSats = 1
	it.TotalAmountSats = it.BaseAmountSats + 1
	it.TipRecipients = []intent.TipRecipient{
		{Handle: "alice", SharePercent: 99},
		{Handle: "bob", SharePercent: 1},
	}
	claimed := f.insertAndClaim(t, it)

	outcome := f.executor.Execute(context.Background(), Plan(claimed))

	require.Len(t, outcome.Tips, 2)
	assert.True(t, outcome.Tips[0].Skipped)
	assert.True(t, outcome.Tips[1].OK)
	assert.True(t, outcome.Success, "skipped legs must not break plan success")
}

func TestExecute_NWCAmountInMillisats(t *testing.T) {
	f := newFixture(t)

	it := baseIntent()
	it.Destination = intent.Destination{
		Mode:            intent.ModeNWC,
		EncryptedNWCURI: "ciphertext",
	}
	claimed := f.insertAndClaim(t, it)

	outcome := f.executor.Execute(context.Background(), Plan(claimed))

	assert.True(t, outcome.Base.OK)
	assert.Equal(t, "decrypted:ciphertext", f.nwc.gotURI)
	assert.Equal(t, it.BaseAmountSats*1000, f.nwc.gotMsat)
}

func TestExecute_LNAddressFallsBackToStoredWallet(t *testing.T) {
	f := newFixture(t)
	f.provider.failResolve = errors.New("directory down")

	it := baseIntent()
	it.Destination = intent.Destination{
		Mode:              intent.ModeLNAddress,
		LNAddressUsername: "merchant",
		LNAddressWalletID: "stored-wallet",
	}
	claimed := f.insertAndClaim(t, it)

	outcome := f.executor.Execute(context.Background(), Plan(claimed))

	assert.True(t, outcome.Base.OK)
	assert.Contains(t, f.provider.payments, "lnbc-stored-wallet")
}

// deadContextStore fails writes once the given context is dead, the way a
// pooled database connection does.
type deadContextStore struct {
	*database.MemoryStore
}

func (s *deadContextStore) Release(ctx context.Context, paymentHash string, errMsg string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.Release(ctx, paymentHash, errMsg)
}

func (s *deadContextStore) AppendEvent(ctx context.Context, ev intent.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.AppendEvent(ctx, ev)
}

// cancellingProvider kills the request context before failing, as when the
// webhook client disconnects mid-call.
type cancellingProvider struct {
	*stubProvider
	cancel context.CancelFunc
}

func (p *cancellingProvider) CreateInvoiceWithAPIKey(ctx context.Context, _, _ string, _ int64, _ string) (*Invoice, error) {
	p.cancel()
	return nil, context.Canceled
}

func TestExecute_ReleaseSurvivesRequestCancellation(t *testing.T) {
	clk := clock.NewTestClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mem := database.NewMemoryStore(clk, 0)
	store := &deadContextStore{MemoryStore: mem}
	claimer := claim.NewClaimer(store, store, hotcache.Noop{}, nil, clk)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &cancellingProvider{stubProvider: newStubProvider(), cancel: cancel}
	adapters := func(intent.Environment) Adapters {
		return Adapters{Provider: provider, LNURL: &stubLNURL{}, NWC: &stubNWC{}}
	}
	executor := NewExecutor(claimer, adapters, func(s string) (string, error) { return s, nil },
		metrics.New(prometheus.NewRegistry()))

	it := baseIntent()
	require.NoError(t, mem.Insert(context.Background(), it))
	res, err := claimer.Claim(context.Background(), it.PaymentHash, "webhook")
	require.NoError(t, err)
	require.Equal(t, intent.ClaimGranted, res.Outcome)

	outcome := executor.Execute(reqCtx, Plan(res.Intent))
	assert.False(t, outcome.Base.OK)

	// The request context died during the base leg; the release must still
	// land or the row is stuck processing until the janitor reaps it.
	stored, err := mem.Get(context.Background(), it.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, intent.Pending, stored.Status)
	assert.Nil(t, stored.ProcessedAt)

	retry, err := claimer.Claim(context.Background(), it.PaymentHash, "client")
	require.NoError(t, err)
	assert.Equal(t, intent.ClaimGranted, retry.Outcome)
}

func TestExecute_EnvironmentPinsAdapters(t *testing.T) {
	clk := clock.NewTestClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := database.NewMemoryStore(clk, 0)
	claimer := claim.NewClaimer(store, store, hotcache.Noop{}, nil, clk)

	production := newStubProvider()
	staging := newStubProvider()
	adapters := func(env intent.Environment) Adapters {
		if env == intent.Staging {
			return Adapters{Provider: staging, LNURL: &stubLNURL{}, NWC: &stubNWC{}}
		}
		return Adapters{Provider: production, LNURL: &stubLNURL{}, NWC: &stubNWC{}}
	}
	executor := NewExecutor(claimer, adapters, func(s string) (string, error) { return s, nil },
		metrics.New(prometheus.NewRegistry()))

	it := baseIntent()
	it.Environment = intent.Staging
	require.NoError(t, store.Insert(context.Background(), it))
	res, err := claimer.Claim(context.Background(), it.PaymentHash, "webhook")
	require.NoError(t, err)
	require.Equal(t, intent.ClaimGranted, res.Outcome)

	outcome := executor.Execute(context.Background(), Plan(res.Intent))

	assert.True(t, outcome.Base.OK)
	assert.Len(t, staging.payments, 1)
	assert.Empty(t, production.payments, "a staging intent must never touch the production adapters")
}

func TestExecute_AuditTrail(t *testing.T) {
	f := newFixture(t)

	it := baseIntent()
	it.TipRecipients = []intent.TipRecipient{{Handle: "alice", SharePercent: 100}}
	claimed := f.insertAndClaim(t, it)

	f.executor.Execute(context.Background(), Plan(claimed))

	events, err := f.store.ListEvents(context.Background(), it.PaymentHash)
	require.NoError(t, err)

	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []string{
		intent.EventClaimed,
		intent.EventForwarded,
		intent.EventTipSent,
		intent.StatusEventKind(intent.Completed),
	}, kinds)
}
