package forwarding

import (
	"testing"

	"blinkpos-broker/internal/intent"
	"blinkpos-broker/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func baseIntent() *intent.PaymentIntent {
	return &intent.PaymentIntent{
		PaymentHash:     "abc123",
		TotalAmountSats: 1100,
		BaseAmountSats:  1000,
		TipAmountSats:   100,
		DisplayCurrency: "BTC",
		Environment:     intent.Production,
		Destination: intent.Destination{
			Mode:         intent.ModeAPIKey,
			UserAPIKey:   "key",
			UserWalletID: "wallet",
		},
	}
}

func TestPlan_BaseLegFirst(t *testing.T) {
	it := baseIntent()
	it.TipRecipients = []intent.TipRecipient{
		{Handle: "alice", SharePercent: 50},
		{Handle: "bob", SharePercent: 50},
	}

	plan := Plan(it)

	require.Len(t, plan.Legs, 3)
	assert.Equal(t, LegBase, plan.Legs[0].Kind)
	assert.Equal(t, int64(1000), plan.BaseLeg().AmountSats)
	assert.Equal(t, "alice", plan.Legs[1].Handle)
	assert.Equal(t, "bob", plan.Legs[2].Handle)
}

func TestPlan_TipConservation(t *testing.T) {
	tests := []struct {
		name   string
		tip    int64
		shares []float64
	}{
		{"even split with remainder", 100, []float64{33.3, 33.3, 33.3}},
		{"uneven shares", 101, []float64{70, 20, 10}},
		{"shares not summing to 100", 999, []float64{1, 2, 3}},
		{"single recipient", 7, []float64{100}},
		{"zero shares fall back to even", 10, []float64{0, 0, 0}},
		{"tiny pool many recipients", 2, []float64{25, 25, 25, 25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := baseIntent()
			it.TipAmountSats = tt.tip
			it.TotalAmountSats = it.BaseAmountSats + tt.tip
			for i, s := range tt.shares {
				it.TipRecipients = append(it.TipRecipients, intent.TipRecipient{
					Handle:       string(rune('a' + i)),
					SharePercent: s,
				})
			}

			plan := Plan(it)

			var sum int64
			for _, leg := range plan.TipLegs() {
				assert.GreaterOrEqual(t, leg.AmountSats, int64(0))
				sum += leg.AmountSats
			}
			assert.Equal(t, tt.tip, sum, "tip pool must be conserved")
		})
	}
}

func TestPlan_LastRecipientAbsorbsRemainder(t *testing.T) {
	it := baseIntent()
	it.TipAmountSats = 100
	it.TipRecipients = []intent.TipRecipient{
		{Handle: "a", SharePercent: 33.3},
		{Handle: "b", SharePercent: 33.3},
		{Handle: "c", SharePercent: 33.3},
	}

	plan := Plan(it)
	tips := plan.TipLegs()

	require.Len(t, tips, 3)
	assert.Equal(t, int64(33), tips[0].AmountSats)
	assert.Equal(t, int64(33), tips[1].AmountSats)
	assert.Equal(t, int64(34), tips[2].AmountSats)
}

func TestPlan_ZeroAmountLegSkipped(t *testing.T) {
	it := baseIntent()
	it.TipAmountSats = 1
	it.TipRecipients = []intent.TipRecipient{
		{Handle: "a", SharePercent: 99},
		{Handle: "b", SharePercent: 1},
	}

	plan := Plan(it)
	tips := plan.TipLegs()

	require.Len(t, tips, 2)
	// 1 * 0.99 floors to 0, remainder 1 goes to the last recipient.
	assert.True(t, tips[0].Skipped)
	assert.Equal(t, int64(0), tips[0].AmountSats)
	assert.False(t, tips[1].Skipped)
	assert.Equal(t, int64(1), tips[1].AmountSats)
}

func TestPlan_NpubCashHandlesUseLNURL(t *testing.T) {
	it := baseIntent()
	it.TipAmountSats = 100
	it.TipRecipients = []intent.TipRecipient{
		{Handle: "alice", SharePercent: 50},
		{Handle: "Bob@Npub.Cash", SharePercent: 50},
	}

	plan := Plan(it)
	tips := plan.TipLegs()

	require.Len(t, tips, 2)
	assert.Equal(t, LegUsernameTip, tips[0].Kind)
	assert.Equal(t, LegLNURLTip, tips[1].Kind)
}

func TestPlan_NoTips(t *testing.T) {
	it := baseIntent()
	it.TipAmountSats = 0
	it.TotalAmountSats = it.BaseAmountSats

	plan := Plan(it)

	assert.Len(t, plan.Legs, 1)
	assert.Empty(t, plan.TipLegs())
}

func TestPlan_TipWithoutRecipients(t *testing.T) {
	it := baseIntent()
	it.TipAmountSats = 100
	it.TipRecipients = nil

	plan := Plan(it)

	// No recipients means the tip stays with the base destination implicitly;
	// the plan only carries the base leg.
	assert.Len(t, plan.Legs, 1)
}

func TestPlan_CarriesDestinationAndEnvironment(t *testing.T) {
	it := baseIntent()
	it.Environment = intent.Staging
	it.Destination = intent.Destination{
		Mode:            intent.ModeNpubCash,
		NpubCashAddress: "merchant@npub.cash",
	}

	plan := Plan(it)

	assert.Equal(t, intent.Staging, plan.Environment)
	assert.Equal(t, intent.ModeNpubCash, plan.Destination.Mode)
	assert.Equal(t, "merchant@npub.cash", plan.Destination.NpubCashAddress)
}
