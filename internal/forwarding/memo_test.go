package forwarding

import (
	"testing"

	"blinkpos-broker/internal/intent"

	"github.com/stretchr/testify/assert"
)

func TestIsBitcoinCurrency(t *testing.T) {
	assert.True(t, IsBitcoinCurrency("BTC"))
	assert.True(t, IsBitcoinCurrency("btc"))
	assert.True(t, IsBitcoinCurrency("SAT"))
	assert.True(t, IsBitcoinCurrency("sats"))
	assert.False(t, IsBitcoinCurrency("USD"))
	assert.False(t, IsBitcoinCurrency(""))
}

func TestEnhanceMemo_TipBreakdownRewritten(t *testing.T) {
	it := &intent.PaymentIntent{
		Memo:             "$10.00 + 10% tip = $11.00",
		BaseAmountSats:   15000,
		TipAmountSats:    1500,
		DisplayCurrency:  "USD",
		TipAmountDisplay: "$1.00",
		TipRecipients: []intent.TipRecipient{
			{Handle: "alice", SharePercent: 100},
		},
	}

	memo := EnhanceMemo(it)

	assert.Equal(t, "BlinkPOS: $10.00 + 10% tip = $11.00 | $1.00 (1500 sat) tip to alice", memo)
}

func TestEnhanceMemo_MultipleRecipientsSplitTo(t *testing.T) {
	it := &intent.PaymentIntent{
		Memo:            "100 sats + 10% tip = 110 sats",
		BaseAmountSats:  100,
		TipAmountSats:   10,
		DisplayCurrency: "BTC",
		TipRecipients: []intent.TipRecipient{
			{Handle: "alice", SharePercent: 50},
			{Handle: "bob@npub.cash", SharePercent: 50},
		},
	}

	memo := EnhanceMemo(it)

	assert.Equal(t, "BlinkPOS: 100 sats + 10% tip = 110 sats | 10 sat tip split to alice, bob@npub.cash", memo)
}

func TestEnhanceMemo_AlreadyBrandedPassesThrough(t *testing.T) {
	it := &intent.PaymentIntent{
		Memo:           "BlinkPOS: coffee",
		BaseAmountSats: 100,
	}
	assert.Equal(t, "BlinkPOS: coffee", EnhanceMemo(it))
}

func TestEnhanceMemo_PlainMemoGetsPrefix(t *testing.T) {
	it := &intent.PaymentIntent{
		Memo:           "coffee",
		BaseAmountSats: 100,
	}
	assert.Equal(t, "BlinkPOS: coffee", EnhanceMemo(it))
}

func TestEnhanceMemo_EmptyMemoFallsBackToAmount(t *testing.T) {
	it := &intent.PaymentIntent{BaseAmountSats: 2500}
	assert.Equal(t, "BlinkPOS: 2500 sats", EnhanceMemo(it))
}

func TestEnhanceMemo_BrandedNonBreakdownUnchanged(t *testing.T) {
	it := &intent.PaymentIntent{
		Memo:           "BlinkPOS: table 4",
		BaseAmountSats: 500,
		TipAmountSats:  50,
		TipRecipients:  []intent.TipRecipient{{Handle: "alice", SharePercent: 100}},
	}
	assert.Equal(t, "BlinkPOS: table 4", EnhanceMemo(it))
}

func TestEnhanceMemo_BreakdownWithoutTipKeepsOriginal(t *testing.T) {
	it := &intent.PaymentIntent{
		Memo:           "$10.00 + 10% tip = $11.00",
		BaseAmountSats: 15000,
		TipAmountSats:  0,
	}
	assert.Equal(t, "BlinkPOS: $10.00 + 10% tip = $11.00", EnhanceMemo(it))
}

func TestTipMemo_SingleRecipient(t *testing.T) {
	assert.Equal(t, "BlinkPOS Tip: 150 sats", TipMemo(1, 1, 150, "BTC", ""))
}

func TestTipMemo_SingleRecipientFiat(t *testing.T) {
	assert.Equal(t, "BlinkPOS Tip: $1.00 (150 sats)", TipMemo(1, 1, 150, "USD", "$1.00"))
}

func TestTipMemo_SplitIndex(t *testing.T) {
	assert.Equal(t, "BlinkPOS Tip (2/3): 50 sats", TipMemo(2, 3, 50, "BTC", ""))
}

func TestTipMemo_MultiRecipientFiatFallsBackToSats(t *testing.T) {
	// The display figure covers the whole pool, not this leg's slice.
	assert.Equal(t, "BlinkPOS Tip (1/2): 75 sats", TipMemo(1, 2, 75, "USD", "$1.00"))
}
