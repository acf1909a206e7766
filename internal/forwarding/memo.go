package forwarding

import (
	"fmt"
	"regexp"
	"strings"

	"blinkpos-broker/internal/intent"
)

// memoPrefix brands every memo the broker emits. Recipient wallet history
// shows these strings verbatim, so the exact formats below are a stable
// user-visible contract.
const (
	brand      = "BlinkPOS"
	memoPrefix = brand + ":"
)

// Matches merchant memos of the form "<base> + <pct>% tip = <total>".
var tipMemoPattern = regexp.MustCompile(`^(.+?)\s*\+\s*([\d.]+)%\s*tip\s*=\s*(.+)$`)

// IsBitcoinCurrency reports whether the display currency is sat-denominated,
// in which case memos carry raw sat figures without a fiat rendering.
func IsBitcoinCurrency(currency string) bool {
	switch strings.ToUpper(currency) {
	case "BTC", "SAT", "SATS":
		return true
	default:
		return false
	}
}

// EnhanceMemo builds the memo attached to the base payout.
//
// When the merchant memo carries a "<base> + <pct>% tip = <total>" breakdown
// and there is a tip to split, the memo is rewritten to include the tip
// amount and its recipients. Memos already branded pass through unchanged,
// other memos get the brand prefix, and an absent memo falls back to the
// base amount.
func EnhanceMemo(it *intent.PaymentIntent) string {
	m := tipMemoPattern.FindStringSubmatch(it.Memo)
	if m != nil && it.TipAmountSats > 0 && len(it.TipRecipients) > 0 {
		tipText := displayAmountText(it.TipAmountDisplay, it.DisplayCurrency, it.TipAmountSats)

		splitWord := "to"
		if len(it.TipRecipients) > 1 {
			splitWord = "split to"
		}

		handles := make([]string, len(it.TipRecipients))
		for i, r := range it.TipRecipients {
			handles[i] = r.Handle
		}

		return fmt.Sprintf("%s %s + %s%% tip = %s | %s tip %s %s",
			memoPrefix, m[1], m[2], m[3], tipText, splitWord, strings.Join(handles, ", "))
	}

	if strings.HasPrefix(it.Memo, memoPrefix) {
		return it.Memo
	}
	if it.Memo != "" {
		return fmt.Sprintf("%s %s", memoPrefix, it.Memo)
	}
	return fmt.Sprintf("%s %d sats", memoPrefix, it.BaseAmountSats)
}

// TipMemo builds the memo for one tip leg. The (i/N) split index is omitted
// for a single recipient.
func TipMemo(index, total int, amountSats int64, displayCurrency, tipAmountDisplay string) string {
	var label string
	if total > 1 {
		label = fmt.Sprintf("%s Tip (%d/%d)", brand, index, total)
	} else {
		label = fmt.Sprintf("%s Tip", brand)
	}

	// The preformatted display figure covers the whole tip pool, so a fiat
	// rendering is only meaningful when one recipient takes it all.
	if !IsBitcoinCurrency(displayCurrency) && tipAmountDisplay != "" && total == 1 {
		return fmt.Sprintf("%s: %s (%d sats)", label, tipAmountDisplay, amountSats)
	}
	return fmt.Sprintf("%s: %d sats", label, amountSats)
}

// displayAmountText renders the tip figure for memos: raw sats for Bitcoin
// currencies, the merchant-provided fiat figure with a sat suffix otherwise.
func displayAmountText(display, currency string, amountSats int64) string {
	if !IsBitcoinCurrency(currency) && display != "" {
		return fmt.Sprintf("%s (%d sat)", display, amountSats)
	}
	return fmt.Sprintf("%d sat", amountSats)
}
