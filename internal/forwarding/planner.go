// Package forwarding turns a claimed payment intent into a payout plan and
// drives that plan through the external payment adapters.
package forwarding

import (
	"strings"

	"blinkpos-broker/internal/intent"
)

// LegKind classifies one payout leg of a plan.
type LegKind int

const (
	// LegBase is the payout to the merchant's primary destination
	LegBase LegKind = iota
	// LegUsernameTip is a provider-native tip to a username
	LegUsernameTip
	// LegLNURLTip is a tip resolved via LNURL-pay (user@npub.cash)
	LegLNURLTip
)

func (k LegKind) String() string {
	switch k {
	case LegBase:
		return "base"
	case LegUsernameTip:
		return "username_tip"
	case LegLNURLTip:
		return "lnurl_tip"
	default:
		return "unknown"
	}
}

const npubCashSuffix = "@npub.cash"

// Leg is one payout in a plan. The base leg carries the destination; tip
// legs carry the recipient handle.
type Leg struct {
	Kind       LegKind
	Handle     string
	AmountSats int64
	Memo       string

	// Skipped legs are recorded in the audit log but never executed and
	// never count as failures.
	Skipped    bool
	SkipReason string
}

// PayoutPlan is the ordered payout sequence for one intent: the base leg
// first, then tip legs in the recipient list's original order. The plan is
// self-contained so the executor never re-reads the intent mid-flight.
type PayoutPlan struct {
	PaymentHash string
	Environment intent.Environment
	Destination intent.Destination
	Legs        []Leg
}

// BaseLeg returns the mandatory first leg.
func (p *PayoutPlan) BaseLeg() *Leg {
	return &p.Legs[0]
}

// TipLegs returns the tip legs in execution order.
func (p *PayoutPlan) TipLegs() []Leg {
	return p.Legs[1:]
}

// Plan derives the payout plan from an intent. Pure: no I/O, no clock.
//
// Tip amounts are weighted by share percent and floored; the last recipient
// absorbs the rounding remainder so the tip pool is conserved. A recipient
// whose computed amount is not positive yields a skipped leg.
func Plan(it *intent.PaymentIntent) *PayoutPlan {
	plan := &PayoutPlan{
		PaymentHash: it.PaymentHash,
		Environment: it.Environment,
		Destination: it.Destination,
	}

	plan.Legs = append(plan.Legs, Leg{
		Kind:       LegBase,
		AmountSats: it.BaseAmountSats,
		Memo:       EnhanceMemo(it),
	})

	if it.TipAmountSats <= 0 || len(it.TipRecipients) == 0 {
		return plan
	}

	amounts := splitTip(it.TipAmountSats, it.TipRecipients)
	n := len(it.TipRecipients)
	for i, r := range it.TipRecipients {
		leg := Leg{
			Kind:       LegUsernameTip,
			Handle:     r.Handle,
			AmountSats: amounts[i],
			Memo:       TipMemo(i+1, n, amounts[i], it.DisplayCurrency, it.TipAmountDisplay),
		}
		if strings.HasSuffix(strings.ToLower(r.Handle), npubCashSuffix) {
			leg.Kind = LegLNURLTip
		}
		if amounts[i] <= 0 {
			leg.Skipped = true
			leg.SkipReason = "tip amount too small"
		}
		plan.Legs = append(plan.Legs, leg)
	}

	return plan
}

// splitTip allocates the tip pool across recipients by weighted share. An
// all-zero share vector splits evenly.
func splitTip(tipSats int64, recipients []intent.TipRecipient) []int64 {
	n := len(recipients)
	amounts := make([]int64, n)

	var shareSum float64
	for _, r := range recipients {
		if r.SharePercent > 0 {
			shareSum += r.SharePercent
		}
	}

	var allocated int64
	for i, r := range recipients {
		if i == n-1 {
			amounts[i] = tipSats - allocated
			break
		}
		var share float64
		if shareSum > 0 {
			share = r.SharePercent / shareSum
		} else {
			share = 1 / float64(n)
		}
		if share < 0 {
			share = 0
		}
		amounts[i] = int64(float64(tipSats) * share)
		allocated += amounts[i]
	}

	return amounts
}
