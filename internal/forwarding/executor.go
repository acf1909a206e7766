package forwarding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"blinkpos-broker/internal/claim"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/internal/metrics"
	"blinkpos-broker/pkg/logger"

	"go.uber.org/zap"
)

// Invoice is a BOLT11 invoice obtained from an adapter.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
}

// ProviderAdapter is the slice of the upstream Lightning provider the
// executor needs. Implementations are pinned to one environment; the
// executor picks the right one from the intent, never from the request.
type ProviderAdapter interface {
	// CreateInvoiceWithAPIKey creates an invoice on the destination wallet,
	// authenticated with the merchant's own credential.
	CreateInvoiceWithAPIKey(ctx context.Context, apiKey, walletID string, amountSats int64, memo string) (*Invoice, error)

	// CreateInvoiceOnBehalfOf creates an invoice against a recipient's BTC
	// wallet without their credential.
	CreateInvoiceOnBehalfOf(ctx context.Context, walletID string, amountSats int64, memo string) (*Invoice, error)

	// ResolveUsernameWallet looks up a username's BTC wallet id via the
	// provider's public directory.
	ResolveUsernameWallet(ctx context.Context, username string) (string, error)

	// PayInvoice pays a BOLT11 invoice from the broker wallet. A nil error
	// means the provider reported terminal SUCCESS.
	PayInvoice(ctx context.Context, paymentRequest string, memo string) error
}

// LNURLResolver turns a Lightning Address into an invoice via LNURL-pay.
type LNURLResolver interface {
	FetchInvoice(ctx context.Context, address string, amountSats int64, memo string) (*Invoice, error)
}

// NWCInvoicer obtains an invoice from a remote wallet over Nostr Wallet
// Connect. Amount is in millisatoshis per the NWC make_invoice contract.
type NWCInvoicer interface {
	MakeInvoice(ctx context.Context, nwcURI string, amountMsat int64, memo string) (*Invoice, error)
}

// Adapters groups the external collaborators for one environment.
type Adapters struct {
	Provider ProviderAdapter
	LNURL    LNURLResolver
	NWC      NWCInvoicer
}

// AdapterSource hands out the adapter set pinned to an environment.
type AdapterSource func(env intent.Environment) Adapters

// LegOutcome reports one leg of an executed plan.
type LegOutcome struct {
	Kind       LegKind `json:"kind"`
	Handle     string  `json:"handle,omitempty"`
	AmountSats int64   `json:"amount_sat"`
	OK         bool    `json:"ok"`
	Skipped    bool    `json:"skipped,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Outcome is the per-plan result. Success requires the base leg and every
// executed tip leg to succeed; skipped tips never count against it.
type Outcome struct {
	Base           LegOutcome   `json:"base"`
	Tips           []LegOutcome `json:"tips"`
	Success        bool         `json:"success"`
	PartialSuccess bool         `json:"partial_success"`
}

// Executor drives a payout plan through the adapters, strictly in order:
// the base leg completes before any tip leg starts, tip legs run in plan
// order, and a tip failure never aborts the remaining tips.
type Executor struct {
	claimer  *claim.Claimer
	adapters AdapterSource
	decrypt  func(ciphertext string) (string, error)
	metrics  *metrics.Metrics
}

func NewExecutor(claimer *claim.Claimer, adapters AdapterSource, decrypt func(string) (string, error), m *metrics.Metrics) *Executor {
	return &Executor{
		claimer:  claimer,
		adapters: adapters,
		decrypt:  decrypt,
		metrics:  m,
	}
}

// Execute runs the plan for a claimed intent. On base failure the claim is
// released so a later delivery can retry; on base success the intent is
// completed regardless of tip outcomes, because tips cannot be reverted
// once the base payment has cleared.
func (e *Executor) Execute(ctx context.Context, plan *PayoutPlan) *Outcome {
	started := time.Now()
	adapters := e.adapters(plan.Environment)
	outcome := &Outcome{}

	base := plan.BaseLeg()
	outcome.Base = LegOutcome{Kind: LegBase, AmountSats: base.AmountSats}

	if err := e.payBase(ctx, adapters, plan); err != nil {
		outcome.Base.Error = err.Error()
		e.metrics.ForwardsTotal.WithLabelValues(plan.Destination.Mode.String(), "failure").Inc()
		// The base leg may have failed because the request context died
		// (client gone, deadline fired). The release still has to land or
		// the row is stuck processing until the janitor expires it.
		cleanup := context.WithoutCancel(ctx)
		e.claimer.AppendEvent(cleanup, intent.Event{
			PaymentHash:  plan.PaymentHash,
			Kind:         intent.EventForwarded,
			Outcome:      intent.OutcomeFailure,
			ErrorMessage: err.Error(),
			Metadata: map[string]string{
				"mode":       plan.Destination.Mode.String(),
				"amount_sat": strconv.FormatInt(base.AmountSats, 10),
			},
		})
		e.claimer.Release(cleanup, plan.PaymentHash, err.Error())
		return outcome
	}

	outcome.Base.OK = true
	e.metrics.ForwardsTotal.WithLabelValues(plan.Destination.Mode.String(), "success").Inc()
	e.claimer.AppendEvent(ctx, intent.Event{
		PaymentHash: plan.PaymentHash,
		Kind:        intent.EventForwarded,
		Outcome:     intent.OutcomeSuccess,
		Metadata: map[string]string{
			"mode":       plan.Destination.Mode.String(),
			"amount_sat": strconv.FormatInt(base.AmountSats, 10),
		},
	})

	executed, succeeded := 0, 0
	for _, leg := range plan.TipLegs() {
		tip := e.payTip(ctx, adapters, plan.PaymentHash, leg)
		outcome.Tips = append(outcome.Tips, tip)
		if tip.Skipped {
			continue
		}
		executed++
		if tip.OK {
			succeeded++
		}
	}

	outcome.Success = succeeded == executed
	outcome.PartialSuccess = succeeded > 0 && succeeded < executed

	summary := map[string]string{
		"forwarded_sat": strconv.FormatInt(base.AmountSats, 10),
		"tips_ok":       strconv.Itoa(succeeded),
		"tips_total":    strconv.Itoa(executed),
	}
	// The payout cleared; the completion write must not be lost to a
	// cancelled request context.
	if err := e.claimer.Complete(context.WithoutCancel(ctx), plan.PaymentHash, summary); err != nil {
		// The payout went out; a completion-write failure must not trigger a
		// release, or the payment could be forwarded twice. Leave the row
		// processing for the operator.
		logger.Error("Failed to mark intent completed after successful base leg",
			zap.String("payment_hash", plan.PaymentHash), zap.Error(err))
	}

	e.metrics.ForwardDurationMs.Observe(float64(time.Since(started).Milliseconds()))
	return outcome
}

// payBase dispatches the base leg by destination mode.
func (e *Executor) payBase(ctx context.Context, adapters Adapters, plan *PayoutPlan) error {
	base := plan.BaseLeg()
	dest := plan.Destination

	var (
		inv *Invoice
		err error
	)

	switch dest.Mode {
	case intent.ModeAPIKey:
		inv, err = adapters.Provider.CreateInvoiceWithAPIKey(ctx, dest.UserAPIKey, dest.UserWalletID, base.AmountSats, base.Memo)

	case intent.ModeLNAddress:
		walletID, lookupErr := adapters.Provider.ResolveUsernameWallet(ctx, dest.LNAddressUsername)
		if lookupErr != nil || walletID == "" {
			// The stored wallet id is the fallback when the public lookup
			// is down.
			logger.Warn("Username lookup failed, using stored wallet id",
				zap.String("username", dest.LNAddressUsername), zap.Error(lookupErr))
			walletID = dest.LNAddressWalletID
		}
		if walletID == "" {
			return fmt.Errorf("no wallet id for ln address %s", dest.LNAddressUsername)
		}
		inv, err = adapters.Provider.CreateInvoiceOnBehalfOf(ctx, walletID, base.AmountSats, base.Memo)

	case intent.ModeNpubCash:
		inv, err = adapters.LNURL.FetchInvoice(ctx, dest.NpubCashAddress, base.AmountSats, base.Memo)

	case intent.ModeNWC:
		uri, decErr := e.decrypt(dest.EncryptedNWCURI)
		if decErr != nil {
			return fmt.Errorf("failed to decrypt nwc uri: %w", decErr)
		}
		inv, err = adapters.NWC.MakeInvoice(ctx, uri, base.AmountSats*1000, base.Memo)

	default:
		return fmt.Errorf("unknown destination mode %d", dest.Mode)
	}

	if err != nil {
		return fmt.Errorf("failed to obtain destination invoice: %w", err)
	}
	if inv == nil || inv.PaymentRequest == "" {
		return errors.New("destination adapter returned an empty invoice")
	}

	if err := adapters.Provider.PayInvoice(ctx, inv.PaymentRequest, base.Memo); err != nil {
		return fmt.Errorf("failed to pay destination invoice: %w", err)
	}
	return nil
}

// payTip executes one tip leg and appends its audit event. Skipped legs are
// recorded and not attempted.
func (e *Executor) payTip(ctx context.Context, adapters Adapters, paymentHash string, leg Leg) LegOutcome {
	out := LegOutcome{
		Kind:       leg.Kind,
		Handle:     leg.Handle,
		AmountSats: leg.AmountSats,
	}

	meta := map[string]string{
		"handle":     leg.Handle,
		"amount_sat": strconv.FormatInt(leg.AmountSats, 10),
		"kind":       leg.Kind.String(),
	}

	if leg.Skipped {
		out.Skipped = true
		out.Error = leg.SkipReason
		meta["skipped"] = "true"
		e.claimer.AppendEvent(ctx, intent.Event{
			PaymentHash:  paymentHash,
			Kind:         intent.EventTipSent,
			Outcome:      intent.OutcomeFailure,
			ErrorMessage: leg.SkipReason,
			Metadata:     meta,
		})
		e.metrics.TipLegsTotal.WithLabelValues(leg.Kind.String(), "skipped").Inc()
		return out
	}

	err := e.sendTip(ctx, adapters, leg)
	if err != nil {
		out.Error = err.Error()
		e.metrics.TipLegsTotal.WithLabelValues(leg.Kind.String(), "failure").Inc()
		e.claimer.AppendEvent(ctx, intent.Event{
			PaymentHash:  paymentHash,
			Kind:         intent.EventTipSent,
			Outcome:      intent.OutcomeFailure,
			ErrorMessage: err.Error(),
			Metadata:     meta,
		})
		logger.Error("Tip leg failed",
			zap.String("payment_hash", paymentHash),
			zap.String("handle", leg.Handle),
			zap.Int64("amount_sat", leg.AmountSats),
			zap.Error(err))
		return out
	}

	out.OK = true
	e.metrics.TipLegsTotal.WithLabelValues(leg.Kind.String(), "success").Inc()
	e.claimer.AppendEvent(ctx, intent.Event{
		PaymentHash: paymentHash,
		Kind:        intent.EventTipSent,
		Outcome:     intent.OutcomeSuccess,
		Metadata:    meta,
	})
	return out
}

func (e *Executor) sendTip(ctx context.Context, adapters Adapters, leg Leg) error {
	switch leg.Kind {
	case LegLNURLTip:
		inv, err := adapters.LNURL.FetchInvoice(ctx, leg.Handle, leg.AmountSats, leg.Memo)
		if err != nil {
			return fmt.Errorf("lnurl resolution failed: %w", err)
		}
		return adapters.Provider.PayInvoice(ctx, inv.PaymentRequest, leg.Memo)

	case LegUsernameTip:
		walletID, err := adapters.Provider.ResolveUsernameWallet(ctx, leg.Handle)
		if err != nil {
			return fmt.Errorf("username lookup failed: %w", err)
		}
		inv, err := adapters.Provider.CreateInvoiceOnBehalfOf(ctx, walletID, leg.AmountSats, leg.Memo)
		if err != nil {
			return fmt.Errorf("failed to create recipient invoice: %w", err)
		}
		return adapters.Provider.PayInvoice(ctx, inv.PaymentRequest, leg.Memo)

	default:
		return fmt.Errorf("unexpected tip leg kind %s", leg.Kind)
	}
}
