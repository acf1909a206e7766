package intent

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when inserting an intent whose payment hash
	// already exists
	ErrDuplicate = errors.New("payment intent already exists")
	// ErrNotFound is returned when no intent exists for a payment hash
	ErrNotFound = errors.New("payment intent not found")
	// ErrStoreUnavailable wraps storage-level failures so ingress handlers
	// can map them to a retryable 500
	ErrStoreUnavailable = errors.New("intent store unavailable")
)

// ClaimOutcome is the result class of a TryClaim call.
type ClaimOutcome int

const (
	// ClaimGranted means this caller won the pending → processing transition
	ClaimGranted ClaimOutcome = iota
	// ClaimNotFound means no intent exists for the hash
	ClaimNotFound
	// ClaimAlreadyProcessing means a concurrent caller holds the claim
	ClaimAlreadyProcessing
	// ClaimAlreadyTerminal means the intent is completed, failed or expired
	ClaimAlreadyTerminal
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimGranted:
		return "granted"
	case ClaimNotFound:
		return "not_found"
	case ClaimAlreadyProcessing:
		return "already_processing"
	case ClaimAlreadyTerminal:
		return "already_terminal"
	default:
		return "unknown"
	}
}

// ClaimResult carries the outcome of TryClaim. Intent is populated only on
// ClaimGranted; Status carries the observed status for the terminal and
// processing outcomes.
type ClaimResult struct {
	Outcome ClaimOutcome
	Intent  *PaymentIntent
	Status  Status
}

// Stats aggregates intent counts and sums over a trailing window.
type Stats struct {
	CountsByStatus map[string]int64 `json:"counts_by_status"`
	TotalAmountSat int64            `json:"total_amount_sat"`
	TipAmountSat   int64            `json:"tip_amount_sat"`
}

// Store is the durable payment-intent store. The conditional update in
// TryClaim is the only path that moves an intent from pending to processing,
// and it must linearise against concurrent callers.
type Store interface {
	// Insert persists a new intent with status pending. Returns ErrDuplicate
	// if the payment hash exists.
	Insert(ctx context.Context, it *PaymentIntent) error

	// Get returns a snapshot of the intent or ErrNotFound. Never mutates.
	Get(ctx context.Context, paymentHash string) (*PaymentIntent, error)

	// TryClaim atomically transitions pending → processing, setting
	// processed_at and merging claimMeta into the metadata map. When the
	// conditional update touches zero rows a second read classifies the miss;
	// that read resets nothing.
	TryClaim(ctx context.Context, paymentHash string, claimMeta map[string]string) (ClaimResult, error)

	// Release moves processing → pending, clears processed_at and records
	// the error in metadata. Returns false when the row was not processing;
	// that is not an error for the caller.
	Release(ctx context.Context, paymentHash string, errMsg string) (bool, error)

	// MarkStatus unconditionally sets a terminal status (or expired) and
	// merges the metadata patch. Sets processed_at when moving into
	// completed or failed.
	MarkStatus(ctx context.Context, paymentHash string, status Status, metaPatch map[string]string) error

	// ExpireBefore atomically expires every pending or processing intent
	// whose expires_at lies before ts, returning the affected hashes.
	ExpireBefore(ctx context.Context, ts time.Time) ([]string, error)

	// Stats returns aggregate counts and sums over the trailing window.
	Stats(ctx context.Context, window time.Duration) (Stats, error)
}

// EventStore is the append-only audit log. Append failures are logged by
// callers and never break the main flow.
type EventStore interface {
	AppendEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, paymentHash string) ([]Event, error)
}
