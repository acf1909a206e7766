package intent

import "time"

// Outcome classifies a forwarding event as success or failure
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeFailure {
		return "failure"
	}
	return "success"
}

func ParseOutcome(s string) Outcome {
	if s == "failure" {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Event kinds appended to the audit log.
const (
	EventCreated        = "created"
	EventClaimed        = "claimed_for_processing"
	EventClaimReleased  = "claim_released"
	EventForwarded      = "forwarded"
	EventTipSent        = "tip_sent"
	EventWebhookForward = "webhook_forward"
)

// StatusEventKind returns the event kind recorded for a status transition,
// e.g. "status_completed".
func StatusEventKind(s Status) string {
	return "status_" + s.String()
}

// Event is one append-only audit row for a payment intent. Events are keyed
// by payment hash, never by pointer, so the log survives intent mutation.
type Event struct {
	ID           string            `json:"id"`
	PaymentHash  string            `json:"payment_hash"`
	Kind         string            `json:"kind"`
	Outcome      Outcome           `json:"outcome"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Timestamp    time.Time         `json:"ts"`
}
