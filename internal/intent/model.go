package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the lifecycle state of a payment intent
type Status int

// Environment pins all provider RPC endpoints for an intent
type Environment int

// DestinationMode selects how the base payout reaches the merchant
type DestinationMode int

const (
	Pending Status = iota
	Processing
	Completed
	Failed
	Expired
)

const (
	Production Environment = iota
	Staging
)

const (
	ModeAPIKey DestinationMode = iota
	ModeLNAddress
	ModeNpubCash
	ModeNWC
)

// String converts Status to its database string value.
// This method is called automatically by fmt.Print, JSON marshaling, etc.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further status transition is allowed.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Expired
}

func (e Environment) String() string {
	switch e {
	case Staging:
		return "staging"
	default:
		return "production"
	}
}

func (m DestinationMode) String() string {
	switch m {
	case ModeAPIKey:
		return "api_key"
	case ModeLNAddress:
		return "ln_address"
	case ModeNpubCash:
		return "npub_cash"
	case ModeNWC:
		return "nwc"
	default:
		return "unknown"
	}
}

// ParseStatus converts a database string to a Status enum.
// Use this when reading from database or API
func ParseStatus(s string) Status {
	switch s {
	case "pending":
		return Pending
	case "processing":
		return Processing
	case "completed":
		return Completed
	case "failed":
		return Failed
	case "expired":
		return Expired
	default:
		return Pending
	}
}

func ParseEnvironment(s string) (Environment, bool) {
	switch s {
	case "production":
		return Production, true
	case "staging":
		return Staging, true
	default:
		return Production, false
	}
}

func ParseDestinationMode(s string) (DestinationMode, bool) {
	switch s {
	case "api_key":
		return ModeAPIKey, true
	case "ln_address":
		return ModeLNAddress, true
	case "npub_cash":
		return ModeNpubCash, true
	case "nwc":
		return ModeNWC, true
	default:
		return ModeAPIKey, false
	}
}

// Destination is the tagged forwarding target of an intent. Exactly one
// group of fields is populated, selected by Mode. Fixed at creation:
// the executor reads it from the stored intent, never from the ingress
// request.
type Destination struct {
	Mode DestinationMode `json:"mode"`

	// Mode == ModeAPIKey
	UserAPIKey   string `json:"user_api_key,omitempty"`
	UserWalletID string `json:"user_wallet_id,omitempty"`

	// Mode == ModeLNAddress
	LNAddressUsername string `json:"ln_address_username,omitempty"`
	LNAddressWalletID string `json:"ln_address_wallet_id,omitempty"`

	// Mode == ModeNpubCash
	NpubCashAddress string `json:"npubcash_address,omitempty"`

	// Mode == ModeNWC, AES-GCM encrypted at rest
	EncryptedNWCURI string `json:"encrypted_nwc_uri,omitempty"`
}

// TipRecipient is one weighted share of the tip pool. Handle is either a
// provider username or a full user@npub.cash address. Shares need not sum
// to 100; the planner normalises.
type TipRecipient struct {
	Handle       string  `json:"handle"`
	SharePercent float64 `json:"share_percent"`
}

// Metadata keys written by the claim/release cycle.
const (
	MetaClaimedAt    = "claimed_at"
	MetaClaimSource  = "claim_source"
	MetaClaimID      = "claim_id"
	MetaLastError    = "last_error"
	MetaLastFailedAt = "last_failed_at"
)

// PaymentIntent is the authoritative record of one inbound payment's
// forwarding contract, keyed by the Lightning payment hash of the broker's
// invoice.
type PaymentIntent struct {
	PaymentHash string `json:"payment_hash"`

	TotalAmountSats int64   `json:"total_amount_sats"`
	BaseAmountSats  int64   `json:"base_amount_sats"`
	TipAmountSats   int64   `json:"tip_amount_sats"`
	TipPercent      float64 `json:"tip_percent"`

	DisplayCurrency   string `json:"display_currency"`
	BaseAmountDisplay string `json:"base_amount_display,omitempty"`
	TipAmountDisplay  string `json:"tip_amount_display,omitempty"`
	Memo              string `json:"memo,omitempty"`

	UserAPIKeyHash string `json:"user_api_key_hash"`
	UserWalletID   string `json:"user_wallet_id,omitempty"`

	Destination   Destination    `json:"destination"`
	TipRecipients []TipRecipient `json:"tip_recipients,omitempty"`

	Environment Environment `json:"environment"`
	Status      Status      `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// HashAPIKey returns the hex SHA-256 of a provider credential. Credential-less
// destination modes hash the empty string so the column is never null.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
