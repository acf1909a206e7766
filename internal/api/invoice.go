package api

import (
	"errors"
	"net/http"
	"strings"

	"blinkpos-broker/internal/hotcache"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// destinationRequest is the one-of forwarding target in the invoice request.
// Exactly one group must be present.
type destinationRequest struct {
	APIKey *struct {
		Key      string `json:"key"`
		WalletID string `json:"wallet_id"`
	} `json:"api_key,omitempty"`

	LNAddress *struct {
		Username string `json:"username"`
		WalletID string `json:"wallet_id,omitempty"`
	} `json:"ln_address,omitempty"`

	NpubCash *struct {
		Address string `json:"address"`
	} `json:"npub_cash,omitempty"`

	NWC *struct {
		// URI is encrypted by the broker before storage. EncryptedURI is
		// accepted as-is for terminals that hold the broker key themselves.
		URI          string `json:"uri,omitempty"`
		EncryptedURI string `json:"encrypted_uri,omitempty"`
	} `json:"nwc,omitempty"`
}

type tipRecipientRequest struct {
	Handle       string  `json:"handle"`
	SharePercent float64 `json:"share_percent"`
}

type createInvoiceRequest struct {
	AmountSats     int64   `json:"amount_sat"`
	BaseAmountSats int64   `json:"base_amount_sat"`
	TipAmountSats  int64   `json:"tip_amount_sat"`
	TipPercent     float64 `json:"tip_percent"`

	Memo              string `json:"memo"`
	DisplayCurrency   string `json:"display_currency"`
	BaseAmountDisplay string `json:"base_amount_display"`
	TipAmountDisplay  string `json:"tip_amount_display"`

	Destination   destinationRequest    `json:"destination"`
	TipRecipients []tipRecipientRequest `json:"tip_recipients"`

	Environment string `json:"environment"`
}

// createInvoice creates a broker invoice and persists the matching intent
// before the invoice leaves the building. A payer can settle the invoice the
// instant the merchant shows it, so the intent has to be claimable first.
func (s *Server) createInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	it, errMsg := s.buildIntent(&req)
	if errMsg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMsg})
		return
	}

	inv, err := s.invoicer(it.Environment).CreateBrokerInvoice(c.Request.Context(), it.TotalAmountSats, it.Memo)
	if err != nil {
		logger.Error("Failed to create broker invoice",
			zap.String("environment", it.Environment.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create invoice"})
		return
	}
	it.PaymentHash = inv.PaymentHash

	if err := s.store.Insert(c.Request.Context(), it); err != nil {
		// The upstream invoice exists but is now orphaned. It expires on the
		// provider side; creating a second invoice here would double the
		// merchant's exposure.
		if errors.Is(err, intent.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "intent already exists"})
			return
		}
		logger.Error("Failed to persist payment intent",
			zap.String("payment_hash", it.PaymentHash), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist intent"})
		return
	}

	s.metrics.IntentsCreated.Inc()
	s.claimer.AppendEvent(c.Request.Context(), intent.Event{
		PaymentHash: it.PaymentHash,
		Kind:        intent.EventCreated,
		Outcome:     intent.OutcomeSuccess,
		Metadata: map[string]string{
			"mode":        it.Destination.Mode.String(),
			"environment": it.Environment.String(),
		},
	})

	s.mirrorPut(c, it)

	c.JSON(http.StatusOK, gin.H{
		"payment_request": inv.PaymentRequest,
		"payment_hash":    inv.PaymentHash,
		"satoshis":        it.TotalAmountSats,
		"expires_at":      it.ExpiresAt,
	})
}

// buildIntent validates the request and assembles the intent row. Returns a
// caller-facing message on validation failure.
func (s *Server) buildIntent(req *createInvoiceRequest) (*intent.PaymentIntent, string) {
	if req.AmountSats <= 0 {
		return nil, "amount_sat must be positive"
	}

	env, ok := intent.ParseEnvironment(strings.ToLower(req.Environment))
	if !ok && req.Environment != "" {
		return nil, "environment must be production or staging"
	}

	if req.TipAmountSats < 0 || req.BaseAmountSats < 0 {
		return nil, "amounts must be non-negative"
	}
	base := req.BaseAmountSats
	if base == 0 && req.TipAmountSats < req.AmountSats {
		base = req.AmountSats - req.TipAmountSats
	}
	if base+req.TipAmountSats != req.AmountSats {
		return nil, "amount_sat must equal base_amount_sat + tip_amount_sat"
	}

	if len(req.TipRecipients) > s.cfg.MaxTipRecipients {
		return nil, "too many tip recipients"
	}
	recipients := make([]intent.TipRecipient, 0, len(req.TipRecipients))
	for _, r := range req.TipRecipients {
		if strings.TrimSpace(r.Handle) == "" {
			return nil, "tip recipient handle must not be empty"
		}
		recipients = append(recipients, intent.TipRecipient{
			Handle:       strings.TrimSpace(r.Handle),
			SharePercent: r.SharePercent,
		})
	}

	dest, errMsg := s.buildDestination(&req.Destination)
	if errMsg != "" {
		return nil, errMsg
	}

	currency := req.DisplayCurrency
	if currency == "" {
		currency = "BTC"
	}

	now := s.clock.Now().UTC()
	it := &intent.PaymentIntent{
		TotalAmountSats:   req.AmountSats,
		BaseAmountSats:    base,
		TipAmountSats:     req.TipAmountSats,
		TipPercent:        req.TipPercent,
		DisplayCurrency:   currency,
		BaseAmountDisplay: req.BaseAmountDisplay,
		TipAmountDisplay:  req.TipAmountDisplay,
		Memo:              req.Memo,
		UserAPIKeyHash:    intent.HashAPIKey(dest.UserAPIKey),
		UserWalletID:      dest.UserWalletID,
		Destination:       *dest,
		TipRecipients:     recipients,
		Environment:       env,
		Status:            intent.Pending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.IntentTTL),
	}
	return it, ""
}

func (s *Server) buildDestination(req *destinationRequest) (*intent.Destination, string) {
	count := 0
	if req.APIKey != nil {
		count++
	}
	if req.LNAddress != nil {
		count++
	}
	if req.NpubCash != nil {
		count++
	}
	if req.NWC != nil {
		count++
	}
	if count != 1 {
		return nil, "destination must specify exactly one of api_key, ln_address, npub_cash, nwc"
	}

	switch {
	case req.APIKey != nil:
		if req.APIKey.Key == "" || req.APIKey.WalletID == "" {
			return nil, "api_key destination requires key and wallet_id"
		}
		return &intent.Destination{
			Mode:         intent.ModeAPIKey,
			UserAPIKey:   req.APIKey.Key,
			UserWalletID: req.APIKey.WalletID,
		}, ""

	case req.LNAddress != nil:
		if req.LNAddress.Username == "" {
			return nil, "ln_address destination requires username"
		}
		return &intent.Destination{
			Mode:              intent.ModeLNAddress,
			LNAddressUsername: req.LNAddress.Username,
			LNAddressWalletID: req.LNAddress.WalletID,
		}, ""

	case req.NpubCash != nil:
		if !strings.Contains(req.NpubCash.Address, "@") {
			return nil, "npub_cash destination requires a user@npub.cash address"
		}
		return &intent.Destination{
			Mode:            intent.ModeNpubCash,
			NpubCashAddress: req.NpubCash.Address,
		}, ""

	default:
		encrypted := req.NWC.EncryptedURI
		if encrypted == "" {
			if req.NWC.URI == "" {
				return nil, "nwc destination requires uri or encrypted_uri"
			}
			if s.cfg.EncryptNWCURI == nil {
				return nil, "nwc destinations are not enabled"
			}
			var err error
			encrypted, err = s.cfg.EncryptNWCURI(req.NWC.URI)
			if err != nil {
				logger.Error("Failed to encrypt NWC URI", zap.Error(err))
				return nil, "failed to protect nwc uri"
			}
		}
		return &intent.Destination{
			Mode:            intent.ModeNWC,
			EncryptedNWCURI: encrypted,
		}, ""
	}
}

// mirrorPut primes the hot cache after a successful insert, best-effort.
func (s *Server) mirrorPut(c *gin.Context, it *intent.PaymentIntent) {
	s.mirror.Put(c.Request.Context(), it, hotcache.DefaultActiveTTL)
}
