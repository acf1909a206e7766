package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"blinkpos-broker/internal/forwarding"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

const (
	sourceClient  = "client"
	sourceWebhook = "webhook"
)

type forwardClientRequest struct {
	PaymentHash    string `json:"payment_hash" binding:"required"`
	TotalAmountSat int64  `json:"total_amount_sat"`
	Memo           string `json:"memo"`
}

// forwardClient is the POS-side forwarding trigger. It mirrors the webhook
// path; whichever entrypoint claims first runs the payout.
func (s *Server) forwardClient(c *gin.Context) {
	var req forwardClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_hash is required"})
		return
	}

	res, err := s.claimer.Claim(c.Request.Context(), req.PaymentHash, sourceClient)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim failed"})
		return
	}
	s.metrics.ClaimsTotal.WithLabelValues(res.Outcome.String(), sourceClient).Inc()

	switch res.Outcome {
	case intent.ClaimNotFound:
		// A missing intent means already processed and reaped, or never
		// ours. Either way paying again is wrong; tell the client to stop.
		c.JSON(http.StatusOK, gin.H{"skip_forwarding": true, "already_processed": true})
		return

	case intent.ClaimAlreadyTerminal:
		c.JSON(http.StatusOK, gin.H{"skip_forwarding": true, "already_processed": true})
		return

	case intent.ClaimAlreadyProcessing:
		c.JSON(http.StatusConflict, gin.H{"error": "already_processing"})
		return
	}

	outcome := s.executor.Execute(c.Request.Context(), forwarding.Plan(res.Intent))
	if !outcome.Base.OK {
		// The claim was already released by the executor; the client or a
		// webhook retry may try again.
		c.JSON(http.StatusInternalServerError, gin.H{"error": outcome.Base.Error})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     outcome.Success,
		"base_amount": res.Intent.BaseAmountSats,
		"tip_amount":  res.Intent.TipAmountSats,
		"tip_result":  outcome.Tips,
	})
}

// webhookPayload is the slice of the provider's event envelope the broker
// reads. Anything else in the delivery is ignored.
type webhookPayload struct {
	EventType   string `json:"eventType"`
	Transaction struct {
		Status        string `json:"status"`
		Memo          string `json:"memo"`
		InitiationVia struct {
			PaymentHash string `json:"paymentHash"`
		} `json:"initiationVia"`
	} `json:"transaction"`
}

// forwardWebhook handles provider deliveries. 200 means "nothing left to
// do", 500 means "retry later"; only a signature failure earns a 401.
func (s *Server) forwardWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.metrics.WebhooksTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	env, ok := s.verifySignature(body, c.GetHeader(SignatureHeader))
	if !ok {
		s.metrics.WebhooksTotal.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.WebhooksTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	if !strings.HasPrefix(payload.EventType, "receive.") ||
		!strings.EqualFold(payload.Transaction.Status, "success") {
		s.metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"result": "ignored"})
		return
	}

	paymentHash := payload.Transaction.InitiationVia.PaymentHash
	if paymentHash == "" {
		// On-chain or intraledger receipt without a payment hash.
		s.metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"result": "ignored"})
		return
	}

	logger.Info("Webhook receipt",
		zap.String("payment_hash", paymentHash),
		zap.String("event_type", payload.EventType),
		zap.String("signature_env", env.String()))

	res, err := s.claimer.Claim(c.Request.Context(), paymentHash, sourceWebhook)
	if err != nil {
		s.metrics.WebhooksTotal.WithLabelValues("store_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim failed"})
		return
	}
	s.metrics.ClaimsTotal.WithLabelValues(res.Outcome.String(), sourceWebhook).Inc()

	switch res.Outcome {
	case intent.ClaimNotFound:
		s.metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"result": "ignored"})
		return

	case intent.ClaimAlreadyProcessing:
		s.metrics.WebhooksTotal.WithLabelValues("already_claimed").Inc()
		c.JSON(http.StatusOK, gin.H{"result": "already_claimed"})
		return

	case intent.ClaimAlreadyTerminal:
		// Only a completed intent makes a re-delivery idempotent. An
		// expired or failed row must not be revived by a late webhook.
		if res.Status == intent.Completed {
			s.metrics.WebhooksTotal.WithLabelValues("idempotent").Inc()
			c.JSON(http.StatusOK, gin.H{"result": "idempotent"})
			return
		}
		s.metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"result": "ignored"})
		return
	}

	s.claimer.AppendEvent(c.Request.Context(), intent.Event{
		PaymentHash: paymentHash,
		Kind:        intent.EventWebhookForward,
		Outcome:     intent.OutcomeSuccess,
		Metadata:    map[string]string{"event_type": payload.EventType},
	})

	outcome := s.executor.Execute(c.Request.Context(), forwarding.Plan(res.Intent))
	if !outcome.Base.OK {
		// Claim released by the executor; a 500 asks the provider to retry.
		s.metrics.WebhooksTotal.WithLabelValues("forward_failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": outcome.Base.Error})
		return
	}

	s.metrics.WebhooksTotal.WithLabelValues("forwarded").Inc()
	c.JSON(http.StatusOK, gin.H{"result": "forwarded", "success": outcome.Success})
}

// verifySignature checks the body HMAC against each configured secret. The
// matching secret names the logical environment for logging only; the
// intent's stored environment pins all downstream calls.
func (s *Server) verifySignature(body []byte, signature string) (intent.Environment, bool) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return 0, false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return 0, false
	}

	for env, secret := range s.cfg.WebhookSecrets {
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(provided, mac.Sum(nil)) {
			return env, true
		}
	}
	return 0, false
}
