// Package provider implements the Blink-style GraphQL adapter for the
// upstream Lightning provider. Each Client is pinned to one API URL, so an
// intent created for staging can never reach the production endpoint.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"blinkpos-broker/internal/forwarding"
	"blinkpos-broker/pkg/logger"

	"go.uber.org/zap"
)

// ErrPaymentNotSettled is returned when the provider reports any terminal
// payment status other than SUCCESS.
var ErrPaymentNotSettled = errors.New("payment did not settle")

// Config pins a client to one environment's endpoint and broker wallet.
type Config struct {
	BaseURL        string
	BrokerAPIKey   string
	BrokerWalletID string
}

type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient creates a provider client. A nil httpClient gets a default with
// a 30s timeout; individual calls still honour the request context.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, cfg: cfg}
}

var _ forwarding.ProviderAdapter = (*Client)(nil)

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// post sends one GraphQL request authenticated with apiKey and decodes the
// data object into target.
func (c *Client) post(ctx context.Context, apiKey string, req graphqlRequest, target any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal graphql request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("X-API-KEY", apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.Error("Provider request failed", zap.String("url", c.cfg.BaseURL), zap.Error(err))
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("Provider returned error status", zap.String("url", c.cfg.BaseURL), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("provider error: status %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to parse provider response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("provider error: %s", envelope.Errors[0].Message)
	}

	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("failed to parse provider data: %w", err)
	}
	return nil
}

type invoicePayload struct {
	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
}

type mutationErrors struct {
	Errors []graphqlError `json:"errors"`
}

func firstError(errs []graphqlError) error {
	if len(errs) > 0 {
		return errors.New(errs[0].Message)
	}
	return nil
}

// CreateBrokerInvoice creates an invoice on the broker's own wallet. Used by
// the invoice API; the returned payment hash keys the intent.
func (c *Client) CreateBrokerInvoice(ctx context.Context, amountSats int64, memo string) (*forwarding.Invoice, error) {
	return c.createInvoice(ctx, c.cfg.BrokerAPIKey, c.cfg.BrokerWalletID, amountSats, memo)
}

// CreateInvoiceWithAPIKey creates an invoice on the destination wallet using
// the merchant's credential.
func (c *Client) CreateInvoiceWithAPIKey(ctx context.Context, apiKey, walletID string, amountSats int64, memo string) (*forwarding.Invoice, error) {
	return c.createInvoice(ctx, apiKey, walletID, amountSats, memo)
}

func (c *Client) createInvoice(ctx context.Context, apiKey, walletID string, amountSats int64, memo string) (*forwarding.Invoice, error) {
	const query = `mutation lnInvoiceCreate($input: LnInvoiceCreateInput!) {
		lnInvoiceCreate(input: $input) {
			invoice { paymentRequest paymentHash }
			errors { message }
		}
	}`

	var data struct {
		LnInvoiceCreate struct {
			Invoice invoicePayload `json:"invoice"`
			mutationErrors
		} `json:"lnInvoiceCreate"`
	}

	req := graphqlRequest{
		Query: query,
		Variables: map[string]any{
			"input": map[string]any{
				"walletId": walletID,
				"amount":   amountSats,
				"memo":     memo,
			},
		},
	}

	if err := c.post(ctx, apiKey, req, &data); err != nil {
		return nil, err
	}
	if err := firstError(data.LnInvoiceCreate.Errors); err != nil {
		return nil, fmt.Errorf("invoice creation rejected: %w", err)
	}
	if data.LnInvoiceCreate.Invoice.PaymentRequest == "" {
		return nil, errors.New("provider returned an empty invoice")
	}

	return &forwarding.Invoice{
		PaymentRequest: data.LnInvoiceCreate.Invoice.PaymentRequest,
		PaymentHash:    data.LnInvoiceCreate.Invoice.PaymentHash,
	}, nil
}

// CreateInvoiceOnBehalfOf creates an invoice against a recipient's BTC
// wallet without needing their credential.
func (c *Client) CreateInvoiceOnBehalfOf(ctx context.Context, walletID string, amountSats int64, memo string) (*forwarding.Invoice, error) {
	const query = `mutation lnInvoiceCreateOnBehalfOfRecipient($input: LnInvoiceCreateOnBehalfOfRecipientInput!) {
		lnInvoiceCreateOnBehalfOfRecipient(input: $input) {
			invoice { paymentRequest paymentHash }
			errors { message }
		}
	}`

	var data struct {
		LnInvoiceCreateOnBehalfOfRecipient struct {
			Invoice invoicePayload `json:"invoice"`
			mutationErrors
		} `json:"lnInvoiceCreateOnBehalfOfRecipient"`
	}

	req := graphqlRequest{
		Query: query,
		Variables: map[string]any{
			"input": map[string]any{
				"recipientWalletId": walletID,
				"amount":            amountSats,
				"memo":              memo,
			},
		},
	}

	if err := c.post(ctx, "", req, &data); err != nil {
		return nil, err
	}
	if err := firstError(data.LnInvoiceCreateOnBehalfOfRecipient.Errors); err != nil {
		return nil, fmt.Errorf("recipient invoice rejected: %w", err)
	}
	if data.LnInvoiceCreateOnBehalfOfRecipient.Invoice.PaymentRequest == "" {
		return nil, errors.New("provider returned an empty recipient invoice")
	}

	return &forwarding.Invoice{
		PaymentRequest: data.LnInvoiceCreateOnBehalfOfRecipient.Invoice.PaymentRequest,
		PaymentHash:    data.LnInvoiceCreateOnBehalfOfRecipient.Invoice.PaymentHash,
	}, nil
}

// ResolveUsernameWallet returns the BTC wallet id of a provider username via
// the public directory lookup.
func (c *Client) ResolveUsernameWallet(ctx context.Context, username string) (string, error) {
	const query = `query accountDefaultWallet($username: Username!, $walletCurrency: WalletCurrency) {
		accountDefaultWallet(username: $username, walletCurrency: $walletCurrency) {
			id
		}
	}`

	var data struct {
		AccountDefaultWallet struct {
			ID string `json:"id"`
		} `json:"accountDefaultWallet"`
	}

	req := graphqlRequest{
		Query: query,
		Variables: map[string]any{
			"username":       username,
			"walletCurrency": "BTC",
		},
	}

	if err := c.post(ctx, "", req, &data); err != nil {
		return "", err
	}
	if data.AccountDefaultWallet.ID == "" {
		return "", fmt.Errorf("no BTC wallet for username %s", username)
	}
	return data.AccountDefaultWallet.ID, nil
}

// PayInvoice pays a BOLT11 invoice from the broker wallet. Only a terminal
// SUCCESS from the provider counts as settled.
func (c *Client) PayInvoice(ctx context.Context, paymentRequest string, memo string) error {
	const query = `mutation lnInvoicePaymentSend($input: LnInvoicePaymentInput!) {
		lnInvoicePaymentSend(input: $input) {
			status
			errors { message }
		}
	}`

	var data struct {
		LnInvoicePaymentSend struct {
			Status string `json:"status"`
			mutationErrors
		} `json:"lnInvoicePaymentSend"`
	}

	req := graphqlRequest{
		Query: query,
		Variables: map[string]any{
			"input": map[string]any{
				"walletId":       c.cfg.BrokerWalletID,
				"paymentRequest": paymentRequest,
				"memo":           memo,
			},
		},
	}

	if err := c.post(ctx, c.cfg.BrokerAPIKey, req, &data); err != nil {
		return err
	}
	if err := firstError(data.LnInvoicePaymentSend.Errors); err != nil {
		return fmt.Errorf("payment rejected: %w", err)
	}
	if data.LnInvoicePaymentSend.Status != "SUCCESS" {
		return fmt.Errorf("%w: status %s", ErrPaymentNotSettled, data.LnInvoicePaymentSend.Status)
	}

	logger.Debug("Broker payment settled", zap.String("status", data.LnInvoicePaymentSend.Status))
	return nil
}
