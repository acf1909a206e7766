// Package lnurl resolves Lightning Addresses into BOLT11 invoices via the
// LNURL-pay flow (LUD-06/LUD-16).
package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"blinkpos-broker/internal/forwarding"
	"blinkpos-broker/pkg/logger"

	"go.uber.org/zap"
)

var ErrInvalidAddress = errors.New("invalid lightning address")

type Client struct {
	httpClient *http.Client
}

// NewClient creates an LNURL resolver. A nil httpClient gets a default with
// a 15s timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

var _ forwarding.LNURLResolver = (*Client)(nil)

type payParams struct {
	Tag            string `json:"tag"`
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"` // msat
	MaxSendable    int64  `json:"maxSendable"` // msat
	CommentAllowed int    `json:"commentAllowed"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
}

type payResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// FetchInvoice resolves address via its .well-known LNURL-pay endpoint and
// requests an invoice for amountSats with the memo as comment where the
// receiving server allows one.
func (c *Client) FetchInvoice(ctx context.Context, address string, amountSats int64, memo string) (*forwarding.Invoice, error) {
	user, domain, ok := splitAddress(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}

	paramsURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, url.PathEscape(user))

	var params payParams
	if err := c.fetchJSON(ctx, paramsURL, &params); err != nil {
		return nil, fmt.Errorf("lnurl params fetch failed: %w", err)
	}
	if params.Status == "ERROR" {
		return nil, fmt.Errorf("lnurl endpoint error: %s", params.Reason)
	}
	if params.Tag != "payRequest" || params.Callback == "" {
		return nil, fmt.Errorf("address %s does not support lnurl-pay", address)
	}

	amountMsat := amountSats * 1000
	if amountMsat < params.MinSendable || (params.MaxSendable > 0 && amountMsat > params.MaxSendable) {
		return nil, fmt.Errorf("amount %d sat outside sendable range [%d, %d] msat",
			amountSats, params.MinSendable, params.MaxSendable)
	}

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return nil, fmt.Errorf("invalid lnurl callback: %w", err)
	}
	q := callback.Query()
	q.Set("amount", fmt.Sprintf("%d", amountMsat))
	if memo != "" && params.CommentAllowed >= len(memo) {
		q.Set("comment", memo)
	}
	callback.RawQuery = q.Encode()

	var resp payResponse
	if err := c.fetchJSON(ctx, callback.String(), &resp); err != nil {
		return nil, fmt.Errorf("lnurl callback failed: %w", err)
	}
	if resp.Status == "ERROR" {
		return nil, fmt.Errorf("lnurl callback error: %s", resp.Reason)
	}
	if resp.PR == "" {
		return nil, errors.New("lnurl callback returned no invoice")
	}

	logger.Debug("Resolved lightning address", zap.String("address", address), zap.Int64("amount_sat", amountSats))
	return &forwarding.Invoice{PaymentRequest: resp.PR}, nil
}

func (c *Client) fetchJSON(ctx context.Context, rawURL string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnurl server error: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func splitAddress(address string) (user, domain string, ok bool) {
	parts := strings.Split(strings.TrimSpace(address), "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
