package lnd

import (
	"context"
	"fmt"

	"blinkpos-broker/internal/forwarding"
	"blinkpos-broker/pkg/logger"

	"go.uber.org/zap"
)

// NodeAdapter routes outgoing payments through a local LND node while
// delegating invoice creation and username resolution to the provider
// adapter. It is swapped in for the plain provider adapter when the broker is
// configured with its own node.
type NodeAdapter struct {
	forwarding.ProviderAdapter

	node       LightningClient
	maxFeeSats int64
}

func NewNodeAdapter(provider forwarding.ProviderAdapter, node LightningClient, maxFeeSats int64) *NodeAdapter {
	return &NodeAdapter{ProviderAdapter: provider, node: node, maxFeeSats: maxFeeSats}
}

var _ forwarding.ProviderAdapter = (*NodeAdapter)(nil)

// PayInvoice settles the invoice over the local node instead of the
// provider's payment API. The memo only matters to the receiving side here,
// so it is logged and otherwise ignored.
func (a *NodeAdapter) PayInvoice(ctx context.Context, paymentRequest string, memo string) error {
	result, err := a.node.PayInvoice(ctx, paymentRequest, a.maxFeeSats)
	if err != nil {
		return fmt.Errorf("node payment failed: %w", err)
	}
	if result.Status != Succeeded {
		return fmt.Errorf("node payment not settled: hash %s", result.PaymentHash)
	}

	logger.Debug("Node payment settled",
		zap.String("payment_hash", result.PaymentHash),
		zap.Int64("fee_sats", result.FeeSats),
		zap.String("memo", memo))
	return nil
}
