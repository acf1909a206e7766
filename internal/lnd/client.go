// Package lnd wraps the LND gRPC API behind a small payer interface. When a
// deployment runs its own node, the broker can settle destination invoices
// directly instead of going through the provider's payment API.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"blinkpos-broker/pkg/logger"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

type Config struct {
	GRPCHost              string
	GRPCPort              string
	TLSCertPath           string
	MacaroonPath          string
	PaymentTimeoutSeconds int
	MaxPaymentFeeSats     int64
}

// LightningClient is the node-facing surface the broker uses. Keeping it an
// interface lets tests stub the node and keeps a future CLN migration cheap.
type LightningClient interface {
	// PayInvoice pays a BOLT11 invoice and blocks until a terminal state.
	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error)

	// DecodeInvoice decodes a BOLT11 invoice string without paying it.
	DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error)

	// GetInfo returns node identity and sync state, used by health checks.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// Close closes the underlying gRPC connection.
	Close() error
}

type PaymentResultStatus int

const (
	Succeeded PaymentResultStatus = iota
	Failed
	InFlight
)

type PaymentResult struct {
	PaymentHash     string
	PaymentPreimage string
	FeeSats         int64
	Status          PaymentResultStatus
}

type Invoice struct {
	Destination string
	AmountSats  int64
	PaymentHash string
	Expiry      int64
	Description string
	IsExpired   bool
}

type NodeInfo struct {
	Alias         string
	PubKey        string
	SyncedToChain bool
	SyncedToGraph bool
	BlockHeight   uint32
	NumChannels   uint32
}

// macaroonCredential attaches the hex-encoded macaroon as gRPC metadata on
// every call so LND can authorize the request.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

// RequireTransportSecurity returns true: macaroons only travel over TLS.
func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

type Client struct {
	conn         *grpc.ClientConn
	lnClient     lnrpc.LightningClient
	routerClient routerrpc.RouterClient
	cfg          Config
}

var _ LightningClient = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	macaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(macaroonData)}

	url := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(macaroonCreds))
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)

	// Fail fast if LND is not running, the wallet is locked, or the
	// credentials are wrong.
	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to LND (is it running? wallet unlocked?): %w", err)
	}

	logger.Info("LND connected",
		zap.String("alias", info.Alias),
		zap.String("pubkey", info.IdentityPubkey),
		zap.Uint32("height", info.BlockHeight),
		zap.Bool("synced_chain", info.SyncedToChain),
		zap.Bool("synced_graph", info.SyncedToGraph))

	if !info.SyncedToChain {
		logger.Warn("LND is not synced to chain, payments may fail until sync completes")
	}

	return &Client{
		conn:         conn,
		lnClient:     lnClient,
		routerClient: routerrpc.NewRouterClient(conn),
		cfg:          cfg,
	}, nil
}

// GetInfo returns node identity and sync state.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	info, err := c.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get node info: %w", err)
	}
	return &NodeInfo{
		Alias:         info.Alias,
		PubKey:        info.IdentityPubkey,
		SyncedToChain: info.SyncedToChain,
		SyncedToGraph: info.SyncedToGraph,
		BlockHeight:   info.BlockHeight,
		NumChannels:   info.NumActiveChannels,
	}, nil
}

// Close closes the underlying gRPC connection to LND.
func (c *Client) Close() error {
	return c.conn.Close()
}
