// Package nwc implements the slice of Nostr Wallet Connect (NIP-47) the
// broker needs: a single make_invoice round trip against the remote wallet's
// relay.
package nwc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"blinkpos-broker/internal/forwarding"
	"blinkpos-broker/pkg/logger"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	kindRequest  = 23194
	kindResponse = 23195
)

var ErrInvalidURI = errors.New("invalid nwc uri")

// Connection is a parsed nostr+walletconnect URI.
type Connection struct {
	WalletPubKey *btcec.PublicKey
	RelayURL     string
	Secret       *btcec.PrivateKey
}

// ParseURI parses "nostr+walletconnect://<pubkey>?relay=<url>&secret=<hex>".
func ParseURI(raw string) (*Connection, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "nostr+walletconnect" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURI, u.Scheme)
	}

	pubHex := u.Host
	if pubHex == "" {
		pubHex = strings.TrimPrefix(u.Opaque, "//")
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil || len(pubBytes) != 32 {
		return nil, fmt.Errorf("%w: bad wallet pubkey", ErrInvalidURI)
	}
	walletPub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: bad wallet pubkey: %v", ErrInvalidURI, err)
	}

	relay := u.Query().Get("relay")
	if relay == "" {
		return nil, fmt.Errorf("%w: missing relay", ErrInvalidURI)
	}

	secretBytes, err := hex.DecodeString(u.Query().Get("secret"))
	if err != nil || len(secretBytes) != 32 {
		return nil, fmt.Errorf("%w: bad secret", ErrInvalidURI)
	}
	secret, _ := btcec.PrivKeyFromBytes(secretBytes)

	return &Connection{WalletPubKey: walletPub, RelayURL: relay, Secret: secret}, nil
}

// event is a wire-format nostr event.
type event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// computeID fills in the canonical NIP-01 event id.
func (ev *event) computeID() error {
	serial, err := json.Marshal([]any{0, ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content})
	if err != nil {
		return err
	}
	sum := sha256.Sum256(serial)
	ev.ID = hex.EncodeToString(sum[:])
	return nil
}

type Client struct {
	requestTimeout time.Duration
}

// NewClient creates an NWC invoicer. requestTimeout bounds the whole
// relay round trip; zero means 30s.
func NewClient(requestTimeout time.Duration) *Client {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{requestTimeout: requestTimeout}
}

var _ forwarding.NWCInvoicer = (*Client)(nil)

type walletRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type walletResponse struct {
	ResultType string `json:"result_type"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
	} `json:"result"`
}

// MakeInvoice opens a session to the wallet's relay, sends an encrypted
// make_invoice request and waits for the matching response event.
func (c *Client) MakeInvoice(ctx context.Context, nwcURI string, amountMsat int64, memo string) (*forwarding.Invoice, error) {
	conn, err := ParseURI(nwcURI)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	key := sharedSecret(conn.Secret, conn.WalletPubKey)

	reqBody, err := json.Marshal(walletRequest{
		Method: "make_invoice",
		Params: map[string]any{
			"amount":      amountMsat,
			"description": memo,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet request: %w", err)
	}

	content, err := encryptNIP04(string(reqBody), key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt wallet request: %w", err)
	}

	clientPub := conn.Secret.PubKey()
	walletPubHex := hex.EncodeToString(schnorr.SerializePubKey(conn.WalletPubKey))

	ev := event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(clientPub)),
		CreatedAt: time.Now().Unix(),
		Kind:      kindRequest,
		Tags:      [][]string{{"p", walletPubHex}},
		Content:   content,
	}
	if err := ev.computeID(); err != nil {
		return nil, fmt.Errorf("failed to compute event id: %w", err)
	}

	idBytes, _ := hex.DecodeString(ev.ID)
	sig, err := schnorr.Sign(conn.Secret, idBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())

	ws, _, err := websocket.Dial(ctx, conn.RelayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", conn.RelayURL, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	// Subscribe to the response before publishing so the reply cannot be
	// missed.
	subID := ev.ID[:16]
	sub, err := json.Marshal([]any{"REQ", subID, map[string]any{
		"kinds":   []int{kindResponse},
		"authors": []string{walletPubHex},
		"#e":      []string{ev.ID},
	}})
	if err != nil {
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, sub); err != nil {
		return nil, fmt.Errorf("failed to subscribe on relay: %w", err)
	}

	pub, err := json.Marshal([]any{"EVENT", ev})
	if err != nil {
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, pub); err != nil {
		return nil, fmt.Errorf("failed to publish on relay: %w", err)
	}

	respEv, err := awaitResponse(ctx, ws, subID)
	if err != nil {
		return nil, err
	}

	plaintext, err := decryptNIP04(respEv.Content, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt wallet response: %w", err)
	}

	var resp walletResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse wallet response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("wallet error %s: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result.Invoice == "" {
		return nil, errors.New("wallet returned no invoice")
	}

	logger.Debug("NWC make_invoice succeeded", zap.String("relay", conn.RelayURL))
	return &forwarding.Invoice{
		PaymentRequest: resp.Result.Invoice,
		PaymentHash:    resp.Result.PaymentHash,
	}, nil
}

// awaitResponse reads relay frames until the subscription delivers an event.
func awaitResponse(ctx context.Context, ws *websocket.Conn, subID string) (*event, error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("relay read failed: %w", err)
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			continue
		}

		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var gotSub string
			if err := json.Unmarshal(frame[1], &gotSub); err != nil || gotSub != subID {
				continue
			}
			var ev event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				continue
			}
			return &ev, nil
		case "NOTICE", "OK", "EOSE":
			continue
		}
	}
}
