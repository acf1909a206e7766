package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"blinkpos-broker/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name        string
		provider    string
		expectError bool
	}{
		{"Coinbase lowercase", "coinbase", false},
		{"Coinbase uppercase", "COINBASE", false},
		{"CoinGecko mixed case", "CoinGecko", false},
		{"Bitstamp lowercase", "bitstamp", false},
		{"Unknown provider", "unknown", true},
		{"Empty string", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.provider, "", nil)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, provider)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, provider)
			}
		})
	}
}

func coinbaseBody(amount string) coinbasePriceResponse {
	var resp coinbasePriceResponse
	resp.Data.Amount = amount
	resp.Data.Base = "BTC"
	resp.Data.Currency = "USD"
	return resp
}

func TestCoinbase_GetPrice(t *testing.T) {
	tests := []struct {
		name          string
		body          any
		statusCode    int
		expectError   bool
		expectedPrice float64
	}{
		{"valid price", coinbaseBody("67000.50"), http.StatusOK, false, 67000.50},
		{"server error", map[string]string{"error": "boom"}, http.StatusInternalServerError, true, 0},
		{"invalid json", "not json", http.StatusOK, true, 0},
		{"zero price", coinbaseBody("0"), http.StatusOK, true, 0},
		{"negative price", coinbaseBody("-100"), http.StatusOK, true, 0},
		{"not a number", coinbaseBody("nope"), http.StatusOK, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v2/prices/BTC-USD/spot", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				if str, ok := tt.body.(string); ok {
					w.Write([]byte(str))
				} else {
					json.NewEncoder(w).Encode(tt.body)
				}
			}))
			defer server.Close()

			provider, err := NewProvider("coinbase", server.URL, server.Client())
			require.NoError(t, err)

			price, err := provider.GetPrice(context.Background(), "USD")
			if tt.expectError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectedPrice, price)
			}
		})
	}
}

func TestCoingecko_GetPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coingeckoPriceResponse{"bitcoin": {"usd": 67500.00}})
	}))
	defer server.Close()

	provider, err := NewProvider("coingecko", server.URL, server.Client())
	require.NoError(t, err)

	price, err := provider.GetPrice(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 67500.00, price)
}

func TestBitstamp_GetPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/ticker/btcusd", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bitstampPriceResponse{Last: "66800.25"})
	}))
	defer server.Close()

	provider, err := NewProvider("bitstamp", server.URL, server.Client())
	require.NoError(t, err)

	price, err := provider.GetPrice(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 66800.25, price)
}
