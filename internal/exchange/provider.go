// Package exchange fetches the BTC spot price used by the POS rate endpoint
// to convert fiat display amounts into sats.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"blinkpos-broker/pkg/logger"

	"go.uber.org/zap"
)

type PriceProvider interface {
	GetPrice(ctx context.Context, fiatCurrency string) (float64, error)
}

type coinbase struct {
	httpClient *http.Client
	baseURL    string
}

type coingecko struct {
	httpClient *http.Client
	baseURL    string
}

type bitstamp struct {
	httpClient *http.Client
	baseURL    string
}

const (
	coinbaseBaseURL  = "https://api.coinbase.com"
	coingeckoBaseURL = "https://api.coingecko.com"
	bitstampBaseURL  = "https://www.bitstamp.net"
)

type coinbasePriceResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

type coingeckoPriceResponse map[string]map[string]float64

type bitstampPriceResponse struct {
	Last string `json:"last"`
	Ask  string `json:"ask"`
	Bid  string `json:"bid"`
}

// NewProvider creates a price provider by name. Supported providers:
// "coinbase", "coingecko", "bitstamp". An empty baseURL selects the
// production API, a nil httpClient gets a default with a 10s timeout.
func NewProvider(providerName string, baseURL string, httpClient *http.Client) (PriceProvider, error) {
	providerName = strings.ToLower(providerName)

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	if baseURL == "" {
		switch providerName {
		case "coinbase":
			baseURL = coinbaseBaseURL
		case "coingecko":
			baseURL = coingeckoBaseURL
		case "bitstamp":
			baseURL = bitstampBaseURL
		default:
			return nil, fmt.Errorf("unknown provider: %s (supported: coinbase, coingecko, bitstamp)", providerName)
		}
	}

	switch providerName {
	case "coinbase":
		return &coinbase{httpClient: httpClient, baseURL: baseURL}, nil
	case "coingecko":
		return &coingecko{httpClient: httpClient, baseURL: baseURL}, nil
	case "bitstamp":
		return &bitstamp{httpClient: httpClient, baseURL: baseURL}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: coinbase, coingecko, bitstamp)", providerName)
	}
}

// fetchJSON makes an HTTP GET request and decodes the JSON response into target.
func fetchJSON(ctx context.Context, client *http.Client, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Failed to fetch price data", zap.String("url", url), zap.Error(err))
		return fmt.Errorf("failed to fetch data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("API returned error", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		logger.Error("Failed to decode JSON response", zap.String("url", url), zap.Error(err))
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

// GetPrice fetches the current BTC price in the specified fiat currency from Coinbase.
func (c *coinbase) GetPrice(ctx context.Context, fiatCurrency string) (float64, error) {
	fiatCurrency = strings.ToUpper(fiatCurrency)
	apiURL := fmt.Sprintf("%s/v2/prices/BTC-%s/spot", c.baseURL, fiatCurrency)

	var response coinbasePriceResponse
	if err := fetchJSON(ctx, c.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("coinbase: %w", err)
	}

	amount, err := strconv.ParseFloat(response.Data.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("coinbase: invalid price format: %w", err)
	}

	if amount <= 0 {
		return 0, fmt.Errorf("coinbase: invalid price value: %f", amount)
	}

	logger.Debug("Fetched BTC price from Coinbase",
		zap.String("currency", fiatCurrency),
		zap.Float64("price", amount))

	return amount, nil
}

// GetPrice fetches the current BTC price in the specified fiat currency from CoinGecko.
// CoinGecko expects lowercase currency codes.
func (c *coingecko) GetPrice(ctx context.Context, fiatCurrency string) (float64, error) {
	fiatCurrency = strings.ToLower(fiatCurrency)
	apiURL := fmt.Sprintf("%s/api/v3/simple/price?ids=bitcoin&vs_currencies=%s", c.baseURL, fiatCurrency)

	var response coingeckoPriceResponse
	if err := fetchJSON(ctx, c.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}

	if btcData, ok := response["bitcoin"]; ok {
		if amount, ok := btcData[fiatCurrency]; ok {
			if amount <= 0 {
				return 0, fmt.Errorf("coingecko: invalid price value: %f", amount)
			}
			logger.Debug("Fetched BTC price from CoinGecko",
				zap.String("currency", fiatCurrency),
				zap.Float64("price", amount))
			return amount, nil
		}
	}

	return 0, fmt.Errorf("coingecko: currency %s not found in response", fiatCurrency)
}

// GetPrice fetches the current BTC price in the specified fiat currency from Bitstamp.
func (c *bitstamp) GetPrice(ctx context.Context, fiatCurrency string) (float64, error) {
	fiatCurrency = strings.ToLower(fiatCurrency)
	apiURL := fmt.Sprintf("%s/api/v2/ticker/btc%s", c.baseURL, fiatCurrency)

	var response bitstampPriceResponse
	if err := fetchJSON(ctx, c.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("bitstamp: %w", err)
	}

	amount, err := strconv.ParseFloat(response.Last, 64)
	if err != nil {
		return 0, fmt.Errorf("bitstamp: invalid price format: %w", err)
	}

	if amount <= 0 {
		return 0, fmt.Errorf("bitstamp: invalid price value: %f", amount)
	}

	logger.Debug("Fetched BTC price from Bitstamp",
		zap.String("currency", fiatCurrency),
		zap.Float64("price", amount))

	return amount, nil
}
