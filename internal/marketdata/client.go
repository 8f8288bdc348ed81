// Package marketdata implements the client for the external quote provider
// consumed by the stock command executor.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/edgard/signalbot/internal/config"
)

var (
	// ErrUnknownTicker indicates the provider has no data for the symbol.
	ErrUnknownTicker = errors.New("unknown ticker")
	// ErrRateLimited indicates the provider rejected the call with a
	// too-many-requests response.
	ErrRateLimited = errors.New("rate limited by provider")
)

// Quote is the provider's answer for one ticker.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
}

// Client fetches quotes from the external market data provider.
type Client interface {
	Quote(ctx context.Context, ticker string) (Quote, error)
}

type httpClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a market data client with a bounded request timeout.
func NewClient(cfg config.MarketDataConfig, logger *slog.Logger) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "marketdata_client"),
	}
}

// Quote fetches the current price and day change for a ticker.
func (c *httpClient) Quote(ctx context.Context, ticker string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/v1/quote/%s", c.baseURL, url.PathEscape(ticker))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.DebugContext(ctx, "Fetching quote", "ticker", ticker)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "Quote request failed", "ticker", ticker, "error", err)
		return Quote{}, fmt.Errorf("quote request for %s failed: %w", ticker, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusNotFound:
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	case http.StatusTooManyRequests:
		return Quote{}, ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("quote request for %s returned status %d: %s",
			ticker, resp.StatusCode, string(body))
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return Quote{}, fmt.Errorf("failed to decode quote response for %s: %w", ticker, err)
	}
	if quote.Symbol == "" {
		quote.Symbol = ticker
	}

	c.logger.DebugContext(ctx, "Quote fetched",
		"ticker", ticker, "price", quote.Price, "change_percent", quote.ChangePercent)
	return quote, nil
}
