// Package quotes fetches current stock prices from the Yahoo Finance chart API.
package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const defaultBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// ErrUnknownTicker indicates the price service does not know the symbol.
var ErrUnknownTicker = errors.New("unknown ticker")

// Client fetches quotes over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// New creates a quote client. baseURL overrides the Yahoo endpoint, mainly
// for tests; pass "" for the default.
func New(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		baseURL:    baseURL,
	}
}

// chartResponse mirrors the slice of the Yahoo chart payload we care about.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// CurrentPrice returns the latest market price for ticker.
func (c *Client) CurrentPrice(ctx context.Context, ticker string) (float64, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	url := fmt.Sprintf("%s/%s", c.baseURL, ticker)

	var price float64

	err := retry.Do(
		func() error {
			c.logger.Info("Price request starting", "method", "GET", "url", url, "ticker", ticker)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.httpClient.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Price request failed, will retry",
					"ticker", ticker,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("Price request completed",
				"ticker", ticker,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusNotFound {
				// The chart endpoint 404s for symbols it does not know;
				// retrying will not help.
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrUnknownTicker, ticker))
			}
			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("Price request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			var chart chartResponse
			if err := json.Unmarshal(body, &chart); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			if chart.Chart.Error != nil {
				return retry.Unrecoverable(fmt.Errorf("%w: %s (%s)", ErrUnknownTicker, ticker, chart.Chart.Error.Code))
			}
			if len(chart.Chart.Result) == 0 {
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrUnknownTicker, ticker))
			}

			price = chart.Chart.Result[0].Meta.RegularMarketPrice
			if price <= 0 {
				return retry.Unrecoverable(fmt.Errorf("%w: %s: no market price", ErrUnknownTicker, ticker))
			}

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying price fetch after error", "attempt", n, "ticker", ticker, "error", err)
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("fetch price for %s: %w", ticker, err)
	}

	c.logger.Info("Price fetched", "ticker", ticker, "price", price)
	return price, nil
}
