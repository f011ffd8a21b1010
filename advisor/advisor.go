// Package advisor generates buy/sell/hold commentary for stock tickers using
// the Gemini API. Commentary is best-effort: callers treat any error as
// "no recommendation" and omit it from the notification email.
package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stock-notifier/pkg/stock"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	defaultModel = "gemini-1.5-flash"

	// Reasons longer than this are truncated so digest lines stay scannable.
	maxReasonLen = 120
)

// Client wraps a Gemini generative model.
type Client struct {
	model  *genai.GenerativeModel
	logger *slog.Logger
}

// New creates an advisor client. modelName may be "" to use the default.
func New(ctx context.Context, apiKey, modelName string, logger *slog.Logger) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	if modelName == "" {
		modelName = defaultModel
	}

	return &Client{
		model:  client.GenerativeModel(modelName),
		logger: logger,
	}, nil
}

func buildPrompt(ticker string, price float64) string {
	priceInfo := ""
	if price > 0 {
		priceInfo = fmt.Sprintf(" at $%.2f", price)
	}

	return fmt.Sprintf(`You are a financial analyst. Provide a brief investment recommendation for %s%s.

Respond with ONLY:
1. One word: BUY, SELL, or HOLD
2. A concise reason (max 40 words explaining key factors)

Format your response exactly as:
RECOMMENDATION: [BUY/SELL/HOLD]
REASON: [reasoning including market conditions, fundamentals, or technical factors]`, ticker, priceInfo)
}

// Recommend asks the model for a recommendation for ticker. A zero price
// means the current price is unknown and is left out of the prompt.
func (c *Client) Recommend(ctx context.Context, ticker string, price float64) (stock.Recommendation, error) {
	prompt := buildPrompt(ticker, price)

	var text string

	err := retry.Do(
		func() error {
			c.logger.Info("Recommendation request starting", "ticker", ticker, "price", price)

			startTime := time.Now()
			resp, err := c.model.GenerateContent(ctx, genai.Text(prompt))
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Gemini request failed, will retry",
					"ticker", ticker,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			text = responseText(resp)
			if text == "" {
				return fmt.Errorf("empty response for %s", ticker)
			}

			c.logger.Info("Recommendation request completed",
				"ticker", ticker,
				"duration_ms", duration.Milliseconds())

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying recommendation after error", "attempt", n, "ticker", ticker, "error", err)
		}),
	)
	if err != nil {
		return stock.Recommendation{}, fmt.Errorf("recommend %s: %w", ticker, err)
	}

	return parseReply(ticker, text), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

// parseReply extracts the RECOMMENDATION/REASON lines. Anything unparseable
// degrades to HOLD with a generic reason rather than failing the run.
func parseReply(ticker, content string) stock.Recommendation {
	rec := stock.Recommendation{
		Ticker: ticker,
		Action: stock.ActionHold,
		Reason: "See detailed analysis",
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "RECOMMENDATION:"):
			action := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, "RECOMMENDATION:")))
			if action == stock.ActionBuy || action == stock.ActionSell || action == stock.ActionHold {
				rec.Action = action
			}
		case strings.HasPrefix(line, "REASON:"):
			rec.Reason = strings.TrimSpace(strings.TrimPrefix(line, "REASON:"))
		}
	}

	// Truncate on rune boundaries: model replies are not ASCII-only.
	if runes := []rune(rec.Reason); len(runes) > maxReasonLen {
		rec.Reason = string(runes[:maxReasonLen-3]) + "..."
	}

	return rec
}

// Mock is a mock advisor for local development: every ticker gets a HOLD.
type Mock struct {
	logger *slog.Logger
}

// NewMock creates a mock advisor.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// Recommend logs the request and returns a canned HOLD recommendation.
func (m *Mock) Recommend(_ context.Context, ticker string, price float64) (stock.Recommendation, error) {
	m.logger.Info("MOCK RECOMMENDATION", "ticker", ticker, "price", price)
	return stock.Recommendation{
		Ticker: ticker,
		Action: stock.ActionHold,
		Reason: "AI analysis disabled in this environment",
	}, nil
}
