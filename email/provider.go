// Package email handles sending merged notification emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"stock-notifier/pkg/stock"
)

// defaultSiteName is used for the digest footer and the From display name
// when no SITE_NAME / FROM_NAME is configured.
const defaultSiteName = "Stock Notifier"

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends merged digest emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	siteName string // Shown in the email footer
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, siteName string) *Sender {
	if siteName == "" {
		siteName = defaultSiteName
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		siteName: siteName,
	}
}

// SendDigest sends the single merged email covering every subscription a
// recipient has in this run.
func (s *Sender) SendDigest(ctx context.Context, recipient string, items []stock.DigestItem) error {
	if len(items) == 0 {
		return nil
	}

	subject := digestSubject(items)
	body := s.formatDigestBody(items)

	s.logger.Info("Sending digest email",
		"to", recipient,
		"subject", subject,
		"subscriptions", len(items))

	return s.provider.Send(ctx, recipient, subject, body)
}

// digestSubject builds the subject line. A single-ticker digest names the
// ticker and price; a multi-ticker digest lists up to three tickers.
func digestSubject(items []stock.DigestItem) string {
	if len(items) == 1 {
		item := items[0]
		if item.PriceKnown {
			return fmt.Sprintf("%s Stock Update - $%.2f", item.Subscription.Ticker, item.Price)
		}
		return item.Subscription.Ticker + " Stock Update"
	}

	seen := make(map[string]bool)
	var tickers []string
	for _, item := range items {
		if !seen[item.Subscription.Ticker] {
			seen[item.Subscription.Ticker] = true
			tickers = append(tickers, item.Subscription.Ticker)
		}
	}

	if len(tickers) <= 3 {
		return "Stock Updates: " + strings.Join(tickers, ", ")
	}
	return fmt.Sprintf("Stock Updates: %s and %d more", strings.Join(tickers[:2], ", "), len(tickers)-2)
}
