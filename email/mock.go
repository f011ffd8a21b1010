package email

import (
	"context"
	"log/slog"
)

// MockProvider logs digests instead of delivering them, for local development
// without email credentials.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the digest that would have gone out.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK DIGEST (delivery disabled)",
		"recipient", to,
		"subject", subject,
		"body_bytes", len(htmlBody))
	return nil
}
