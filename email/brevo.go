package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider delivers digest emails through the Brevo transactional API.
// Used when the service runs without Gmail credentials but has a Brevo key.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
}

// NewBrevoProvider creates a Brevo provider sending from fromAddr. An empty
// fromName falls back to the service name shown in digest footers.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	if fromName == "" {
		fromName = defaultSiteName
	}
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
	}
}

type brevoParty struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoMessage struct {
	Sender  brevoParty   `json:"sender"`
	To      []brevoParty `json:"to"`
	Subject string       `json:"subject"`
	HTML    string       `json:"htmlContent"`
}

// Send posts one digest email. Client errors other than rate limiting are not
// retried: a rejected payload stays rejected.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoMessage{
		Sender:  brevoParty{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoParty{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal digest payload: %w", err)
	}

	return retry.Do(
		func() error {
			b.logger.Info("Digest delivery starting", "provider", "brevo", "recipient", to, "subject", subject)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("api-key", b.apiKey)

			startTime := time.Now()
			resp, err := b.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				b.logger.Warn("Digest delivery failed, will retry",
					"provider", "brevo",
					"recipient", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					b.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				sendErr := fmt.Errorf("brevo HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					b.logger.Warn("Digest rejected by Brevo",
						"recipient", to,
						"status_code", resp.StatusCode)
					return retry.Unrecoverable(sendErr)
				}
				b.logger.Warn("Brevo returned non-2xx status, will retry",
					"recipient", to,
					"status_code", resp.StatusCode)
				return sendErr
			}

			b.logger.Info("Digest delivered",
				"provider", "brevo",
				"recipient", to,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying digest delivery after error", "provider", "brevo", "attempt", n, "error", err)
		}),
	)
}
