package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider delivers digest emails through the Gmail API, sending as the
// authenticated service account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a Gmail provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// sanitizeHeader strips control characters from a header value. Digest
// subjects embed ticker symbols and recipient addresses come from stored
// subscriptions, so a newline smuggled into either would otherwise let the
// raw MIME message grow extra headers.
func sanitizeHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildDigestMessage assembles the raw MIME message for one digest, encoded
// the way the Gmail API expects (URL-safe base64). The From address is filled
// in by Gmail from the authenticated account.
func buildDigestMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return base64.URLEncoding.EncodeToString([]byte(msg.String()))
}

// Send delivers one digest email via users.messages.send.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw := buildDigestMessage(to, subject, htmlBody)

	return retry.Do(
		func() error {
			g.logger.Info("Digest delivery starting", "provider", "gmail", "recipient", to, "subject", subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Digest delivery failed, will retry",
					"provider", "gmail",
					"recipient", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Digest delivered",
				"provider", "gmail",
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
			g.logger.Info("Retrying digest delivery after error", "provider", "gmail", "attempt", n, "error", err)
		}),
	)
}
