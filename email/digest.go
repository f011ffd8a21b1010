package email

import (
	"fmt"
	"strings"

	"stock-notifier/pkg/stock"
)

func (s *Sender) formatDigestBody(items []stock.DigestItem) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #2c7be5; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".stock { margin-bottom: 25px; padding-bottom: 20px; border-bottom: 1px solid #ecf0f1; }\n")
	b.WriteString(".stock:last-of-type { border-bottom: none; padding-bottom: 0; margin-bottom: 0; }\n")
	b.WriteString(".ticker { color: #2c7be5; font-weight: 600; font-size: 1.2em; }\n")
	b.WriteString(".price { font-size: 1.1em; font-weight: 500; }\n")
	b.WriteString(".price.unavailable { color: #7f8c8d; font-style: italic; }\n")
	b.WriteString(".recommendation { background: #f8f9fa; padding: 12px 15px; border-radius: 8px; margin-top: 10px; }\n")
	b.WriteString(".action { font-weight: 600; }\n")
	b.WriteString(".action.buy { color: #27ae60; }\n")
	b.WriteString(".action.sell { color: #c0392b; }\n")
	b.WriteString(".action.hold { color: #f39c12; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".ticker { color: #5b9bff; }\n")
	b.WriteString(".recommendation { background: #222; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	if len(items) == 1 {
		b.WriteString(fmt.Sprintf("<h2>%s Update</h2>\n", escapeHTML(items[0].Subscription.Ticker)))
	} else {
		b.WriteString(fmt.Sprintf("<h2>Your %d Stock Updates</h2>\n", len(items)))
	}
	b.WriteString("</div>\n")

	for _, item := range items {
		b.WriteString("<div class=\"stock\">\n")
		b.WriteString(fmt.Sprintf("<span class=\"ticker\">%s</span>\n", escapeHTML(item.Subscription.Ticker)))

		if item.PriceKnown {
			b.WriteString(fmt.Sprintf("<span class=\"price\"> &bull; $%.2f</span>\n", item.Price))
		} else {
			b.WriteString("<span class=\"price unavailable\"> &bull; price unavailable</span>\n")
		}

		// Commentary is optional: absent recommendations are simply omitted.
		if rec := item.Recommendation; rec != nil {
			b.WriteString("<div class=\"recommendation\">\n")
			b.WriteString(fmt.Sprintf("<span class=\"action %s\">%s</span>", strings.ToLower(rec.Action), escapeHTML(rec.Action)))
			if rec.Reason != "" {
				b.WriteString(fmt.Sprintf(" &mdash; %s", escapeHTML(rec.Reason)))
			}
			b.WriteString("\n</div>\n")
		}

		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("Sent by %s. You receive this digest for the stock subscriptions registered to this address.\n", escapeHTML(s.siteName)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

// escapeHTML escapes HTML special characters for security.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
