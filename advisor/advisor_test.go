package advisor

import (
	"strings"
	"testing"
	"unicode/utf8"

	"stock-notifier/pkg/stock"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantAction string
		wantReason string
	}{
		{
			name:       "well formed",
			content:    "RECOMMENDATION: BUY\nREASON: Strong earnings and expanding margins",
			wantAction: stock.ActionBuy,
			wantReason: "Strong earnings and expanding margins",
		},
		{
			name:       "lowercase action normalized",
			content:    "RECOMMENDATION: sell\nREASON: Valuation stretched",
			wantAction: stock.ActionSell,
			wantReason: "Valuation stretched",
		},
		{
			name:       "extra chatter around the contract lines",
			content:    "Sure, here is my analysis.\n\nRECOMMENDATION: HOLD\nREASON: Mixed signals\n\nLet me know if you need more.",
			wantAction: stock.ActionHold,
			wantReason: "Mixed signals",
		},
		{
			name:       "unknown action degrades to hold",
			content:    "RECOMMENDATION: SHORT\nREASON: Bearish setup",
			wantAction: stock.ActionHold,
			wantReason: "Bearish setup",
		},
		{
			name:       "unparseable content degrades to defaults",
			content:    "I cannot provide financial advice.",
			wantAction: stock.ActionHold,
			wantReason: "See detailed analysis",
		},
		{
			name:       "indented lines still match",
			content:    "  RECOMMENDATION: BUY  \n  REASON: Momentum  ",
			wantAction: stock.ActionBuy,
			wantReason: "Momentum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := parseReply("AAPL", tt.content)
			if rec.Ticker != "AAPL" {
				t.Errorf("Ticker = %q, want AAPL", rec.Ticker)
			}
			if rec.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", rec.Action, tt.wantAction)
			}
			if rec.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", rec.Reason, tt.wantReason)
			}
		})
	}
}

func TestParseReplyTruncatesLongReason(t *testing.T) {
	long := strings.Repeat("a", 300)
	rec := parseReply("AAPL", "RECOMMENDATION: BUY\nREASON: "+long)

	if len(rec.Reason) != maxReasonLen {
		t.Errorf("reason length = %d, want %d", len(rec.Reason), maxReasonLen)
	}
	if !strings.HasSuffix(rec.Reason, "...") {
		t.Errorf("truncated reason missing ellipsis: %q", rec.Reason)
	}
}

func TestParseReplyTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("日", 300)
	rec := parseReply("AAPL", "RECOMMENDATION: HOLD\nREASON: "+long)

	if !utf8.ValidString(rec.Reason) {
		t.Errorf("truncated reason is not valid UTF-8: %q", rec.Reason)
	}
	if got := utf8.RuneCountInString(rec.Reason); got != maxReasonLen {
		t.Errorf("reason rune count = %d, want %d", got, maxReasonLen)
	}
	if !strings.HasSuffix(rec.Reason, "...") {
		t.Errorf("truncated reason missing ellipsis: %q", rec.Reason)
	}
}

func TestBuildPrompt(t *testing.T) {
	withPrice := buildPrompt("AAPL", 187.30)
	if !strings.Contains(withPrice, "AAPL at $187.30") {
		t.Errorf("prompt missing ticker and price: %q", withPrice)
	}

	withoutPrice := buildPrompt("AAPL", 0)
	if strings.Contains(withoutPrice, "$") {
		t.Errorf("prompt includes a price when none is known: %q", withoutPrice)
	}
}
