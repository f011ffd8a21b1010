// Package stock contains the core domain types for the stock notification service.
package stock

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates a subscription (or other record) does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates a subscription with the same owner, ticker and
// recipient already exists.
var ErrDuplicate = errors.New("subscription already exists")

// ErrRunInProgress indicates a notification run was requested while another
// run was still executing.
var ErrRunInProgress = errors.New("notification run already in progress")

// Subscription links an owner to a ticker they want price notifications for.
type Subscription struct {
	CreatedAt      time.Time `json:"created_at"`       // When the subscription was created
	LastNotifiedAt time.Time `json:"last_notified_at"` // When the last notification email covering it was sent
	ID             string    `json:"id"`               // UUID
	Owner          string    `json:"owner"`            // Owning user reference
	Ticker         string    `json:"ticker"`           // Stock ticker symbol (e.g. AAPL)
	Email          string    `json:"email"`            // Recipient email for notifications
	Price          float64   `json:"price"`            // Last fetched price, 0 when never fetched
	LastPriceSent  float64   `json:"last_price_sent"`  // Price included in the last sent email
	Active         bool      `json:"active"`
}

// NewSubscription builds an active subscription with a fresh ID.
func NewSubscription(owner, ticker, email string) *Subscription {
	return &Subscription{
		ID:        uuid.NewString(),
		Owner:     owner,
		Ticker:    ticker,
		Email:     email,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

// Log statuses. Out-of-window skips are batch-level outcomes recorded on the
// RunSummary, not per-subscription rows, so there is no skipped status.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification channels.
const (
	ChannelScheduled = "scheduled"
	ChannelManual    = "manual"
)

// NotificationLog is one append-only audit row per subscription per run.
type NotificationLog struct {
	TriggeredAt    time.Time `json:"triggered_at"`
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Ticker         string    `json:"ticker"`
	Email          string    `json:"email"`
	Status         string    `json:"status"`  // sent | failed
	Channel        string    `json:"channel"` // scheduled | manual
	Detail         string    `json:"detail,omitempty"`
	PriceAtSend    float64   `json:"price_at_send"`
}

// Quote is a point-in-time price for a ticker. Ephemeral, cache-resident only.
type Quote struct {
	FetchedAt time.Time
	Ticker    string
	Price     float64
}

// Recommendation actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Recommendation is AI-generated commentary for a ticker at a price snapshot.
type Recommendation struct {
	Ticker string
	Action string // BUY | SELL | HOLD
	Reason string
}

// TriggerKind identifies what started a notification run.
type TriggerKind string

const (
	TriggerScheduled   TriggerKind = "scheduled"
	TriggerManualOne   TriggerKind = "manual-single"
	TriggerManualAdmin TriggerKind = "manual-admin"
)

// Filter narrows the subscriptions selected by a manual admin run.
type Filter struct {
	Ticker string
	Email  string
}

// Trigger describes one requested notification run.
type Trigger struct {
	Kind           TriggerKind
	SubscriptionID string // set for manual-single
	Filter         Filter // optional, manual-admin only
}

// Channel maps the trigger to the notification channel recorded in the log.
func (t Trigger) Channel() string {
	if t.Kind == TriggerScheduled {
		return ChannelScheduled
	}
	return ChannelManual
}

// RunSummary is the outcome of one notification run.
type RunSummary struct {
	Trigger            TriggerKind `json:"trigger"`
	SkipReason         string      `json:"skip_reason,omitempty"`
	UnavailableTickers []string    `json:"unavailable_tickers,omitempty"`
	Subscriptions      int         `json:"subscriptions"`
	EmailsSent         int         `json:"emails_sent"`
	EmailsFailed       int         `json:"emails_failed"`
	LoggedSent         int         `json:"logged_sent"`
	LoggedFailed       int         `json:"logged_failed"`
	Skipped            bool        `json:"skipped"`
}

// DigestItem is one subscription's line in a merged notification email.
type DigestItem struct {
	Subscription   *Subscription
	Recommendation *Recommendation // nil when commentary is unavailable
	Price          float64
	PriceKnown     bool
}
