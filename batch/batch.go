// Package batch implements the notification run pipeline: select eligible
// subscriptions, group them by recipient, enrich each distinct ticker with a
// price quote and AI commentary, send one merged email per recipient, and
// append one audit log row per subscription.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"stock-notifier/cache"
	"stock-notifier/pkg/stock"

	"github.com/google/uuid"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultCacheTTL    = time.Hour
)

// Store is the persistence surface the batcher needs.
type Store interface {
	ActiveSubscriptions(ctx context.Context) ([]*stock.Subscription, error)
	Subscription(ctx context.Context, id string) (*stock.Subscription, error)
	UpdatePrice(ctx context.Context, id string, price float64) error
	MarkNotified(ctx context.Context, id string, price float64, at time.Time) error
	AppendLog(ctx context.Context, entry *stock.NotificationLog) error
}

// PriceSource fetches current prices from the external price service.
type PriceSource interface {
	CurrentPrice(ctx context.Context, ticker string) (float64, error)
}

// Advisor generates commentary for a ticker. A zero price means the current
// price is unknown.
type Advisor interface {
	Recommend(ctx context.Context, ticker string, price float64) (stock.Recommendation, error)
}

// Emailer sends one merged digest email per recipient.
type Emailer interface {
	SendDigest(ctx context.Context, recipient string, items []stock.DigestItem) error
}

// Config holds batcher configuration.
type Config struct {
	Store       Store
	Prices      PriceSource
	Advisor     Advisor
	Emailer     Emailer
	Logger      *slog.Logger
	Location    *time.Location // Business-window timezone
	Clock       cache.Clock    // Defaults to time.Now
	CallTimeout time.Duration  // Per external call, defaults to 30s
	CacheTTL    time.Duration  // Quote/recommendation TTL, defaults to 1h
}

// Batcher executes notification runs. At most one run executes at a time; a
// trigger arriving while a run is active is rejected with ErrRunInProgress
// rather than queued.
type Batcher struct {
	store       Store
	prices      PriceSource
	advisor     Advisor
	emailer     Emailer
	logger      *slog.Logger
	loc         *time.Location
	now         cache.Clock
	quoteCache  *cache.Cache[stock.Quote]
	recCache    *cache.Cache[stock.Recommendation]
	callTimeout time.Duration
	running     atomic.Bool
}

// New creates a batcher.
func New(cfg *Config) *Batcher {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Batcher{
		store:       cfg.Store,
		prices:      cfg.Prices,
		advisor:     cfg.Advisor,
		emailer:     cfg.Emailer,
		logger:      cfg.Logger,
		loc:         loc,
		now:         now,
		quoteCache:  cache.New[stock.Quote](ttl, now),
		recCache:    cache.New[stock.Recommendation](ttl, now),
		callTimeout: callTimeout,
	}
}

// recipientGroup holds all subscriptions going into one merged email.
type recipientGroup struct {
	email string
	subs  []*stock.Subscription
}

// Run executes one notification run for the given trigger and returns its
// summary. Returns stock.ErrRunInProgress when another run holds the lock and
// stock.ErrNotFound when a manual-single trigger names an unknown subscription.
func (b *Batcher) Run(ctx context.Context, trigger stock.Trigger) (*stock.RunSummary, error) {
	if !b.running.CompareAndSwap(false, true) {
		b.logger.Warn("Run rejected, another run is in progress", "trigger", trigger.Kind)
		return nil, stock.ErrRunInProgress
	}
	defer b.running.Store(false)

	now := b.now()
	summary := &stock.RunSummary{Trigger: trigger.Kind}

	// Scheduled runs only proceed inside the business window. The skip is
	// logged at the batch level, not per subscription.
	if trigger.Kind == stock.TriggerScheduled && !InBusinessWindow(now, b.loc) {
		summary.Skipped = true
		summary.SkipReason = fmt.Sprintf("outside business window: %s", now.In(b.loc).Format("Mon 15:04 MST"))
		b.logger.Info("Scheduled run skipped", "reason", summary.SkipReason)
		return summary, nil
	}

	subs, err := b.selectSubscriptions(ctx, trigger)
	if err != nil {
		return nil, err
	}
	summary.Subscriptions = len(subs)

	if len(subs) == 0 {
		b.logger.Info("No subscriptions selected", "trigger", trigger.Kind)
		return summary, nil
	}

	b.logger.Info("Starting notification run",
		"trigger", trigger.Kind,
		"subscriptions", len(subs),
		"timestamp", now.Format(time.RFC3339))

	groups := groupByRecipient(subs)
	quotes, recs, unavailable := b.enrich(ctx, subs)
	summary.UnavailableTickers = unavailable

	for _, group := range groups {
		b.notifyRecipient(ctx, group, trigger, quotes, recs, now, summary)
	}

	b.logger.Info("Notification run completed",
		"trigger", trigger.Kind,
		"recipients", len(groups),
		"emails_sent", summary.EmailsSent,
		"emails_failed", summary.EmailsFailed,
		"logged_sent", summary.LoggedSent,
		"logged_failed", summary.LoggedFailed,
		"unavailable_tickers", len(summary.UnavailableTickers))

	return summary, nil
}

func (b *Batcher) selectSubscriptions(ctx context.Context, trigger stock.Trigger) ([]*stock.Subscription, error) {
	switch trigger.Kind {
	case stock.TriggerManualOne:
		sub, err := b.store.Subscription(ctx, trigger.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("load subscription %s: %w", trigger.SubscriptionID, err)
		}
		return []*stock.Subscription{sub}, nil

	case stock.TriggerManualAdmin:
		subs, err := b.store.ActiveSubscriptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		filtered := subs[:0]
		for _, sub := range subs {
			if trigger.Filter.Ticker != "" && sub.Ticker != trigger.Filter.Ticker {
				continue
			}
			if trigger.Filter.Email != "" && sub.Email != trigger.Filter.Email {
				continue
			}
			filtered = append(filtered, sub)
		}
		return filtered, nil

	default: // scheduled
		subs, err := b.store.ActiveSubscriptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		return subs, nil
	}
}

// groupByRecipient groups subscriptions by recipient email. Group order is
// insertion order of first occurrence; within a group subscriptions are
// ordered by ticker then creation time so email content is deterministic.
func groupByRecipient(subs []*stock.Subscription) []*recipientGroup {
	index := make(map[string]*recipientGroup)
	var groups []*recipientGroup

	for _, sub := range subs {
		group, ok := index[sub.Email]
		if !ok {
			group = &recipientGroup{email: sub.Email}
			index[sub.Email] = group
			groups = append(groups, group)
		}
		group.subs = append(group.subs, sub)
	}

	for _, group := range groups {
		sort.Slice(group.subs, func(i, j int) bool {
			a, b := group.subs[i], group.subs[j]
			if a.Ticker != b.Ticker {
				return a.Ticker < b.Ticker
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}

	return groups
}

// enrich fetches a quote and a recommendation once per distinct ticker across
// the whole run. Failures are contained: a ticker with no reachable price is
// reported as unavailable, a ticker with no commentary simply has none.
func (b *Batcher) enrich(ctx context.Context, subs []*stock.Subscription) (map[string]stock.Quote, map[string]*stock.Recommendation, []string) {
	quotes := make(map[string]stock.Quote)
	recs := make(map[string]*stock.Recommendation)
	var unavailable []string

	seen := make(map[string]bool)
	var tickers []string
	for _, sub := range subs {
		if !seen[sub.Ticker] {
			seen[sub.Ticker] = true
			tickers = append(tickers, sub.Ticker)
		}
	}
	sort.Strings(tickers)

	for _, ticker := range tickers {
		quote, ok := b.lookupQuote(ctx, ticker)
		if ok {
			quotes[ticker] = quote
		} else {
			unavailable = append(unavailable, ticker)
		}

		if rec, ok := b.lookupRecommendation(ctx, ticker, quote.Price); ok {
			recs[ticker] = &rec
		}
	}

	// Persist freshly observed prices on the subscription rows so the
	// dashboard shows what was mailed out.
	for _, sub := range subs {
		quote, ok := quotes[sub.Ticker]
		if !ok {
			continue
		}
		if err := b.store.UpdatePrice(ctx, sub.ID, quote.Price); err != nil {
			b.logger.Warn("Failed to persist price", "subscription_id", sub.ID, "ticker", sub.Ticker, "error", err)
		}
	}

	return quotes, recs, unavailable
}

func (b *Batcher) lookupQuote(ctx context.Context, ticker string) (stock.Quote, bool) {
	if quote, ok := b.quoteCache.Get(ticker); ok {
		b.logger.Debug("Quote cache hit", "ticker", ticker, "price", quote.Price)
		return quote, true
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	price, err := b.prices.CurrentPrice(callCtx, ticker)
	if err != nil {
		// A failed fetch never populates the cache and never evicts a
		// previous entry.
		b.logger.Warn("Price fetch failed", "ticker", ticker, "error", err)
		return stock.Quote{}, false
	}

	quote := stock.Quote{Ticker: ticker, Price: price, FetchedAt: b.now()}
	b.quoteCache.Put(ticker, quote)
	b.logger.Info("Price fetched", "ticker", ticker, "price", price)
	return quote, true
}

// recommendationKey buckets the recommendation cache by ticker and price
// rounded to whole dollars, since commentary is generated per price snapshot.
func recommendationKey(ticker string, price float64) string {
	if price <= 0 {
		return ticker + "|na"
	}
	return ticker + "|" + strconv.Itoa(int(math.Round(price)))
}

func (b *Batcher) lookupRecommendation(ctx context.Context, ticker string, price float64) (stock.Recommendation, bool) {
	key := recommendationKey(ticker, price)
	if rec, ok := b.recCache.Get(key); ok {
		b.logger.Debug("Recommendation cache hit", "ticker", ticker)
		return rec, true
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	rec, err := b.advisor.Recommend(callCtx, ticker, price)
	if err != nil {
		// Commentary is optional: the email just omits it.
		b.logger.Warn("Recommendation fetch failed", "ticker", ticker, "error", err)
		return stock.Recommendation{}, false
	}

	b.recCache.Put(key, rec)
	return rec, true
}

// notifyRecipient renders and sends one merged email for a group and appends
// one log row per subscription in it. A send failure is contained: it is
// logged per subscription as failed and the run proceeds.
func (b *Batcher) notifyRecipient(ctx context.Context, group *recipientGroup, trigger stock.Trigger, quotes map[string]stock.Quote, recs map[string]*stock.Recommendation, now time.Time, summary *stock.RunSummary) {
	items := make([]stock.DigestItem, 0, len(group.subs))
	for _, sub := range group.subs {
		item := stock.DigestItem{Subscription: sub}
		if quote, ok := quotes[sub.Ticker]; ok {
			item.Price = quote.Price
			item.PriceKnown = true
		}
		item.Recommendation = recs[sub.Ticker]
		items = append(items, item)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	sendErr := b.emailer.SendDigest(callCtx, group.email, items)
	cancel()

	status := stock.StatusSent
	detail := ""
	if sendErr != nil {
		status = stock.StatusFailed
		detail = sendErr.Error()
		summary.EmailsFailed++
		b.logger.Warn("Digest send failed", "recipient", group.email, "subscriptions", len(group.subs), "error", sendErr)
	} else {
		summary.EmailsSent++
		b.logger.Info("Digest sent", "recipient", group.email, "subscriptions", len(group.subs))
	}

	for i, sub := range group.subs {
		entry := &stock.NotificationLog{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			Ticker:         sub.Ticker,
			Email:          sub.Email,
			Status:         status,
			Channel:        trigger.Channel(),
			Detail:         detail,
			PriceAtSend:    items[i].Price,
			TriggeredAt:    now,
		}
		// Log rows are committed individually so a partial-run failure
		// preserves rows already written.
		if err := b.store.AppendLog(ctx, entry); err != nil {
			b.logger.Error("Failed to append notification log", "subscription_id", sub.ID, "error", err)
			continue
		}

		if status == stock.StatusSent {
			summary.LoggedSent++
			if err := b.store.MarkNotified(ctx, sub.ID, items[i].Price, now); err != nil {
				b.logger.Warn("Failed to update notification tracking", "subscription_id", sub.ID, "error", err)
			}
		} else {
			summary.LoggedFailed++
		}
	}
}

// RefreshPrices fetches the current price for every distinct ticker across
// active subscriptions and persists it on the subscription rows. It shares
// the quote cache with notification runs.
func (b *Batcher) RefreshPrices(ctx context.Context) (total, updated int, err error) {
	subs, err := b.store.ActiveSubscriptions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list subscriptions: %w", err)
	}

	quotes := make(map[string]stock.Quote)
	for _, sub := range subs {
		if _, ok := quotes[sub.Ticker]; ok {
			continue
		}
		if quote, ok := b.lookupQuote(ctx, sub.Ticker); ok {
			quotes[sub.Ticker] = quote
		}
	}

	for _, sub := range subs {
		quote, ok := quotes[sub.Ticker]
		if !ok {
			continue
		}
		if err := b.store.UpdatePrice(ctx, sub.ID, quote.Price); err != nil {
			b.logger.Warn("Failed to persist price", "subscription_id", sub.ID, "ticker", sub.Ticker, "error", err)
			continue
		}
		updated++
	}

	b.logger.Info("Price refresh completed", "subscriptions", len(subs), "updated", updated)
	return len(subs), updated, nil
}
