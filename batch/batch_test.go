package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"stock-notifier/pkg/stock"
)

// Wednesday 2025-03-12 10:00 in New York, inside the business window.
var insideWindow = time.Date(2025, 3, 12, 10, 0, 0, 0, newYork())

func newYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock is an adjustable clock for exercising the window and cache TTLs.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu       sync.Mutex
	subs     []*stock.Subscription
	logs     []*stock.NotificationLog
	notified map[string]time.Time
	prices   map[string]float64
}

func newFakeStore(subs ...*stock.Subscription) *fakeStore {
	return &fakeStore{
		subs:     subs,
		notified: make(map[string]time.Time),
		prices:   make(map[string]float64),
	}
}

func (s *fakeStore) ActiveSubscriptions(_ context.Context) ([]*stock.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*stock.Subscription
	for _, sub := range s.subs {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active, nil
}

func (s *fakeStore) Subscription(_ context.Context, id string) (*stock.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, stock.ErrNotFound
}

func (s *fakeStore) UpdatePrice(_ context.Context, id string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[id] = price
	return nil
}

func (s *fakeStore) MarkNotified(_ context.Context, id string, _ float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[id] = at
	return nil
}

func (s *fakeStore) AppendLog(_ context.Context, entry *stock.NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *fakeStore) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func newFakePrices(prices map[string]float64) *fakePrices {
	return &fakePrices{
		prices: prices,
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (p *fakePrices) CurrentPrice(_ context.Context, ticker string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[ticker]++
	if err := p.errs[ticker]; err != nil {
		return 0, err
	}
	price, ok := p.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("no price for %s", ticker)
	}
	return price, nil
}

func (p *fakePrices) callCount(ticker string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ticker]
}

type fakeAdvisor struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (a *fakeAdvisor) Recommend(_ context.Context, ticker string, _ float64) (stock.Recommendation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return stock.Recommendation{}, a.err
	}
	return stock.Recommendation{Ticker: ticker, Action: stock.ActionHold, Reason: "steady"}, nil
}

type sentEmail struct {
	recipient string
	items     []stock.DigestItem
}

type fakeEmailer struct {
	mu      sync.Mutex
	sent    []sentEmail
	failFor map[string]error
	started chan struct{} // closed on first Send, when set
	release chan struct{} // Send blocks on this, when set
}

func (e *fakeEmailer) SendDigest(_ context.Context, recipient string, items []stock.DigestItem) error {
	if e.started != nil {
		e.mu.Lock()
		select {
		case <-e.started:
		default:
			close(e.started)
		}
		e.mu.Unlock()
	}
	if e.release != nil {
		<-e.release
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failFor[recipient]; err != nil {
		return err
	}
	e.sent = append(e.sent, sentEmail{recipient: recipient, items: items})
	return nil
}

func (e *fakeEmailer) sentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

func sub(id, ticker, email string, createdAt time.Time) *stock.Subscription {
	return &stock.Subscription{
		ID:        id,
		Owner:     "owner-" + email,
		Ticker:    ticker,
		Email:     email,
		Active:    true,
		CreatedAt: createdAt,
	}
}

func newTestBatcher(store *fakeStore, prices *fakePrices, advisor *fakeAdvisor, emailer *fakeEmailer, clock *fakeClock) *Batcher {
	return New(&Config{
		Store:    store,
		Prices:   prices,
		Advisor:  advisor,
		Emailer:  emailer,
		Logger:   testLogger(),
		Location: newYork(),
		Clock:    clock.Now,
	})
}

func TestRunMergesEmailsPerRecipient(t *testing.T) {
	base := insideWindow.Add(-24 * time.Hour)
	store := newFakeStore(
		sub("s1", "MSFT", "alice@example.com", base),
		sub("s2", "AAPL", "alice@example.com", base.Add(time.Hour)),
		sub("s3", "AAPL", "bob@example.com", base.Add(2*time.Hour)),
	)
	prices := newFakePrices(map[string]float64{"AAPL": 187.30, "MSFT": 410.12})
	emailer := &fakeEmailer{}
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	summary, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerScheduled})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if summary.Subscriptions != 3 {
		t.Errorf("Subscriptions = %d, want 3", summary.Subscriptions)
	}
	if summary.EmailsSent != 2 {
		t.Errorf("EmailsSent = %d, want 2 (one merged email per recipient)", summary.EmailsSent)
	}
	if summary.LoggedSent != 3 {
		t.Errorf("LoggedSent = %d, want 3 (one log row per subscription)", summary.LoggedSent)
	}
	if got := store.logCount(); got != 3 {
		t.Errorf("log rows = %d, want 3", got)
	}

	// One price fetch per distinct ticker despite AAPL appearing twice.
	if got := prices.callCount("AAPL"); got != 1 {
		t.Errorf("AAPL fetched %d times, want 1", got)
	}
	if got := prices.callCount("MSFT"); got != 1 {
		t.Errorf("MSFT fetched %d times, want 1", got)
	}

	// Recipients keep first-occurrence order, items within a group sort by ticker.
	if len(emailer.sent) != 2 {
		t.Fatalf("sent %d emails, want 2", len(emailer.sent))
	}
	if emailer.sent[0].recipient != "alice@example.com" || emailer.sent[1].recipient != "bob@example.com" {
		t.Errorf("recipient order = %s, %s", emailer.sent[0].recipient, emailer.sent[1].recipient)
	}
	alice := emailer.sent[0].items
	if len(alice) != 2 || alice[0].Subscription.Ticker != "AAPL" || alice[1].Subscription.Ticker != "MSFT" {
		t.Errorf("alice items not sorted by ticker: %+v", alice)
	}

	for _, entry := range store.logs {
		if entry.Channel != stock.ChannelScheduled {
			t.Errorf("log channel = %s, want %s", entry.Channel, stock.ChannelScheduled)
		}
		if entry.Status != stock.StatusSent {
			t.Errorf("log status = %s, want %s", entry.Status, stock.StatusSent)
		}
	}

	// Successful sends update notification tracking.
	if len(store.notified) != 3 {
		t.Errorf("notified %d subscriptions, want 3", len(store.notified))
	}
}

func TestScheduledRunSkippedOutsideWindow(t *testing.T) {
	store := newFakeStore(sub("s1", "AAPL", "alice@example.com", time.Now()))
	prices := newFakePrices(map[string]float64{"AAPL": 187.30})
	emailer := &fakeEmailer{}
	clock := &fakeClock{now: time.Date(2025, 3, 15, 12, 0, 0, 0, newYork())} // Saturday
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	summary, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerScheduled})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !summary.Skipped {
		t.Error("summary.Skipped = false, want true")
	}
	if summary.SkipReason == "" {
		t.Error("summary.SkipReason is empty")
	}
	if emailer.sentCount() != 0 {
		t.Errorf("sent %d emails, want 0", emailer.sentCount())
	}
	if store.logCount() != 0 {
		t.Errorf("wrote %d log rows, want 0", store.logCount())
	}
}

func TestManualRunIgnoresWindow(t *testing.T) {
	store := newFakeStore(sub("s1", "AAPL", "alice@example.com", time.Now()))
	prices := newFakePrices(map[string]float64{"AAPL": 187.30})
	emailer := &fakeEmailer{}
	clock := &fakeClock{now: time.Date(2025, 3, 15, 12, 0, 0, 0, newYork())} // Saturday
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	summary, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerManualAdmin})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.Skipped {
		t.Error("manual run skipped by business window")
	}
	if summary.EmailsSent != 1 {
		t.Errorf("EmailsSent = %d, want 1", summary.EmailsSent)
	}

	for _, entry := range store.logs {
		if entry.Channel != stock.ChannelManual {
			t.Errorf("log channel = %s, want %s", entry.Channel, stock.ChannelManual)
		}
	}
}

func TestManualSingleUnknownSubscription(t *testing.T) {
	store := newFakeStore()
	prices := newFakePrices(nil)
	emailer := &fakeEmailer{}
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	_, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerManualOne, SubscriptionID: "nope"})
	if !errors.Is(err, stock.ErrNotFound) {
		t.Fatalf("Run() error = %v, want ErrNotFound", err)
	}
	if store.logCount() != 0 {
		t.Errorf("wrote %d log rows, want 0", store.logCount())
	}
}

func TestAdminFilter(t *testing.T) {
	base := insideWindow.Add(-24 * time.Hour)
	store := newFakeStore(
		sub("s1", "AAPL", "alice@example.com", base),
		sub("s2", "MSFT", "alice@example.com", base),
		sub("s3", "AAPL", "bob@example.com", base),
	)
	prices := newFakePrices(map[string]float64{"AAPL": 187.30, "MSFT": 410.12})

	tests := []struct {
		name     string
		filter   stock.Filter
		wantSubs int
	}{
		{"by ticker", stock.Filter{Ticker: "AAPL"}, 2},
		{"by email", stock.Filter{Email: "alice@example.com"}, 2},
		{"by both", stock.Filter{Ticker: "MSFT", Email: "alice@example.com"}, 1},
		{"no match", stock.Filter{Ticker: "TSLA"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emailer := &fakeEmailer{}
			clock := &fakeClock{now: insideWindow}
			b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

			summary, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerManualAdmin, Filter: tt.filter})
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if summary.Subscriptions != tt.wantSubs {
				t.Errorf("Subscriptions = %d, want %d", summary.Subscriptions, tt.wantSubs)
			}
		})
	}
}

func TestQuoteCacheAcrossRuns(t *testing.T) {
	store := newFakeStore(sub("s1", "AAPL", "alice@example.com", time.Now()))
	prices := newFakePrices(map[string]float64{"AAPL": 187.30})
	emailer := &fakeEmailer{}
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	trigger := stock.Trigger{Kind: stock.TriggerScheduled}
	for range 2 {
		if _, err := b.Run(context.Background(), trigger); err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	}
	if got := prices.callCount("AAPL"); got != 1 {
		t.Errorf("AAPL fetched %d times within TTL, want 1", got)
	}

	clock.Advance(61 * time.Minute)
	if _, err := b.Run(context.Background(), trigger); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := prices.callCount("AAPL"); got != 2 {
		t.Errorf("AAPL fetched %d times after TTL expiry, want 2", got)
	}
}

func TestUnavailableTickerIsContained(t *testing.T) {
	base := insideWindow.Add(-24 * time.Hour)
	store := newFakeStore(
		sub("s1", "AAPL", "alice@example.com", base),
		sub("s2", "BROKEN", "alice@example.com", base),
		sub("s3", "AAPL", "bob@example.com", base),
	)
	prices := newFakePrices(map[string]float64{"AAPL": 187.30})
	prices.errs["BROKEN"] = errors.New("upstream down")
	emailer := &fakeEmailer{}
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	summary, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerScheduled})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(summary.UnavailableTickers) != 1 || summary.UnavailableTickers[0] != "BROKEN" {
		t.Errorf("UnavailableTickers = %v, want [BROKEN]", summary.UnavailableTickers)
	}
	if summary.EmailsSent != 2 {
		t.Errorf("EmailsSent = %d, want 2 (failing ticker affects no other recipient)", summary.EmailsSent)
	}

	var broken *stock.DigestItem
	for i := range emailer.sent[0].items {
		if emailer.sent[0].items[i].Subscription.Ticker == "BROKEN" {
			broken = &emailer.sent[0].items[i]
		}
	}
	if broken == nil {
		t.Fatal("BROKEN subscription missing from digest")
	}
	if broken.PriceKnown {
		t.Error("BROKEN PriceKnown = true, want false")
	}

	// A failed fetch is not cached: the next run retries it.
	if _, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerScheduled}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := prices.callCount("BROKEN"); got != 2 {
		t.Errorf("BROKEN fetched %d times, want 2 (failures are never cached)", got)
	}
	if got := prices.callCount("AAPL"); got != 1 {
		t.Errorf("AAPL fetched %d times, want 1 (success stays cached)", got)
	}
}

func TestAdvisorFailureOmitsRecommendation(t *testing.T) {
	store := newFakeStore(sub("s1", "AAPL", "alice@example.com", time.Now()))
	prices := newFakePrices(map[string]float64{"AAPL": 187.30})
	emailer := &fakeEmailer{}
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{err: errors.New("quota exceeded")}, emailer, clock)

	summary, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerScheduled})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.EmailsSent != 1 {
		t.Errorf("EmailsSent = %d, want 1", summary.EmailsSent)
	}
	if item := emailer.sent[0].items[0]; item.Recommendation != nil {
		t.Errorf("Recommendation = %+v, want nil when advisor fails", item.Recommendation)
	}
}

func TestSendFailureLoggedPerSubscription(t *testing.T) {
	base := insideWindow.Add(-24 * time.Hour)
	store := newFakeStore(
		sub("s1", "AAPL", "alice@example.com", base),
		sub("s2", "AAPL", "bob@example.com", base),
		sub("s3", "MSFT", "bob@example.com", base),
	)
	prices := newFakePrices(map[string]float64{"AAPL": 187.30, "MSFT": 410.12})
	emailer := &fakeEmailer{failFor: map[string]error{"bob@example.com": errors.New("smtp 550")}}
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	summary, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerScheduled})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if summary.EmailsSent != 1 || summary.EmailsFailed != 1 {
		t.Errorf("EmailsSent/EmailsFailed = %d/%d, want 1/1", summary.EmailsSent, summary.EmailsFailed)
	}
	if summary.LoggedSent != 1 || summary.LoggedFailed != 2 {
		t.Errorf("LoggedSent/LoggedFailed = %d/%d, want 1/2", summary.LoggedSent, summary.LoggedFailed)
	}

	for _, entry := range store.logs {
		switch entry.Email {
		case "alice@example.com":
			if entry.Status != stock.StatusSent {
				t.Errorf("alice log status = %s, want sent", entry.Status)
			}
		case "bob@example.com":
			if entry.Status != stock.StatusFailed {
				t.Errorf("bob log status = %s, want failed", entry.Status)
			}
			if entry.Detail == "" {
				t.Error("failed log has empty detail")
			}
		}
	}

	// Failed sends must not update notification tracking.
	if _, ok := store.notified["s2"]; ok {
		t.Error("MarkNotified called for a failed send")
	}
	if _, ok := store.notified["s1"]; !ok {
		t.Error("MarkNotified not called for a successful send")
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	store := newFakeStore(sub("s1", "AAPL", "alice@example.com", time.Now()))
	prices := newFakePrices(map[string]float64{"AAPL": 187.30})
	emailer := &fakeEmailer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{}, emailer, clock)

	trigger := stock.Trigger{Kind: stock.TriggerScheduled}
	done := make(chan error, 1)
	go func() {
		_, err := b.Run(context.Background(), trigger)
		done <- err
	}()

	// Wait until the first run is mid-send, then trigger again.
	<-emailer.started
	if _, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerManualAdmin}); !errors.Is(err, stock.ErrRunInProgress) {
		t.Errorf("concurrent Run() error = %v, want ErrRunInProgress", err)
	}

	close(emailer.release)
	if err := <-done; err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	// Lock is released once the run completes.
	if _, err := b.Run(context.Background(), stock.Trigger{Kind: stock.TriggerManualAdmin}); err != nil {
		t.Errorf("Run() after completion error = %v, want nil", err)
	}
}

func TestRefreshPrices(t *testing.T) {
	base := insideWindow.Add(-24 * time.Hour)
	store := newFakeStore(
		sub("s1", "AAPL", "alice@example.com", base),
		sub("s2", "AAPL", "bob@example.com", base),
		sub("s3", "BROKEN", "bob@example.com", base),
	)
	prices := newFakePrices(map[string]float64{"AAPL": 187.30})
	prices.errs["BROKEN"] = errors.New("upstream down")
	clock := &fakeClock{now: insideWindow}
	b := newTestBatcher(store, prices, &fakeAdvisor{}, &fakeEmailer{}, clock)

	total, updated, err := b.RefreshPrices(context.Background())
	if err != nil {
		t.Fatalf("RefreshPrices() error: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}
	if got := prices.callCount("AAPL"); got != 1 {
		t.Errorf("AAPL fetched %d times, want 1", got)
	}
	if store.prices["s1"] != 187.30 || store.prices["s2"] != 187.30 {
		t.Errorf("persisted prices = %v, want 187.30 for s1 and s2", store.prices)
	}
}

func TestGroupByRecipientOrdering(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	subs := []*stock.Subscription{
		sub("s1", "MSFT", "carol@example.com", base.Add(time.Hour)),
		sub("s2", "AAPL", "dave@example.com", base),
		sub("s3", "AAPL", "carol@example.com", base.Add(2*time.Hour)),
		sub("s4", "AAPL", "carol@example.com", base),
	}

	groups := groupByRecipient(subs)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].email != "carol@example.com" || groups[1].email != "dave@example.com" {
		t.Errorf("group order = %s, %s; want first-occurrence order", groups[0].email, groups[1].email)
	}

	carol := groups[0].subs
	wantIDs := []string{"s4", "s3", "s1"} // AAPL by created_at, then MSFT
	for i, want := range wantIDs {
		if carol[i].ID != want {
			t.Errorf("carol.subs[%d] = %s, want %s", i, carol[i].ID, want)
		}
	}
}

func TestRecommendationKey(t *testing.T) {
	tests := []struct {
		ticker string
		price  float64
		want   string
	}{
		{"AAPL", 187.30, "AAPL|187"},
		{"AAPL", 187.61, "AAPL|188"},
		{"AAPL", 0, "AAPL|na"},
		{"MSFT", 410, "MSFT|410"},
	}
	for _, tt := range tests {
		if got := recommendationKey(tt.ticker, tt.price); got != tt.want {
			t.Errorf("recommendationKey(%s, %v) = %s, want %s", tt.ticker, tt.price, got, tt.want)
		}
	}
}
