// Package storage persists subscriptions and the append-only notification log.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stock-notifier/pkg/stock"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id               TEXT PRIMARY KEY,
	owner            TEXT NOT NULL,
	ticker           TEXT NOT NULL,
	email            TEXT NOT NULL,
	price            REAL NOT NULL DEFAULT 0,
	active           INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT NOT NULL,
	last_notified_at TEXT NOT NULL DEFAULT '',
	last_price_sent  REAL NOT NULL DEFAULT 0,
	UNIQUE (owner, ticker, email)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_active ON subscriptions (active);
CREATE INDEX IF NOT EXISTS idx_subscriptions_ticker ON subscriptions (ticker);

CREATE TABLE IF NOT EXISTS notification_logs (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	ticker          TEXT NOT NULL,
	email           TEXT NOT NULL,
	status          TEXT NOT NULL,
	channel         TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	price_at_send   REAL NOT NULL DEFAULT 0,
	triggered_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_subscription ON notification_logs (subscription_id, triggered_at);
CREATE INDEX IF NOT EXISTS idx_logs_status ON notification_logs (status);
`

// Store handles subscription and notification log persistence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies the
// schema. WAL mode keeps log appends for unrelated subscriptions independent.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database after schema error", "error", closeErr)
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("Database opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSubscription inserts a new subscription. Returns stock.ErrDuplicate
// when the (owner, ticker, email) combination already exists.
func (s *Store) CreateSubscription(ctx context.Context, sub *stock.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, owner, ticker, email, price, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Owner, sub.Ticker, sub.Email, sub.Price, boolToInt(sub.Active), formatTime(sub.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return stock.ErrDuplicate
		}
		return fmt.Errorf("insert subscription: %w", err)
	}

	s.logger.Info("Subscription created", "id", sub.ID, "ticker", sub.Ticker, "email", sub.Email)
	return nil
}

const subscriptionColumns = `id, owner, ticker, email, price, active, created_at, last_notified_at, last_price_sent`

// Subscription loads one subscription by id.
func (s *Store) Subscription(ctx context.Context, id string) (*stock.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stock.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

// ActiveSubscriptions returns all active subscriptions ordered by creation time.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]*stock.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE active = 1 ORDER BY created_at, id`)
}

// Subscriptions returns all subscriptions, optionally filtered by recipient
// email, ordered by creation time.
func (s *Store) Subscriptions(ctx context.Context, email string) ([]*stock.Subscription, error) {
	if email != "" {
		return s.querySubscriptions(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE email = ? ORDER BY created_at, id`, email)
	}
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at, id`)
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]*stock.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var subs []*stock.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription removes a subscription by id. Deleting an unknown id
// returns stock.ErrNotFound.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return stock.ErrNotFound
	}

	s.logger.Info("Subscription deleted", "id", id)
	return nil
}

// SetActive toggles a subscription's active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return stock.ErrNotFound
	}
	return nil
}

// UpdatePrice stores the latest fetched price on a subscription row.
func (s *Store) UpdatePrice(ctx context.Context, id string, price float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET price = ? WHERE id = ?`, price, id)
	if err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	return nil
}

// MarkNotified records that a sent email covered this subscription.
func (s *Store) MarkNotified(ctx context.Context, id string, price float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_notified_at = ?, last_price_sent = ? WHERE id = ?`,
		formatTime(at), price, id)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// AppendLog writes one notification log row. Rows are immutable after
// creation and committed individually.
func (s *Store) AppendLog(ctx context.Context, entry *stock.NotificationLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_logs (id, subscription_id, ticker, email, status, channel, detail, price_at_send, triggered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SubscriptionID, entry.Ticker, entry.Email, entry.Status,
		entry.Channel, entry.Detail, entry.PriceAtSend, formatTime(entry.TriggeredAt))
	if err != nil {
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}

// Logs returns notification log rows newest first, optionally filtered by
// subscription id. limit <= 0 means no limit.
func (s *Store) Logs(ctx context.Context, subscriptionID string, limit int) ([]*stock.NotificationLog, error) {
	query := `SELECT id, subscription_id, ticker, email, status, channel, detail, price_at_send, triggered_at
	          FROM notification_logs`
	var args []any
	if subscriptionID != "" {
		query += ` WHERE subscription_id = ?`
		args = append(args, subscriptionID)
	}
	query += ` ORDER BY triggered_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var entries []*stock.NotificationLog
	for rows.Next() {
		var entry stock.NotificationLog
		var triggeredAt string
		if err := rows.Scan(&entry.ID, &entry.SubscriptionID, &entry.Ticker, &entry.Email,
			&entry.Status, &entry.Channel, &entry.Detail, &entry.PriceAtSend, &triggeredAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.TriggeredAt = parseTime(triggeredAt)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return entries, nil
}

// StatusCounts returns the number of log rows per status.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*stock.Subscription, error) {
	var sub stock.Subscription
	var active int
	var createdAt, lastNotifiedAt string
	if err := row.Scan(&sub.ID, &sub.Owner, &sub.Ticker, &sub.Email, &sub.Price,
		&active, &createdAt, &lastNotifiedAt, &sub.LastPriceSent); err != nil {
		return nil, err
	}
	sub.Active = active != 0
	sub.CreatedAt = parseTime(createdAt)
	sub.LastNotifiedAt = parseTime(lastNotifiedAt)
	return &sub, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
