// Package server exposes the JSON API: run triggers, subscription CRUD, and
// notification log queries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"stock-notifier/pkg/stock"
)

var (
	tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)
	emailRegex  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// Runner triggers notification runs.
type Runner interface {
	Run(ctx context.Context, trigger stock.Trigger) (*stock.RunSummary, error)
	RefreshPrices(ctx context.Context) (total, updated int, err error)
}

// Store is the subscription and log persistence surface the API needs.
type Store interface {
	CreateSubscription(ctx context.Context, sub *stock.Subscription) error
	Subscription(ctx context.Context, id string) (*stock.Subscription, error)
	Subscriptions(ctx context.Context, email string) ([]*stock.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	Logs(ctx context.Context, subscriptionID string, limit int) ([]*stock.NotificationLog, error)
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// PriceSource validates tickers by fetching a live price.
type PriceSource interface {
	CurrentPrice(ctx context.Context, ticker string) (float64, error)
}

// Server handles HTTP requests.
type Server struct {
	runner Runner
	store  Store
	prices PriceSource
	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Runner Runner
	Store  Store
	Prices PriceSource
	Logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		runner: cfg.Runner,
		store:  cfg.Store,
		prices: cfg.Prices,
		logger: cfg.Logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runz", s.handleScheduledRun)
	mux.HandleFunc("POST /admin/run", s.handleAdminRun)

	mux.HandleFunc("POST /subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /subscriptions/refresh-prices", s.handleRefreshPrices)
	mux.HandleFunc("GET /subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("PATCH /subscriptions/{id}", s.handleUpdateSubscription)
	mux.HandleFunc("DELETE /subscriptions/{id}", s.handleDeleteSubscription)
	mux.HandleFunc("POST /subscriptions/{id}/send", s.handleSendNow)

	mux.HandleFunc("GET /logs", s.handleListLogs)
	mux.HandleFunc("GET /stats", s.handleStats)

	return mux
}

// ListenAndServe starts the server with timeouts to prevent resource exhaustion.
func (s *Server) ListenAndServe(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Manual runs block until the run completes
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleScheduledRun(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Scheduled run endpoint triggered")
	s.runAndRespond(w, r, stock.Trigger{Kind: stock.TriggerScheduled})
}

func (s *Server) handleAdminRun(w http.ResponseWriter, r *http.Request) {
	trigger := stock.Trigger{
		Kind: stock.TriggerManualAdmin,
		Filter: stock.Filter{
			Ticker: normalizeTicker(r.URL.Query().Get("ticker")),
			Email:  r.URL.Query().Get("email"),
		},
	}
	s.logger.Info("Admin run endpoint triggered", "ticker", trigger.Filter.Ticker, "email", trigger.Filter.Email)
	s.runAndRespond(w, r, trigger)
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.logger.Info("Manual notification requested", "subscription_id", id)
	s.runAndRespond(w, r, stock.Trigger{Kind: stock.TriggerManualOne, SubscriptionID: id})
}

// runAndRespond executes a run and maps its outcome to an HTTP response:
// 409 when another run holds the lock, 404 for an unknown subscription,
// 200 with the run summary otherwise (including skipped runs).
func (s *Server) runAndRespond(w http.ResponseWriter, r *http.Request, trigger stock.Trigger) {
	summary, err := s.runner.Run(r.Context(), trigger)
	switch {
	case errors.Is(err, stock.ErrRunInProgress):
		s.writeError(w, http.StatusConflict, "a notification run is already in progress, retry later")
		return
	case errors.Is(err, stock.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	case err != nil:
		s.logger.Error("Notification run failed", "trigger", trigger.Kind, "error", err)
		s.writeError(w, http.StatusInternalServerError, "notification run failed")
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

type createSubscriptionRequest struct {
	Owner  string `json:"owner"`
	Ticker string `json:"ticker"`
	Email  string `json:"email"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Ticker = normalizeTicker(req.Ticker)
	if !tickerRegex.MatchString(req.Ticker) {
		s.writeError(w, http.StatusBadRequest, "invalid ticker symbol")
		return
	}
	if !isValidEmail(req.Email) {
		s.writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if req.Owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	// Verify the ticker exists by fetching a live price; the price is kept
	// so the subscription shows a value before its first run.
	price, err := s.prices.CurrentPrice(r.Context(), req.Ticker)
	if err != nil {
		s.logger.Warn("Ticker verification failed", "ticker", req.Ticker, "error", err)
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("could not verify ticker %s", req.Ticker))
		return
	}

	sub := stock.NewSubscription(req.Owner, req.Ticker, req.Email)
	sub.Price = price

	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		if errors.Is(err, stock.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, "subscription already exists")
			return
		}
		s.logger.Error("Failed to create subscription", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.Subscriptions(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		s.logger.Error("Failed to list subscriptions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []*stock.Subscription{}
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.Subscription(r.Context(), r.PathValue("id"))
	if errors.Is(err, stock.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load subscription", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

type updateSubscriptionRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		s.writeError(w, http.StatusBadRequest, "body must provide the active flag")
		return
	}

	id := r.PathValue("id")
	if err := s.store.SetActive(r.Context(), id, *req.Active); err != nil {
		if errors.Is(err, stock.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		s.logger.Error("Failed to update subscription", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	s.logger.Info("Subscription updated", "id", id, "active", *req.Active)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, stock.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		s.logger.Error("Failed to delete subscription", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	total, updated, err := s.runner.RefreshPrices(r.Context())
	if err != nil {
		s.logger.Error("Price refresh failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "price refresh failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{
		"total_subscriptions": total,
		"updated":             updated,
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	const defaultLimit = 100

	entries, err := s.store.Logs(r.Context(), r.URL.Query().Get("subscription"), defaultLimit)
	if err != nil {
		s.logger.Error("Failed to list logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list notification logs")
		return
	}
	if entries == nil {
		entries = []*stock.NotificationLog{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		s.logger.Error("Failed to load stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
