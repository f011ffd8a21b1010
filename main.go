// Package main runs the stock notification service: an HTTP API for managing
// ticker subscriptions plus an hourly scheduler that sends merged price digest
// emails during business hours.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"stock-notifier/advisor"
	"stock-notifier/batch"
	"stock-notifier/email"
	"stock-notifier/pkg/stock"
	"stock-notifier/quotes"
	"stock-notifier/server"
	"stock-notifier/storage"
)

const defaultTimezone = "America/New_York"

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Optional .env for local development
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded environment from .env file")
	}

	tz := os.Getenv("TIMEZONE")
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Error("Invalid TIMEZONE", "timezone", tz, "error", err)
		os.Exit(1)
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/stock-notifier.db"
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		logger.Error("Failed to create database directory", "path", dbPath, "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(dbPath, logger)
	if err != nil {
		logger.Error("Failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	prices := quotes.New("", logger)

	adv, err := initAdvisor(ctx, logger)
	if err != nil {
		logger.Error("Failed to initialize advisor", "error", err)
		os.Exit(1)
	}

	provider, err := initEmailProvider(ctx, logger)
	if err != nil {
		logger.Error("Failed to initialize email provider", "error", err)
		os.Exit(1)
	}
	sender := email.New(provider, logger, os.Getenv("SITE_NAME"))

	batcher := batch.New(&batch.Config{
		Store:    store,
		Prices:   prices,
		Advisor:  adv,
		Emailer:  sender,
		Logger:   logger,
		Location: loc,
	})

	// Hourly scheduled runs; the batcher skips them outside business hours.
	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := scheduler.AddFunc("0 * * * *", func() {
		summary, err := batcher.Run(ctx, stock.Trigger{Kind: stock.TriggerScheduled})
		switch {
		case errors.Is(err, stock.ErrRunInProgress):
			logger.Warn("Scheduled run skipped, previous run still in progress")
		case err != nil:
			logger.Error("Scheduled run failed", "error", err)
		case summary.Skipped:
			logger.Info("Scheduled run skipped", "reason", summary.SkipReason)
		default:
			logger.Info("Scheduled run complete",
				"subscriptions", summary.Subscriptions,
				"emails_sent", summary.EmailsSent,
				"emails_failed", summary.EmailsFailed)
		}
	}); err != nil {
		logger.Error("Failed to register scheduled job", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(&server.Config{
		Runner: batcher,
		Store:  store,
		Prices: prices,
		Logger: logger,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := srv.ListenAndServe(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// initAdvisor returns a Gemini-backed advisor when an API key is configured,
// otherwise a mock that always recommends HOLD.
func initAdvisor(ctx context.Context, logger *slog.Logger) (batch.Advisor, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		logger.Info("Mock advisor enabled (no GEMINI_API_KEY)")
		return advisor.NewMock(logger), nil
	}
	return advisor.New(ctx, apiKey, os.Getenv("GEMINI_MODEL"), logger)
}

// initEmailProvider picks the delivery backend: Gmail when Google credentials
// are provided, Brevo when an API key is provided, otherwise a mock that logs
// instead of sending.
func initEmailProvider(ctx context.Context, logger *slog.Logger) (email.Provider, error) {
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		service, err := gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
		if err != nil {
			return nil, err
		}
		return email.NewGmailProvider(service, logger), nil
	}

	if apiKey := os.Getenv("BREVO_API_KEY"); apiKey != "" {
		fromAddr := os.Getenv("FROM_ADDR")
		if fromAddr == "" {
			return nil, errors.New("FROM_ADDR required when using Brevo")
		}
		return email.NewBrevoProvider(apiKey, fromAddr, os.Getenv("FROM_NAME"), logger), nil
	}

	logger.Info("Mock email mode enabled (no GOOGLE_CREDENTIALS_JSON or BREVO_API_KEY)")
	return email.NewMockProvider(logger), nil
}
