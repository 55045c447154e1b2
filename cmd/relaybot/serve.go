package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/audit"
	"relaybot/internal/backend"
	"relaybot/internal/bus"
	"relaybot/internal/config"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/telegram"
	"relaybot/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram relay (polling or webhook mode)",
		Long: `Connects to Telegram, serves liveness, health and metrics endpoints, and
relays every question to the backend. Press Ctrl+C to stop; in-flight
questions are answered before the process exits.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if err := config.RequireTransport(cfg); err != nil {
		logger.Error("cannot start relay", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewEventBus(logger)
	metrics.Subscribe(eventBus)

	if cfg.Audit.Enabled {
		store, err := audit.NewSQLiteStore(cfg.Audit.DBPath, logger)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer store.Close()
		if cfg.Audit.RetentionDays > 0 {
			if _, err := store.Prune(ctx, time.Duration(cfg.Audit.RetentionDays)*24*time.Hour); err != nil {
				logger.Warn("audit prune failed", "err", err)
			}
		}
		writer := audit.Attach(eventBus, store, logger)
		defer writer.Close()
		logger.Info("audit log enabled", "path", cfg.Audit.DBPath)
	}

	be := newBackend(cfg)
	if be.CheckHealth(ctx) {
		logger.Info("backend healthy", "url", be.BaseURL())
	} else {
		logger.Warn("backend unhealthy at startup", "url", be.BaseURL())
	}

	// Long polls hold a request open for the poll timeout.
	tg, err := telegram.Dial(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		HTTPClient:  backend.SharedHTTPClient(seconds(cfg.Telegram.PollTimeoutSeconds) + 15*time.Second),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	router := relay.NewRouter(logger)
	relay.New(relay.Config{
		Backend:         be,
		Messenger:       tg,
		Bus:             eventBus,
		Limiter:         relay.NewChatLimiter(cfg.Relay.ChatRatePerMinute, cfg.Relay.ChatBurst),
		MaxMessageRunes: cfg.Relay.MaxMessageRunes,
		Logger:          logger,
	}).Register(router)
	logger.Debug("handlers registered", "commands", router.Commands())

	mgr, err := transport.NewManager(transport.Config{
		Mode:                     cfg.Telegram.Mode,
		Subscription:             tg,
		Router:                   router,
		Dispatcher:               relay.NewDispatcher(cfg.Relay.MaxConcurrent, logger),
		ListenAddr:               cfg.ListenAddr(),
		PollTimeoutSeconds:       cfg.Telegram.PollTimeoutSeconds,
		BotUsername:              tg.Username(),
		WebhookEndpoint:          webhookEndpoint(cfg),
		WebhookPath:              cfg.Telegram.WebhookPath,
		WebhookSecret:            cfg.Telegram.WebhookSecret,
		WebhookRequestsPerMinute: cfg.Server.WebhookRequestsPerMinute,
		DropPendingUpdates:       cfg.Telegram.DropPendingUpdates,
		DeleteWebhookOnStop:      cfg.Telegram.DeleteWebhookOnStop,
		ShutdownTimeout:          seconds(cfg.Server.ShutdownTimeoutSeconds),
		DrainTimeout:             seconds(cfg.Relay.DrainTimeoutSeconds),
		Bus:                      eventBus,
		Logger:                   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("relay starting",
		"bot", tg.Username(), "mode", cfg.Telegram.Mode, "addr", cfg.ListenAddr(), "backend", be.BaseURL())

	if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped with error", "err", err)
		return err
	}
	logger.Info("relay stopped")
	return nil
}

func webhookEndpoint(cfg *config.Config) string {
	if cfg.Telegram.Mode != config.ModeWebhook {
		return ""
	}
	return cfg.WebhookEndpoint()
}
