package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vk-ads-bot/internal/cache"
	"vk-ads-bot/internal/config"
	"vk-ads-bot/internal/convo"
	"vk-ads-bot/internal/httpserver"
	"vk-ads-bot/internal/logging"
	"vk-ads-bot/internal/metrics"
	"vk-ads-bot/internal/repo"
	"vk-ads-bot/internal/tg"
	"vk-ads-bot/internal/token"
	"vk-ads-bot/internal/vk"
	"vk-ads-bot/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.Debug)
	logger.Info("starting vk-ads-bot", "db_driver", cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	codec, err := token.NewCodec(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("init token codec: %w", err)
	}

	var store repo.Store
	switch cfg.DBDriver {
	case "sqlite":
		store, err = repo.NewSQLite(ctx, cfg.DatabaseURL, codec, logger)
	default:
		store, err = repo.New(ctx, cfg.DatabaseURL, codec, logger)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisURL != "" {
		redisClient, err = cache.New(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, report caching disabled", "error", err)
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("failed closing redis", "error", err)
				}
			}()
			if err := redisClient.Ping(ctx); err != nil {
				logger.Warn("redis ping failed", "error", err)
			}
		}
	}

	vkClient := vk.New(vk.Config{
		ClientID:          cfg.VKAppID,
		ClientSecret:      cfg.VKAppSecret,
		RedirectURI:       cfg.VKRedirectURI,
		Timeout:           cfg.VKAPITimeout,
		RequestsPerSecond: cfg.VKRequestsPerSecond,
		CacheTTL:          cfg.CacheTTL,
	}, logger, metricRegistry, redisClient)

	tgClient := tg.New(tg.Config{
		BotToken: cfg.BotToken,
		Timeout:  cfg.TelegramTimeout,
	}, logger, metricRegistry)

	convoEngine := convo.New(store, vkClient, tgClient, metricRegistry, logger)

	callbackHandler := vk.NewCallbackHandler(logger, metricRegistry, vkClient, store)

	handlers := httpserver.Handlers{VKCallback: callbackHandler}

	if cfg.TelegramWebhookURL != "" {
		if err := tgClient.SetWebhook(ctx, cfg.TelegramWebhookURL, cfg.TelegramWebhookSecret, true); err != nil {
			return fmt.Errorf("set telegram webhook: %w", err)
		}
		handlers.TelegramWebhook = tg.NewWebhookHandler(logger, metricRegistry, cfg.TelegramWebhookSecret, convoEngine)
		logger.Info("telegram updates via webhook", "url", cfg.TelegramWebhookURL)
	} else {
		poller := tg.NewPoller(tgClient, convoEngine, logger, metricRegistry, cfg.TelegramPollingTimeout)
		go func() {
			if err := poller.Run(ctx); err != nil {
				logger.Error("telegram poller stopped", "error", err)
				stop()
			}
		}()
		logger.Info("telegram updates via long polling")
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, store, handlers)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
