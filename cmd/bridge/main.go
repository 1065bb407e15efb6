package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tradeterm/feedbridge/internal/auth"
	"github.com/tradeterm/feedbridge/internal/config"
	"github.com/tradeterm/feedbridge/internal/database"
	"github.com/tradeterm/feedbridge/internal/gateway"
	"github.com/tradeterm/feedbridge/internal/recorder"
	"github.com/tradeterm/feedbridge/internal/resolver"
	"github.com/tradeterm/feedbridge/internal/session"
	"github.com/tradeterm/feedbridge/internal/upstream"
	"github.com/tradeterm/feedbridge/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/bridge.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bridge",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"user_id", cfg.Upstream.UserID,
		"feed_url", cfg.Upstream.URL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Scrip token cache: shared via Redis when enabled, in-process
	// otherwise.
	var cache resolver.Cache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		cache = resolver.NewRedisCache(rdb, cfg.Resolver.CacheTTL)
		logger.Info("redis cache connected", "addr", cfg.Redis.Addr)
	} else {
		cache = resolver.NewMemoryCache(cfg.Resolver.CacheTTL)
	}

	scripResolver := resolver.NewClient(
		cfg.Resolver.RestURL,
		cfg.Upstream.UserID,
		resolver.WithCache(cache),
		resolver.WithLogger(logger),
	)

	// Optional tick recorder
	var sink session.TickSink
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		rec := recorder.New(recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger)
		if err := rec.Start(ctx); err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			rec.Stop(stopCtx)
		}()
		sink = rec
	}

	// One broker session per viewer credential
	registry := session.NewRegistry(session.RegistryConfig{
		NewLink: func(logger *slog.Logger) session.Uplink {
			return upstream.NewLink(upstream.LinkConfig{
				URL:          cfg.Upstream.URL,
				AckTimeout:   cfg.Upstream.AckTimeout,
				WriteTimeout: cfg.Upstream.WriteTimeout,
				BufferSize:   cfg.Upstream.BufferSize,
			}, logger)
		},
		Resolver:      scripResolver,
		Sink:          sink,
		Logger:        logger,
		AutoReconnect: !cfg.Upstream.DisableReconnect,
		ReconnectBase: cfg.Upstream.ReconnectBaseDelay,
		ReconnectMax:  cfg.Upstream.ReconnectMaxDelay,
	})

	// The token route needs API credentials; without them viewers must
	// bring their own session tokens.
	var exchanger gateway.TokenExchanger
	if cfg.Auth.APIKey != "" && cfg.Auth.APISecret != "" {
		exchanger = auth.NewExchanger(cfg.Auth.TokenURL, cfg.Auth.APIKey, cfg.Auth.APISecret)
	}

	gw := gateway.NewServer(gateway.Config{
		Registry:  registry,
		UserID:    cfg.Upstream.UserID,
		Exchanger: exchanger,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: gw.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		server.Shutdown(shutdownCtx)
		registry.CloseAll(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("bridge exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("bridge stopped")
}
