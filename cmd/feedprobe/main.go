// feedprobe connects straight to the broker feed and streams normalized
// ticks to the console, bypassing the HTTP gateway. Useful for checking
// a session token and scrip resolution before pointing viewers at the
// bridge.
//
// Usage: go run ./cmd/feedprobe --config configs/bridge.local.yaml \
//
//	--token $FLATTRADE_TOKEN --symbols TCS-EQ,INFY-EQ
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tradeterm/feedbridge/internal/auth"
	"github.com/tradeterm/feedbridge/internal/config"
	"github.com/tradeterm/feedbridge/internal/model"
	"github.com/tradeterm/feedbridge/internal/resolver"
	"github.com/tradeterm/feedbridge/internal/session"
	"github.com/tradeterm/feedbridge/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/bridge.local.yaml", "path to config file")
	token := flag.String("token", "", "Flattrade session token (or FLATTRADE_TOKEN env)")
	symbols := flag.String("symbols", "TCS-EQ", "comma-separated symbols to subscribe")
	exchange := flag.String("exchange", "NSE", "exchange for all symbols")
	feed := flag.String("feed", "t", "feed class: t (touchline) or d (detailed)")
	verbose := flag.Bool("verbose", false, "print full tick JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	credential := *token
	if credential == "" {
		credential = os.Getenv("FLATTRADE_TOKEN")
	}
	if err := auth.CheckCredential(credential); err != nil {
		logger.Error("session token missing or malformed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	scripResolver := resolver.NewClient(
		cfg.Resolver.RestURL,
		cfg.Upstream.UserID,
		resolver.WithCache(resolver.NewMemoryCache(cfg.Resolver.CacheTTL)),
		resolver.WithLogger(logger),
	)

	link := upstream.NewLink(upstream.LinkConfig{
		URL:          cfg.Upstream.URL,
		AckTimeout:   cfg.Upstream.AckTimeout,
		WriteTimeout: cfg.Upstream.WriteTimeout,
		BufferSize:   cfg.Upstream.BufferSize,
	}, logger)

	sess := session.New(session.Config{
		UserID:        cfg.Upstream.UserID,
		Credential:    credential,
		Link:          link,
		Resolver:      scripResolver,
		Logger:        logger,
		AutoReconnect: !cfg.Upstream.DisableReconnect,
		ReconnectBase: cfg.Upstream.ReconnectBaseDelay,
		ReconnectMax:  cfg.Upstream.ReconnectMaxDelay,
	})

	if !sess.Connect(ctx) {
		logger.Error("failed to connect to feed", "url", cfg.Upstream.URL)
		os.Exit(1)
	}
	logger.Info("feed connected", "url", cfg.Upstream.URL)

	class := model.ParseFeedClass(*feed)
	probe := &consoleHandle{verbose: *verbose}

	for _, symbol := range strings.Split(*symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if err := sess.Subscribe(ctx, symbol, *exchange, class, probe); err != nil {
			logger.Error("subscribe failed", "symbol", symbol, "error", err)
			continue
		}
		logger.Info("subscribed", "symbol", symbol, "class", class.Name())
	}

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	sess.Close(shutdownCtx)
	logger.Info("shutdown complete")
}

// consoleHandle prints every delivered tick. It stands in for a viewer
// connection.
type consoleHandle struct {
	verbose bool
}

func (h *consoleHandle) ID() string { return "feedprobe" }

func (h *consoleHandle) Send(payload []byte) error {
	if h.verbose {
		fmt.Printf("[TICK] %s\n", payload)
		return nil
	}
	var tick model.Tick
	if err := json.Unmarshal(payload, &tick); err != nil {
		fmt.Printf("[RAW] %s\n", payload)
		return nil
	}
	fmt.Printf("[TICK] %s %s ltp=%.2f o=%.2f h=%.2f l=%.2f c=%.2f vol=%d\n",
		tick.Exchange, tick.Symbol,
		tick.Data.LastPrice, tick.Data.Open, tick.Data.High, tick.Data.Low, tick.Data.Close,
		tick.Data.Volume)
	return nil
}
