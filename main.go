package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bracketbot/config"
	"bracketbot/internal/adapters/binanceclient"
	"bracketbot/internal/adapters/logger"
	"bracketbot/internal/app"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// No logger yet, write directly and exit.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appLogger.Info(ctx, "starting bracketbot", map[string]interface{}{
		"symbol": cfg.Symbol, "side": cfg.Side, "orderType": cfg.OrderType,
		"quantity": cfg.Quantity, "autoBracket": cfg.AutoBracket, "testnet": cfg.IsTestnet,
	})

	client, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "failed to create Binance client")
		os.Exit(1)
	}

	if err := client.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "failed to start user data stream")
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			appLogger.Info(ctx, "metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error(ctx, err, "metrics server stopped")
			}
		}()
	}

	runner, err := app.NewRunner(cfg, client, client, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "failed to create runner")
		os.Exit(1)
	}

	// Cancel the run context on SIGINT/SIGTERM; the runner then cancels the
	// entry order and waits for the trade to reach a terminal state.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLogger.Info(context.Background(), "shutdown signal received", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	t, err := runner.Run(ctx, 0)
	if err != nil {
		appLogger.Error(context.Background(), err, "trade run failed")
		os.Exit(1)
	}

	appLogger.Info(context.Background(), "trade finished", map[string]interface{}{
		"tradeID": t.ID(), "completion": t.Completion(),
		"fillCount": t.FillCount(), "profitCount": t.ProfitCount(), "stopLossCount": t.StopLossCount(),
	})
}
