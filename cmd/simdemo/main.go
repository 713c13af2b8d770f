// Command simdemo runs one long trade end to end against the in-memory sim
// gateway: market entry at the quote, automatic protective bracket, then a
// price tick into the profit target.
package main

import (
	"context"
	"fmt"
	"os"

	"bracketbot/internal/adapters/logger"
	"bracketbot/internal/adapters/simgateway"
	"bracketbot/internal/domain"
	"bracketbot/internal/trade"
)

func main() {
	ctx := context.Background()
	appLogger := logger.NewStdLogger(logger.LevelDebug)

	gateway := simgateway.New(appLogger)
	defer gateway.Close()
	gateway.SetQuote(99.98, 100.02)

	cfg := trade.Config{
		Symbol:             "ETHUSDT",
		OrderType:          domain.OrderMarket,
		Quantity:           4,
		SignalName:         "simdemo",
		AutoBracket:        true,
		StopLossOffset:     0.08,
		ProfitTargetOffset: 0.04,
	}

	t, err := trade.New(cfg, domain.Long, trade.Deps{
		Gateway: gateway,
		Quotes:  gateway,
		Logger:  appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "failed to create trade")
		os.Exit(1)
	}

	done := make(chan struct{})
	t.Subscribe(trade.Listener{
		OnCompleted: func(*trade.Trade) { close(done) },
		OnFailed: func(_ *trade.Trade, err error) {
			appLogger.Error(ctx, err, "trade failed")
			close(done)
		},
	})

	if err := t.Submit(ctx, 0); err != nil {
		appLogger.Error(ctx, err, "failed to submit trade")
		os.Exit(1)
	}

	// The market entry fills at the ask and the bracket goes up.
	gateway.Flush()

	target, err := t.ProfitTargetPrice(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "failed to read profit target")
		os.Exit(1)
	}

	// Trade through the target; the OCO group cancels the stop-loss.
	gateway.Tick(target)
	gateway.Flush()
	<-done

	fmt.Printf("trade %s: completion=%s fills=%.0f profit=%.0f stopLoss=%.0f avgEntry=%.2f\n",
		t.ID(), t.Completion(), t.FillCount(), t.ProfitCount(), t.StopLossCount(), t.AvgEntryPrice())
}
