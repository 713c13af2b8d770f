package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bracketbot/config"
	"bracketbot/internal/metrics"
	"bracketbot/internal/ports"
	"bracketbot/internal/trade"
)

// cancelDrainTimeout bounds how long Run waits for the gateway to acknowledge
// an entry cancel after the context is cancelled.
const cancelDrainTimeout = 10 * time.Second

// Runner owns the lifecycle of trades driven by application configuration:
// it builds a trade from config, attaches logging and metrics listeners, and
// blocks until the trade reaches a terminal state.
type Runner struct {
	cfg     *config.Config
	gateway ports.OrderGateway
	quotes  ports.QuoteSource
	logger  ports.Logger
}

// NewRunner creates the runner, validating dependencies.
func NewRunner(cfg *config.Config, gateway ports.OrderGateway, quotes ports.QuoteSource, logger ports.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ports.ErrConfigurationError)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: order gateway is required", ports.ErrConfigurationError)
	}
	if quotes == nil {
		return nil, fmt.Errorf("%w: quote source is required", ports.ErrConfigurationError)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	return &Runner{cfg: cfg, gateway: gateway, quotes: quotes, logger: logger}, nil
}

// Run submits one trade and blocks until it completes or fails. The returned
// trade is terminal unless the error is non-nil. Cancelling ctx requests an
// entry cancel; the trade still runs to its observed terminal state so the
// protective bracket is never abandoned mid-flight.
func (r *Runner) Run(ctx context.Context, barIndex int) (*trade.Trade, error) {
	tradeCfg := trade.Config{
		Symbol:             r.cfg.Symbol,
		OrderType:          r.cfg.OrderType,
		Quantity:           r.cfg.Quantity,
		LimitPrice:         r.cfg.LimitPrice,
		StopPrice:          r.cfg.StopPrice,
		SignalName:         r.cfg.SignalName,
		AutoBracket:        r.cfg.AutoBracket,
		StopLossOffset:     r.cfg.StopLossOffset,
		ProfitTargetOffset: r.cfg.ProfitTargetOffset,
	}

	t, err := trade.New(tradeCfg, r.cfg.Side, trade.Deps{
		Gateway: r.gateway,
		Quotes:  r.quotes,
		Logger:  r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	unsubscribe := t.Subscribe(trade.Listener{
		OnSubmitted: func(t *trade.Trade) {
			metrics.TradeSubmitted(t.Side())
		},
		OnMarketEntered: func(t *trade.Trade) {
			r.logger.Info(ctx, "trade entered the market", map[string]interface{}{
				"tradeID": t.ID(), "fillCount": t.FillCount(), "avgEntryPrice": t.AvgEntryPrice(),
			})
		},
		OnFilled: func(t *trade.Trade) {
			metrics.EntryFill(t.Side())
			r.logger.Debug(ctx, "entry fill observed", map[string]interface{}{
				"tradeID": t.ID(), "fillCount": t.FillCount(), "fillState": t.Fill(),
			})
		},
		OnStoppedOut: func(t *trade.Trade) {
			metrics.StopLossFill()
			r.logger.Info(ctx, "stop-loss fill observed", map[string]interface{}{
				"tradeID": t.ID(), "stopLossCount": t.StopLossCount(),
			})
		},
		OnProfitted: func(t *trade.Trade) {
			metrics.ProfitTargetFill()
			r.logger.Info(ctx, "profit-target fill observed", map[string]interface{}{
				"tradeID": t.ID(), "profitCount": t.ProfitCount(),
			})
		},
		OnCompleted: func(t *trade.Trade) {
			metrics.TradeCompleted(t.Completion())
			finish()
		},
		OnFailed: func(t *trade.Trade, err error) {
			metrics.TradeFailed()
			finish()
		},
	})
	defer unsubscribe()

	if err := t.Submit(ctx, barIndex); err != nil {
		return nil, fmt.Errorf("submit trade: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Info(context.Background(), "shutdown requested, cancelling entry order", map[string]interface{}{
			"tradeID": t.ID(),
		})
		t.TryCancel(context.Background())
		select {
		case <-done:
		case <-time.After(cancelDrainTimeout):
			return t, fmt.Errorf("trade %s not terminal after cancel request: %w", t.ID(), ctx.Err())
		}
	}

	if err := t.Err(); err != nil {
		return t, err
	}
	return t, nil
}
