// Package metrics exposes the prometheus collectors the bot updates during
// operation:
//
//   - bot_trades_submitted_total{side}     - entry orders successfully submitted
//   - bot_trades_completed_total{outcome}  - completed trades by completion class
//   - bot_trade_failures_total             - trades terminated by a fatal failure
//   - bot_entry_fills_total{side}          - entry fill events observed
//   - bot_protective_fills_total{leg}      - stop-loss/profit-target fill events
//
// Collectors are registered in init() and served by the HTTP handler started
// in main at /metrics (Prometheus text exposition format).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"bracketbot/internal/domain"
)

var (
	tradesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_submitted_total",
			Help: "Entry orders successfully submitted",
		},
		[]string{"side"}, // LONG|SHORT
	)

	tradesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_completed_total",
			Help: "Completed trades by completion class",
		},
		[]string{"outcome"},
	)

	tradeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_trade_failures_total",
			Help: "Trades terminated by a fatal failure (reject or bracket creation)",
		},
	)

	entryFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_entry_fills_total",
			Help: "Entry fill events observed",
		},
		[]string{"side"},
	)

	protectiveFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_protective_fills_total",
			Help: "Protective order fill events by leg",
		},
		[]string{"leg"}, // stop_loss|profit_target
	)
)

func init() {
	prometheus.MustRegister(tradesSubmitted, tradesCompleted, tradeFailures, entryFills, protectiveFills)
}

// TradeSubmitted records a successful entry submission.
func TradeSubmitted(side domain.PositionSide) {
	tradesSubmitted.WithLabelValues(string(side)).Inc()
}

// TradeCompleted records a completed trade's outcome.
func TradeCompleted(c domain.Completion) {
	tradesCompleted.WithLabelValues(string(c)).Inc()
}

// TradeFailed records a fatal trade failure.
func TradeFailed() {
	tradeFailures.Inc()
}

// EntryFill records an entry fill event.
func EntryFill(side domain.PositionSide) {
	entryFills.WithLabelValues(string(side)).Inc()
}

// StopLossFill records a stop-loss fill event.
func StopLossFill() {
	protectiveFills.WithLabelValues("stop_loss").Inc()
}

// ProfitTargetFill records a profit-target fill event.
func ProfitTargetFill() {
	protectiveFills.WithLabelValues("profit_target").Inc()
}
