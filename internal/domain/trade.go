package domain

// PositionSide represents the direction of a trade.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// EntrySide returns the order side used to open a position of this direction.
func (p PositionSide) EntrySide() OrderSide {
	if p == Short {
		return Sell
	}
	return Buy
}

// TradeStatus represents the lifecycle stage of a trade. Transitions are
// monotonic: None -> Submitted -> InMarket -> Completed.
type TradeStatus string

const (
	TradeStatusNone      TradeStatus = "none"
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusInMarket  TradeStatus = "in_market"
	TradeStatusCompleted TradeStatus = "completed"
)

// Completion classifies how a completed trade resolved. Set at most once,
// only when the trade reaches TradeStatusCompleted.
type Completion string

const (
	CompletionNone        Completion = ""
	CompletionTotalProfit Completion = "TOTAL_PROFIT"
	CompletionTotalLoss   Completion = "TOTAL_LOSS"
	CompletionMixed       Completion = "MIXED"
	CompletionCancelled   Completion = "CANCELLED"
)

// FillState reflects the entry order's fill progress only.
type FillState string

const (
	FillNone    FillState = "none"
	FillPartial FillState = "partial"
	FillFull    FillState = "full"
)
