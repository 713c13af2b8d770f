package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other side, used when deriving protective exit orders
// from an entry order.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
	OrderStopLimit  OrderType = "STOP_LIMIT"
)

// OrderState represents the venue-reported state of an order.
type OrderState string

const (
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderWorking         OrderState = "WORKING"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// IsTerminal reports whether the order can receive no further fills.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}
