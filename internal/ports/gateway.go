package ports

import (
	"context"

	"bracketbot/internal/domain"
)

// OrderRef is an opaque, gateway-stable handle to a single order. Adapters
// that replace orders under the hood (cancel/resubmit) must keep the ref
// stable across the replacement.
type OrderRef string

// OrderRequest describes a single order submission.
type OrderRequest struct {
	RoutingIndex int              // owner-supplied sequencing marker (e.g. bar index)
	Symbol       string           // instrument the order trades
	Side         domain.OrderSide // BUY or SELL
	Type         domain.OrderType // MARKET, LIMIT, STOP_MARKET, STOP_LIMIT
	Quantity     float64          // must be positive; caller-validated
	LimitPrice   float64          // required for LIMIT/STOP_LIMIT
	StopPrice    float64          // required for STOP_MARKET/STOP_LIMIT
	OCOGroup     string           // orders sharing a group cancel each other on full fill
	Label        string           // free-form signal label attached to the order
}

// ModifyRequest describes an in-flight amendment to a working order.
// Zero prices mean "leave unchanged" for adapters that resubmit.
type ModifyRequest struct {
	Quantity   float64
	LimitPrice float64
	StopPrice  float64
}

// OrderUpdate is one event from the gateway's update stream. Updates are
// delivered at least once per actual state change, ordered per individual
// order but not necessarily across orders.
type OrderUpdate struct {
	Ref            OrderRef
	State          domain.OrderState
	FilledQuantity float64
	AvgFillPrice   float64
}

// Subscription is a handle to a gateway update stream subscription.
// Unsubscribe is idempotent: the second and later calls are no-ops.
type Subscription interface {
	Unsubscribe()
}

// OrderGateway is the venue-side order management interface. It is the single
// source of truth for order state: submit/cancel/modify results are observed
// asynchronously through the update stream, never assumed from the call
// returning. Implementations must support concurrent calls from independent
// trades.
type OrderGateway interface {
	// SubmitOrder requests a new order. A returned error means no order
	// exists at the venue and no updates will follow.
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderRef, error)

	// CancelOrder requests cancellation; the result arrives as an update.
	CancelOrder(ctx context.Context, ref OrderRef) error

	// ModifyOrder requests a quantity/price amendment; the result arrives as
	// an update.
	ModifyOrder(ctx context.Context, ref OrderRef, req ModifyRequest) error

	// Subscribe registers a handler for the update stream. Handlers for one
	// subscriber are invoked serially and in delivery order.
	Subscribe(handler func(OrderUpdate)) Subscription
}
