// Package simgateway is an in-memory OrderGateway and QuoteSource used for
// dry runs and deterministic tests. Orders never touch a venue: fills are
// driven by Tick (price-triggered) or Fill (scripted). Updates are dispatched
// on a single goroutine, serially and in enqueue order, matching the delivery
// contract live gateways provide.
package simgateway

import (
	"context"
	"fmt"
	"sync"

	"bracketbot/internal/domain"
	"bracketbot/internal/id"
	"bracketbot/internal/ports"
)

type simOrder struct {
	ref    ports.OrderRef
	req    ports.OrderRequest
	state  domain.OrderState
	filled float64
	avg    float64
}

func (o *simOrder) terminal() bool { return o.state.IsTerminal() }

type subEntry struct {
	id      int
	handler func(ports.OrderUpdate)
}

// Gateway simulates a venue-side order gateway.
type Gateway struct {
	logger ports.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	orders   map[ports.OrderRef]*simOrder
	seq      []ports.OrderRef // submission order, for deterministic triggering
	subs     []subEntry
	nextSub  int
	queue    []ports.OrderUpdate
	busy     bool
	closed   bool
	bid, ask float64
	hasQuote bool
}

// New creates a sim gateway and starts its dispatch goroutine.
func New(logger ports.Logger) *Gateway {
	g := &Gateway{
		logger: logger,
		orders: make(map[ports.OrderRef]*simOrder),
	}
	g.cond = sync.NewCond(&g.mu)
	go g.dispatch()
	return g
}

// dispatch delivers queued updates one at a time. Handlers run without the
// gateway lock held, so they may call back into the gateway.
func (g *Gateway) dispatch() {
	g.mu.Lock()
	for {
		for len(g.queue) == 0 && !g.closed {
			g.busy = false
			g.cond.Broadcast()
			g.cond.Wait()
		}
		if len(g.queue) == 0 && g.closed {
			g.busy = false
			g.cond.Broadcast()
			g.mu.Unlock()
			return
		}
		u := g.queue[0]
		g.queue = g.queue[1:]
		g.busy = true
		handlers := make([]func(ports.OrderUpdate), len(g.subs))
		for i, s := range g.subs {
			handlers[i] = s.handler
		}
		g.mu.Unlock()

		for _, h := range handlers {
			h(u)
		}

		g.mu.Lock()
	}
}

// Flush blocks until every queued update has been delivered. Tests call it
// after Fill/Tick/Cancel to observe a settled state.
func (g *Gateway) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.queue) > 0 || g.busy {
		g.cond.Wait()
	}
}

// Close stops the dispatcher after draining the queue.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *Gateway) enqueueLocked(u ports.OrderUpdate) {
	g.queue = append(g.queue, u)
	g.cond.Broadcast()
}

// SubmitOrder accepts the order and, for market orders with a known quote,
// fills it immediately at the touch.
func (g *Gateway) SubmitOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderRef, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive", ports.ErrInvalidRequest)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", ports.ErrGatewayUnavailable
	}

	o := &simOrder{
		ref:   ports.OrderRef(id.New()),
		req:   req,
		state: domain.OrderWorking,
	}
	g.orders[o.ref] = o
	g.seq = append(g.seq, o.ref)
	g.enqueueLocked(ports.OrderUpdate{Ref: o.ref, State: domain.OrderSubmitted})
	g.logger.Debug(ctx, "sim order accepted", map[string]interface{}{
		"ref": o.ref, "symbol": req.Symbol, "side": req.Side, "type": req.Type, "quantity": req.Quantity,
	})

	if req.Type == domain.OrderMarket && g.hasQuote {
		price := g.ask
		if req.Side == domain.Sell {
			price = g.bid
		}
		g.applyFillLocked(o, req.Quantity, price)
	}
	return o.ref, nil
}

// CancelOrder cancels a working order. Cancelling a terminal order is a
// no-op, mirroring how venues treat late cancels of filled orders.
func (g *Gateway) CancelOrder(ctx context.Context, ref ports.OrderRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, ref)
	}
	if o.terminal() {
		return nil
	}
	g.cancelLocked(o)
	return nil
}

func (g *Gateway) cancelLocked(o *simOrder) {
	o.state = domain.OrderCancelled
	g.enqueueLocked(ports.OrderUpdate{
		Ref: o.ref, State: domain.OrderCancelled,
		FilledQuantity: o.filled, AvgFillPrice: o.avg,
	})
}

// ModifyOrder amends quantity and prices on a working order.
func (g *Gateway) ModifyOrder(ctx context.Context, ref ports.OrderRef, req ports.ModifyRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, ref)
	}
	if o.terminal() && o.filled < req.Quantity {
		// A filled order grows back to working when its quantity is raised;
		// remaining quantity becomes fillable again.
		o.state = domain.OrderPartiallyFilled
	} else if o.terminal() {
		return fmt.Errorf("%w: order %s is %s", ports.ErrOrderModifyFailed, ref, o.state)
	}
	if req.Quantity > 0 {
		o.req.Quantity = req.Quantity
	}
	if req.LimitPrice > 0 {
		o.req.LimitPrice = req.LimitPrice
	}
	if req.StopPrice > 0 {
		o.req.StopPrice = req.StopPrice
	}
	g.enqueueLocked(ports.OrderUpdate{
		Ref: o.ref, State: workingState(o),
		FilledQuantity: o.filled, AvgFillPrice: o.avg,
	})
	return nil
}

func workingState(o *simOrder) domain.OrderState {
	if o.filled > 0 {
		return domain.OrderPartiallyFilled
	}
	return domain.OrderWorking
}

// Subscribe registers an update handler.
func (g *Gateway) Subscribe(handler func(ports.OrderUpdate)) ports.Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextSub++
	sid := g.nextSub
	g.subs = append(g.subs, subEntry{id: sid, handler: handler})
	return &subscription{g: g, id: sid}
}

type subscription struct {
	g  *Gateway
	id int
}

func (s *subscription) Unsubscribe() {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	for i, e := range s.g.subs {
		if e.id == s.id {
			s.g.subs = append(s.g.subs[:i], s.g.subs[i+1:]...)
			return
		}
	}
}

// --- Fill drivers ---

// Fill applies a scripted partial or full fill to an order.
func (g *Gateway) Fill(ref ports.OrderRef, qty, price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, ref)
	}
	if o.state == domain.OrderCancelled || o.state == domain.OrderRejected {
		return fmt.Errorf("fill on %s order %s", o.state, ref)
	}
	g.applyFillLocked(o, qty, price)
	return nil
}

// Reject marks an order rejected, for failure-path tests.
func (g *Gateway) Reject(ref ports.OrderRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, ref)
	}
	o.state = domain.OrderRejected
	g.enqueueLocked(ports.OrderUpdate{
		Ref: o.ref, State: domain.OrderRejected,
		FilledQuantity: o.filled, AvgFillPrice: o.avg,
	})
	return nil
}

// Tick publishes a traded price and fills any resting order it triggers:
// stop orders through their stop price, limit orders at or through their
// limit. Orders are checked in submission order.
func (g *Gateway) Tick(price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ref := range g.seq {
		o := g.orders[ref]
		if o.terminal() {
			continue
		}
		remaining := o.req.Quantity - o.filled
		if remaining <= 0 {
			continue
		}

		switch o.req.Type {
		case domain.OrderStopMarket, domain.OrderStopLimit:
			if (o.req.Side == domain.Buy && price >= o.req.StopPrice) ||
				(o.req.Side == domain.Sell && price <= o.req.StopPrice) {
				g.applyFillLocked(o, remaining, o.req.StopPrice)
			}
		case domain.OrderLimit:
			if (o.req.Side == domain.Buy && price <= o.req.LimitPrice) ||
				(o.req.Side == domain.Sell && price >= o.req.LimitPrice) {
				g.applyFillLocked(o, remaining, o.req.LimitPrice)
			}
		}
	}
}

// applyFillLocked fills up to the remaining quantity and, on a full fill of a
// grouped order, cancels its OCO siblings.
func (g *Gateway) applyFillLocked(o *simOrder, qty, price float64) {
	remaining := o.req.Quantity - o.filled
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return
	}

	newFilled := o.filled + qty
	o.avg = (o.avg*o.filled + price*qty) / newFilled
	o.filled = newFilled
	if o.filled >= o.req.Quantity {
		o.state = domain.OrderFilled
	} else {
		o.state = domain.OrderPartiallyFilled
	}
	g.enqueueLocked(ports.OrderUpdate{
		Ref: o.ref, State: o.state,
		FilledQuantity: o.filled, AvgFillPrice: o.avg,
	})

	if o.state == domain.OrderFilled && o.req.OCOGroup != "" {
		for _, ref := range g.seq {
			sib := g.orders[ref]
			if sib.ref == o.ref || sib.terminal() || sib.req.OCOGroup != o.req.OCOGroup {
				continue
			}
			g.cancelLocked(sib)
		}
	}
}

// --- QuoteSource ---

// SetQuote publishes the current best bid/ask.
func (g *Gateway) SetQuote(bid, ask float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bid, g.ask = bid, ask
	g.hasQuote = true
}

// BestBid returns the current best bid.
func (g *Gateway) BestBid(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasQuote {
		return 0, fmt.Errorf("%w: %s", ports.ErrQuoteUnavailable, symbol)
	}
	return g.bid, nil
}

// BestAsk returns the current best ask.
func (g *Gateway) BestAsk(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasQuote {
		return 0, fmt.Errorf("%w: %s", ports.ErrQuoteUnavailable, symbol)
	}
	return g.ask, nil
}

// Order returns a snapshot of an order's state, for tests and the demo.
func (g *Gateway) Order(ref ports.OrderRef) (state domain.OrderState, filled float64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, found := g.orders[ref]
	if !found {
		return "", 0, false
	}
	return o.state, o.filled, true
}
