package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"bracketbot/internal/domain"
	"bracketbot/internal/id"
	"bracketbot/internal/ports"
)

// Trade-level errors surfaced to the owner.
var (
	// ErrAlreadySubmitted is returned by Submit when the trade has left the
	// initial state; a trade owns exactly one entry order for its lifetime.
	ErrAlreadySubmitted = errors.New("trade: entry order already submitted")

	// ErrOrderRejected marks the fatal failure raised when any owned order
	// reports a rejected state. The trade's invariants cannot be trusted past
	// this point, so processing stops instead of attempting recovery.
	ErrOrderRejected = errors.New("trade: order rejected by gateway")

	// ErrBracketFailed marks the fatal failure raised when the protective
	// pair cannot be created after an entry fill, or cannot be resized once
	// the entry has filled for the last time. Continuing would leave an
	// unprotected position.
	ErrBracketFailed = errors.New("trade: protective bracket creation failed")
)

// Config describes one trade's parameters. It is a plain value: the trade
// copies it at construction, so owner-side mutation after creation never
// affects an in-flight trade. Fields are validated by the owner before use;
// non-positive quantity or offsets are a caller error.
type Config struct {
	Symbol             string
	OrderType          domain.OrderType
	Quantity           float64
	LimitPrice         float64 // used by LIMIT / STOP_LIMIT entries
	StopPrice          float64 // used by STOP_MARKET / STOP_LIMIT entries
	SignalName         string  // label attached to every order of the trade
	AutoBracket        bool    // create stop-loss/profit-target on first entry fill
	StopLossOffset     float64 // price units, always positive
	ProfitTargetOffset float64 // price units, always positive
}

// Deps are the capabilities a trade needs, injected at construction so the
// machine stays decoupled from any specific owner.
type Deps struct {
	Gateway ports.OrderGateway
	Quotes  ports.QuoteSource
	Logger  ports.Logger
}

type listenerEntry struct {
	id int
	l  Listener
}

// Trade drives one entry order plus its protective bracket through the
// lifecycle None -> Submitted -> InMarket -> Completed, reacting to gateway
// order updates.
//
// Updates for one trade must be delivered serially and in order; the handler
// is not reentrant. Independent trades share no mutable state and may process
// events fully in parallel.
type Trade struct {
	cfg      Config
	side     domain.PositionSide
	gateway  ports.OrderGateway
	quotes   ports.QuoteSource
	logger   ports.Logger
	id       string
	ocoGroup string

	mu            sync.Mutex
	status        domain.TradeStatus
	completion    domain.Completion
	fillState     domain.FillState
	fillCount     float64
	profitCount   float64
	stopLossCount float64
	avgEntryPrice float64
	entryRef      ports.OrderRef
	stopRef       ports.OrderRef
	targetRef     ports.OrderRef
	bracketQty    float64 // last quantity requested on the protective pair
	stopPrice     float64 // protective prices as submitted; fixed after creation
	targetPrice   float64
	submittedBar  int
	entryDone     bool // entry order can receive no further fills
	failure       error
	sub           ports.Subscription
	unsubscribed  bool

	listeners    []listenerEntry
	nextListener int
}

// New constructs a trade for the given configuration and direction and
// subscribes it to the gateway's update stream. The subscription is released
// exactly once, when the trade completes or fails.
func New(cfg Config, side domain.PositionSide, deps Deps) (*Trade, error) {
	if deps.Gateway == nil || deps.Quotes == nil || deps.Logger == nil {
		return nil, fmt.Errorf("%w: trade requires gateway, quotes and logger", ports.ErrConfigurationError)
	}
	if side != domain.Long && side != domain.Short {
		return nil, fmt.Errorf("%w: unknown position side %q", ports.ErrConfigurationError, side)
	}

	t := &Trade{
		cfg:       cfg,
		side:      side,
		gateway:   deps.Gateway,
		quotes:    deps.Quotes,
		logger:    deps.Logger,
		id:        id.New(),
		ocoGroup:  uuid.NewString(),
		status:    domain.TradeStatusNone,
		fillState: domain.FillNone,
	}
	t.sub = deps.Gateway.Subscribe(t.onOrderUpdate)
	return t, nil
}

// Submit places the entry order. The order side is derived from the position
// direction (Long buys, Short sells). On success the trade records the
// owner-supplied bar index, transitions to Submitted and emits the Submitted
// event. On failure the trade state is unchanged and the error is returned;
// calling Submit more than once returns ErrAlreadySubmitted.
func (t *Trade) Submit(ctx context.Context, barIndex int) error {
	t.mu.Lock()
	if t.status != domain.TradeStatusNone {
		t.mu.Unlock()
		return ErrAlreadySubmitted
	}
	if t.failure != nil {
		failure := t.failure
		t.mu.Unlock()
		return failure
	}

	req := ports.OrderRequest{
		RoutingIndex: barIndex,
		Symbol:       t.cfg.Symbol,
		Side:         t.side.EntrySide(),
		Type:         t.cfg.OrderType,
		Quantity:     t.cfg.Quantity,
		LimitPrice:   t.cfg.LimitPrice,
		StopPrice:    t.cfg.StopPrice,
		Label:        t.cfg.SignalName,
	}

	// The lock is held across the gateway call so an update for the new order
	// cannot be routed before the ref is recorded.
	ref, err := t.gateway.SubmitOrder(ctx, req)
	if err != nil || ref == "" {
		t.mu.Unlock()
		if err == nil {
			err = ports.ErrOrderPlacementFailed
		}
		t.logger.Warn(ctx, "entry order submission failed", map[string]interface{}{
			"tradeID": t.id, "symbol": t.cfg.Symbol, "error": err,
		})
		return fmt.Errorf("submit entry order: %w", err)
	}

	t.entryRef = ref
	t.submittedBar = barIndex
	t.status = domain.TradeStatusSubmitted
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	t.logger.Info(ctx, "entry order submitted", map[string]interface{}{
		"tradeID": t.id, "symbol": t.cfg.Symbol, "side": t.side,
		"quantity": t.cfg.Quantity, "barIndex": barIndex, "orderRef": ref,
	})
	t.emit(listeners, []Event{EventSubmitted}, nil)
	return nil
}

// TryCancel requests cancellation of the entry order. It only applies while
// the trade is Submitted with no fill yet; once in the market the unwind goes
// through the protective bracket, not this path. Cancellation is advisory:
// the transition to Completed happens when the gateway's cancel event is
// observed, never synchronously.
func (t *Trade) TryCancel(ctx context.Context) bool {
	t.mu.Lock()
	if t.status != domain.TradeStatusSubmitted {
		t.mu.Unlock()
		return false
	}
	ref := t.entryRef
	t.mu.Unlock()

	if err := t.gateway.CancelOrder(ctx, ref); err != nil {
		t.logger.Warn(ctx, "entry cancel request failed", map[string]interface{}{
			"tradeID": t.id, "orderRef": ref, "error": err,
		})
	}
	return true
}

// onOrderUpdate is the single update handler for all three orders of the
// trade. The step order below is the correctness contract subscribers rely
// on: rejection first, OCO unwind and the cancelled-entry terminal case next,
// fills before status transitions, completion strictly last.
func (t *Trade) onOrderUpdate(u ports.OrderUpdate) {
	ctx := context.Background()

	t.mu.Lock()
	if u.Ref == "" || (u.Ref != t.entryRef && u.Ref != t.stopRef && u.Ref != t.targetRef) {
		// Not one of ours.
		t.mu.Unlock()
		return
	}
	if t.status == domain.TradeStatusCompleted || t.failure != nil {
		t.mu.Unlock()
		return
	}

	var events []Event

	// 1. A rejected order is fatal: the gateway and the trade have diverged
	// from a known-good state, and continuing risks an unprotected or
	// double-protected position.
	if u.State == domain.OrderRejected {
		t.failLocked(ctx, fmt.Errorf("%w: order %s", ErrOrderRejected, u.Ref))
		t.finishEvent(ctx, append(events, EventFailed))
		return
	}

	// 2. OCO unwind: a fully filled protective order means the position is
	// flat for everything filled so far; stop the entry from filling further.
	// The gateway's OCO group cancels the sibling protective order.
	if (u.Ref == t.stopRef || u.Ref == t.targetRef) &&
		u.State == domain.OrderFilled && t.fillState != domain.FillFull && !t.entryDone {
		if err := t.gateway.CancelOrder(ctx, t.entryRef); err != nil {
			t.logger.Warn(ctx, "entry cancel after protective fill failed", map[string]interface{}{
				"tradeID": t.id, "orderRef": t.entryRef, "error": err,
			})
		}
	}

	// 3. Entry cancelled with zero fill: terminal, nothing else to unwind.
	if u.Ref == t.entryRef && u.State == domain.OrderCancelled && t.status == domain.TradeStatusSubmitted {
		t.completeLocked(ctx, domain.CompletionCancelled)
		t.finishEvent(ctx, append(events, EventCompleted))
		return
	}

	// 4. Entry fill processing.
	if u.Ref == t.entryRef {
		if u.FilledQuantity > 0 {
			if t.cfg.AutoBracket && t.stopRef == "" {
				if err := t.createBracketLocked(ctx, u); err != nil {
					t.failLocked(ctx, err)
					t.finishEvent(ctx, append(events, EventFailed))
					return
				}
			} else if t.stopRef != "" && u.FilledQuantity > t.bracketQty &&
				t.stopLossCount < t.cfg.Quantity && t.profitCount < t.cfg.Quantity {
				// Keep protective coverage in lock-step with incremental entry
				// fills. The resize target is always the latest observed entry
				// fill count, so repeated events are idempotent.
				if err := t.resizeBracketLocked(ctx, u.FilledQuantity); err != nil && u.State.IsTerminal() {
					// The entry can fill no further, so no later event will
					// retry the resize and part of the position would stay
					// unprotected.
					t.failLocked(ctx, err)
					t.finishEvent(ctx, append(events, EventFailed))
					return
				}
			}

			if u.FilledQuantity != t.fillCount {
				t.fillCount = u.FilledQuantity
				if u.AvgFillPrice > 0 {
					t.avgEntryPrice = u.AvgFillPrice
				}
				if t.fillCount >= t.cfg.Quantity {
					t.fillState = domain.FillFull
				} else {
					t.fillState = domain.FillPartial
				}
				events = append(events, EventFilled)
			}

			// Emitted after the fill-count update so subscribers observe
			// consistent counts.
			if t.status == domain.TradeStatusNone || t.status == domain.TradeStatusSubmitted {
				t.status = domain.TradeStatusInMarket
				events = append(events, EventMarketEntered)
			}
		}
		if u.State.IsTerminal() {
			t.entryDone = true
		}
	}

	// 5. Stop-loss fill update.
	if u.Ref == t.stopRef && u.FilledQuantity != t.stopLossCount {
		t.stopLossCount = u.FilledQuantity
		events = append(events, EventStoppedOut)
	}

	// 6. Profit-target fill update.
	if u.Ref == t.targetRef && u.FilledQuantity != t.profitCount {
		t.profitCount = u.FilledQuantity
		events = append(events, EventProfitted)
	}

	// 7. Completion: every filled entry contract has been closed by one of
	// the protective orders, and the entry can fill no further. The entryDone
	// requirement keeps a racing bracket fill from completing the trade while
	// entry fills are still in flight, and evaluating on entry-terminal
	// events covers a cancel ack arriving after the last protective fill.
	if t.stopRef != "" && t.targetRef != "" && t.entryDone && t.fillCount > 0 &&
		t.stopLossCount+t.profitCount == t.fillCount {
		switch {
		case t.profitCount == t.fillCount:
			t.completeLocked(ctx, domain.CompletionTotalProfit)
		case t.stopLossCount == t.fillCount:
			t.completeLocked(ctx, domain.CompletionTotalLoss)
		default:
			t.completeLocked(ctx, domain.CompletionMixed)
		}
		events = append(events, EventCompleted)
	}

	t.finishEvent(ctx, events)
}

// finishEvent releases the lock and dispatches the collected events. Emitting
// after unlock lets listeners call back into the trade's accessors.
func (t *Trade) finishEvent(ctx context.Context, events []Event) {
	listeners := t.snapshotListenersLocked()
	failure := t.failure
	t.mu.Unlock()

	if len(events) > 0 {
		t.emit(listeners, events, failure)
	}
}

// createBracketLocked submits the stop-loss and profit-target pair for the
// currently filled entry quantity. The two orders share the trade's OCO group
// and take the opposite side from the entry. Either submission failing is
// fatal: the pair exists both-or-neither.
func (t *Trade) createBracketLocked(ctx context.Context, u ports.OrderUpdate) error {
	basis := u.AvgFillPrice
	if basis <= 0 {
		basis = t.cfg.LimitPrice
	}
	if basis <= 0 {
		// The gateway contract promises an average price with every fill;
		// without one any protective price would be nonsense.
		return fmt.Errorf("%w: no price basis for protective orders", ErrBracketFailed)
	}
	stopPrice, targetPrice := t.protectivePrices(basis)
	exitSide := t.side.EntrySide().Opposite()
	qty := u.FilledQuantity

	stopRef, err := t.gateway.SubmitOrder(ctx, ports.OrderRequest{
		RoutingIndex: t.submittedBar,
		Symbol:       t.cfg.Symbol,
		Side:         exitSide,
		Type:         domain.OrderStopMarket,
		Quantity:     qty,
		StopPrice:    stopPrice,
		OCOGroup:     t.ocoGroup,
		Label:        t.cfg.SignalName,
	})
	if err != nil || stopRef == "" {
		return fmt.Errorf("%w: stop-loss: %v", ErrBracketFailed, err)
	}

	targetRef, err := t.gateway.SubmitOrder(ctx, ports.OrderRequest{
		RoutingIndex: t.submittedBar,
		Symbol:       t.cfg.Symbol,
		Side:         exitSide,
		Type:         domain.OrderLimit,
		Quantity:     qty,
		LimitPrice:   targetPrice,
		OCOGroup:     t.ocoGroup,
		Label:        t.cfg.SignalName,
	})
	if err != nil || targetRef == "" {
		return fmt.Errorf("%w: profit-target: %v", ErrBracketFailed, err)
	}

	t.stopRef = stopRef
	t.targetRef = targetRef
	t.bracketQty = qty
	t.stopPrice = stopPrice
	t.targetPrice = targetPrice

	t.logger.Info(ctx, "protective bracket created", map[string]interface{}{
		"tradeID": t.id, "quantity": qty,
		"stopLoss": stopPrice, "profitTarget": targetPrice, "ocoGroup": t.ocoGroup,
	})
	return nil
}

// resizeBracketLocked amends both protective orders to the new quantity.
// Prices are unchanged. A failed request is logged and returned; while the
// entry can still fill, the next entry fill retries against the same target,
// and the caller escalates once no retry can come.
func (t *Trade) resizeBracketLocked(ctx context.Context, qty float64) error {
	if err := t.gateway.ModifyOrder(ctx, t.stopRef, ports.ModifyRequest{Quantity: qty, StopPrice: t.stopPrice}); err != nil {
		t.logger.Warn(ctx, "stop-loss resize failed", map[string]interface{}{
			"tradeID": t.id, "orderRef": t.stopRef, "quantity": qty, "error": err,
		})
		return fmt.Errorf("%w: stop-loss resize: %v", ErrBracketFailed, err)
	}
	if err := t.gateway.ModifyOrder(ctx, t.targetRef, ports.ModifyRequest{Quantity: qty, LimitPrice: t.targetPrice}); err != nil {
		t.logger.Warn(ctx, "profit-target resize failed", map[string]interface{}{
			"tradeID": t.id, "orderRef": t.targetRef, "quantity": qty, "error": err,
		})
		return fmt.Errorf("%w: profit-target resize: %v", ErrBracketFailed, err)
	}
	t.bracketQty = qty
	t.logger.Debug(ctx, "protective bracket resized", map[string]interface{}{
		"tradeID": t.id, "quantity": qty,
	})
	return nil
}

// protectivePrices computes the stop-loss and profit-target prices from a
// basis price: below/above for a Long, inverted for a Short.
func (t *Trade) protectivePrices(basis float64) (stop, target float64) {
	if t.side == domain.Short {
		return basis + t.cfg.StopLossOffset, basis - t.cfg.ProfitTargetOffset
	}
	return basis - t.cfg.StopLossOffset, basis + t.cfg.ProfitTargetOffset
}

func (t *Trade) completeLocked(ctx context.Context, c domain.Completion) {
	if t.completion == domain.CompletionNone {
		t.completion = c
	}
	t.status = domain.TradeStatusCompleted
	t.unsubscribeLocked()
	t.logger.Info(ctx, "trade completed", map[string]interface{}{
		"tradeID": t.id, "completion": t.completion,
		"fillCount": t.fillCount, "profitCount": t.profitCount, "stopLossCount": t.stopLossCount,
	})
}

func (t *Trade) failLocked(ctx context.Context, err error) {
	t.failure = err
	t.unsubscribeLocked()
	t.logger.Error(ctx, err, "trade failed fatally", map[string]interface{}{
		"tradeID": t.id, "status": t.status,
	})
}

// unsubscribeLocked releases the gateway subscription exactly once.
func (t *Trade) unsubscribeLocked() {
	if t.unsubscribed || t.sub == nil {
		return
	}
	t.sub.Unsubscribe()
	t.unsubscribed = true
}

// Subscribe registers a lifecycle listener and returns its remove function.
// Owners holding long-lived references are expected to unsubscribe
// themselves; this is independent of the trade's own gateway unsubscribe.
func (t *Trade) Subscribe(l Listener) (unsubscribe func()) {
	t.mu.Lock()
	t.nextListener++
	lid := t.nextListener
	t.listeners = append(t.listeners, listenerEntry{id: lid, l: l})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, e := range t.listeners {
			if e.id == lid {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *Trade) snapshotListenersLocked() []Listener {
	out := make([]Listener, len(t.listeners))
	for i, e := range t.listeners {
		out[i] = e.l
	}
	return out
}

// --- Read-only observation ---

// ID returns the trade's unique identifier.
func (t *Trade) ID() string { return t.id }

// Side returns the trade's direction.
func (t *Trade) Side() domain.PositionSide { return t.side }

// OCOGroup returns the group id shared by the protective pair.
func (t *Trade) OCOGroup() string { return t.ocoGroup }

// Config returns a copy of the trade's configuration.
func (t *Trade) Config() Config { return t.cfg }

// Status returns the current lifecycle status.
func (t *Trade) Status() domain.TradeStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Completion returns how the trade resolved; CompletionNone while active.
func (t *Trade) Completion() domain.Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completion
}

// Fill returns the entry order's fill state.
func (t *Trade) Fill() domain.FillState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fillState
}

// FillCount returns the entry order's filled quantity at last observation.
func (t *Trade) FillCount() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fillCount
}

// ProfitCount returns the profit-target order's filled quantity.
func (t *Trade) ProfitCount() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profitCount
}

// StopLossCount returns the stop-loss order's filled quantity.
func (t *Trade) StopLossCount() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLossCount
}

// AvgEntryPrice returns the entry order's average fill price, 0 before any fill.
func (t *Trade) AvgEntryPrice() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avgEntryPrice
}

// EntryOrder returns the entry order ref, empty before Submit succeeds.
func (t *Trade) EntryOrder() ports.OrderRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryRef
}

// StopLossOrder returns the stop-loss order ref, empty until the bracket exists.
func (t *Trade) StopLossOrder() ports.OrderRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopRef
}

// ProfitTargetOrder returns the profit-target order ref, empty until the bracket exists.
func (t *Trade) ProfitTargetOrder() ports.OrderRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetRef
}

// SubmittedBarIndex returns the sequencing marker recorded when submission
// succeeded.
func (t *Trade) SubmittedBarIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submittedBar
}

// Err returns the fatal failure, if any. A non-nil result means the trade's
// orders may be in an inconsistent, unmonitored state at the gateway.
func (t *Trade) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// StopLossPrice returns the stop-loss price: the submitted protective price
// once the bracket exists, otherwise a projection from the entry's average
// fill price or, before any fill, from the current quote.
func (t *Trade) StopLossPrice(ctx context.Context) (float64, error) {
	basis, err := t.protectionBasis(ctx)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopRef != "" {
		return t.stopPrice, nil
	}
	stop, _ := t.protectivePrices(basis)
	return stop, nil
}

// ProfitTargetPrice is the profit-target counterpart of StopLossPrice.
func (t *Trade) ProfitTargetPrice(ctx context.Context) (float64, error) {
	basis, err := t.protectionBasis(ctx)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.targetRef != "" {
		return t.targetPrice, nil
	}
	_, target := t.protectivePrices(basis)
	return target, nil
}

// protectionBasis picks the price protective levels are measured from: the
// entry's average fill price once filled, else the quote side the entry would
// execute against (ask for a Long, bid for a Short).
func (t *Trade) protectionBasis(ctx context.Context) (float64, error) {
	t.mu.Lock()
	avg := t.avgEntryPrice
	side := t.side
	symbol := t.cfg.Symbol
	t.mu.Unlock()

	if avg > 0 {
		return avg, nil
	}
	if side == domain.Short {
		return t.quotes.BestBid(ctx, symbol)
	}
	return t.quotes.BestAsk(ctx, symbol)
}
