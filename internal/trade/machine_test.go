package trade

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"
)

// --- Mocks ---

type modifyCall struct {
	ref ports.OrderRef
	req ports.ModifyRequest
}

// mockGateway records every gateway call and hands the captured update
// handler to the test, which invokes it directly. That gives tests exact
// control over interleaving: each pushed update runs the machine's handler
// synchronously to completion before the test continues.
type mockGateway struct {
	mu           sync.Mutex
	submitted    []ports.OrderRequest
	refs         []ports.OrderRef
	cancelled    []ports.OrderRef
	modified     []modifyCall
	handler      func(ports.OrderUpdate)
	failSubmitAt int // 1-based index of the submission that fails, 0 = never
	cancelErr    error
	modifyErr    error
	nextRef      int
	unsubscribes int
}

func (g *mockGateway) SubmitOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSubmitAt > 0 && len(g.submitted)+1 == g.failSubmitAt {
		return "", ports.ErrOrderPlacementFailed
	}
	g.nextRef++
	ref := ports.OrderRef(fmt.Sprintf("ord-%d", g.nextRef))
	g.submitted = append(g.submitted, req)
	g.refs = append(g.refs, ref)
	return ref, nil
}

func (g *mockGateway) CancelOrder(ctx context.Context, ref ports.OrderRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ref)
	return g.cancelErr
}

func (g *mockGateway) ModifyOrder(ctx context.Context, ref ports.OrderRef, req ports.ModifyRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modified = append(g.modified, modifyCall{ref: ref, req: req})
	return g.modifyErr
}

func (g *mockGateway) Subscribe(handler func(ports.OrderUpdate)) ports.Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = handler
	return &mockSubscription{g: g}
}

// push delivers an update through the captured handler, outside the mock lock.
func (g *mockGateway) push(u ports.OrderUpdate) {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h != nil {
		h(u)
	}
}

type mockSubscription struct{ g *mockGateway }

func (s *mockSubscription) Unsubscribe() {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	s.g.unsubscribes++
}

type mockQuotes struct {
	bid, ask float64
	err      error
}

func (q *mockQuotes) BestBid(ctx context.Context, symbol string) (float64, error) {
	return q.bid, q.err
}

func (q *mockQuotes) BestAsk(ctx context.Context, symbol string) (float64, error) {
	return q.ask, q.err
}

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// eventLog records lifecycle events in emission order.
type eventLog struct {
	events   []Event
	failures []error
}

func (e *eventLog) listener() Listener {
	return Listener{
		OnSubmitted:     func(*Trade) { e.events = append(e.events, EventSubmitted) },
		OnMarketEntered: func(*Trade) { e.events = append(e.events, EventMarketEntered) },
		OnFilled:        func(*Trade) { e.events = append(e.events, EventFilled) },
		OnStoppedOut:    func(*Trade) { e.events = append(e.events, EventStoppedOut) },
		OnProfitted:     func(*Trade) { e.events = append(e.events, EventProfitted) },
		OnCompleted:     func(*Trade) { e.events = append(e.events, EventCompleted) },
		OnFailed: func(_ *Trade, err error) {
			e.events = append(e.events, EventFailed)
			e.failures = append(e.failures, err)
		},
	}
}

func defaultConfig() Config {
	return Config{
		Symbol:             "ETHUSDT",
		OrderType:          domain.OrderMarket,
		Quantity:           4,
		SignalName:         "test-signal",
		AutoBracket:        true,
		StopLossOffset:     0.08,
		ProfitTargetOffset: 0.04,
	}
}

func newTestTrade(t *testing.T, cfg Config, side domain.PositionSide) (*Trade, *mockGateway, *eventLog) {
	t.Helper()
	gw := &mockGateway{}
	tr, err := New(cfg, side, Deps{
		Gateway: gw,
		Quotes:  &mockQuotes{bid: 99.98, ask: 100.02},
		Logger:  noopLogger{},
	})
	require.NoError(t, err)

	log := &eventLog{}
	tr.Subscribe(log.listener())
	return tr, gw, log
}

// --- Construction and submission ---

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(defaultConfig(), domain.Long, Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = New(defaultConfig(), domain.PositionSide("SIDEWAYS"), Deps{
		Gateway: &mockGateway{}, Quotes: &mockQuotes{}, Logger: noopLogger{},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestSubmitTransitionsToSubmitted(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.Equal(t, domain.TradeStatusNone, tr.Status())

	require.NoError(t, tr.Submit(context.Background(), 42))

	assert.Equal(t, domain.TradeStatusSubmitted, tr.Status())
	assert.Equal(t, 42, tr.SubmittedBarIndex())
	assert.Equal(t, []Event{EventSubmitted}, log.events)

	require.Len(t, gw.submitted, 1)
	entry := gw.submitted[0]
	assert.Equal(t, domain.Buy, entry.Side)
	assert.Equal(t, domain.OrderMarket, entry.Type)
	assert.Equal(t, 4.0, entry.Quantity)
	assert.Equal(t, "test-signal", entry.Label)
	assert.Equal(t, 42, entry.RoutingIndex)
	assert.Equal(t, gw.refs[0], tr.EntryOrder())
}

func TestSubmitTwiceReturnsAlreadySubmitted(t *testing.T) {
	tr, _, _ := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))
	assert.ErrorIs(t, tr.Submit(context.Background(), 1), ErrAlreadySubmitted)
}

func TestSubmitFailureLeavesStateUnchanged(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	gw.failSubmitAt = 1

	err := tr.Submit(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)
	assert.Equal(t, domain.TradeStatusNone, tr.Status())
	assert.Empty(t, log.events)

	// Submission can be retried after a transient failure.
	gw.failSubmitAt = 0
	require.NoError(t, tr.Submit(context.Background(), 0))
	assert.Equal(t, domain.TradeStatusSubmitted, tr.Status())
}

// --- Full fill, bracket and profit completion ---

func TestFullFillCreatesBracketAndCompletesTotalProfit(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	gw.push(ports.OrderUpdate{
		Ref: tr.EntryOrder(), State: domain.OrderFilled,
		FilledQuantity: 4, AvgFillPrice: 100,
	})

	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())
	assert.Equal(t, domain.FillFull, tr.Fill())
	assert.Equal(t, 4.0, tr.FillCount())
	assert.Equal(t, 100.0, tr.AvgEntryPrice())

	// Entry plus the protective pair.
	require.Len(t, gw.submitted, 3)
	stop, target := gw.submitted[1], gw.submitted[2]

	assert.Equal(t, domain.Sell, stop.Side)
	assert.Equal(t, domain.OrderStopMarket, stop.Type)
	assert.Equal(t, 4.0, stop.Quantity)
	assert.InDelta(t, 99.92, stop.StopPrice, 1e-9)

	assert.Equal(t, domain.Sell, target.Side)
	assert.Equal(t, domain.OrderLimit, target.Type)
	assert.Equal(t, 4.0, target.Quantity)
	assert.InDelta(t, 100.04, target.LimitPrice, 1e-9)

	// The pair shares the trade's OCO group.
	assert.Equal(t, tr.OCOGroup(), stop.OCOGroup)
	assert.Equal(t, tr.OCOGroup(), target.OCOGroup)

	assert.Equal(t, []Event{EventSubmitted, EventFilled, EventMarketEntered}, log.events)

	gw.push(ports.OrderUpdate{
		Ref: tr.ProfitTargetOrder(), State: domain.OrderFilled,
		FilledQuantity: 4, AvgFillPrice: 100.04,
	})

	assert.Equal(t, domain.TradeStatusCompleted, tr.Status())
	assert.Equal(t, domain.CompletionTotalProfit, tr.Completion())
	assert.Equal(t, 4.0, tr.ProfitCount())
	assert.Equal(t, []Event{EventSubmitted, EventFilled, EventMarketEntered, EventProfitted, EventCompleted}, log.events)
	assert.Equal(t, 1, gw.unsubscribes)
}

func TestShortSideBracketIsInverted(t *testing.T) {
	tr, gw, _ := newTestTrade(t, defaultConfig(), domain.Short)
	require.NoError(t, tr.Submit(context.Background(), 0))

	assert.Equal(t, domain.Sell, gw.submitted[0].Side)

	gw.push(ports.OrderUpdate{
		Ref: tr.EntryOrder(), State: domain.OrderFilled,
		FilledQuantity: 4, AvgFillPrice: 100,
	})

	require.Len(t, gw.submitted, 3)
	stop, target := gw.submitted[1], gw.submitted[2]
	assert.Equal(t, domain.Buy, stop.Side)
	assert.InDelta(t, 100.08, stop.StopPrice, 1e-9)
	assert.Equal(t, domain.Buy, target.Side)
	assert.InDelta(t, 99.96, target.LimitPrice, 1e-9)
}

func TestAutoBracketDisabledSubmitsNoProtectiveOrders(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutoBracket = false
	tr, gw, _ := newTestTrade(t, cfg, domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	gw.push(ports.OrderUpdate{
		Ref: tr.EntryOrder(), State: domain.OrderFilled,
		FilledQuantity: 4, AvgFillPrice: 100,
	})

	assert.Len(t, gw.submitted, 1)
	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())
	assert.Empty(t, tr.StopLossOrder())
}

// --- Partial fills and resize ---

func TestPartialFillLadderResizesBracketAndCompletesTotalLoss(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))
	entry := tr.EntryOrder()

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderPartiallyFilled, FilledQuantity: 2, AvgFillPrice: 100})
	assert.Equal(t, domain.FillPartial, tr.Fill())
	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())
	require.Len(t, gw.submitted, 3)
	assert.Equal(t, 2.0, gw.submitted[1].Quantity)
	assert.Equal(t, 2.0, gw.submitted[2].Quantity)
	assert.Empty(t, gw.modified)

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderPartiallyFilled, FilledQuantity: 3, AvgFillPrice: 100})
	require.Len(t, gw.modified, 2)
	assert.Equal(t, tr.StopLossOrder(), gw.modified[0].ref)
	assert.Equal(t, 3.0, gw.modified[0].req.Quantity)
	assert.Equal(t, tr.ProfitTargetOrder(), gw.modified[1].ref)
	assert.Equal(t, 3.0, gw.modified[1].req.Quantity)

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})
	require.Len(t, gw.modified, 4)
	assert.Equal(t, 4.0, gw.modified[2].req.Quantity)
	assert.Equal(t, domain.FillFull, tr.Fill())

	// Stop-loss absorbs the whole position in two pieces.
	gw.push(ports.OrderUpdate{Ref: tr.StopLossOrder(), State: domain.OrderPartiallyFilled, FilledQuantity: 2, AvgFillPrice: 99.92})
	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())

	gw.push(ports.OrderUpdate{Ref: tr.StopLossOrder(), State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 99.92})
	assert.Equal(t, domain.TradeStatusCompleted, tr.Status())
	assert.Equal(t, domain.CompletionTotalLoss, tr.Completion())
	assert.Equal(t, 4.0, tr.StopLossCount())
	assert.Equal(t, 0.0, tr.ProfitCount())

	assert.Equal(t, EventCompleted, log.events[len(log.events)-1])
}

func TestResizeAfterStopFillRacesEntry(t *testing.T) {
	tr, gw, _ := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))
	entry := tr.EntryOrder()

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderPartiallyFilled, FilledQuantity: 2, AvgFillPrice: 100})
	stopRef := tr.StopLossOrder()

	// The stop fills its full working quantity before the entry is done; the
	// machine requests an entry cancel, but the remaining entry fills race it.
	gw.push(ports.OrderUpdate{Ref: stopRef, State: domain.OrderFilled, FilledQuantity: 2, AvgFillPrice: 99.92})
	assert.Contains(t, gw.cancelled, entry)
	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})

	// Protective coverage grows back to the full position.
	require.Len(t, gw.modified, 2)
	assert.Equal(t, stopRef, gw.modified[0].ref)
	assert.Equal(t, 4.0, gw.modified[0].req.Quantity)
	assert.Equal(t, domain.CompletionNone, tr.Completion())

	gw.push(ports.OrderUpdate{Ref: stopRef, State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 99.92})

	assert.Equal(t, domain.TradeStatusCompleted, tr.Status())
	assert.Equal(t, domain.CompletionTotalLoss, tr.Completion())
	assert.Equal(t, 4.0, tr.FillCount())
	assert.Equal(t, 4.0, tr.StopLossCount())
	assert.Equal(t, 0.0, tr.ProfitCount())
}

func TestDuplicateFillUpdateIsIdempotent(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	u := ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100}
	gw.push(u)
	gw.push(u)

	assert.Equal(t, 4.0, tr.FillCount())
	assert.Len(t, gw.submitted, 3)
	assert.Equal(t, []Event{EventSubmitted, EventFilled, EventMarketEntered}, log.events)
}

// --- Protective fill racing the entry ---

func TestProtectiveFullFillCancelsRemainingEntry(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))
	entry := tr.EntryOrder()

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderPartiallyFilled, FilledQuantity: 2, AvgFillPrice: 100})
	stopRef := tr.StopLossOrder()

	gw.push(ports.OrderUpdate{Ref: stopRef, State: domain.OrderFilled, FilledQuantity: 2, AvgFillPrice: 99.92})

	// The entry cancel was requested, but the trade must not complete until
	// the entry's terminal state is observed.
	assert.Contains(t, gw.cancelled, entry)
	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())
	assert.Equal(t, domain.CompletionNone, tr.Completion())

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderCancelled, FilledQuantity: 2, AvgFillPrice: 100})

	assert.Equal(t, domain.TradeStatusCompleted, tr.Status())
	assert.Equal(t, domain.CompletionTotalLoss, tr.Completion())
	assert.Equal(t, EventCompleted, log.events[len(log.events)-1])
}

func TestMixedCompletionWhenBothLegsFill(t *testing.T) {
	tr, gw, _ := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})
	gw.push(ports.OrderUpdate{Ref: tr.StopLossOrder(), State: domain.OrderPartiallyFilled, FilledQuantity: 1, AvgFillPrice: 99.92})
	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())

	gw.push(ports.OrderUpdate{Ref: tr.ProfitTargetOrder(), State: domain.OrderPartiallyFilled, FilledQuantity: 3, AvgFillPrice: 100.04})

	assert.Equal(t, domain.TradeStatusCompleted, tr.Status())
	assert.Equal(t, domain.CompletionMixed, tr.Completion())
	assert.Equal(t, 1.0, tr.StopLossCount())
	assert.Equal(t, 3.0, tr.ProfitCount())
}

// --- Cancellation ---

func TestTryCancelBeforeFillCompletesCancelled(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)

	// Nothing to cancel before submission.
	assert.False(t, tr.TryCancel(context.Background()))

	require.NoError(t, tr.Submit(context.Background(), 0))
	assert.True(t, tr.TryCancel(context.Background()))
	assert.Equal(t, []ports.OrderRef{tr.EntryOrder()}, gw.cancelled)

	// Still Submitted until the gateway acknowledges.
	assert.Equal(t, domain.TradeStatusSubmitted, tr.Status())

	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderCancelled})

	assert.Equal(t, domain.TradeStatusCompleted, tr.Status())
	assert.Equal(t, domain.CompletionCancelled, tr.Completion())
	assert.Equal(t, []Event{EventSubmitted, EventCompleted}, log.events)
	assert.Equal(t, 1, gw.unsubscribes)

	// Terminal: no more cancels.
	assert.False(t, tr.TryCancel(context.Background()))
}

// --- Fatal failures ---

func TestRejectedEntryFailsTrade(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderRejected})

	require.ErrorIs(t, tr.Err(), ErrOrderRejected)
	assert.Equal(t, domain.CompletionNone, tr.Completion())
	assert.Equal(t, []Event{EventSubmitted, EventFailed}, log.events)
	require.Len(t, log.failures, 1)
	assert.ErrorIs(t, log.failures[0], ErrOrderRejected)
	assert.Equal(t, 1, gw.unsubscribes)

	// Updates after the fatal failure are ignored.
	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderFilled, FilledQuantity: 4})
	assert.Equal(t, 0.0, tr.FillCount())
	assert.Len(t, gw.submitted, 1)
}

func TestFillWithoutPriceBasisIsFatal(t *testing.T) {
	// A market entry has no limit price to fall back to; a fill event without
	// an average price leaves nothing to derive protective prices from.
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderPartiallyFilled, FilledQuantity: 2})

	require.ErrorIs(t, tr.Err(), ErrBracketFailed)
	assert.Equal(t, []Event{EventSubmitted, EventFailed}, log.events)
	// No protective order was ever submitted.
	assert.Len(t, gw.submitted, 1)
	assert.Equal(t, 1, gw.unsubscribes)
}

func TestResizeFailureOnFinalFillIsFatal(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))
	entry := tr.EntryOrder()

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderPartiallyFilled, FilledQuantity: 2, AvgFillPrice: 100})
	require.NotEmpty(t, tr.StopLossOrder())

	// The entry's final fill is the last chance to grow the bracket; a failed
	// modify here would leave part of the position unprotected forever.
	gw.modifyErr = ports.ErrOrderModifyFailed
	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})

	require.ErrorIs(t, tr.Err(), ErrBracketFailed)
	assert.Equal(t, domain.CompletionNone, tr.Completion())
	assert.Equal(t, EventFailed, log.events[len(log.events)-1])
	assert.Equal(t, 1, gw.unsubscribes)
}

func TestResizeFailureOnPartialFillIsRetried(t *testing.T) {
	tr, gw, _ := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))
	entry := tr.EntryOrder()

	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderPartiallyFilled, FilledQuantity: 2, AvgFillPrice: 100})

	// A failed resize while the entry is still filling is not fatal; the next
	// entry fill retries against the latest fill count.
	gw.modifyErr = ports.ErrOrderModifyFailed
	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderPartiallyFilled, FilledQuantity: 3, AvgFillPrice: 100})

	require.NoError(t, tr.Err())
	assert.Equal(t, domain.TradeStatusInMarket, tr.Status())
	assert.Equal(t, 3.0, tr.FillCount())
	require.Len(t, gw.modified, 1) // stop-loss attempt, aborted before the target

	gw.modifyErr = nil
	gw.push(ports.OrderUpdate{Ref: entry, State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})

	require.NoError(t, tr.Err())
	require.Len(t, gw.modified, 3)
	assert.Equal(t, 4.0, gw.modified[1].req.Quantity)
	assert.Equal(t, 4.0, gw.modified[2].req.Quantity)
	assert.Equal(t, domain.FillFull, tr.Fill())
}

func TestBracketCreationFailureIsFatal(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	// The stop-loss is the second submission.
	gw.failSubmitAt = 2
	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})

	require.ErrorIs(t, tr.Err(), ErrBracketFailed)
	assert.Equal(t, []Event{EventSubmitted, EventFailed}, log.events)
	assert.Equal(t, 1, gw.unsubscribes)
}

// --- Update routing ---

func TestForeignOrderUpdatesAreIgnored(t *testing.T) {
	tr, gw, log := newTestTrade(t, defaultConfig(), domain.Long)
	require.NoError(t, tr.Submit(context.Background(), 0))

	gw.push(ports.OrderUpdate{Ref: "somebody-else", State: domain.OrderFilled, FilledQuantity: 7})
	gw.push(ports.OrderUpdate{State: domain.OrderFilled, FilledQuantity: 7})

	assert.Equal(t, domain.TradeStatusSubmitted, tr.Status())
	assert.Equal(t, 0.0, tr.FillCount())
	assert.Equal(t, []Event{EventSubmitted}, log.events)
}

// --- Protective price observation ---

func TestProtectivePricesProjectBeforeBracketExists(t *testing.T) {
	tr, gw, _ := newTestTrade(t, defaultConfig(), domain.Long)
	ctx := context.Background()

	// Before any fill the projection uses the quote (ask for a Long).
	stop, err := tr.StopLossPrice(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.02-0.08, stop, 1e-9)

	target, err := tr.ProfitTargetPrice(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.02+0.04, target, 1e-9)

	// After the bracket exists the submitted prices are authoritative.
	require.NoError(t, tr.Submit(ctx, 0))
	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})

	stop, err = tr.StopLossPrice(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 99.92, stop, 1e-9)

	target, err = tr.ProfitTargetPrice(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.04, target, 1e-9)
}

func TestProtectivePriceQuoteFailure(t *testing.T) {
	gw := &mockGateway{}
	tr, err := New(defaultConfig(), domain.Long, Deps{
		Gateway: gw,
		Quotes:  &mockQuotes{err: ports.ErrQuoteUnavailable},
		Logger:  noopLogger{},
	})
	require.NoError(t, err)

	_, err = tr.StopLossPrice(context.Background())
	assert.ErrorIs(t, err, ports.ErrQuoteUnavailable)
}

// --- Listener management ---

func TestListenerUnsubscribeStopsDelivery(t *testing.T) {
	tr, gw, _ := newTestTrade(t, defaultConfig(), domain.Long)

	extra := &eventLog{}
	unsubscribe := tr.Subscribe(extra.listener())

	require.NoError(t, tr.Submit(context.Background(), 0))
	assert.Equal(t, []Event{EventSubmitted}, extra.events)

	unsubscribe()
	unsubscribe() // idempotent

	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})
	assert.Equal(t, []Event{EventSubmitted}, extra.events)
}

func TestListenersObserveConsistentCountsDuringEmission(t *testing.T) {
	tr, gw, _ := newTestTrade(t, defaultConfig(), domain.Long)

	var observedOnFilled float64
	var statusOnFilled domain.TradeStatus
	tr.Subscribe(Listener{
		OnFilled: func(t *Trade) {
			observedOnFilled = t.FillCount()
			statusOnFilled = t.Status()
		},
	})

	require.NoError(t, tr.Submit(context.Background(), 0))
	gw.push(ports.OrderUpdate{Ref: tr.EntryOrder(), State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 100})

	// Counts are updated before emission; the InMarket transition is part of
	// the same update and visible by the time callbacks run.
	assert.Equal(t, 4.0, observedOnFilled)
	assert.Equal(t, domain.TradeStatusInMarket, statusOnFilled)
}
