// Package binanceclient implements the ports.OrderGateway and
// ports.QuoteSource interfaces against Binance USD-M futures using the
// go-binance library.
//
// The adapter keeps OrderRef stable across venue-side order replacement:
// ModifyOrder is rendered as cancel+resubmit (futures has no amend), and the
// executed quantity of every replaced order is carried forward so the
// FilledQuantity reported on the update stream stays cumulative and monotonic
// for the ref. OCO is emulated client-side: when a grouped order fully fills,
// the adapter cancels its group siblings.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"bracketbot/internal/domain"
	"bracketbot/internal/id"
	"bracketbot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Binance expires listen keys after 60 minutes without a keepalive.
	listenKeyKeepalive = 25 * time.Minute
)

type orderRecord struct {
	ref        ports.OrderRef
	req        ports.OrderRequest
	orderID    int64
	clientID   string  // client order id of the live venue order for this ref
	baseFilled float64 // executed quantity carried over from replaced orders
	terminal   bool
}

type subEntry struct {
	id      int
	handler func(ports.OrderUpdate)
}

// Client implements ports.OrderGateway and ports.QuoteSource using the
// go-binance futures client and user data stream.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu         sync.Mutex
	orders     map[ports.OrderRef]*orderRecord
	byClientID map[string]ports.OrderRef
	groups     map[string][]ports.OrderRef
	subs       []subEntry
	nextSub    int
	replaceSeq int
}

// Config holds configuration specific to the Binance adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance gateway adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		orders:               make(map[ports.OrderRef]*orderRecord),
		byClientID:           make(map[string]ports.OrderRef),
		groups:               make(map[string][]ports.OrderRef),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly Order is rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// --- OrderGateway ---

// SubmitOrder places a new order. The generated OrderRef doubles as the
// Binance client order id, so stream events map back to the ref even when
// they arrive before the REST response.
func (c *Client) SubmitOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderRef, error) {
	op := "SubmitOrder"
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive", ports.ErrInvalidRequest)
	}

	ref := ports.OrderRef(id.New())
	clientID := string(ref)

	c.mu.Lock()
	rec := &orderRecord{ref: ref, req: req, clientID: clientID}
	c.orders[ref] = rec
	c.byClientID[clientID] = ref
	if req.OCOGroup != "" {
		c.groups[req.OCOGroup] = append(c.groups[req.OCOGroup], ref)
	}
	c.mu.Unlock()

	order, err := c.createOrder(ctx, req, clientID)
	if err != nil {
		c.mu.Lock()
		delete(c.orders, ref)
		delete(c.byClientID, clientID)
		c.dropFromGroupLocked(req.OCOGroup, ref)
		c.mu.Unlock()
		return "", c.handleError(ctx, err, op)
	}

	c.mu.Lock()
	rec.orderID = order.OrderID
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "type": req.Type,
		"quantity": req.Quantity, "orderID": order.OrderID, "ref": ref,
	})
	return ref, nil
}

func (c *Client) createOrder(ctx context.Context, req ports.OrderRequest, clientID string) (*futures.CreateOrderResponse, error) {
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(translateSide(req.Side)).
		Type(translateType(req.Type)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(clientID)

	switch req.Type {
	case domain.OrderLimit:
		svc = svc.Price(formatFloat(req.LimitPrice)).TimeInForce(futures.TimeInForceTypeGTC)
	case domain.OrderStopMarket:
		svc = svc.StopPrice(formatFloat(req.StopPrice))
	case domain.OrderStopLimit:
		svc = svc.Price(formatFloat(req.LimitPrice)).StopPrice(formatFloat(req.StopPrice)).TimeInForce(futures.TimeInForceTypeGTC)
	}
	return svc.Do(ctx)
}

// CancelOrder cancels the order behind ref. Cancelling an order that is
// already terminal at the venue returns nil: the terminal update has been or
// will be delivered on the stream.
func (c *Client) CancelOrder(ctx context.Context, ref ports.OrderRef) error {
	op := "CancelOrder"

	c.mu.Lock()
	rec, ok := c.orders[ref]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, ref)
	}
	symbol, orderID, terminal := rec.req.Symbol, rec.orderID, rec.terminal
	c.mu.Unlock()

	if terminal {
		return nil
	}

	_, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		translated := c.handleError(ctx, err, op)
		if errors.Is(translated, ports.ErrOrderNotFound) {
			return nil
		}
		return translated
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "ref": ref})
	return nil
}

// ModifyOrder amends an order by cancel+resubmit, keeping ref stable.
// req.Quantity is the new total quantity for the ref; the resubmitted venue
// order works only the remainder beyond what already executed.
func (c *Client) ModifyOrder(ctx context.Context, ref ports.OrderRef, req ports.ModifyRequest) error {
	op := "ModifyOrder"

	c.mu.Lock()
	rec, ok := c.orders[ref]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, ref)
	}
	symbol, orderID := rec.req.Symbol, rec.orderID
	c.mu.Unlock()

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		translated := c.handleError(ctx, err, op+" (cancel leg)")
		if !errors.Is(translated, ports.ErrOrderNotFound) {
			return fmt.Errorf("%w: %w", ports.ErrOrderModifyFailed, translated)
		}
	}

	c.mu.Lock()
	var executed float64
	if res != nil {
		executed, _ = strconv.ParseFloat(res.ExecutedQuantity, 64)
	}
	clientID, newReq, remaining := c.applyReplacementLocked(rec, executed, req)
	base := rec.baseFilled
	totalQty := newReq.Quantity
	c.mu.Unlock()

	if remaining <= 0 {
		return fmt.Errorf("%w: order %s already executed %s", ports.ErrOrderModifyFailed, ref, formatFloat(base))
	}

	newReq.Quantity = remaining
	order, err := c.createOrder(ctx, newReq, clientID)
	if err != nil {
		c.mu.Lock()
		delete(c.byClientID, clientID)
		c.mu.Unlock()
		translated := c.handleError(ctx, err, op+" (resubmit leg)")
		return fmt.Errorf("%w: %w", ports.ErrOrderModifyFailed, translated)
	}

	c.mu.Lock()
	rec.orderID = order.OrderID
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "ref": ref, "newQuantity": totalQty,
		"workingQuantity": remaining, "orderID": order.OrderID,
	})
	return nil
}

// applyReplacementLocked folds the replaced order's executed quantity into
// the ref's base offset, applies the amendment, and remaps the ref to a fresh
// client id for the resubmitted remainder. The replaced order's client id is
// unmapped in the same critical section as the base bump: the venue's late
// CANCELED event for it would otherwise be translated with the bumped base
// and count that execution twice.
func (c *Client) applyReplacementLocked(rec *orderRecord, executed float64, req ports.ModifyRequest) (clientID string, newReq ports.OrderRequest, remaining float64) {
	rec.baseFilled += executed
	delete(c.byClientID, rec.clientID)
	if req.Quantity > 0 {
		rec.req.Quantity = req.Quantity
	}
	if req.LimitPrice > 0 {
		rec.req.LimitPrice = req.LimitPrice
	}
	if req.StopPrice > 0 {
		rec.req.StopPrice = req.StopPrice
	}
	c.replaceSeq++
	clientID = fmt.Sprintf("%s-%d", rec.ref, c.replaceSeq)
	c.byClientID[clientID] = rec.ref
	rec.clientID = clientID
	// The replacement works new quantity, so the ref is live again even if
	// the replaced order had gone terminal.
	rec.terminal = false
	return clientID, rec.req, rec.req.Quantity - rec.baseFilled
}

// Subscribe registers a handler for order updates from the user data stream.
func (c *Client) Subscribe(handler func(ports.OrderUpdate)) ports.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	sid := c.nextSub
	c.subs = append(c.subs, subEntry{id: sid, handler: handler})
	return &subscription{c: c, id: sid}
}

type subscription struct {
	c  *Client
	id int
}

func (s *subscription) Unsubscribe() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	for i, e := range s.c.subs {
		if e.id == s.id {
			s.c.subs = append(s.c.subs[:i], s.c.subs[i+1:]...)
			return
		}
	}
}

// --- User data stream ---

// Start opens the user data stream and keeps it alive until ctx is cancelled.
// Order updates observed on the stream are fanned out to subscribers.
func (c *Client) Start(ctx context.Context) error {
	op := "UserDataStream"
	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+": listen key obtained")

	go c.keepAliveLoop(ctx, listenKey)
	go c.streamLoop(ctx, listenKey)
	return nil
}

func (c *Client) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			if err != nil {
				c.handleError(ctx, err, "KeepaliveUserStream")
			}
		}
	}
}

func (c *Client) streamLoop(ctx context.Context, listenKey string) {
	op := "UserDataStream"

	errHandler := func(err error) {
		translated := c.handleError(ctx, err, op+" WebSocket")
		c.logger.Warn(ctx, op+": WebSocket error reported", map[string]interface{}{"error": translated})
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, op+": Context cancelled, stopping connection attempts.")
			return
		default:
			c.logger.Info(ctx, op+": Attempting WebSocket connection...", map[string]interface{}{"attempt": attempt + 1})
			doneCh, stopCh, connectErr := futures.WsUserDataServe(listenKey, c.handleUserDataEvent, errHandler)

			if connectErr != nil {
				c.handleError(ctx, connectErr, op+" connection attempt")
				attempt++
				if attempt >= c.maxReconnectAttempts {
					c.logger.Error(ctx, connectErr, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"maxAttempts": c.maxReconnectAttempts})
					return
				}

				// Exponential backoff with jitter
				delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
				jitter := time.Duration(float64(delay) * 0.1 * float64(time.Millisecond))
				actualDelay := delay + jitter
				c.logger.Info(ctx, op+": Connection failed, retrying...", map[string]interface{}{"attempt": attempt + 1, "delay": actualDelay.String()})

				select {
				case <-time.After(actualDelay):
					continue
				case <-ctx.Done():
					c.logger.Info(ctx, op+": Context cancelled during backoff.")
					return
				}
			}

			c.logger.Info(ctx, op+": WebSocket connection established.")
			attempt = 0

			select {
			case <-doneCh:
				c.logger.Warn(ctx, op+": WebSocket connection closed unexpectedly. Reconnecting...")
			case <-ctx.Done():
				c.logger.Info(ctx, op+": Context cancelled, stopping WebSocket.")
				select {
				case stopCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// handleUserDataEvent maps ORDER_TRADE_UPDATE events back to our refs and
// fans them out. Events for orders this adapter did not place are ignored.
func (c *Client) handleUserDataEvent(event *futures.WsUserDataEvent) {
	if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	o := event.OrderTradeUpdate

	c.mu.Lock()
	ref, ok := c.byClientID[o.ClientOrderID]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec := c.orders[ref]

	state := translateStatus(o.Status)
	filled, _ := strconv.ParseFloat(o.AccumulatedFilledQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AveragePrice, 64)
	u := ports.OrderUpdate{
		Ref:            ref,
		State:          state,
		FilledQuantity: rec.baseFilled + filled,
		AvgFillPrice:   avgPrice,
	}
	if state.IsTerminal() {
		rec.terminal = true
	}

	var siblings []ports.OrderRef
	if state == domain.OrderFilled && rec.req.OCOGroup != "" {
		for _, sib := range c.groups[rec.req.OCOGroup] {
			if sib != ref {
				siblings = append(siblings, sib)
			}
		}
	}
	handlers := make([]func(ports.OrderUpdate), len(c.subs))
	for i, s := range c.subs {
		handlers[i] = s.handler
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(u)
	}

	// OCO emulation: a full fill of a grouped order cancels its siblings.
	for _, sib := range siblings {
		if err := c.CancelOrder(context.Background(), sib); err != nil {
			c.logger.Warn(context.Background(), "OCO sibling cancel failed", map[string]interface{}{"ref": sib, "error": err.Error()})
		}
	}
}

// --- QuoteSource ---

// BestBid retrieves the current best bid for a symbol from the book ticker.
func (c *Client) BestBid(ctx context.Context, symbol string) (float64, error) {
	return c.bookTickerPrice(ctx, symbol, false)
}

// BestAsk retrieves the current best ask for a symbol from the book ticker.
func (c *Client) BestAsk(ctx context.Context, symbol string) (float64, error) {
	return c.bookTickerPrice(ctx, symbol, true)
}

func (c *Client) bookTickerPrice(ctx context.Context, symbol string, ask bool) (float64, error) {
	op := "BookTicker"
	tickers, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("%w: no book ticker for symbol %s", ports.ErrQuoteUnavailable, symbol)
		return 0, c.handleError(ctx, err, op)
	}

	raw := tickers[0].BidPrice
	if ask {
		raw = tickers[0].AskPrice
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", raw, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// --- Translation Helpers ---

func (c *Client) dropFromGroupLocked(group string, ref ports.OrderRef) {
	if group == "" {
		return
	}
	members := c.groups[group]
	for i, m := range members {
		if m == ref {
			c.groups[group] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

func translateSide(side domain.OrderSide) futures.SideType {
	if side == domain.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func translateType(t domain.OrderType) futures.OrderType {
	switch t {
	case domain.OrderLimit:
		return futures.OrderTypeLimit
	case domain.OrderStopMarket:
		return futures.OrderTypeStopMarket
	case domain.OrderStopLimit:
		// Binance calls the stop-limit type STOP.
		return futures.OrderTypeStop
	default:
		return futures.OrderTypeMarket
	}
}

func translateStatus(status futures.OrderStatusType) domain.OrderState {
	switch status {
	case futures.OrderStatusTypeNew:
		return domain.OrderWorking
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return domain.OrderCancelled
	case futures.OrderStatusTypeRejected:
		return domain.OrderRejected
	default:
		return domain.OrderSubmitted
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
