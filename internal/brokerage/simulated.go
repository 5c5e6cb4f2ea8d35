package brokerage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kmcrae/brokersync/internal/types"
)

// Simulated is an in-process brokerage used by cmd/simulation and the test
// suites. It honours client order ID idempotency the way a real brokerage
// does and supports scripted failure injection so the ambiguous-timeout and
// rejection paths can be exercised deterministically.
type Simulated struct {
	mu sync.Mutex

	ordersByID       map[string]*Order
	ordersByClientID map[string]*Order
	positions        map[string]*Position
	assets           []Asset
	account          Account

	// Failure injection, consumed by the next CreateOrder call.
	nextCreateErr       error
	nextCreateAmbiguous bool
	nextRejectReason    string

	createCalls int

	// Simulated network latency range, zero in tests by default.
	MinLatency time.Duration
	MaxLatency time.Duration
}

// NewSimulated returns a simulated brokerage with a funded account and the
// default asset universe.
func NewSimulated() *Simulated {
	return &Simulated{
		ordersByID:       make(map[string]*Order),
		ordersByClientID: make(map[string]*Order),
		positions:        make(map[string]*Position),
		account: Account{
			Equity:      100000,
			Cash:        100000,
			BuyingPower: 200000,
			LastEquity:  100000,
		},
		assets: []Asset{
			{Symbol: "AAPL", Name: "Apple Inc.", Exchange: "NASDAQ", Tradable: true},
			{Symbol: "GOOGL", Name: "Alphabet Inc.", Exchange: "NASDAQ", Tradable: true},
			{Symbol: "MSFT", Name: "Microsoft Corp.", Exchange: "NASDAQ", Tradable: true},
			{Symbol: "AMZN", Name: "Amazon.com Inc.", Exchange: "NASDAQ", Tradable: true},
			{Symbol: "META", Name: "Meta Platforms Inc.", Exchange: "NASDAQ", Tradable: true},
		},
	}
}

// FailNextCreate makes the next CreateOrder call fail with a transient error
// before the order is accepted.
func (s *Simulated) FailNextCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCreateErr = err
}

// TimeoutNextCreate makes the next CreateOrder call accept the order
// server-side but return an ambiguous timeout to the caller. This is the
// dangerous case: the order is live but the client does not know it.
func (s *Simulated) TimeoutNextCreate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCreateAmbiguous = true
}

// RejectNextCreate makes the next CreateOrder call return a terminal
// rejection without accepting the order.
func (s *Simulated) RejectNextCreate(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRejectReason = reason
}

// CreateOrderCalls returns how many times CreateOrder has been invoked,
// including rejected and failed calls.
func (s *Simulated) CreateOrderCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

// SetAccount overrides the simulated account snapshot.
func (s *Simulated) SetAccount(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
}

// SeedPosition installs a position as if it had been acquired earlier.
func (s *Simulated) SeedPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := p
	s.positions[p.Symbol] = &pos
}

// SeedOrder installs an order directly, bypassing CreateOrder. Used to model
// brokerage-side orders the local ledger has never seen.
func (s *Simulated) SeedOrder(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord := o
	if ord.ID == "" {
		ord.ID = uuid.New().String()
	}
	s.ordersByID[ord.ID] = &ord
	if ord.ClientOrderID != "" {
		s.ordersByClientID[ord.ClientOrderID] = &ord
	}
}

// FillOrder marks an existing order filled at the given price and applies
// the fill to the simulated position book.
func (s *Simulated) FillOrder(clientOrderID string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByClientID[clientOrderID]
	if !ok {
		return ErrOrderNotFound
	}

	qty := order.Quantity
	if qty == 0 && price > 0 {
		qty = order.Notional / price
	}

	order.Status = OrderStatusFilled
	order.FilledQuantity = qty
	order.FilledAvgPrice = price
	order.UpdatedAt = time.Now()

	s.applyFill(order.Symbol, order.Side, qty, price)
	return nil
}

func (s *Simulated) applyFill(symbol, side string, qty, price float64) {
	signed := qty
	if side == types.SideSell {
		signed = -qty
	}

	pos, ok := s.positions[symbol]
	if !ok {
		if signed == 0 {
			return
		}
		s.positions[symbol] = &Position{
			Symbol:        symbol,
			Quantity:      signed,
			AvgEntryPrice: price,
			MarketValue:   signed * price,
			Side:          side,
		}
		return
	}

	pos.Quantity += signed
	if pos.Quantity == 0 {
		delete(s.positions, symbol)
		return
	}
	pos.AvgEntryPrice = price
	pos.MarketValue = pos.Quantity * price
}

func (s *Simulated) simulateLatency() {
	if s.MaxLatency <= 0 {
		return
	}
	span := s.MaxLatency - s.MinLatency
	latency := s.MinLatency
	if span > 0 {
		latency += time.Duration(rand.Int63n(int64(span)))
	}
	time.Sleep(latency)
}

// CreateOrder accepts a new order. A repeated ClientOrderID returns the
// existing order unchanged rather than opening a second one.
func (s *Simulated) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	s.simulateLatency()
	if err := ctx.Err(); err != nil {
		return nil, &AmbiguousError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.createCalls++

	logger := log.With().
		Str("component", "simulated_brokerage").
		Str("client_order_id", req.ClientOrderID).
		Str("symbol", req.Symbol).
		Logger()

	if s.nextCreateErr != nil {
		err := s.nextCreateErr
		s.nextCreateErr = nil
		logger.Warn().Err(err).Msg("injected transient failure on order create")
		return nil, &TransientError{Err: err}
	}

	if s.nextRejectReason != "" {
		reason := s.nextRejectReason
		s.nextRejectReason = ""
		logger.Warn().Str("reason", reason).Msg("injected rejection on order create")
		return nil, &RejectionError{Reason: reason}
	}

	if existing, ok := s.ordersByClientID[req.ClientOrderID]; ok {
		logger.Info().Str("broker_order_id", existing.ID).Msg("duplicate client order id, returning existing order")
		copied := *existing
		return &copied, nil
	}

	if req.Quantity <= 0 && req.Notional <= 0 {
		return nil, &RejectionError{Reason: "order must specify quantity or notional"}
	}

	now := time.Now()
	order := &Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		Notional:      req.Notional,
		LimitPrice:    req.LimitPrice,
		Status:        OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.ordersByID[order.ID] = order
	s.ordersByClientID[order.ClientOrderID] = order

	if s.nextCreateAmbiguous {
		s.nextCreateAmbiguous = false
		logger.Warn().Str("broker_order_id", order.ID).Msg("order accepted but response lost, returning ambiguous timeout")
		return nil, &AmbiguousError{Err: errors.New("request timed out awaiting response")}
	}

	logger.Info().Str("broker_order_id", order.ID).Msg("order accepted")
	copied := *order
	return &copied, nil
}

// GetOrder returns the order with the given brokerage order ID.
func (s *Simulated) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

// GetOrderByClientOrderID returns the order carrying the given client order
// ID, the idempotent lookup used to resolve ambiguous submissions.
func (s *Simulated) GetOrderByClientOrderID(ctx context.Context, clientOrderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByClientID[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

// GetOrders lists orders filtered by status. An "open" status matches every
// non-terminal order; an empty status matches everything.
func (s *Simulated) GetOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []Order
	for _, order := range s.ordersByID {
		switch status {
		case "", "all":
		case "open":
			if order.Status == OrderStatusFilled ||
				order.Status == OrderStatusCanceled ||
				order.Status == OrderStatusRejected {
				continue
			}
		default:
			if order.Status != status {
				continue
			}
		}
		orders = append(orders, *order)
		if limit > 0 && len(orders) >= limit {
			break
		}
	}
	return orders, nil
}

// GetPositions lists all open positions.
func (s *Simulated) GetPositions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		positions = append(positions, *pos)
	}
	return positions, nil
}

// GetAccount returns the current account snapshot.
func (s *Simulated) GetAccount(ctx context.Context) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.account
	return &account, nil
}

// GetAssets returns the tradable asset universe.
func (s *Simulated) GetAssets(ctx context.Context) ([]Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assets := make([]Asset, len(s.assets))
	copy(assets, s.assets)
	return assets, nil
}

// CancelOrder cancels a non-terminal order.
func (s *Simulated) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status == OrderStatusFilled || order.Status == OrderStatusRejected {
		return fmt.Errorf("order %s is terminal and cannot be canceled", orderID)
	}
	order.Status = OrderStatusCanceled
	order.UpdatedAt = time.Now()
	return nil
}

// CancelAllOrders cancels every non-terminal order.
func (s *Simulated) CancelAllOrders(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, order := range s.ordersByID {
		switch order.Status {
		case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
			continue
		}
		order.Status = OrderStatusCanceled
		order.UpdatedAt = time.Now()
	}
	return nil
}

// ClosePosition submits a market order closing the full position in symbol.
func (s *Simulated) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	s.mu.Lock()
	pos, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("no open position for %s", symbol)
	}

	side := types.SideSell
	qty := pos.Quantity
	if qty < 0 {
		side = types.SideBuy
		qty = -qty
	}
	price := pos.AvgEntryPrice

	now := time.Now()
	order := &Order{
		ID:             uuid.New().String(),
		ClientOrderID:  "close-" + symbol + "-" + uuid.New().String(),
		Symbol:         symbol,
		Side:           side,
		OrderType:      "MARKET",
		Quantity:       qty,
		Status:         OrderStatusFilled,
		FilledQuantity: qty,
		FilledAvgPrice: price,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.ordersByID[order.ID] = order
	s.ordersByClientID[order.ClientOrderID] = order
	delete(s.positions, symbol)
	s.mu.Unlock()

	log.Info().
		Str("component", "simulated_brokerage").
		Str("symbol", symbol).
		Float64("quantity", qty).
		Msg("position closed")

	copied := *order
	return &copied, nil
}
