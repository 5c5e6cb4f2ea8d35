package brokerage

import (
	"context"
	"time"
)

// Order statuses as reported by the brokerage. The brokerage is the
// financial source of truth: local state is always overwritten from these.
const (
	OrderStatusNew             = "new"
	OrderStatusAccepted        = "accepted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusRejected        = "rejected"
)

// Order is the brokerage's view of one order.
type Order struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	OrderType      string    `json:"order_type"` // MARKET or LIMIT
	Quantity       float64   `json:"quantity"`
	Notional       float64   `json:"notional"`
	LimitPrice     float64   `json:"limit_price"`
	Status         string    `json:"status"`
	FilledQuantity float64   `json:"filled_quantity"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Position is one open position held at the brokerage.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
	Side          string  `json:"side"`
}

// Account is a snapshot of the brokerage account.
type Account struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
	LastEquity  float64 `json:"last_equity"` // equity at previous trading day close
}

// OrderRequest describes a new order submission. ClientOrderID is the
// idempotency anchor: the brokerage must treat two requests carrying the
// same ClientOrderID as one order.
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"order_type"`
	Quantity      float64 `json:"quantity"`
	Notional      float64 `json:"notional"`
	LimitPrice    float64 `json:"limit_price"`
}

// Client is the outbound brokerage API consumed by the execution and
// reconciliation engines. Every call must carry a context with a deadline;
// implementations are expected to rate-limit and occasionally time out.
type Client interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderByClientOrderID(ctx context.Context, clientOrderID string) (*Order, error)
	GetOrders(ctx context.Context, status string, limit int) ([]Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetAssets(ctx context.Context) ([]Asset, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	ClosePosition(ctx context.Context, symbol string) (*Order, error)
}

// Asset is one instrument in the brokerage's tradable universe.
type Asset struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Tradable bool   `json:"tradable"`
}
