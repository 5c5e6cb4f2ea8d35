package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides used across the ledger and the brokerage client.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Position is the local ledger's view of one open position. Reconciliation
// overwrites these rows from brokerage state, so they are only as fresh as
// the last completed pass.
type Position struct {
	gorm.Model    `json:"-"`
	Symbol        string    `gorm:"uniqueIndex" json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	MarketValue   float64   `json:"market_value"`
	Side          string    `json:"side"` // BUY (long) or SELL (short)
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Fill records one execution event against an order. Fills are append-only
// audit evidence and are never rewritten by reconciliation.
type Fill struct {
	gorm.Model    `json:"-"`
	FillID        string    `gorm:"uniqueIndex" json:"fill_id"`
	ClientOrderID string    `gorm:"index" json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	FilledAt      time.Time `json:"filled_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Asset is one tradable instrument from the brokerage's asset universe.
type Asset struct {
	gorm.Model `json:"-"`
	Symbol     string    `gorm:"uniqueIndex" json:"symbol"`
	Name       string    `json:"name"`
	Exchange   string    `json:"exchange"`
	Tradable   bool      `json:"tradable"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
