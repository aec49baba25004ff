// Package exchange abstracts a perpetual-futures trading venue behind a
// capability interface. Adapters (okx, binance, mock) translate native
// conventions into the common vocabulary used by the engine: sides are
// buy/sell, position directions are long/short, order statuses are
// pending/open/closed/canceled.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the inverse order direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of held exposure.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// CloseSide returns the order direction that reduces this position.
func (p PositionSide) CloseSide() Side {
	if p == PositionLong {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an exchange order.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCanceled
}

// Ticker is a venue price snapshot.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// Order is a venue order in the common vocabulary. Price and Cost may be
// zero until the order has fills.
type Order struct {
	ID        string
	Symbol    string
	Type      OrderType
	Side      Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Cost      decimal.Decimal
	Status    OrderStatus
	Timestamp time.Time
}

// AvgFillPrice returns the volume-weighted fill price, falling back to the
// quoted price when the venue did not report a cost.
func (o *Order) AvgFillPrice() decimal.Decimal {
	if o.Filled.IsPositive() && o.Cost.IsPositive() {
		return o.Cost.Div(o.Filled)
	}
	return o.Price
}

// Position is venue-reported exposure for one symbol.
type Position struct {
	Symbol           string
	Side             PositionSide
	Amount           decimal.Decimal
	EntryPrice       decimal.Decimal
	CurrentPrice     decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	LiquidationPrice decimal.Decimal
	Leverage         int
}

// Balance is per-currency account funds.
type Balance struct {
	Free  map[string]decimal.Decimal
	Used  map[string]decimal.Decimal
	Total map[string]decimal.Decimal
}

// Exchange is the capability contract every venue adapter satisfies.
// Market-order submission is not idempotent; callers must avoid duplicate
// submissions themselves.
type Exchange interface {
	Name() string

	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// CreateMarketOrder submits a market order. reduceOnly=true means the
	// order may only shrink an existing position, never flip it.
	CreateMarketOrder(ctx context.Context, symbol string, side Side, amount decimal.Decimal, reduceOnly bool) (*Order, error)
	CreateLimitOrder(ctx context.Context, symbol string, side Side, amount, price decimal.Decimal, reduceOnly bool) (*Order, error)

	GetOrder(ctx context.Context, id, symbol string) (*Order, error)
	// CancelOrder is a no-op when the order is already terminal.
	CancelOrder(ctx context.Context, id, symbol string) error

	// GetPosition returns nil when flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAllPositions(ctx context.Context) ([]*Position, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetBalance(ctx context.Context) (*Balance, error)

	// FetchHistoricalPrice returns the close of the 5-minute candle nearest
	// the millisecond timestamp, or nil when unavailable.
	FetchHistoricalPrice(ctx context.Context, symbol string, tsMillis int64) (*decimal.Decimal, error)

	Close() error
}
