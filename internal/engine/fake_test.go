package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes/internal/exchange"
)

// fakeExchange is a fully scripted venue: prices move only when the test
// says so, orders fill instantly at the scripted price, and positions are
// tracked exactly like a one-way futures account.
type fakeExchange struct {
	mu sync.Mutex

	prices    map[string]decimal.Decimal
	orders    map[string]*exchange.Order
	positions map[string]*exchange.Position
	leverage  map[string]int

	nextID        int
	tickerErr     error
	orderErr      error
	restingOrders bool
	leverageCalls int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		prices:    make(map[string]decimal.Decimal),
		orders:    make(map[string]*exchange.Order),
		positions: make(map[string]*exchange.Position),
		leverage:  make(map[string]int),
	}
}

func (f *fakeExchange) setPrice(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = decimal.RequireFromString(price)
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	price, ok := f.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrSymbolUnknown, symbol)
	}
	return &exchange.Ticker{Symbol: symbol, Last: price, Bid: price, Ask: price, Timestamp: time.Now()}, nil
}

func (f *fakeExchange) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount decimal.Decimal, reduceOnly bool) (*exchange.Order, error) {
	return f.fill(symbol, side, amount, decimal.Zero, exchange.OrderMarket, reduceOnly)
}

func (f *fakeExchange) CreateLimitOrder(ctx context.Context, symbol string, side exchange.Side, amount, price decimal.Decimal, reduceOnly bool) (*exchange.Order, error) {
	return f.fill(symbol, side, amount, price, exchange.OrderLimit, reduceOnly)
}

func (f *fakeExchange) fill(symbol string, side exchange.Side, amount, limitPrice decimal.Decimal, typ exchange.OrderType, reduceOnly bool) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}

	price := f.prices[symbol]
	if typ == exchange.OrderLimit && limitPrice.IsPositive() {
		price = limitPrice
	}
	f.nextID++
	order := &exchange.Order{
		ID:        fmt.Sprintf("fake-%d", f.nextID),
		Symbol:    symbol,
		Type:      typ,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Filled:    amount,
		Cost:      price.Mul(amount),
		Status:    exchange.StatusClosed,
		Timestamp: time.Now(),
	}
	if f.restingOrders {
		// Order sits on the book unfilled.
		order.Filled = decimal.Zero
		order.Cost = decimal.Zero
		order.Status = exchange.StatusOpen
		f.orders[order.ID] = order
		return cloneFakeOrder(order), nil
	}
	f.orders[order.ID] = order

	pos := f.positions[symbol]
	switch {
	case pos == nil && !reduceOnly:
		posSide := exchange.PositionLong
		if side == exchange.SideSell {
			posSide = exchange.PositionShort
		}
		f.positions[symbol] = &exchange.Position{
			Symbol: symbol, Side: posSide, Amount: amount,
			EntryPrice: price, CurrentPrice: price,
		}
	case pos != nil && !reduceOnly &&
		((pos.Side == exchange.PositionLong) == (side == exchange.SideBuy)):
		total := pos.Amount.Add(amount)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Amount).Add(price.Mul(amount)).Div(total)
		pos.Amount = total
	case pos != nil:
		pos.Amount = pos.Amount.Sub(amount)
		if !pos.Amount.IsPositive() {
			delete(f.positions, symbol)
		}
	}
	return cloneFakeOrder(order), nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, id, symbol string) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("fake: order %s not found", id)
	}
	return cloneFakeOrder(order), nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order, ok := f.orders[id]; ok && !order.Status.Terminal() {
		order.Status = exchange.StatusCanceled
	}
	return nil
}

func (f *fakeExchange) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[symbol]
	if !ok {
		return nil, nil
	}
	price := f.prices[symbol]
	diff := price.Sub(pos.EntryPrice)
	if pos.Side == exchange.PositionShort {
		diff = diff.Neg()
	}
	cp := *pos
	cp.CurrentPrice = price
	cp.UnrealizedPnL = diff.Mul(pos.Amount)
	return &cp, nil
}

func (f *fakeExchange) GetAllPositions(ctx context.Context) ([]*exchange.Position, error) {
	f.mu.Lock()
	symbols := make([]string, 0, len(f.positions))
	for symbol := range f.positions {
		symbols = append(symbols, symbol)
	}
	f.mu.Unlock()

	out := make([]*exchange.Position, 0, len(symbols))
	for _, symbol := range symbols {
		pos, _ := f.GetPosition(ctx, symbol)
		if pos != nil {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[symbol] = leverage
	f.leverageCalls++
	return nil
}

func (f *fakeExchange) GetBalance(ctx context.Context) (*exchange.Balance, error) {
	return &exchange.Balance{
		Free:  map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
		Used:  map[string]decimal.Decimal{},
		Total: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
	}, nil
}

func (f *fakeExchange) FetchHistoricalPrice(ctx context.Context, symbol string, tsMillis int64) (*decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return nil, nil
	}
	return &price, nil
}

func (f *fakeExchange) Close() error { return nil }

func cloneFakeOrder(o *exchange.Order) *exchange.Order {
	cp := *o
	return &cp
}
