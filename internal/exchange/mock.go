package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockExchange is an in-memory venue for development and tests. Prices
// follow a random walk from seeded bases, market orders fill instantly at
// the current price, and positions aggregate fills with a volume-weighted
// entry. A fixed RNG seed makes runs reproducible.
type MockExchange struct {
	mu sync.Mutex

	rng       *rand.Rand
	prices    map[string]decimal.Decimal
	orders    map[string]*Order
	positions map[string]*Position
	leverage  map[string]int
	balance   decimal.Decimal
	now       func() time.Time
}

var mockBasePrices = map[string]string{
	"BTC-USDT-SWAP": "43000",
	"ETH-USDT-SWAP": "2250",
	"SOL-USDT-SWAP": "98",
	"BNB-USDT-SWAP": "310",
	"XRP-USDT-SWAP": "0.52",
	"DOGE-USDT-SWAP": "0.078",
}

// NewMockExchange builds a mock venue. Pass seed 0 for time-based
// randomness.
func NewMockExchange(seed int64) *MockExchange {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m := &MockExchange{
		rng:       rand.New(rand.NewSource(seed)),
		prices:    make(map[string]decimal.Decimal),
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		leverage:  make(map[string]int),
		balance:   decimal.NewFromInt(10000),
		now:       time.Now,
	}
	for symbol, base := range mockBasePrices {
		m.prices[symbol] = decimal.RequireFromString(base)
	}
	return m
}

func (m *MockExchange) Name() string { return "mock" }

// walk nudges the price by up to ±0.5% per read. Caller holds the lock.
func (m *MockExchange) walk(symbol string) (decimal.Decimal, error) {
	price, ok := m.prices[symbol]
	if !ok {
		// Unlisted symbols get a deterministic base so dev setups can
		// trade anything.
		price = decimal.NewFromInt(100)
	}
	drift := decimal.NewFromFloat((m.rng.Float64() - 0.5) * 0.01)
	price = price.Mul(decimal.NewFromInt(1).Add(drift))
	m.prices[symbol] = price
	return price, nil
}

func (m *MockExchange) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, err := m.walk(symbol)
	if err != nil {
		return nil, err
	}
	half := price.Mul(decimal.NewFromFloat(0.0001))
	return &Ticker{
		Symbol:    symbol,
		Last:      price,
		Bid:       price.Sub(half),
		Ask:       price.Add(half),
		Volume:    decimal.NewFromInt(int64(m.rng.Intn(100000))),
		Timestamp: m.now(),
	}, nil
}

func (m *MockExchange) CreateMarketOrder(ctx context.Context, symbol string, side Side, amount decimal.Decimal, reduceOnly bool) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, _ := m.walk(symbol)
	order := &Order{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		Symbol:    symbol,
		Type:      OrderMarket,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Filled:    amount,
		Remaining: decimal.Zero,
		Cost:      price.Mul(amount),
		Status:    StatusClosed,
		Timestamp: m.now(),
	}
	m.orders[order.ID] = order
	m.applyFill(symbol, side, amount, price, reduceOnly)
	return cloneOrder(order), nil
}

func (m *MockExchange) CreateLimitOrder(ctx context.Context, symbol string, side Side, amount, price decimal.Decimal, reduceOnly bool) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Limit orders fill immediately too; the mock has no book to rest on.
	order := &Order{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		Symbol:    symbol,
		Type:      OrderLimit,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Filled:    amount,
		Remaining: decimal.Zero,
		Cost:      price.Mul(amount),
		Status:    StatusClosed,
		Timestamp: m.now(),
	}
	m.orders[order.ID] = order
	m.applyFill(symbol, side, amount, price, reduceOnly)
	return cloneOrder(order), nil
}

// applyFill updates the tracked position for a fill. Caller holds the lock.
func (m *MockExchange) applyFill(symbol string, side Side, amount, price decimal.Decimal, reduceOnly bool) {
	pos := m.positions[symbol]

	if pos == nil {
		if reduceOnly {
			return
		}
		posSide := PositionLong
		if side == SideSell {
			posSide = PositionShort
		}
		m.positions[symbol] = &Position{
			Symbol:       symbol,
			Side:         posSide,
			Amount:       amount,
			EntryPrice:   price,
			CurrentPrice: price,
			Leverage:     m.leverage[symbol],
		}
		return
	}

	increases := (pos.Side == PositionLong && side == SideBuy) ||
		(pos.Side == PositionShort && side == SideSell)
	if increases && !reduceOnly {
		total := pos.Amount.Add(amount)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Amount).Add(price.Mul(amount)).Div(total)
		pos.Amount = total
		pos.CurrentPrice = price
		return
	}

	pos.Amount = pos.Amount.Sub(amount)
	pos.CurrentPrice = price
	if pos.Amount.LessThanOrEqual(decimal.Zero) {
		delete(m.positions, symbol)
	}
}

func (m *MockExchange) GetOrder(ctx context.Context, id, symbol string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("mock: order %s not found", id)
	}
	return cloneOrder(order), nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("mock: order %s not found", id)
	}
	if !order.Status.Terminal() {
		order.Status = StatusCanceled
	}
	return nil
}

func (m *MockExchange) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	return m.markedPosition(pos), nil
}

func (m *MockExchange) GetAllPositions(ctx context.Context) ([]*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, m.markedPosition(pos))
	}
	return out, nil
}

// markedPosition returns a copy of pos marked to the current price. Caller
// holds the lock.
func (m *MockExchange) markedPosition(pos *Position) *Position {
	price := m.prices[pos.Symbol]
	if price.IsZero() {
		price = pos.EntryPrice
	}
	diff := price.Sub(pos.EntryPrice)
	if pos.Side == PositionShort {
		diff = diff.Neg()
	}
	cp := *pos
	cp.CurrentPrice = price
	cp.UnrealizedPnL = diff.Mul(pos.Amount)
	return &cp
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *MockExchange) GetBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := decimal.Zero
	for _, pos := range m.positions {
		used = used.Add(pos.EntryPrice.Mul(pos.Amount))
	}
	return &Balance{
		Free:  map[string]decimal.Decimal{"USDT": m.balance.Sub(used)},
		Used:  map[string]decimal.Decimal{"USDT": used},
		Total: map[string]decimal.Decimal{"USDT": m.balance},
	}, nil
}

func (m *MockExchange) FetchHistoricalPrice(ctx context.Context, symbol string, tsMillis int64) (*decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[symbol]
	if !ok {
		return nil, nil
	}
	// Historical reads jitter around the current walk so baselines differ
	// slightly from spot, like a real candle close would.
	jitter := decimal.NewFromFloat((m.rng.Float64() - 0.5) * 0.02)
	hist := price.Mul(decimal.NewFromInt(1).Add(jitter))
	return &hist, nil
}

func (m *MockExchange) Close() error { return nil }

// SetPrice pins a symbol price. Tests use it to script exact spreads.
func (m *MockExchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func cloneOrder(o *Order) *Order {
	cp := *o
	return &cp
}
