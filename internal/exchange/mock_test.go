package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockMarketOrderFillsImmediately(t *testing.T) {
	ex := NewMockExchange(1)
	ctx := context.Background()

	order, err := ex.CreateMarketOrder(ctx, "BTC-USDT-SWAP", SideBuy, decimal.NewFromFloat(0.5), false)
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, order.Status)
	assert.True(t, order.Filled.Equal(order.Amount))
	assert.True(t, order.Cost.Equal(order.Price.Mul(order.Amount)))
	assert.NotEmpty(t, order.ID)

	got, err := ex.GetOrder(ctx, order.ID, "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
}

func TestMockPositionAggregatesFills(t *testing.T) {
	ex := NewMockExchange(1)
	ctx := context.Background()

	_, err := ex.CreateMarketOrder(ctx, "ETH-USDT-SWAP", SideSell, decimal.NewFromInt(1), false)
	require.NoError(t, err)
	_, err = ex.CreateMarketOrder(ctx, "ETH-USDT-SWAP", SideSell, decimal.NewFromInt(2), false)
	require.NoError(t, err)

	pos, err := ex.GetPosition(ctx, "ETH-USDT-SWAP")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, PositionShort, pos.Side)
	assert.True(t, pos.Amount.Equal(decimal.NewFromInt(3)))
	assert.True(t, pos.EntryPrice.IsPositive())
}

func TestMockReduceOnlyClosesPosition(t *testing.T) {
	ex := NewMockExchange(1)
	ctx := context.Background()

	_, err := ex.CreateMarketOrder(ctx, "SOL-USDT-SWAP", SideBuy, decimal.NewFromInt(10), false)
	require.NoError(t, err)

	_, err = ex.CreateMarketOrder(ctx, "SOL-USDT-SWAP", SideSell, decimal.NewFromInt(10), true)
	require.NoError(t, err)

	pos, err := ex.GetPosition(ctx, "SOL-USDT-SWAP")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestMockReduceOnlyNeverOpens(t *testing.T) {
	ex := NewMockExchange(1)
	ctx := context.Background()

	_, err := ex.CreateMarketOrder(ctx, "BNB-USDT-SWAP", SideSell, decimal.NewFromInt(1), true)
	require.NoError(t, err)

	pos, err := ex.GetPosition(ctx, "BNB-USDT-SWAP")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestMockSeedIsReproducible(t *testing.T) {
	a := NewMockExchange(99)
	b := NewMockExchange(99)
	ctx := context.Background()

	ta, err := a.GetTicker(ctx, "BTC-USDT-SWAP")
	require.NoError(t, err)
	tb, err := b.GetTicker(ctx, "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.True(t, ta.Last.Equal(tb.Last))
}

func TestMockCancelTerminalOrderIsNoop(t *testing.T) {
	ex := NewMockExchange(1)
	ctx := context.Background()

	order, err := ex.CreateMarketOrder(ctx, "BTC-USDT-SWAP", SideBuy, decimal.NewFromInt(1), false)
	require.NoError(t, err)

	require.NoError(t, ex.CancelOrder(ctx, order.ID, "BTC-USDT-SWAP"))
	got, err := ex.GetOrder(ctx, order.ID, "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestMockBalanceReflectsExposure(t *testing.T) {
	ex := NewMockExchange(1)
	ctx := context.Background()

	before, err := ex.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, before.Used["USDT"].IsZero())

	_, err = ex.CreateMarketOrder(ctx, "XRP-USDT-SWAP", SideBuy, decimal.NewFromInt(100), false)
	require.NoError(t, err)

	after, err := ex.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, after.Used["USDT"].IsPositive())
	assert.True(t, after.Free["USDT"].LessThan(before.Free["USDT"]))
}
