package spread

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPctChange(t *testing.T) {
	assert.True(t, d("2").Equal(PctChange(d("102"), d("100"))))
	assert.True(t, d("-5").Equal(PctChange(d("95"), d("100"))))
	assert.True(t, decimal.Zero.Equal(PctChange(d("100"), d("100"))))
}

func TestPctChangeZeroStart(t *testing.T) {
	assert.True(t, decimal.Zero.Equal(PctChange(d("100"), decimal.Zero)))
}

func TestSpread(t *testing.T) {
	// m1 up 2%, m2 down 1% -> spread 3
	got := Spread(d("102"), d("100"), d("49.5"), d("50"))
	assert.True(t, d("3").Equal(got), "got %s", got)

	// m2 leads -> negative spread
	got = Spread(d("100"), d("100"), d("55"), d("50"))
	assert.True(t, d("-10").Equal(got), "got %s", got)
}

func TestSpreadSwapFlipsSign(t *testing.T) {
	a := Spread(d("102"), d("100"), d("49.5"), d("50"))
	b := Spread(d("49.5"), d("50"), d("102"), d("100"))
	assert.True(t, a.Equal(b.Neg()), "got %s vs %s", a, b)
}

func TestDirectionShortsTheLeader(t *testing.T) {
	m1, m2 := Direction(d("2"), d("-1"))
	assert.Equal(t, Sell, m1)
	assert.Equal(t, Buy, m2)

	m1, m2 = Direction(d("-3"), d("0.5"))
	assert.Equal(t, Buy, m1)
	assert.Equal(t, Sell, m2)
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}

func TestTakeProfitRegression(t *testing.T) {
	first := d("3")

	// Regressed by exactly the target.
	assert.True(t, TakeProfitRegression(d("2"), first, d("1")))
	// Not far enough.
	assert.False(t, TakeProfitRegression(d("2.5"), first, d("1")))
	// Distance counts in either direction.
	assert.True(t, TakeProfitRegression(d("4.2"), first, d("1")))
	// Negative first spread regressing toward zero.
	assert.True(t, TakeProfitRegression(d("-1"), d("-2.5"), d("1.5")))
}

func TestTakeProfitPosition(t *testing.T) {
	// 5% gain on margin against a 5% target.
	assert.True(t, TakeProfitPosition(d("5"), d("100"), d("5")))
	assert.False(t, TakeProfitPosition(d("4.9"), d("100"), d("5")))
	// No margin committed yet.
	assert.False(t, TakeProfitPosition(d("10"), decimal.Zero, d("5")))
}

func TestStopLoss(t *testing.T) {
	// 20% drawdown against a 20% stop.
	assert.True(t, StopLoss(d("-20"), d("100"), d("20")))
	assert.False(t, StopLoss(d("-19.9"), d("100"), d("20")))
	// Profit never trips the stop.
	assert.False(t, StopLoss(d("25"), d("100"), d("20")))
	// Ratio zero disables the stop entirely.
	assert.False(t, StopLoss(d("-99"), d("100"), decimal.Zero))
	assert.False(t, StopLoss(d("-99"), d("100"), d("-1")))
}
