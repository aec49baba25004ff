// Package spread implements the pair-spread arithmetic used by the bot
// engine. Everything here is pure and operates on decimals; prices and
// money never touch binary floats.
package spread

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Side is an order direction in the common exchange vocabulary.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the inverse order direction.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PctChange returns (current/start - 1) * 100. A zero start price yields
// zero rather than a division error.
func PctChange(current, start decimal.Decimal) decimal.Decimal {
	if start.IsZero() {
		return decimal.Zero
	}
	return current.Div(start).Sub(decimal.NewFromInt(1)).Mul(hundred)
}

// Spread is the signed difference between the percentage moves of the two
// legs from their baselines:
//
//	(m1Current/m1Start - 1) - (m2Current/m2Start - 1), in percent.
func Spread(m1Current, m1Start, m2Current, m2Start decimal.Decimal) decimal.Decimal {
	return PctChange(m1Current, m1Start).Sub(PctChange(m2Current, m2Start))
}

// Direction picks the order sides for a new entry: short the leg that ran
// ahead, long the one that lagged.
func Direction(change1, change2 decimal.Decimal) (m1Side, m2Side Side) {
	if change1.GreaterThan(change2) {
		return Sell, Buy
	}
	return Buy, Sell
}

// TakeProfitRegression reports whether the spread has regressed far enough
// from the first entry spread to realize the target.
func TakeProfitRegression(currentSpread, firstTradeSpread, profitRatio decimal.Decimal) bool {
	return firstTradeSpread.Sub(currentSpread).Abs().GreaterThanOrEqual(profitRatio)
}

// TakeProfitPosition reports whether unrealized PnL has reached profitRatio
// percent of the margin committed so far.
func TakeProfitPosition(totalPnL, totalMargin, profitRatio decimal.Decimal) bool {
	if totalMargin.LessThanOrEqual(decimal.Zero) {
		return false
	}
	return totalPnL.Div(totalMargin).Mul(hundred).GreaterThanOrEqual(profitRatio)
}

// StopLoss reports whether the drawdown has reached stopLossRatio percent of
// committed margin. A ratio <= 0 disables the stop entirely.
func StopLoss(totalPnL, totalMargin, stopLossRatio decimal.Decimal) bool {
	if stopLossRatio.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if totalMargin.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if totalPnL.GreaterThanOrEqual(decimal.Zero) {
		return false
	}
	return totalPnL.Abs().Div(totalMargin).Mul(hundred).GreaterThanOrEqual(stopLossRatio)
}
