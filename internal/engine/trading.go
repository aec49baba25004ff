package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/exchange"
	"github.com/lookoupai/chainmakes/internal/spread"
)

// leg pairs a symbol with the order side used for it in this entry.
type leg struct {
	symbol string
	side   exchange.Side
	price  decimal.Decimal
}

// maybeOpen evaluates the entry trigger for the next rung. The first entry
// fires when the spread itself crosses the rung threshold; scale-ins fire
// when the spread has moved that far from the previous entry.
func (e *Engine) maybeOpen(ctx context.Context, m1Price, m2Price, currentSpread decimal.Decimal) error {
	if e.bot.CurrentDcaCount >= e.bot.MaxDcaTimes || e.bot.CurrentDcaCount >= len(e.bot.DcaConfig) {
		return nil
	}
	rung := e.bot.DcaConfig[e.bot.CurrentDcaCount]

	var move decimal.Decimal
	if e.bot.LastTradeSpread == nil {
		move = currentSpread.Abs()
	} else {
		move = currentSpread.Sub(*e.bot.LastTradeSpread).Abs()
	}
	if move.LessThan(rung.Spread) {
		return nil
	}
	return e.openEntry(ctx, m1Price, m2Price, currentSpread, rung)
}

// openEntry places both legs of one rung: short the leg that ran ahead of
// its baseline, long the one that lagged (flipped when ReverseOpening).
func (e *Engine) openEntry(ctx context.Context, m1Price, m2Price, currentSpread decimal.Decimal, rung database.DcaLevel) error {
	change1 := spread.PctChange(m1Price, e.bot.Market1StartPrice)
	change2 := spread.PctChange(m2Price, e.bot.Market2StartPrice)
	m1Side, m2Side := spread.Direction(change1, change2)
	if e.bot.ReverseOpening {
		m1Side, m2Side = m2Side, m1Side
	}

	legs := []leg{
		{e.bot.Market1Symbol, exchange.Side(m1Side), m1Price},
		{e.bot.Market2Symbol, exchange.Side(m2Side), m2Price},
	}
	entryNo := e.bot.CurrentDcaCount + 1
	filled, err := e.placePair(ctx, legs, rung.Multiple, entryNo)
	if err != nil || !filled {
		return err
	}

	s := currentSpread
	if e.bot.FirstTradeSpread == nil {
		e.bot.FirstTradeSpread = &s
	}
	e.bot.LastTradeSpread = &s
	e.bot.CurrentDcaCount = entryNo
	e.bot.TotalTrades += 2
	if err := e.store.SaveBot(e.bot); err != nil {
		return err
	}

	action := "open"
	if entryNo > 1 {
		action = "dca"
	}
	e.tradeLog(action, fmt.Sprintf("entry %d/%d at spread %s (%s %s / %s %s)",
		entryNo, e.bot.MaxDcaTimes, currentSpread.StringFixed(4),
		m1Side, e.bot.Market1Symbol, m2Side, e.bot.Market2Symbol), decimal.Zero, decimal.Zero)
	e.log.Info().Int("entry", entryNo).Str("spread", currentSpread.StringFixed(4)).
		Str("m1_side", string(m1Side)).Str("m2_side", string(m2Side)).
		Msg("📈 entry placed")
	return nil
}

// placePair submits both legs of one entry and records the fills. It
// returns false without touching positions or counters when a leg came
// back terminally unfilled.
func (e *Engine) placePair(ctx context.Context, legs []leg, multiple decimal.Decimal, entryNo int) (bool, error) {
	leverage := decimal.NewFromInt(int64(max(e.bot.Leverage, 1)))
	notional := e.bot.InvestmentPerOrder.Mul(multiple).Mul(leverage)

	type fill struct {
		order *exchange.Order
		side  exchange.Side
	}
	fills := make([]fill, 0, len(legs))
	for _, l := range legs {
		if l.price.IsZero() {
			return false, fmt.Errorf("engine: no price for %s", l.symbol)
		}
		amount := notional.Div(l.price).Round(4)
		if !amount.IsPositive() {
			return false, fmt.Errorf("engine: computed zero amount for %s", l.symbol)
		}

		order, err := e.submitOrder(ctx, l.symbol, l.side, amount, l.price, e.bot.OrderTypeOpen, false)
		if err != nil {
			e.tradeLog("error", fmt.Sprintf("entry order failed on %s: %v", l.symbol, err), amount, l.price)
			return false, err
		}
		fills = append(fills, fill{order, l.side})
	}

	for _, f := range fills {
		if !f.order.Filled.IsZero() {
			continue
		}
		// No fill on either leg means no position and no counter bump.
		// Anything still resting gets cancelled so it cannot execute
		// behind our back.
		for _, g := range fills {
			if g.order.Filled.IsZero() && !g.order.Status.Terminal() {
				if err := e.ex.CancelOrder(ctx, g.order.ID, g.order.Symbol); err != nil {
					e.log.Warn().Err(err).Str("order_id", g.order.ID).Msg("cancel of unfilled entry failed")
				}
			}
		}
		e.tradeLog("error", fmt.Sprintf("entry order %s on %s came back unfilled, rung abandoned",
			f.order.ID, f.order.Symbol), f.order.Amount, f.order.Price)
		e.log.Error().Str("order_id", f.order.ID).Str("symbol", f.order.Symbol).
			Msg("entry unfilled, rung abandoned")
		return false, nil
	}

	for _, f := range fills {
		if err := e.recordFill(f.order, f.side, entryNo); err != nil {
			return false, err
		}
	}
	return true, nil
}

// submitOrder places one order and re-reads it after the settle delay so
// the stored fill price and cost reflect what actually executed, not the
// submission ack.
func (e *Engine) submitOrder(ctx context.Context, symbol string, side exchange.Side, amount, price decimal.Decimal, orderType string, reduceOnly bool) (*exchange.Order, error) {
	var order *exchange.Order
	var err error
	if orderType == "limit" {
		order, err = e.ex.CreateLimitOrder(ctx, symbol, side, amount, price, reduceOnly)
	} else {
		order, err = e.ex.CreateMarketOrder(ctx, symbol, side, amount, reduceOnly)
	}
	if err != nil {
		return nil, err
	}

	if err := e.sleep(ctx, e.settleDelay); err != nil {
		return order, err
	}
	settled, err := e.ex.GetOrder(ctx, order.ID, symbol)
	if err != nil {
		e.log.Warn().Err(err).Str("order_id", order.ID).Msg("settle re-read failed, keeping ack values")
		return order, nil
	}
	return settled, nil
}

// recordFill persists the order row and folds the fill into the leg's
// position with a volume-weighted entry price.
func (e *Engine) recordFill(order *exchange.Order, side exchange.Side, entryNo int) error {
	row := &database.Order{
		BotID:           e.bot.ID,
		ExchangeOrderID: order.ID,
		Cycle:           e.bot.CurrentCycle,
		Symbol:          order.Symbol,
		Side:            string(side),
		OrderType:       string(order.Type),
		Price:           order.AvgFillPrice(),
		Amount:          order.Amount,
		Filled:          order.Filled,
		Cost:            order.Cost,
		Status:          string(order.Status),
		DcaIndex:        entryNo,
	}
	if err := e.store.CreateOrder(row); err != nil {
		return err
	}
	e.publishOrder(row)

	// Partial fills book the filled portion; the reconciler corrects the
	// row as the rest settles.
	fillAmount := order.Filled
	fillPrice := order.AvgFillPrice()

	posSide := exchange.PositionLong
	if side == exchange.SideSell {
		posSide = exchange.PositionShort
	}

	pos, err := e.store.OpenPosition(e.bot.ID, order.Symbol)
	if err != nil {
		return err
	}
	switch {
	case pos == nil:
		pos = &database.Position{
			BotID:        e.bot.ID,
			Cycle:        e.bot.CurrentCycle,
			Symbol:       order.Symbol,
			Side:         string(posSide),
			Amount:       fillAmount,
			EntryPrice:   fillPrice,
			CurrentPrice: fillPrice,
			Status:       database.PositionOpen,
		}
		if err := e.store.CreatePosition(pos); err != nil {
			return err
		}
	case pos.Side == string(posSide):
		total := pos.Amount.Add(fillAmount)
		if total.IsPositive() {
			pos.EntryPrice = pos.EntryPrice.Mul(pos.Amount).
				Add(fillPrice.Mul(fillAmount)).Div(total)
		}
		pos.Amount = total
		pos.CurrentPrice = fillPrice
		if err := e.store.SavePosition(pos); err != nil {
			return err
		}
	default:
		// An opposite fill shrinks the leg rather than averaging into it.
		// This happens when the spread crossed zero between rungs.
		pos.Amount = pos.Amount.Sub(fillAmount)
		pos.CurrentPrice = fillPrice
		if !pos.Amount.IsPositive() {
			now := time.Now()
			pos.Status = database.PositionClosed
			pos.ClosedAt = &now
		}
		if err := e.store.SavePosition(pos); err != nil {
			return err
		}
	}
	e.publishPosition(pos)
	return nil
}

// closeCycle flattens both legs at the venue's reported size, credits the
// realized result, resets the per-cycle counters and advances the cycle
// number. action names the trigger for the audit log.
func (e *Engine) closeCycle(ctx context.Context, action string) error {
	if err := e.cancelPending(ctx); err != nil {
		e.log.Warn().Err(err).Msg("pending order cleanup incomplete")
	}

	open, err := e.store.OpenPositions(e.bot.ID)
	if err != nil {
		return err
	}

	minClose := decimal.RequireFromString(minCloseAmount)
	realized := decimal.Zero
	for i := range open {
		pos := &open[i]

		// The venue is authoritative for what is actually left to close.
		var live *exchange.Position
		err := e.reads.Do(ctx, "get_position "+pos.Symbol, func() error {
			var err error
			live, err = e.ex.GetPosition(ctx, pos.Symbol)
			return err
		})
		if err != nil {
			return err
		}
		amount := pos.Amount
		pnl := pos.UnrealizedPnL
		if live != nil {
			amount = live.Amount
			pnl = live.UnrealizedPnL
		}

		if live == nil || amount.LessThan(minClose) {
			realized = realized.Add(pnl)
			e.log.Info().Str("symbol", pos.Symbol).Str("amount", amount.String()).
				Msg("nothing left to close on venue, retiring record")
			continue
		}

		side := exchange.PositionSide(pos.Side).CloseSide()
		order, err := e.submitOrder(ctx, pos.Symbol, side, amount, pos.CurrentPrice, e.bot.OrderTypeClose, true)
		if err != nil {
			e.tradeLog("error", fmt.Sprintf("close order failed on %s: %v", pos.Symbol, err), amount, pos.CurrentPrice)
			return err
		}

		row := &database.Order{
			BotID:           e.bot.ID,
			ExchangeOrderID: order.ID,
			Cycle:           e.bot.CurrentCycle,
			Symbol:          pos.Symbol,
			Side:            string(side),
			OrderType:       string(order.Type),
			Price:           order.AvgFillPrice(),
			Amount:          order.Amount,
			Filled:          order.Filled,
			Cost:            order.Cost,
			Status:          string(order.Status),
			DcaIndex:        0,
		}
		if err := e.store.CreateOrder(row); err != nil {
			return err
		}
		e.publishOrder(row)
		realized = realized.Add(pnl)
		e.tradeLog(action, fmt.Sprintf("closed %s %s", pos.Side, pos.Symbol), amount, order.AvgFillPrice())
	}

	e.bot.CurrentDcaCount = 0
	e.bot.FirstTradeSpread = nil
	e.bot.LastTradeSpread = nil
	e.bot.CurrentCycle++
	e.bot.TotalProfit = e.bot.TotalProfit.Add(realized)
	err = e.store.Transaction(func(tx *database.Store) error {
		if err := tx.CloseOpenPositions(e.bot.ID); err != nil {
			return err
		}
		return tx.SaveBot(e.bot)
	})
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range open {
		pos := &open[i]
		pos.Status = database.PositionClosed
		pos.ClosedAt = &now
		e.publishPosition(pos)
	}
	e.livePositions = make(map[string]*exchange.Position)
	e.publishStatus()
	e.log.Info().Int("next_cycle", e.bot.CurrentCycle).Str("trigger", action).
		Str("realized", realized.StringFixed(4)).Msg("🔄 cycle closed")

	if e.bot.PauseAfterClose {
		e.bot.Status = database.BotPaused
		if err := e.store.UpdateBotStatus(e.bot.ID, database.BotPaused); err != nil {
			return err
		}
		e.publishStatus()
		return errPaused
	}
	return nil
}

// cancelPending cancels every stored order still live on the venue.
func (e *Engine) cancelPending(ctx context.Context) error {
	pending, err := e.store.NonTerminalOrders(e.bot.ID)
	if err != nil {
		return err
	}
	for i := range pending {
		row := &pending[i]
		if err := e.ex.CancelOrder(ctx, row.ExchangeOrderID, row.Symbol); err != nil {
			e.log.Warn().Err(err).Str("order_id", row.ExchangeOrderID).Msg("cancel failed")
			continue
		}
		row.Status = database.OrderCanceled
		if err := e.store.SaveOrder(row); err != nil {
			return err
		}
		e.publishOrder(row)
	}
	return nil
}

// CloseAll flattens the bot's positions immediately. The manager calls it
// when a bot is stopped with open exposure. It waits for any in-flight
// tick to finish before touching positions.
func (e *Engine) CloseAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.closeCycle(ctx, "close")
	if err == errPaused {
		return nil
	}
	return err
}

func (e *Engine) tradeLog(action, message string, amount, price decimal.Decimal) {
	entry := &database.TradeLog{
		BotID:     e.bot.ID,
		Cycle:     e.bot.CurrentCycle,
		Action:    action,
		Message:   message,
		Amount:    amount,
		Price:     price,
		CreatedAt: time.Now(),
	}
	if err := e.store.AddTradeLog(entry); err != nil {
		e.log.Warn().Err(err).Msg("trade log write failed")
	}
}
