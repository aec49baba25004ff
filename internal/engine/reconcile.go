package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/exchange"
)

// reconcile aligns stored state with the venue before the first tick. The
// venue is authoritative: exposure it reports is adopted, exposure it no
// longer holds is closed out of the store.
func (e *Engine) reconcile(ctx context.Context) error {
	stored, err := e.store.OpenPositions(e.bot.ID)
	if err != nil {
		return err
	}
	storedBySymbol := make(map[string]*database.Position, len(stored))
	for i := range stored {
		storedBySymbol[stored[i].Symbol] = &stored[i]
	}

	liveCount := 0
	adoptCycle := 0
	for _, symbol := range []string{e.bot.Market1Symbol, e.bot.Market2Symbol} {
		var live *exchange.Position
		err := e.reads.Do(ctx, "get_position "+symbol, func() error {
			var err error
			live, err = e.ex.GetPosition(ctx, symbol)
			return err
		})
		if err != nil {
			return err
		}

		row := storedBySymbol[symbol]
		switch {
		case live != nil && row == nil:
			liveCount++
			// Both adopted legs share one cycle, past anything recorded.
			if adoptCycle == 0 {
				maxCycle, err := e.store.MaxPositionCycle(e.bot.ID)
				if err != nil {
					return err
				}
				adoptCycle = e.bot.CurrentCycle
				if adoptCycle <= maxCycle {
					adoptCycle = maxCycle + 1
				}
			}
			if err := e.adoptPosition(live, adoptCycle); err != nil {
				return err
			}
		case live != nil && row != nil:
			liveCount++
			row.Amount = live.Amount
			row.EntryPrice = live.EntryPrice
			row.CurrentPrice = live.CurrentPrice
			row.UnrealizedPnL = live.UnrealizedPnL
			if err := e.store.SavePosition(row); err != nil {
				return err
			}
		case live == nil && row != nil:
			e.log.Warn().Str("symbol", symbol).
				Msg("stored position missing on venue, closing record")
			now := time.Now()
			row.Status = database.PositionClosed
			row.ClosedAt = &now
			if err := e.store.SavePosition(row); err != nil {
				return err
			}
			e.publishPosition(row)
		}
	}

	if liveCount > 0 {
		if adoptCycle > e.bot.CurrentCycle {
			e.bot.CurrentCycle = adoptCycle
		}
		e.recoverCounters(liveCount)
		return e.store.SaveBot(e.bot)
	}

	// Flat on the venue. If the store thought otherwise, the cycle ended
	// while we were away; reset counters and move on.
	if len(stored) > 0 || e.bot.CurrentDcaCount > 0 ||
		e.bot.FirstTradeSpread != nil || e.bot.LastTradeSpread != nil {
		e.log.Info().Msg("venue flat, resetting stale cycle state")
		e.bot.CurrentDcaCount = 0
		e.bot.FirstTradeSpread = nil
		e.bot.LastTradeSpread = nil
		e.bot.CurrentCycle++
		if err := e.store.SaveBot(e.bot); err != nil {
			return err
		}
		e.tradeLog("reconcile", "reset stale cycle state, venue is flat", decimal.Zero, decimal.Zero)
	}
	return nil
}

// adoptPosition inserts a store row for venue exposure we have no record
// of.
func (e *Engine) adoptPosition(live *exchange.Position, cycle int) error {
	row := &database.Position{
		BotID:         e.bot.ID,
		Cycle:         cycle,
		Symbol:        live.Symbol,
		Side:          string(live.Side),
		Amount:        live.Amount,
		EntryPrice:    live.EntryPrice,
		CurrentPrice:  live.CurrentPrice,
		UnrealizedPnL: live.UnrealizedPnL,
		Status:        database.PositionOpen,
	}
	if err := e.store.CreatePosition(row); err != nil {
		return err
	}
	e.publishPosition(row)
	e.tradeLog("reconcile",
		fmt.Sprintf("adopted venue position %s %s %s", live.Side, live.Symbol, live.Amount.String()),
		live.Amount, live.EntryPrice)
	e.log.Info().Str("symbol", live.Symbol).Str("side", string(live.Side)).
		Str("amount", live.Amount.String()).Msg("🔧 adopted venue position")
	return nil
}

// recoverCounters rebuilds the per-cycle entry counter from the venue's
// exposure: two legs per rung, and live exposure means at least one
// entry. The caller commits the bot row.
func (e *Engine) recoverCounters(liveCount int) {
	dcaCount := liveCount / 2
	if dcaCount == 0 && liveCount > 0 {
		dcaCount = 1
	}
	if dcaCount != e.bot.CurrentDcaCount {
		e.log.Info().Int("was", e.bot.CurrentDcaCount).Int("now", dcaCount).
			Msg("recovered entry counter from venue exposure")
		e.bot.CurrentDcaCount = dcaCount
	}
}
