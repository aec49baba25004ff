package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/events"
)

// Reconciler is the background sweep that keeps the order and position
// ledgers honest while engines are busy trading: it re-reads every
// non-terminal order and every open position of each running bot against
// the venue and repairs drift.
type Reconciler struct {
	store   *database.Store
	manager *Manager
	bus     *events.Bus

	interval time.Duration
	backoff  time.Duration
}

func NewReconciler(store *database.Store, manager *Manager, bus *events.Bus) *Reconciler {
	return &Reconciler{
		store:    store,
		manager:  manager,
		bus:      bus,
		interval: 30 * time.Second,
		backoff:  60 * time.Second,
	}
}

// Run sweeps until ctx is cancelled. A failed sweep backs off to the
// longer interval instead of tightening the loop against a sick venue.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("🧹 data reconciler started")
	for {
		wait := r.interval
		if err := r.sweep(ctx); err != nil {
			log.Warn().Err(err).Msg("reconcile sweep failed, backing off")
			wait = r.backoff
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("data reconciler stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) error {
	var firstErr error
	for _, entry := range r.manager.snapshotRunning() {
		if err := r.syncOrders(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.syncPositions(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// syncOrders refreshes every stored order the venue may still be working.
func (r *Reconciler) syncOrders(ctx context.Context, entry *runningBot) error {
	orders, err := r.store.NonTerminalOrders(entry.bot.ID)
	if err != nil {
		return err
	}
	for i := range orders {
		row := &orders[i]
		live, err := entry.ex.GetOrder(ctx, row.ExchangeOrderID, row.Symbol)
		if err != nil {
			log.Warn().Err(err).Uint("bot_id", entry.bot.ID).
				Str("order_id", row.ExchangeOrderID).Msg("order re-read failed")
			continue
		}
		if string(live.Status) == row.Status && live.Filled.Equal(row.Filled) {
			continue
		}

		row.Status = string(live.Status)
		row.Filled = live.Filled
		row.Cost = live.Cost
		row.Price = live.AvgFillPrice()
		if err := r.store.SaveOrder(row); err != nil {
			return err
		}
		r.bus.Publish(events.Message{
			Type:  events.KindOrderUpdate,
			BotID: entry.bot.ID,
			Data: map[string]any{
				"exchange_order_id": row.ExchangeOrderID,
				"symbol":            row.Symbol,
				"status":            row.Status,
				"filled":            row.Filled,
			},
		})
	}
	return nil
}

// syncPositions repairs open rows against venue exposure. Rows for
// exposure the venue no longer holds are closed; sizes and PnL of held
// exposure are overwritten with the venue's numbers; exposure the store
// never recorded is adopted under a fresh cycle.
func (r *Reconciler) syncPositions(ctx context.Context, entry *runningBot) error {
	rows, err := r.store.OpenPositions(entry.bot.ID)
	if err != nil {
		return err
	}
	tracked := make(map[string]bool, len(rows))
	for i := range rows {
		row := &rows[i]
		tracked[row.Symbol] = true
		live, err := entry.ex.GetPosition(ctx, row.Symbol)
		if err != nil {
			log.Warn().Err(err).Uint("bot_id", entry.bot.ID).
				Str("symbol", row.Symbol).Msg("position re-read failed")
			continue
		}

		if live == nil {
			now := time.Now()
			row.Status = database.PositionClosed
			row.ClosedAt = &now
		} else {
			if live.Amount.Equal(row.Amount) && live.UnrealizedPnL.Equal(row.UnrealizedPnL) {
				continue
			}
			row.Amount = live.Amount
			row.EntryPrice = live.EntryPrice
			row.CurrentPrice = live.CurrentPrice
			row.UnrealizedPnL = live.UnrealizedPnL
		}
		if err := r.store.SavePosition(row); err != nil {
			return err
		}
		r.bus.Publish(events.Message{
			Type:  events.KindPositionUpdate,
			BotID: entry.bot.ID,
			Data: map[string]any{
				"symbol":         row.Symbol,
				"side":           row.Side,
				"amount":         row.Amount,
				"unrealized_pnl": row.UnrealizedPnL,
				"status":         row.Status,
			},
		})
	}

	// Exposure the venue holds on the bot's legs with no store row behind
	// it gets a fresh row under a new cycle, shared by both legs.
	adoptCycle := 0
	for _, symbol := range []string{entry.bot.Market1Symbol, entry.bot.Market2Symbol} {
		if tracked[symbol] {
			continue
		}
		live, err := entry.ex.GetPosition(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Uint("bot_id", entry.bot.ID).
				Str("symbol", symbol).Msg("position re-read failed")
			continue
		}
		if live == nil {
			continue
		}

		if adoptCycle == 0 {
			maxCycle, err := r.store.MaxPositionCycle(entry.bot.ID)
			if err != nil {
				return err
			}
			adoptCycle = maxCycle + 1
		}
		row := &database.Position{
			BotID:         entry.bot.ID,
			Cycle:         adoptCycle,
			Symbol:        symbol,
			Side:          string(live.Side),
			Amount:        live.Amount,
			EntryPrice:    live.EntryPrice,
			CurrentPrice:  live.CurrentPrice,
			UnrealizedPnL: live.UnrealizedPnL,
			Status:        database.PositionOpen,
		}
		if err := r.store.CreatePosition(row); err != nil {
			return err
		}
		log.Info().Uint("bot_id", entry.bot.ID).Str("symbol", symbol).
			Str("amount", live.Amount.String()).Msg("🔧 adopted untracked venue position")
		r.bus.Publish(events.Message{
			Type:  events.KindPositionUpdate,
			BotID: entry.bot.ID,
			Data: map[string]any{
				"symbol":         row.Symbol,
				"side":           row.Side,
				"amount":         row.Amount,
				"unrealized_pnl": row.UnrealizedPnL,
				"status":         row.Status,
			},
		})
	}
	return nil
}
