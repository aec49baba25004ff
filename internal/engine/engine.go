// Package engine runs pair-spread DCA strategies. Each Engine owns one
// bot: it watches the spread between the bot's two legs, scales into a
// short-leader/long-laggard pair position along the configured rungs, and
// closes the pair when the take-profit or stop-loss condition fires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/events"
	"github.com/lookoupai/chainmakes/internal/exchange"
	"github.com/lookoupai/chainmakes/internal/spread"
)

const (
	defaultTickInterval = 10 * time.Second
	defaultSettleDelay  = 2 * time.Second
	// Dust below this is left on the venue instead of closed.
	minCloseAmount = "0.01"
	// Venue positions are re-read every Nth tick; in between, PnL is
	// marked against cached prices.
	positionRefreshEvery = 3
)

var errPaused = errors.New("engine: paused after close")

// Engine drives one bot. It is started once via Run and stopped by
// canceling the context or calling Stop.
type Engine struct {
	bot   *database.Bot
	store *database.Store
	ex    exchange.Exchange
	bus   *events.Bus

	prices *exchange.PriceCache
	reads  exchange.Retrier

	tickInterval time.Duration
	settleDelay  time.Duration
	stagger      time.Duration

	// mu serializes the tick loop with control operations (close-all,
	// pause) so they never mutate bot state mid-tick.
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger

	tick int
	// Venue positions from the last refresh tick, keyed by symbol.
	livePositions map[string]*exchange.Position
}

func New(bot *database.Bot, store *database.Store, ex exchange.Exchange, bus *events.Bus) *Engine {
	return &Engine{
		bot:          bot,
		store:        store,
		ex:           ex,
		bus:          bus,
		prices:       exchange.NewPriceCache(ex, 0),
		reads:        exchange.ReadRetrier(),
		tickInterval: defaultTickInterval,
		settleDelay:  defaultSettleDelay,
		// Staggered starts keep a fleet of bots from hammering the venue
		// in lockstep.
		stagger:       time.Duration(2+bot.ID%3) * time.Second,
		stopCh:        make(chan struct{}),
		log:           log.With().Uint("bot_id", bot.ID).Str("bot", bot.BotName).Logger(),
		livePositions: make(map[string]*exchange.Position),
	}
}

// Stop asks the engine to exit its loop. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Pause persists the paused status and stops the loop, leaving venue
// exposure untouched.
func (e *Engine) Pause() error {
	e.mu.Lock()
	e.bot.Status = database.BotPaused
	err := e.store.UpdateBotStatus(e.bot.ID, database.BotPaused)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.Stop()
	return nil
}

// Run executes the bot until stopped or a fatal error. The caller owns the
// final status write for stop and error outcomes; Run itself persists the
// running and paused transitions.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.bot.Status = database.BotRunning
	err := e.store.UpdateBotStatus(e.bot.ID, database.BotRunning)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: mark running: %w", err)
	}
	e.publishStatus()
	e.log.Info().Str("m1", e.bot.Market1Symbol).Str("m2", e.bot.Market2Symbol).Msg("🚀 bot starting")

	if err := e.sleep(ctx, e.stagger); err != nil {
		return err
	}

	e.mu.Lock()
	err = e.startup(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.log.Info().Msg("🛑 bot stopping")
			return nil
		default:
		}

		e.mu.Lock()
		err := e.executeCycle(ctx)
		e.mu.Unlock()
		if err != nil {
			if errors.Is(err, errPaused) {
				e.log.Info().Msg("⏸️ paused after closing cycle")
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if exchange.IsTransient(err) {
				e.log.Warn().Err(err).Msg("tick skipped on transient error")
			} else {
				e.log.Error().Err(err).Msg("fatal engine error")
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			e.log.Info().Msg("🛑 bot stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// startup resolves baselines, applies leverage and reconciles stored
// state against the venue. Caller holds e.mu.
func (e *Engine) startup(ctx context.Context) error {
	if err := e.resolveStartPrices(ctx); err != nil {
		return fmt.Errorf("engine: resolve start prices: %w", err)
	}
	e.applyLeverage(ctx)

	if err := e.reconcile(ctx); err != nil {
		if !exchange.IsTransient(err) {
			return fmt.Errorf("engine: reconcile: %w", err)
		}
		e.log.Warn().Err(err).Msg("startup reconcile failed, continuing with stored state")
	}
	return nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-e.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveStartPrices fills missing baselines from the candle at the bot's
// start time, falling back to spot when history is unavailable.
func (e *Engine) resolveStartPrices(ctx context.Context) error {
	changed := false
	for _, leg := range []struct {
		symbol string
		price  *decimal.Decimal
	}{
		{e.bot.Market1Symbol, &e.bot.Market1StartPrice},
		{e.bot.Market2Symbol, &e.bot.Market2StartPrice},
	} {
		if !leg.price.IsZero() {
			continue
		}
		// A start time in the last candle means spot is the baseline; no
		// point asking history for it.
		var hist *decimal.Decimal
		if time.Since(e.bot.StartTime) > 5*time.Minute {
			var err error
			hist, err = e.ex.FetchHistoricalPrice(ctx, leg.symbol, e.bot.StartTime.UnixMilli())
			if err != nil {
				e.log.Warn().Err(err).Str("symbol", leg.symbol).Msg("historical price unavailable")
			}
		}
		if hist != nil && hist.IsPositive() {
			*leg.price = *hist
		} else {
			spot, err := e.prices.Last(ctx, leg.symbol)
			if err != nil {
				return err
			}
			*leg.price = spot
		}
		changed = true
		e.log.Info().Str("symbol", leg.symbol).Str("price", leg.price.String()).Msg("baseline price resolved")
	}
	if changed {
		return e.store.SaveBot(e.bot)
	}
	return nil
}

// applyLeverage sets the configured leverage on both legs. Failure is
// logged but never stops the bot; the venue keeps its previous setting.
func (e *Engine) applyLeverage(ctx context.Context) {
	if e.bot.Leverage <= 0 {
		return
	}
	retrier := exchange.LeverageRetrier()
	for _, symbol := range []string{e.bot.Market1Symbol, e.bot.Market2Symbol} {
		if err := retrier.SetLeverage(ctx, e.ex, symbol, e.bot.Leverage); err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Int("leverage", e.bot.Leverage).
				Msg("set leverage failed, keeping venue setting")
		}
	}
}

// executeCycle is one tick of the strategy.
func (e *Engine) executeCycle(ctx context.Context) error {
	m1Price, err := e.prices.Last(ctx, e.bot.Market1Symbol)
	if err != nil {
		return err
	}
	m2Price, err := e.prices.Last(ctx, e.bot.Market2Symbol)
	if err != nil {
		return err
	}

	currentSpread := spread.Spread(m1Price, e.bot.Market1StartPrice, m2Price, e.bot.Market2StartPrice)
	e.recordSpread(m1Price, m2Price, currentSpread)

	open, err := e.store.OpenPositions(e.bot.ID)
	if err != nil {
		return err
	}

	if len(open) == 0 {
		return e.maybeOpen(ctx, m1Price, m2Price, currentSpread)
	}

	e.tick++
	if e.tick%positionRefreshEvery == 0 {
		if err := e.refreshPositions(ctx, open); err != nil {
			e.log.Warn().Err(err).Msg("position refresh failed")
		}
		open, err = e.store.OpenPositions(e.bot.ID)
		if err != nil {
			return err
		}
	}

	totalPnL, totalMargin := e.exposure(open, map[string]decimal.Decimal{
		e.bot.Market1Symbol: m1Price,
		e.bot.Market2Symbol: m2Price,
	})

	if e.shouldTakeProfit(currentSpread, totalPnL, totalMargin) {
		e.log.Info().Str("spread", currentSpread.String()).Str("pnl", totalPnL.String()).
			Msg("💰 take profit hit")
		return e.closeCycle(ctx, "close")
	}

	if spread.StopLoss(totalPnL, totalMargin, e.bot.StopLossRatio) {
		e.log.Warn().Str("pnl", totalPnL.String()).Str("margin", totalMargin.String()).
			Msg("🛑 stop loss hit")
		return e.closeCycle(ctx, "stop_loss")
	}

	return e.maybeOpen(ctx, m1Price, m2Price, currentSpread)
}

func (e *Engine) shouldTakeProfit(currentSpread, totalPnL, totalMargin decimal.Decimal) bool {
	if e.bot.ProfitMode == database.ProfitPosition {
		return spread.TakeProfitPosition(totalPnL, totalMargin, e.bot.ProfitRatio)
	}
	if e.bot.FirstTradeSpread == nil {
		return false
	}
	return spread.TakeProfitRegression(currentSpread, *e.bot.FirstTradeSpread, e.bot.ProfitRatio)
}

// exposure sums unrealized PnL and committed margin over the open legs,
// marking against the given prices when no fresher venue PnL is cached.
func (e *Engine) exposure(open []database.Position, prices map[string]decimal.Decimal) (pnl, margin decimal.Decimal) {
	leverage := decimal.NewFromInt(int64(max(e.bot.Leverage, 1)))
	for i := range open {
		pos := &open[i]
		if live, ok := e.livePositions[pos.Symbol]; ok {
			pnl = pnl.Add(live.UnrealizedPnL)
		} else {
			price, ok := prices[pos.Symbol]
			if !ok || price.IsZero() {
				price = pos.CurrentPrice
			}
			diff := price.Sub(pos.EntryPrice)
			if pos.Side == string(exchange.PositionShort) {
				diff = diff.Neg()
			}
			pnl = pnl.Add(diff.Mul(pos.Amount))
		}
		margin = margin.Add(pos.EntryPrice.Mul(pos.Amount).Div(leverage))
	}
	return pnl, margin
}

// refreshPositions re-reads venue positions and repairs the stored rows so
// the venue stays authoritative for size and PnL.
func (e *Engine) refreshPositions(ctx context.Context, open []database.Position) error {
	for i := range open {
		pos := &open[i]
		var live *exchange.Position
		err := e.reads.Do(ctx, "get_position "+pos.Symbol, func() error {
			var err error
			live, err = e.ex.GetPosition(ctx, pos.Symbol)
			return err
		})
		if err != nil {
			return err
		}
		if live == nil {
			continue
		}
		e.livePositions[pos.Symbol] = live
		pos.Amount = live.Amount
		pos.EntryPrice = live.EntryPrice
		pos.CurrentPrice = live.CurrentPrice
		pos.UnrealizedPnL = live.UnrealizedPnL
		if err := e.store.SavePosition(pos); err != nil {
			return err
		}
		e.publishPosition(pos)
	}
	return nil
}

func (e *Engine) recordSpread(m1Price, m2Price, currentSpread decimal.Decimal) {
	sample := &database.SpreadSample{
		BotID:        e.bot.ID,
		Cycle:        e.bot.CurrentCycle,
		Market1Price: m1Price,
		Market2Price: m2Price,
		Spread:       currentSpread,
		RecordedAt:   time.Now(),
	}
	if err := e.store.AddSpreadSample(sample); err != nil {
		e.log.Warn().Err(err).Msg("spread sample not recorded")
	}
	e.bus.Publish(events.Message{
		Type:  events.KindSpreadUpdate,
		BotID: e.bot.ID,
		Data: map[string]any{
			"market1_price": m1Price,
			"market2_price": m2Price,
			"spread":        currentSpread,
			"cycle":         e.bot.CurrentCycle,
			"dca_count":     e.bot.CurrentDcaCount,
		},
	})
}

func (e *Engine) publishStatus() {
	e.bus.Publish(events.Message{
		Type:  events.KindStatusUpdate,
		BotID: e.bot.ID,
		Data: map[string]any{
			"status": e.bot.Status,
			"cycle":  e.bot.CurrentCycle,
		},
	})
}

func (e *Engine) publishPosition(pos *database.Position) {
	e.bus.Publish(events.Message{
		Type:  events.KindPositionUpdate,
		BotID: e.bot.ID,
		Data: map[string]any{
			"symbol":         pos.Symbol,
			"side":           pos.Side,
			"amount":         pos.Amount,
			"entry_price":    pos.EntryPrice,
			"current_price":  pos.CurrentPrice,
			"unrealized_pnl": pos.UnrealizedPnL,
			"status":         pos.Status,
		},
	})
}

func (e *Engine) publishOrder(order *database.Order) {
	e.bus.Publish(events.Message{
		Type:  events.KindOrderUpdate,
		BotID: e.bot.ID,
		Data: map[string]any{
			"exchange_order_id": order.ExchangeOrderID,
			"symbol":            order.Symbol,
			"side":              order.Side,
			"price":             order.Price,
			"amount":            order.Amount,
			"status":            order.Status,
			"dca_index":         order.DcaIndex,
		},
	})
}
