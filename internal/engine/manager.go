package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/events"
	"github.com/lookoupai/chainmakes/internal/exchange"
)

// stopGrace is how long a stopping bot gets to flatten and exit before its
// context is cancelled out from under it.
const stopGrace = 15 * time.Second

var (
	ErrBotAlreadyRunning = errors.New("engine: bot already running")
	ErrBotNotRunning     = errors.New("engine: bot not running")
)

// ExchangeFactory builds a venue adapter from stored account credentials.
// Tests swap it for a fake.
type ExchangeFactory func(acct *database.ExchangeAccount) (exchange.Exchange, error)

// DefaultExchangeFactory wires stored credentials into the venue registry.
func DefaultExchangeFactory(acct *database.ExchangeAccount) (exchange.Exchange, error) {
	return exchange.New(acct.ExchangeName, exchange.Credentials{
		APIKey:     acct.APIKey,
		SecretKey:  acct.APISecret,
		Passphrase: acct.Passphrase,
		Testnet:    acct.IsTestnet,
		ProxyURL:   acct.ProxyURL,
	})
}

type runningBot struct {
	bot    *database.Bot
	engine *Engine
	ex     exchange.Exchange
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the engine goroutines, one per running bot.
type Manager struct {
	store *database.Store
	bus   *events.Bus
	newEx ExchangeFactory

	// TickInterval overrides the engines' default loop period when
	// positive. Set before the first StartBot.
	TickInterval time.Duration

	mu       sync.Mutex
	running  map[uint]*runningBot
	shutdown bool
}

func NewManager(store *database.Store, bus *events.Bus, factory ExchangeFactory) *Manager {
	if factory == nil {
		factory = DefaultExchangeFactory
	}
	return &Manager{
		store:   store,
		bus:     bus,
		newEx:   factory,
		running: make(map[uint]*runningBot),
	}
}

// StartBot spins up an engine for the bot. The engine goroutine outlives
// the request context; only Stop, Pause or Shutdown end it.
func (m *Manager) StartBot(botID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return fmt.Errorf("engine: manager is shutting down")
	}
	if _, ok := m.running[botID]; ok {
		return ErrBotAlreadyRunning
	}

	bot, err := m.store.GetBot(botID)
	if err != nil {
		return fmt.Errorf("engine: load bot %d: %w", botID, err)
	}
	acct, err := m.store.GetExchangeAccount(bot.ExchangeAccountID)
	if err != nil {
		return fmt.Errorf("engine: load exchange account %d: %w", bot.ExchangeAccountID, err)
	}
	ex, err := m.newEx(acct)
	if err != nil {
		return fmt.Errorf("engine: build exchange for bot %d: %w", botID, err)
	}

	eng := New(bot, m.store, ex, m.bus)
	if m.TickInterval > 0 {
		eng.tickInterval = m.TickInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &runningBot{
		bot:    bot,
		engine: eng,
		ex:     ex,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.running[botID] = entry

	go m.runBot(ctx, entry)
	return nil
}

// runBot hosts one engine and settles the bot's final status when it exits.
func (m *Manager) runBot(ctx context.Context, entry *runningBot) {
	defer close(entry.done)

	err := entry.engine.Run(ctx)

	m.mu.Lock()
	delete(m.running, entry.bot.ID)
	shutdown := m.shutdown
	m.mu.Unlock()

	if closeErr := entry.ex.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Uint("bot_id", entry.bot.ID).Msg("exchange close failed")
	}

	// During process shutdown statuses stay untouched so running bots are
	// recovered on the next boot.
	if shutdown {
		return
	}

	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Error().Err(err).Uint("bot_id", entry.bot.ID).Msg("bot exited with error")
		// The reason lands in the audit log; the status machine only
		// knows stopped, running and paused.
		if logErr := m.store.AddTradeLog(&database.TradeLog{
			BotID:     entry.bot.ID,
			Cycle:     entry.bot.CurrentCycle,
			Action:    "error",
			Message:   err.Error(),
			CreatedAt: time.Now(),
		}); logErr != nil {
			log.Warn().Err(logErr).Uint("bot_id", entry.bot.ID).Msg("trade log write failed")
		}
		if dbErr := m.store.UpdateBotStatus(entry.bot.ID, database.BotStopped); dbErr != nil {
			log.Error().Err(dbErr).Uint("bot_id", entry.bot.ID).Msg("status write failed")
		}
		m.publishStatus(entry.bot.ID, database.BotStopped)
	case entry.bot.Status == database.BotPaused:
		// The engine already persisted the pause.
		m.publishStatus(entry.bot.ID, database.BotPaused)
	default:
		if dbErr := m.store.UpdateBotStatus(entry.bot.ID, database.BotStopped); dbErr != nil {
			log.Error().Err(dbErr).Uint("bot_id", entry.bot.ID).Msg("status write failed")
		}
		m.publishStatus(entry.bot.ID, database.BotStopped)
	}
}

func (m *Manager) publishStatus(botID uint, status string) {
	m.bus.Publish(events.Message{
		Type:  events.KindStatusUpdate,
		BotID: botID,
		Data:  map[string]any{"status": status},
	})
}

// StopBot flattens the bot's positions and stops its engine. The engine
// gets stopGrace to exit cleanly before its context is cancelled.
func (m *Manager) StopBot(ctx context.Context, botID uint) error {
	m.mu.Lock()
	entry, ok := m.running[botID]
	m.mu.Unlock()
	if !ok {
		// Not running; make sure the stored status agrees.
		if err := m.store.UpdateBotStatus(botID, database.BotStopped); err != nil {
			return err
		}
		m.publishStatus(botID, database.BotStopped)
		return nil
	}

	closeCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := entry.engine.CloseAll(closeCtx); err != nil {
		log.Error().Err(err).Uint("bot_id", botID).Msg("close-all on stop failed")
	}

	entry.engine.Stop()
	select {
	case <-entry.done:
	case <-time.After(stopGrace):
		log.Warn().Uint("bot_id", botID).Msg("stop grace expired, cancelling engine")
		entry.cancel()
		<-entry.done
	}
	return nil
}

// PauseBot stops the engine loop but leaves positions open on the venue.
func (m *Manager) PauseBot(botID uint) error {
	m.mu.Lock()
	entry, ok := m.running[botID]
	m.mu.Unlock()
	if !ok {
		return ErrBotNotRunning
	}

	if err := entry.engine.Pause(); err != nil {
		return err
	}
	<-entry.done
	return nil
}

// ClosePositions flattens the bot's venue exposure without stopping it.
// Running bots close through their engine; cold bots get a transient
// exchange client for the two reduce-only orders.
func (m *Manager) ClosePositions(ctx context.Context, botID uint) error {
	m.mu.Lock()
	entry, ok := m.running[botID]
	m.mu.Unlock()
	if ok {
		return entry.engine.CloseAll(ctx)
	}

	open, err := m.store.OpenPositions(botID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	bot, err := m.store.GetBot(botID)
	if err != nil {
		return fmt.Errorf("engine: load bot %d: %w", botID, err)
	}
	acct, err := m.store.GetExchangeAccount(bot.ExchangeAccountID)
	if err != nil {
		return fmt.Errorf("engine: load exchange account %d: %w", bot.ExchangeAccountID, err)
	}
	ex, err := m.newEx(acct)
	if err != nil {
		return fmt.Errorf("engine: build exchange for bot %d: %w", botID, err)
	}
	defer ex.Close()

	engine := New(bot, m.store, ex, m.bus)
	return engine.CloseAll(ctx)
}

// IsRunning reports whether the manager hosts an engine for the bot.
func (m *Manager) IsRunning(botID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[botID]
	return ok
}

// snapshotRunning copies the registry for lock-free iteration.
func (m *Manager) snapshotRunning() []*runningBot {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*runningBot, 0, len(m.running))
	for _, entry := range m.running {
		entries = append(entries, entry)
	}
	return entries
}

// RunningBots lists hosted bot IDs.
func (m *Manager) RunningBots() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// RecoverAll restarts every bot the store says was running, typically at
// boot after a crash or deploy.
func (m *Manager) RecoverAll() error {
	bots, err := m.store.BotsByStatus(database.BotRunning)
	if err != nil {
		return err
	}
	for i := range bots {
		if err := m.StartBot(bots[i].ID); err != nil {
			log.Error().Err(err).Uint("bot_id", bots[i].ID).Msg("bot recovery failed")
			if dbErr := m.store.UpdateBotStatus(bots[i].ID, database.BotStopped); dbErr != nil {
				log.Error().Err(dbErr).Uint("bot_id", bots[i].ID).Msg("status write failed")
			}
			continue
		}
		log.Info().Uint("bot_id", bots[i].ID).Msg("♻️ bot recovered")
	}
	return nil
}

// Shutdown stops every engine without touching stored statuses, so running
// bots come back via RecoverAll on the next boot.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	entries := make([]*runningBot, 0, len(m.running))
	for _, entry := range m.running {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.engine.Stop()
	}
	for _, entry := range entries {
		select {
		case <-entry.done:
		case <-ctx.Done():
			entry.cancel()
			<-entry.done
		}
	}
	log.Info().Int("bots", len(entries)).Msg("👋 all engines stopped")
}
