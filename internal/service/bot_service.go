// Package service sits between transport handlers and the engine layer:
// it validates bot configuration, guards ownership, and translates state
// machine violations into coded errors a client can act on.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/engine"
	"github.com/lookoupai/chainmakes/internal/exchange"
)

// Error codes returned to clients.
const (
	CodeNotFound      = "not_found"
	CodeInvalidConfig = "invalid_config"
	CodeInvalidState  = "invalid_state"
	CodeExchange      = "exchange_error"
)

// Error is a coded service failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidConfig(msg string, args ...any) *Error {
	return &Error{Code: CodeInvalidConfig, Message: fmt.Sprintf(msg, args...)}
}

func invalidState(msg string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(msg, args...)}
}

func notFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}

// BotService owns bot lifecycle operations.
type BotService struct {
	store   *database.Store
	manager *engine.Manager
}

func NewBotService(store *database.Store, manager *engine.Manager) *BotService {
	return &BotService{store: store, manager: manager}
}

var validProfitModes = map[string]bool{
	database.ProfitRegression: true,
	database.ProfitPosition:   true,
}

var validOrderTypes = map[string]bool{
	"market": true,
	"limit":  true,
}

// validate checks a bot configuration before it is persisted.
func (s *BotService) validate(bot *database.Bot) error {
	if bot.BotName == "" {
		return invalidConfig("bot name is required")
	}
	if bot.Market1Symbol == "" || bot.Market2Symbol == "" {
		return invalidConfig("both market symbols are required")
	}
	if bot.Market1Symbol == bot.Market2Symbol {
		return invalidConfig("market1 and market2 must differ")
	}
	if bot.Leverage < 1 || bot.Leverage > 125 {
		return invalidConfig("leverage must be between 1 and 125")
	}
	if !validProfitModes[bot.ProfitMode] {
		return invalidConfig("profit mode must be %q or %q", database.ProfitRegression, database.ProfitPosition)
	}
	if !validOrderTypes[bot.OrderTypeOpen] || !validOrderTypes[bot.OrderTypeClose] {
		return invalidConfig("order types must be market or limit")
	}
	if !bot.InvestmentPerOrder.IsPositive() {
		return invalidConfig("investment per order must be positive")
	}
	if !bot.ProfitRatio.IsPositive() {
		return invalidConfig("profit ratio must be positive")
	}
	if bot.StopLossRatio.IsNegative() {
		return invalidConfig("stop loss ratio cannot be negative; zero disables it")
	}
	if bot.MaxDcaTimes < 1 {
		return invalidConfig("max dca times must be at least 1")
	}

	if len(bot.DcaConfig) == 0 {
		return invalidConfig("dca config must have at least one level")
	}
	if len(bot.DcaConfig) > bot.MaxDcaTimes {
		return invalidConfig("dca config has %d levels but max dca times is %d",
			len(bot.DcaConfig), bot.MaxDcaTimes)
	}

	committed := decimal.Zero
	for i, level := range bot.DcaConfig {
		if level.Times != i+1 {
			return invalidConfig("dca level %d must have times=%d, got %d", i, i+1, level.Times)
		}
		if level.Spread.IsNegative() {
			return invalidConfig("dca level %d spread cannot be negative", i+1)
		}
		if !level.Multiple.IsPositive() {
			return invalidConfig("dca level %d multiple must be positive", i+1)
		}
		committed = committed.Add(bot.InvestmentPerOrder.Mul(level.Multiple))
	}
	if bot.MaxPositionValue.IsPositive() && committed.GreaterThan(bot.MaxPositionValue) {
		return invalidConfig("dca ladder commits %s but max position value is %s",
			committed.String(), bot.MaxPositionValue.String())
	}
	return nil
}

// Create validates and persists a new bot in stopped state.
func (s *BotService) Create(userID uint, bot *database.Bot) error {
	bot.UserID = userID
	if bot.ProfitMode == "" {
		bot.ProfitMode = database.ProfitRegression
	}
	if bot.OrderTypeOpen == "" {
		bot.OrderTypeOpen = "market"
	}
	if bot.OrderTypeClose == "" {
		bot.OrderTypeClose = "market"
	}
	if bot.StartTime.IsZero() {
		bot.StartTime = time.Now()
	}
	if err := s.validate(bot); err != nil {
		return err
	}
	if _, err := s.store.GetExchangeAccount(bot.ExchangeAccountID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("exchange account")
		}
		return err
	}

	bot.Status = database.BotStopped
	bot.CurrentCycle = 1
	bot.CurrentDcaCount = 0
	return s.store.CreateBot(bot)
}

// Get returns the user's bot.
func (s *BotService) Get(userID, botID uint) (*database.Bot, error) {
	bot, err := s.store.GetUserBot(botID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("bot")
	}
	return bot, err
}

// List returns all of the user's bots.
func (s *BotService) List(userID uint) ([]database.Bot, error) {
	return s.store.ListBots(userID)
}

// Update replaces the mutable configuration of a stopped or paused bot.
// Runtime counters and status are never client-writable.
func (s *BotService) Update(userID uint, updated *database.Bot) error {
	current, err := s.Get(userID, updated.ID)
	if err != nil {
		return err
	}
	if current.Status == database.BotRunning {
		return invalidState("bot must be stopped or paused before updating")
	}

	current.BotName = updated.BotName
	current.Market1Symbol = updated.Market1Symbol
	current.Market2Symbol = updated.Market2Symbol
	current.Market1StartPrice = updated.Market1StartPrice
	current.Market2StartPrice = updated.Market2StartPrice
	current.StartTime = updated.StartTime
	current.Leverage = updated.Leverage
	current.OrderTypeOpen = updated.OrderTypeOpen
	current.OrderTypeClose = updated.OrderTypeClose
	current.InvestmentPerOrder = updated.InvestmentPerOrder
	current.MaxPositionValue = updated.MaxPositionValue
	current.MaxDcaTimes = updated.MaxDcaTimes
	current.ProfitRatio = updated.ProfitRatio
	current.StopLossRatio = updated.StopLossRatio
	current.ProfitMode = updated.ProfitMode
	current.ReverseOpening = updated.ReverseOpening
	current.PauseAfterClose = updated.PauseAfterClose
	current.DcaConfig = updated.DcaConfig
	current.ExchangeAccountID = updated.ExchangeAccountID

	if err := s.validate(current); err != nil {
		return err
	}
	return s.store.SaveBot(current)
}

// Delete removes a stopped bot and all its history.
func (s *BotService) Delete(userID, botID uint) error {
	bot, err := s.Get(userID, botID)
	if err != nil {
		return err
	}
	if bot.Status == database.BotRunning || s.manager.IsRunning(botID) {
		return invalidState("bot must be stopped before deleting")
	}
	return s.store.DeleteBot(botID)
}

// Start launches the bot's engine.
func (s *BotService) Start(userID, botID uint) error {
	bot, err := s.Get(userID, botID)
	if err != nil {
		return err
	}
	if s.manager.IsRunning(botID) {
		return invalidState("bot is already running")
	}
	if bot.Status == database.BotRunning {
		// Stale status from a crash; the engine will rewrite it.
		_ = s.store.UpdateBotStatus(botID, database.BotStopped)
	}
	if err := s.manager.StartBot(botID); err != nil {
		return &Error{Code: CodeExchange, Message: "bot start failed", Details: err.Error()}
	}
	return nil
}

// Stop flattens positions and stops the engine.
func (s *BotService) Stop(ctx context.Context, userID, botID uint) error {
	if _, err := s.Get(userID, botID); err != nil {
		return err
	}
	return s.manager.StopBot(ctx, botID)
}

// ClosePositions flattens the bot's exposure without changing its status.
func (s *BotService) ClosePositions(ctx context.Context, userID, botID uint) error {
	if _, err := s.Get(userID, botID); err != nil {
		return err
	}
	if err := s.manager.ClosePositions(ctx, botID); err != nil {
		return &Error{Code: CodeExchange, Message: "close positions failed", Details: err.Error()}
	}
	return nil
}

// Pause halts the engine loop, leaving venue exposure untouched.
func (s *BotService) Pause(userID, botID uint) error {
	if _, err := s.Get(userID, botID); err != nil {
		return err
	}
	if err := s.manager.PauseBot(botID); err != nil {
		if errors.Is(err, engine.ErrBotNotRunning) {
			return invalidState("bot is not running")
		}
		return err
	}
	return nil
}

// History accessors for the dashboard.

func (s *BotService) Orders(userID, botID uint, limit int) ([]database.Order, error) {
	if _, err := s.Get(userID, botID); err != nil {
		return nil, err
	}
	return s.store.OrdersByBot(botID, limit)
}

func (s *BotService) Positions(userID, botID uint) ([]database.Position, error) {
	if _, err := s.Get(userID, botID); err != nil {
		return nil, err
	}
	return s.store.OpenPositions(botID)
}

func (s *BotService) Spreads(userID, botID uint, limit int) ([]database.SpreadSample, error) {
	if _, err := s.Get(userID, botID); err != nil {
		return nil, err
	}
	return s.store.RecentSpreads(botID, limit)
}

func (s *BotService) TradeLogs(userID, botID uint, limit int) ([]database.TradeLog, error) {
	if _, err := s.Get(userID, botID); err != nil {
		return nil, err
	}
	return s.store.TradeLogs(botID, limit)
}

// AccountService owns exchange credential management.
type AccountService struct {
	store *database.Store
	newEx engine.ExchangeFactory
}

func NewAccountService(store *database.Store, factory engine.ExchangeFactory) *AccountService {
	if factory == nil {
		factory = engine.DefaultExchangeFactory
	}
	return &AccountService{store: store, newEx: factory}
}

func (s *AccountService) validate(acct *database.ExchangeAccount) error {
	if acct.AccountName == "" {
		return invalidConfig("account name is required")
	}
	switch acct.ExchangeName {
	case "okx", "binance", "mock":
	default:
		return invalidConfig("unsupported exchange %q", acct.ExchangeName)
	}
	if acct.ExchangeName != "mock" && acct.IsTestnet == nil {
		return invalidConfig("is_testnet must be set explicitly")
	}
	return nil
}

func (s *AccountService) Create(userID uint, acct *database.ExchangeAccount) error {
	acct.UserID = userID
	if err := s.validate(acct); err != nil {
		return err
	}
	return s.store.CreateExchangeAccount(acct)
}

func (s *AccountService) List(userID uint) ([]database.ExchangeAccount, error) {
	return s.store.ListExchangeAccounts(userID)
}

func (s *AccountService) get(userID, acctID uint) (*database.ExchangeAccount, error) {
	acct, err := s.store.GetExchangeAccount(acctID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("exchange account")
	}
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, notFound("exchange account")
	}
	return acct, nil
}

func (s *AccountService) Update(userID uint, updated *database.ExchangeAccount) error {
	current, err := s.get(userID, updated.ID)
	if err != nil {
		return err
	}
	current.AccountName = updated.AccountName
	current.ExchangeName = updated.ExchangeName
	current.APIKey = updated.APIKey
	current.APISecret = updated.APISecret
	current.Passphrase = updated.Passphrase
	current.IsTestnet = updated.IsTestnet
	current.ProxyURL = updated.ProxyURL
	if err := s.validate(current); err != nil {
		return err
	}
	return s.store.SaveExchangeAccount(current)
}

func (s *AccountService) Delete(userID, acctID uint) error {
	if _, err := s.get(userID, acctID); err != nil {
		return err
	}
	return s.store.DeleteExchangeAccount(acctID)
}

// TestConnection verifies the credentials by fetching the account balance,
// bounded at thirty seconds.
func (s *AccountService) TestConnection(ctx context.Context, userID, acctID uint) error {
	acct, err := s.get(userID, acctID)
	if err != nil {
		return err
	}
	ex, err := s.newEx(acct)
	if err != nil {
		return &Error{Code: CodeExchange, Message: "adapter construction failed", Details: err.Error()}
	}
	defer ex.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := ex.GetBalance(ctx); err != nil {
		if errors.Is(err, exchange.ErrAuth) {
			return &Error{Code: CodeExchange, Message: "authentication rejected", Details: err.Error()}
		}
		return &Error{Code: CodeExchange, Message: "connection test failed", Details: err.Error()}
	}
	return nil
}
