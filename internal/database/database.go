// Package database is the gorm persistence layer. It speaks PostgreSQL in
// production and falls back to SQLite for local runs and tests; the schema
// is auto-migrated on startup.
package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

// New opens the database at dsn. Anything that does not look like a
// PostgreSQL URL is treated as a SQLite file path.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&Bot{}, &ExchangeAccount{}, &Order{}, &Position{}, &SpreadSample{}, &TradeLog{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Transaction runs fn atomically against a Store bound to the tx.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Bot operations

func (s *Store) CreateBot(bot *Bot) error {
	return s.db.Create(bot).Error
}

func (s *Store) GetBot(id uint) (*Bot, error) {
	var bot Bot
	err := s.db.First(&bot, id).Error
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// GetUserBot fetches a bot only when it belongs to userID.
func (s *Store) GetUserBot(id, userID uint) (*Bot, error) {
	var bot Bot
	err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&bot).Error
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

func (s *Store) ListBots(userID uint) ([]Bot, error) {
	var bots []Bot
	err := s.db.Where("user_id = ?", userID).Order("id").Find(&bots).Error
	return bots, err
}

func (s *Store) SaveBot(bot *Bot) error {
	return s.db.Save(bot).Error
}

func (s *Store) DeleteBot(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Order{}, &Position{}, &SpreadSample{}, &TradeLog{}} {
			if err := tx.Where("bot_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&Bot{}, id).Error
	})
}

// UpdateBotStatus writes just the status column.
func (s *Store) UpdateBotStatus(id uint, status string) error {
	return s.db.Model(&Bot{}).Where("id = ?", id).Update("status", status).Error
}

// BotsByStatus returns all bots in the given status, across users.
func (s *Store) BotsByStatus(status string) ([]Bot, error) {
	var bots []Bot
	err := s.db.Where("status = ?", status).Find(&bots).Error
	return bots, err
}

// Exchange account operations

func (s *Store) CreateExchangeAccount(acct *ExchangeAccount) error {
	return s.db.Create(acct).Error
}

func (s *Store) GetExchangeAccount(id uint) (*ExchangeAccount, error) {
	var acct ExchangeAccount
	err := s.db.First(&acct, id).Error
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) ListExchangeAccounts(userID uint) ([]ExchangeAccount, error) {
	var accts []ExchangeAccount
	err := s.db.Where("user_id = ?", userID).Order("id").Find(&accts).Error
	return accts, err
}

func (s *Store) SaveExchangeAccount(acct *ExchangeAccount) error {
	return s.db.Save(acct).Error
}

func (s *Store) DeleteExchangeAccount(id uint) error {
	return s.db.Delete(&ExchangeAccount{}, id).Error
}

// Order operations

func (s *Store) CreateOrder(order *Order) error {
	return s.db.Create(order).Error
}

func (s *Store) SaveOrder(order *Order) error {
	return s.db.Save(order).Error
}

func (s *Store) GetOrderByExchangeID(botID uint, exchangeOrderID string) (*Order, error) {
	var order Order
	err := s.db.Where("bot_id = ? AND exchange_order_id = ?", botID, exchangeOrderID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) OrdersByBot(botID uint, limit int) ([]Order, error) {
	var orders []Order
	q := s.db.Where("bot_id = ?", botID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

// NonTerminalOrders returns orders still pending or open on the venue.
func (s *Store) NonTerminalOrders(botID uint) ([]Order, error) {
	var orders []Order
	err := s.db.Where("bot_id = ? AND status IN ?", botID, []string{OrderPending, OrderOpen}).
		Find(&orders).Error
	return orders, err
}

// Position operations

func (s *Store) CreatePosition(pos *Position) error {
	return s.db.Create(pos).Error
}

func (s *Store) SavePosition(pos *Position) error {
	return s.db.Save(pos).Error
}

// OpenPositions returns the bot's open rows, one per leg at most.
func (s *Store) OpenPositions(botID uint) ([]Position, error) {
	var positions []Position
	err := s.db.Where("bot_id = ? AND status = ?", botID, PositionOpen).
		Order("symbol").Find(&positions).Error
	return positions, err
}

// OpenPosition returns the open row for one leg, or nil when flat.
func (s *Store) OpenPosition(botID uint, symbol string) (*Position, error) {
	var pos Position
	err := s.db.Where("bot_id = ? AND symbol = ? AND status = ?", botID, symbol, PositionOpen).
		First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// CloseOpenPositions marks every open row of the bot closed.
func (s *Store) CloseOpenPositions(botID uint) error {
	return s.db.Model(&Position{}).
		Where("bot_id = ? AND status = ?", botID, PositionOpen).
		Updates(map[string]any{"status": PositionClosed, "closed_at": time.Now(), "updated_at": time.Now()}).Error
}

// MaxPositionCycle returns the highest cycle any position row of the bot
// has reached, zero when the bot has never traded.
func (s *Store) MaxPositionCycle(botID uint) (int, error) {
	var result struct{ Max int }
	err := s.db.Model(&Position{}).
		Select("COALESCE(MAX(cycle), 0) as max").
		Where("bot_id = ?", botID).
		Scan(&result).Error
	return result.Max, err
}

// Spread history operations

func (s *Store) AddSpreadSample(sample *SpreadSample) error {
	return s.db.Create(sample).Error
}

func (s *Store) RecentSpreads(botID uint, limit int) ([]SpreadSample, error) {
	var samples []SpreadSample
	q := s.db.Where("bot_id = ?", botID).Order("recorded_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&samples).Error
	return samples, err
}

// Trade log operations

func (s *Store) AddTradeLog(entry *TradeLog) error {
	return s.db.Create(entry).Error
}

func (s *Store) TradeLogs(botID uint, limit int) ([]TradeLog, error) {
	var logs []TradeLog
	q := s.db.Where("bot_id = ?", botID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&logs).Error
	return logs, err
}
