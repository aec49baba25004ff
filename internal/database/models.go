package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bot statuses.
const (
	BotStopped = "stopped"
	BotRunning = "running"
	BotPaused  = "paused"
)

// Profit modes.
const (
	ProfitRegression = "regression"
	ProfitPosition   = "position"
)

// Order record statuses. These mirror the venue vocabulary so exchange
// statuses can be stored as-is.
const (
	OrderPending  = "pending"
	OrderOpen     = "open"
	OrderClosed   = "closed"
	OrderCanceled = "canceled"
)

// Position record statuses.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// DcaLevel is one scale-in rung: when the spread has widened by Spread
// percent beyond the last entry, add Multiple times the base order size.
type DcaLevel struct {
	Times    int             `json:"times"`
	Spread   decimal.Decimal `json:"spread"`
	Multiple decimal.Decimal `json:"multiple"`
}

// DcaConfig is the ordered list of scale-in rungs, stored as a JSON column.
type DcaConfig []DcaLevel

func (c DcaConfig) Value() (driver.Value, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (c *DcaConfig) Scan(value any) error {
	if value == nil {
		*c = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	}
	return fmt.Errorf("database: cannot scan %T into DcaConfig", value)
}

// Bot is one configured pair-spread strategy instance.
type Bot struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	UserID            uint   `gorm:"index"`
	ExchangeAccountID uint   `gorm:"index"`
	BotName           string
	Market1Symbol     string
	Market2Symbol     string

	// Baselines for the percentage-change legs. StartTime selects the
	// historical candle used to resolve the start prices on first run.
	Market1StartPrice decimal.Decimal `gorm:"type:decimal(18,8)"`
	Market2StartPrice decimal.Decimal `gorm:"type:decimal(18,8)"`
	StartTime         time.Time

	Leverage           int             `gorm:"default:1"`
	OrderTypeOpen      string          `gorm:"default:market"`
	OrderTypeClose     string          `gorm:"default:market"`
	InvestmentPerOrder decimal.Decimal `gorm:"type:decimal(18,8)"`
	MaxPositionValue   decimal.Decimal `gorm:"type:decimal(18,8)"`
	MaxDcaTimes        int
	ProfitRatio        decimal.Decimal `gorm:"type:decimal(18,8)"`
	StopLossRatio      decimal.Decimal `gorm:"type:decimal(18,8)"`
	ProfitMode         string          `gorm:"default:regression"`
	// ReverseOpening flips both entry sides: long the leader, short the
	// laggard.
	ReverseOpening  bool
	PauseAfterClose bool
	DcaConfig       DcaConfig `gorm:"type:text"`

	Status          string `gorm:"index;default:stopped"`
	CurrentCycle    int
	CurrentDcaCount int
	// Realized profit summed over closed cycles, and the count of entry
	// orders ever placed.
	TotalProfit decimal.Decimal `gorm:"type:decimal(18,8)"`
	TotalTrades int
	// Spread captured at the first entry of the current cycle; the
	// regression take-profit measures distance from it.
	FirstTradeSpread *decimal.Decimal `gorm:"type:decimal(18,8)"`
	LastTradeSpread  *decimal.Decimal `gorm:"type:decimal(18,8)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExchangeAccount stores venue credentials per user. IsTestnet is a
// pointer so an unset environment is detectable and rejected instead of
// defaulting to production.
type ExchangeAccount struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UserID       uint   `gorm:"index"`
	AccountName  string
	ExchangeName string
	APIKey       string
	APISecret    string
	Passphrase   string
	IsTestnet    *bool
	ProxyURL     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Order is the ledger row for one venue order.
type Order struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	BotID           uint   `gorm:"index"`
	ExchangeOrderID string `gorm:"index"`
	Cycle           int    `gorm:"index"`
	Symbol          string
	Side            string
	PosSide         string
	OrderType       string
	Price           decimal.Decimal `gorm:"type:decimal(18,8)"`
	Amount          decimal.Decimal `gorm:"type:decimal(18,8)"`
	Filled          decimal.Decimal `gorm:"type:decimal(18,8)"`
	Cost            decimal.Decimal `gorm:"type:decimal(18,8)"`
	Status          string          `gorm:"index"`
	// DcaIndex is the 1-based entry number within the cycle; closing
	// orders carry 0.
	DcaIndex  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Position is the tracked per-leg exposure for a bot cycle.
type Position struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	BotID         uint   `gorm:"index"`
	Cycle         int    `gorm:"index"`
	Symbol        string `gorm:"index"`
	Side          string // long or short
	Amount        decimal.Decimal `gorm:"type:decimal(18,8)"`
	EntryPrice    decimal.Decimal `gorm:"type:decimal(18,8)"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(18,8)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(18,8)"`
	Status        string          `gorm:"index;default:open"`
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SpreadSample is one observation of the pair spread, kept for charting.
type SpreadSample struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	BotID        uint `gorm:"index"`
	Cycle        int
	Market1Price decimal.Decimal `gorm:"type:decimal(18,8)"`
	Market2Price decimal.Decimal `gorm:"type:decimal(18,8)"`
	Spread       decimal.Decimal `gorm:"type:decimal(18,8)"`
	RecordedAt   time.Time       `gorm:"index"`
}

// TradeLog is a human-readable audit line for bot activity.
type TradeLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	BotID     uint   `gorm:"index"`
	Cycle     int
	Action    string // open, dca, close, stop_loss, reconcile, error
	Message   string
	Amount    decimal.Decimal `gorm:"type:decimal(18,8)"`
	Price     decimal.Decimal `gorm:"type:decimal(18,8)"`
	CreatedAt time.Time
}
