package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// BinanceExchange adapts Binance USDT-margined futures through the
// go-binance SDK. Accounts are assumed to be in one-way position mode,
// where reduceOnly is honored directly. Symbols arrive in the common
// dash-separated form and are flattened to Binance's concatenated form.
type BinanceExchange struct {
	client *futures.Client
}

// BinanceConfig carries adapter credentials.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// NewBinanceExchange builds the adapter. futures.UseTestnet is a package
// global in the SDK, so mixing testnet and production Binance clients in
// one process is not supported.
func NewBinanceExchange(cfg BinanceConfig) *BinanceExchange {
	futures.UseTestnet = cfg.Testnet
	return &BinanceExchange{
		client: futures.NewClient(cfg.APIKey, cfg.SecretKey),
	}
}

func (b *BinanceExchange) Name() string { return "binance" }

// binanceSymbol flattens "BTC-USDT-SWAP" to "BTCUSDT".
func binanceSymbol(symbol string) string {
	s := strings.TrimSuffix(symbol, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}

// wrapBinanceErr maps SDK errors onto the common taxonomy.
func wrapBinanceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2014, -2015, -1022:
			return fmt.Errorf("%w: binance code %d: %s", ErrAuth, apiErr.Code, apiErr.Message)
		case -1121:
			return fmt.Errorf("%w: binance code %d: %s", ErrSymbolUnknown, apiErr.Code, apiErr.Message)
		case -2019:
			return fmt.Errorf("%w: binance code %d: %s", ErrInsufficientBalance, apiErr.Code, apiErr.Message)
		case -1003, -1001:
			return &NetworkError{Op: op, Err: err}
		}
		return fmt.Errorf("binance: %s: %w", op, err)
	}
	// Non-API failures from the SDK are transport problems.
	return &NetworkError{Op: op, Err: err}
}

func (b *BinanceExchange) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	native := binanceSymbol(symbol)
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(native).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("get_ticker", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}

	s := stats[0]
	last := binanceDecimal(s.LastPrice)
	return &Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       last,
		Ask:       last,
		Volume:    binanceDecimal(s.Volume),
		Timestamp: time.UnixMilli(s.CloseTime),
	}, nil
}

func (b *BinanceExchange) CreateMarketOrder(ctx context.Context, symbol string, side Side, amount decimal.Decimal, reduceOnly bool) (*Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(binanceSymbol(symbol)).
		Side(binanceSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(amount.String())
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("create_market_order", err)
	}
	// Market acks can lag their fills; re-read for actual cost.
	return b.GetOrder(ctx, strconv.FormatInt(resp.OrderID, 10), symbol)
}

func (b *BinanceExchange) CreateLimitOrder(ctx context.Context, symbol string, side Side, amount, price decimal.Decimal, reduceOnly bool) (*Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(binanceSymbol(symbol)).
		Side(binanceSide(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(amount.String()).
		Price(price.String())
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("create_limit_order", err)
	}
	return b.GetOrder(ctx, strconv.FormatInt(resp.OrderID, 10), symbol)
}

func (b *BinanceExchange) GetOrder(ctx context.Context, id, symbol string) (*Order, error) {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: bad order id %q: %w", id, err)
	}

	raw, err := b.client.NewGetOrderService().
		Symbol(binanceSymbol(symbol)).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("get_order", err)
	}

	amount := binanceDecimal(raw.OrigQuantity)
	filled := binanceDecimal(raw.ExecutedQuantity)
	avgPx := binanceDecimal(raw.AvgPrice)
	price := avgPx
	if price.IsZero() {
		price = binanceDecimal(raw.Price)
	}

	return &Order{
		ID:        strconv.FormatInt(raw.OrderID, 10),
		Symbol:    symbol,
		Type:      binanceOrderType(raw.Type),
		Side:      binanceSideBack(raw.Side),
		Price:     price,
		Amount:    amount,
		Filled:    filled,
		Remaining: amount.Sub(filled),
		Cost:      avgPx.Mul(filled),
		Status:    binanceOrderStatus(raw.Status),
		Timestamp: time.UnixMilli(raw.Time),
	}, nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: bad order id %q: %w", id, err)
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(binanceSymbol(symbol)).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		current, getErr := b.GetOrder(ctx, id, symbol)
		if getErr == nil && current.Status.Terminal() {
			return nil
		}
		return wrapBinanceErr("cancel_order", err)
	}
	return nil
}

func (b *BinanceExchange) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	risks, err := b.client.NewGetPositionRiskService().
		Symbol(binanceSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("get_position", err)
	}
	for _, r := range risks {
		pos := binancePosition(r, symbol)
		if pos != nil {
			return pos, nil
		}
	}
	return nil, nil
}

func (b *BinanceExchange) GetAllPositions(ctx context.Context) ([]*Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("get_all_positions", err)
	}

	out := make([]*Position, 0, len(risks))
	for _, r := range risks {
		if pos := binancePosition(r, ""); pos != nil {
			out = append(out, pos)
		}
	}
	return out, nil
}

func binancePosition(r *futures.PositionRisk, symbol string) *Position {
	amount := binanceDecimal(r.PositionAmt)
	if amount.IsZero() {
		return nil
	}
	side := PositionLong
	if amount.IsNegative() {
		side = PositionShort
	}
	leverage, _ := strconv.Atoi(r.Leverage)
	if symbol == "" {
		symbol = r.Symbol
	}
	return &Position{
		Symbol:           symbol,
		Side:             side,
		Amount:           amount.Abs(),
		EntryPrice:       binanceDecimal(r.EntryPrice),
		CurrentPrice:     binanceDecimal(r.MarkPrice),
		UnrealizedPnL:    binanceDecimal(r.UnRealizedProfit),
		LiquidationPrice: binanceDecimal(r.LiquidationPrice),
		Leverage:         leverage,
	}
}

func (b *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(binanceSymbol(symbol)).
		Leverage(leverage).
		Do(ctx)
	return wrapBinanceErr("set_leverage", err)
}

func (b *BinanceExchange) GetBalance(ctx context.Context) (*Balance, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("get_balance", err)
	}

	out := &Balance{
		Free:  make(map[string]decimal.Decimal),
		Used:  make(map[string]decimal.Decimal),
		Total: make(map[string]decimal.Decimal),
	}
	for _, bal := range balances {
		total := binanceDecimal(bal.Balance)
		free := binanceDecimal(bal.AvailableBalance)
		out.Free[bal.Asset] = free
		out.Used[bal.Asset] = total.Sub(free)
		out.Total[bal.Asset] = total
	}
	return out, nil
}

func (b *BinanceExchange) FetchHistoricalPrice(ctx context.Context, symbol string, tsMillis int64) (*decimal.Decimal, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(binanceSymbol(symbol)).
		Interval("5m").
		StartTime(tsMillis).
		Limit(1).
		Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("fetch_historical_price", err)
	}
	if len(klines) == 0 {
		return nil, nil
	}
	close := binanceDecimal(klines[0].Close)
	return &close, nil
}

func (b *BinanceExchange) Close() error { return nil }

func binanceDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func binanceSide(side Side) futures.SideType {
	if side == SideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func binanceSideBack(side futures.SideType) Side {
	if side == futures.SideTypeBuy {
		return SideBuy
	}
	return SideSell
}

func binanceOrderType(t futures.OrderType) OrderType {
	if t == futures.OrderTypeLimit {
		return OrderLimit
	}
	return OrderMarket
}

func binanceOrderStatus(s futures.OrderStatusType) OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return StatusOpen
	case futures.OrderStatusTypeFilled:
		return StatusClosed
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired, futures.OrderStatusTypeRejected:
		return StatusCanceled
	}
	return StatusPending
}
