package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBinance(t *testing.T, handler http.HandlerFunc) *BinanceExchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ex := NewBinanceExchange(BinanceConfig{APIKey: "key", SecretKey: "secret"})
	ex.client.BaseURL = srv.URL
	ex.client.HTTPClient = srv.Client()
	return ex
}

func TestBinanceSymbolFlattening(t *testing.T) {
	assert.Equal(t, "BTCUSDT", binanceSymbol("BTC-USDT-SWAP"))
	assert.Equal(t, "ETHUSDT", binanceSymbol("ETH-USDT"))
	assert.Equal(t, "BTCUSDT", binanceSymbol("BTCUSDT"))
}

func TestBinanceOrderStatusMapping(t *testing.T) {
	assert.Equal(t, StatusOpen, binanceOrderStatus(futures.OrderStatusTypeNew))
	assert.Equal(t, StatusOpen, binanceOrderStatus(futures.OrderStatusTypePartiallyFilled))
	assert.Equal(t, StatusClosed, binanceOrderStatus(futures.OrderStatusTypeFilled))
	assert.Equal(t, StatusCanceled, binanceOrderStatus(futures.OrderStatusTypeCanceled))
	assert.Equal(t, StatusCanceled, binanceOrderStatus(futures.OrderStatusTypeExpired))
}

func TestBinanceSideMapping(t *testing.T) {
	assert.Equal(t, futures.SideTypeBuy, binanceSide(SideBuy))
	assert.Equal(t, futures.SideTypeSell, binanceSide(SideSell))
	assert.Equal(t, SideBuy, binanceSideBack(futures.SideTypeBuy))
	assert.Equal(t, SideSell, binanceSideBack(futures.SideTypeSell))
}

func TestBinanceDecimalLenience(t *testing.T) {
	// The REST API leaves numeric fields empty on fresh orders.
	assert.True(t, binanceDecimal("").IsZero())
	assert.True(t, binanceDecimal("not-a-number").IsZero())
	assert.True(t, binanceDecimal("1.5").Equal(decimal.RequireFromString("1.5")))
}

func TestBinanceTickerParsing(t *testing.T) {
	ex := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"symbol":"BTCUSDT","lastPrice":"43000.5","volume":"1234.5","closeTime":1700000000000}]`)
	})

	ticker, err := ex.GetTicker(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT-SWAP", ticker.Symbol)
	assert.True(t, ticker.Last.Equal(decimal.RequireFromString("43000.5")))
	assert.True(t, ticker.Volume.Equal(decimal.RequireFromString("1234.5")))
}

func TestBinancePositionParsing(t *testing.T) {
	var query string
	ex := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "positionRisk")
		query = r.URL.RawQuery
		io.WriteString(w, `[
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0.0","markPrice":"","unRealizedProfit":"","liquidationPrice":"","leverage":"5"},
			{"symbol":"BTCUSDT","positionAmt":"-3.5","entryPrice":"43100","markPrice":"43000","unRealizedProfit":"350","liquidationPrice":"51000","leverage":"5"}
		]`)
	})

	pos, err := ex.GetPosition(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Contains(t, query, "symbol=BTCUSDT")

	// Flat rows are skipped, shorts come back with a positive size.
	assert.Equal(t, "BTC-USDT-SWAP", pos.Symbol)
	assert.Equal(t, PositionShort, pos.Side)
	assert.True(t, pos.Amount.Equal(decimal.RequireFromString("3.5")))
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(350)))
	assert.Equal(t, 5, pos.Leverage)
}

func TestBinanceFlatPositionIsNil(t *testing.T) {
	ex := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0.0","markPrice":"2200","unRealizedProfit":"0","liquidationPrice":"0","leverage":"3"}]`)
	})

	pos, err := ex.GetPosition(context.Background(), "ETH-USDT-SWAP")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestBinanceOrderFillMapping(t *testing.T) {
	ex := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"orderId":9001,"symbol":"BTCUSDT","status":"FILLED","price":"0","avgPrice":"43010.5","origQty":"0.004","executedQty":"0.004","type":"MARKET","side":"BUY","time":1700000000000}`)
	})

	order, err := ex.GetOrder(context.Background(), "9001", "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, "9001", order.ID)
	assert.Equal(t, StatusClosed, order.Status)
	assert.Equal(t, SideBuy, order.Side)
	assert.True(t, order.Price.Equal(decimal.RequireFromString("43010.5")))
	assert.True(t, order.Filled.Equal(decimal.RequireFromString("0.004")))
	assert.True(t, order.Remaining.IsZero())
	assert.True(t, order.Cost.Equal(decimal.RequireFromString("172.042")))
}

func TestBinanceRestingOrderMapping(t *testing.T) {
	// Fresh limit orders report an empty avgPrice and nothing executed.
	ex := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"orderId":9002,"symbol":"BTCUSDT","status":"NEW","price":"42000","avgPrice":"","origQty":"0.004","executedQty":"0","type":"LIMIT","side":"SELL","time":1700000000000}`)
	})

	order, err := ex.GetOrder(context.Background(), "9002", "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, order.Status)
	assert.True(t, order.Filled.IsZero())
	assert.True(t, order.Cost.IsZero())
	assert.True(t, order.Price.Equal(decimal.NewFromInt(42000)))
	assert.True(t, order.Remaining.Equal(decimal.RequireFromString("0.004")))
}

func TestBinanceAuthErrorTaxonomy(t *testing.T) {
	ex := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`)
	})

	_, err := ex.GetPosition(context.Background(), "BTC-USDT-SWAP")
	require.ErrorIs(t, err, ErrAuth)
	assert.False(t, IsTransient(err))
}

func TestBinanceRateLimitIsTransient(t *testing.T) {
	ex := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"code":-1003,"msg":"Too many requests; current limit is 2400 request weight per 1 MINUTE."}`)
	})

	_, err := ex.GetPosition(context.Background(), "BTC-USDT-SWAP")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
