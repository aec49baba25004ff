package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// OKXExchange talks to the OKX v5 REST API for USDT-margined perpetual
// swaps. All trading uses cross margin in long/short position mode, so
// every order carries an explicit posSide. Demo-trading accounts are
// selected with the x-simulated-trading header, not a different host.
type OKXExchange struct {
	apiKey     string
	secretKey  string
	passphrase string
	sandbox    bool

	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

const okxBaseURL = "https://www.okx.com"

// OKXConfig carries adapter credentials and transport options.
type OKXConfig struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	Sandbox    bool
	// ProxyURL routes all requests through an HTTP/SOCKS proxy when set.
	ProxyURL string
}

// NewOKXExchange builds the adapter. The limiter keeps us inside OKX's
// per-endpoint budget (20 req/2s on the strictest trade endpoints).
func NewOKXExchange(cfg OKXConfig) (*OKXExchange, error) {
	transport := &http.Transport{}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("okx: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &OKXExchange{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		passphrase: cfg.Passphrase,
		sandbox:    cfg.Sandbox,
		baseURL:    okxBaseURL,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(8), 16),
		now:     time.Now,
	}, nil
}

func (o *OKXExchange) Name() string { return "okx" }

type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// sign produces the OK-ACCESS-SIGN header value:
// base64(HMAC-SHA256(secret, timestamp + method + path + body)).
func (o *OKXExchange) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(o.secretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (o *OKXExchange) request(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullPath := path
	if len(params) > 0 {
		fullPath = path + "?" + params.Encode()
	}

	var bodyStr string
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("okx: marshal request: %w", err)
		}
		bodyStr = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+fullPath, reader)
	if err != nil {
		return nil, fmt.Errorf("okx: build request: %w", err)
	}

	timestamp := o.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", o.sign(timestamp, method, fullPath, bodyStr))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	if o.sandbox {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &NetworkError{Op: method + " " + path, Err: fmt.Errorf("http %d: %s", resp.StatusCode, raw)}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: http 401: %s", ErrAuth, raw)
	}

	var parsed okxResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("okx: decode response: %w", err)
	}
	if parsed.Code != "0" {
		return nil, o.apiError(parsed.Code, parsed.Msg)
	}
	return parsed.Data, nil
}

// apiError maps OKX business codes onto the common taxonomy.
func (o *OKXExchange) apiError(code, msg string) error {
	switch code {
	case "50100", "50102", "50103", "50104", "50105", "50111", "50113", "50114":
		return fmt.Errorf("%w: okx code %s: %s", ErrAuth, code, msg)
	case "51000", "51001":
		return fmt.Errorf("%w: okx code %s: %s", ErrSymbolUnknown, code, msg)
	case "51008", "51119":
		return fmt.Errorf("%w: okx code %s: %s", ErrInsufficientBalance, code, msg)
	case "50011", "50013", "50026":
		// Rate limited / system busy / system error.
		return &NetworkError{Op: "okx", Err: fmt.Errorf("code %s: %s", code, msg)}
	}
	return fmt.Errorf("okx: api error %s: %s", code, msg)
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
	Vol24h string `json:"vol24h"`
	Ts     string `json:"ts"`
}

func (o *OKXExchange) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{"instId": {symbol}}
	data, err := o.request(ctx, http.MethodGet, "/api/v5/market/ticker", params, nil)
	if err != nil {
		return nil, err
	}

	var tickers []okxTicker
	if err := json.Unmarshal(data, &tickers); err != nil {
		return nil, fmt.Errorf("okx: decode ticker: %w", err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}

	t := tickers[0]
	tsMillis, _ := strconv.ParseInt(t.Ts, 10, 64)
	return &Ticker{
		Symbol:    t.InstID,
		Last:      okxDecimal(t.Last),
		Bid:       okxDecimal(t.BidPx),
		Ask:       okxDecimal(t.AskPx),
		Volume:    okxDecimal(t.Vol24h),
		Timestamp: time.UnixMilli(tsMillis),
	}, nil
}

// posSideFor maps order direction onto OKX's long/short position mode:
// opening orders take the side's natural direction, reduce-only orders
// target the opposite book.
func posSideFor(side Side, reduceOnly bool) string {
	long := side == SideBuy
	if reduceOnly {
		long = !long
	}
	if long {
		return "long"
	}
	return "short"
}

type okxOrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type okxOrderAck struct {
	OrdID string `json:"ordId"`
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

func (o *OKXExchange) CreateMarketOrder(ctx context.Context, symbol string, side Side, amount decimal.Decimal, reduceOnly bool) (*Order, error) {
	return o.createOrder(ctx, okxOrderRequest{
		InstID:     symbol,
		TdMode:     "cross",
		Side:       string(side),
		PosSide:    posSideFor(side, reduceOnly),
		OrdType:    "market",
		Sz:         amount.String(),
		ReduceOnly: reduceOnly,
	})
}

func (o *OKXExchange) CreateLimitOrder(ctx context.Context, symbol string, side Side, amount, price decimal.Decimal, reduceOnly bool) (*Order, error) {
	return o.createOrder(ctx, okxOrderRequest{
		InstID:     symbol,
		TdMode:     "cross",
		Side:       string(side),
		PosSide:    posSideFor(side, reduceOnly),
		OrdType:    "limit",
		Sz:         amount.String(),
		Px:         price.String(),
		ReduceOnly: reduceOnly,
	})
}

func (o *OKXExchange) createOrder(ctx context.Context, req okxOrderRequest) (*Order, error) {
	data, err := o.request(ctx, http.MethodPost, "/api/v5/trade/order", nil, req)
	if err != nil {
		return nil, err
	}

	var acks []okxOrderAck
	if err := json.Unmarshal(data, &acks); err != nil {
		return nil, fmt.Errorf("okx: decode order ack: %w", err)
	}
	if len(acks) == 0 {
		return nil, fmt.Errorf("okx: empty order ack")
	}
	if acks[0].SCode != "0" && acks[0].SCode != "" {
		return nil, o.apiError(acks[0].SCode, acks[0].SMsg)
	}

	log.Debug().Str("exchange", "okx").Str("order_id", acks[0].OrdID).
		Str("symbol", req.InstID).Str("side", req.Side).Str("size", req.Sz).
		Msg("order submitted")

	// The ack has no fill data; callers re-read via GetOrder after the
	// settle delay.
	return o.GetOrder(ctx, acks[0].OrdID, req.InstID)
}

type okxOrder struct {
	OrdID     string `json:"ordId"`
	InstID    string `json:"instId"`
	OrdType   string `json:"ordType"`
	Side      string `json:"side"`
	Px        string `json:"px"`
	AvgPx     string `json:"avgPx"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	State     string `json:"state"`
	CTime     string `json:"cTime"`
}

func okxOrderStatus(state string) OrderStatus {
	switch state {
	case "live":
		return StatusOpen
	case "partially_filled":
		return StatusOpen
	case "filled":
		return StatusClosed
	case "canceled", "mmp_canceled":
		return StatusCanceled
	}
	return StatusPending
}

func (o *OKXExchange) GetOrder(ctx context.Context, id, symbol string) (*Order, error) {
	params := url.Values{"instId": {symbol}, "ordId": {id}}
	data, err := o.request(ctx, http.MethodGet, "/api/v5/trade/order", params, nil)
	if err != nil {
		return nil, err
	}

	var orders []okxOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("okx: decode order: %w", err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("okx: order %s not found", id)
	}

	raw := orders[0]
	amount := okxDecimal(raw.Sz)
	filled := okxDecimal(raw.AccFillSz)
	avgPx := okxDecimal(raw.AvgPx)
	price := avgPx
	if price.IsZero() {
		price = okxDecimal(raw.Px)
	}
	tsMillis, _ := strconv.ParseInt(raw.CTime, 10, 64)

	return &Order{
		ID:        raw.OrdID,
		Symbol:    raw.InstID,
		Type:      OrderType(raw.OrdType),
		Side:      Side(raw.Side),
		Price:     price,
		Amount:    amount,
		Filled:    filled,
		Remaining: amount.Sub(filled),
		Cost:      avgPx.Mul(filled),
		Status:    okxOrderStatus(raw.State),
		Timestamp: time.UnixMilli(tsMillis),
	}, nil
}

func (o *OKXExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	body := map[string]string{"instId": symbol, "ordId": id}
	_, err := o.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body)
	if err != nil {
		// Canceling a filled or already-canceled order is not a failure.
		current, getErr := o.GetOrder(ctx, id, symbol)
		if getErr == nil && current.Status.Terminal() {
			return nil
		}
		return err
	}
	return nil
}

type okxPosition struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	MarkPx  string `json:"markPx"`
	Upl     string `json:"upl"`
	LiqPx   string `json:"liqPx"`
	Lever   string `json:"lever"`
}

func (o *OKXExchange) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	params := url.Values{"instType": {"SWAP"}, "instId": {symbol}}
	positions, err := o.fetchPositions(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return positions[0], nil
}

func (o *OKXExchange) GetAllPositions(ctx context.Context) ([]*Position, error) {
	params := url.Values{"instType": {"SWAP"}}
	return o.fetchPositions(ctx, params)
}

func (o *OKXExchange) fetchPositions(ctx context.Context, params url.Values) ([]*Position, error) {
	data, err := o.request(ctx, http.MethodGet, "/api/v5/account/positions", params, nil)
	if err != nil {
		return nil, err
	}

	var raw []okxPosition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("okx: decode positions: %w", err)
	}

	out := make([]*Position, 0, len(raw))
	for _, p := range raw {
		amount := okxDecimal(p.Pos)
		if amount.IsZero() {
			continue
		}
		side := PositionLong
		if p.PosSide == "short" || amount.IsNegative() {
			side = PositionShort
		}
		lever, _ := strconv.Atoi(p.Lever)
		out = append(out, &Position{
			Symbol:           p.InstID,
			Side:             side,
			Amount:           amount.Abs(),
			EntryPrice:       okxDecimal(p.AvgPx),
			CurrentPrice:     okxDecimal(p.MarkPx),
			UnrealizedPnL:    okxDecimal(p.Upl),
			LiquidationPrice: okxDecimal(p.LiqPx),
			Leverage:         lever,
		})
	}
	return out, nil
}

func (o *OKXExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	// Long/short mode requires setting each direction separately.
	for _, posSide := range []string{"long", "short"} {
		body := map[string]string{
			"instId":  symbol,
			"lever":   strconv.Itoa(leverage),
			"mgnMode": "cross",
			"posSide": posSide,
		}
		if _, err := o.request(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, body); err != nil {
			return err
		}
	}
	return nil
}

type okxBalanceDetail struct {
	Ccy       string `json:"ccy"`
	AvailBal  string `json:"availBal"`
	FrozenBal string `json:"frozenBal"`
	Eq        string `json:"eq"`
}

func (o *OKXExchange) GetBalance(ctx context.Context) (*Balance, error) {
	data, err := o.request(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil)
	if err != nil {
		return nil, err
	}

	var accounts []struct {
		Details []okxBalanceDetail `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("okx: decode balance: %w", err)
	}

	balance := &Balance{
		Free:  make(map[string]decimal.Decimal),
		Used:  make(map[string]decimal.Decimal),
		Total: make(map[string]decimal.Decimal),
	}
	for _, acct := range accounts {
		for _, d := range acct.Details {
			balance.Free[d.Ccy] = okxDecimal(d.AvailBal)
			balance.Used[d.Ccy] = okxDecimal(d.FrozenBal)
			balance.Total[d.Ccy] = okxDecimal(d.Eq)
		}
	}
	return balance, nil
}

func (o *OKXExchange) FetchHistoricalPrice(ctx context.Context, symbol string, tsMillis int64) (*decimal.Decimal, error) {
	// history-candles paginates backwards: "after" returns candles older
	// than ts, so the first row is the candle nearest the requested time.
	params := url.Values{
		"instId": {symbol},
		"bar":    {"5m"},
		"after":  {strconv.FormatInt(tsMillis+5*60*1000, 10)},
		"limit":  {"1"},
	}
	data, err := o.request(ctx, http.MethodGet, "/api/v5/market/history-candles", params, nil)
	if err != nil {
		return nil, err
	}

	var candles [][]string
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, fmt.Errorf("okx: decode candles: %w", err)
	}
	if len(candles) == 0 || len(candles[0]) < 5 {
		return nil, nil
	}
	// Candle layout is [ts, open, high, low, close, ...].
	close := okxDecimal(candles[0][4])
	return &close, nil
}

func (o *OKXExchange) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

func okxDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
