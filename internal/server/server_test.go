package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/engine"
	"github.com/lookoupai/chainmakes/internal/events"
	"github.com/lookoupai/chainmakes/internal/service"
)

func newTestServer(t *testing.T) (*Server, *events.Bus, *database.Store) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	manager := engine.NewManager(store, bus, nil)
	bots := service.NewBotService(store, manager)
	accounts := service.NewAccountService(store, nil)
	return New(store, bots, accounts, bus), bus, store
}

func doJSON(t *testing.T, s *Server, method, path string, body any, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func seedAccountJSON(t *testing.T, s *Server) uint {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/v1/accounts", map[string]any{
		"account_name":  "paper",
		"exchange_name": "mock",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var acct database.ExchangeAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	return acct.ID
}

func botPayload(acctID uint) map[string]any {
	return map[string]any{
		"bot_name":             "btc-eth-spread",
		"exchange_account_id":  acctID,
		"market1_symbol":       "BTC-USDT-SWAP",
		"market2_symbol":       "ETH-USDT-SWAP",
		"leverage":             3,
		"investment_per_order": "100",
		"max_position_value":   "5000",
		"max_dca_times":        2,
		"profit_ratio":         "2",
		"stop_loss_ratio":      "20",
		"dca_config": []map[string]any{
			{"times": 1, "spread": "0", "multiple": "1"},
			{"times": 2, "spread": "1", "multiple": "2"},
		},
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBotCRUDOverHTTP(t *testing.T) {
	s, _, _ := newTestServer(t)
	acctID := seedAccountJSON(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/bots", botPayload(acctID), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var bot database.Bot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bot))
	assert.Equal(t, database.BotStopped, bot.Status)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/bots", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bots []database.Bot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	assert.Len(t, bots, 1)

	// Another user sees nothing and cannot touch the bot.
	rec = doJSON(t, s, http.MethodGet, "/api/v1/bots", nil, "2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	assert.Empty(t, bots)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/bots/1", nil, "2")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/bots/1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBotValidationMapsTo400(t *testing.T) {
	s, _, _ := newTestServer(t)
	acctID := seedAccountJSON(t, s)

	payload := botPayload(acctID)
	payload["market2_symbol"] = payload["market1_symbol"]
	rec := doJSON(t, s, http.MethodPost, "/api/v1/bots", payload, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, service.CodeInvalidConfig, body["code"])
}

func TestPauseWithoutRunMapsTo409(t *testing.T) {
	s, _, _ := newTestServer(t)
	acctID := seedAccountJSON(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/bots", botPayload(acctID), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/bots/1/pause", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClosePositionsOnFlatBot(t *testing.T) {
	s, _, _ := newTestServer(t)
	acctID := seedAccountJSON(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/bots", botPayload(acctID), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/bots/1/close-positions", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountSecretsNeverLeave(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/accounts", map[string]any{
		"account_name":  "okx-demo",
		"exchange_name": "okx",
		"api_key":       "AKIA1234567890",
		"api_secret":    "topsecret",
		"passphrase":    "hunter2",
		"is_testnet":    true,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "topsecret")
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), "AKIA****")

	rec = doJSON(t, s, http.MethodGet, "/api/v1/accounts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "topsecret")
}

func TestBadUserHeaderRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/bots", nil, "not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func dialBotStream(t *testing.T, s *Server, botID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bots/" + botID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBotStreamHandshakeAndEvents(t *testing.T) {
	s, bus, _ := newTestServer(t)
	acctID := seedAccountJSON(t, s)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/bots", botPayload(acctID), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	conn := dialBotStream(t, s, "1")

	var handshake map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&handshake))
	assert.Equal(t, "connection_established", handshake["type"])
	assert.EqualValues(t, 1, handshake["bot_id"])

	bus.Publish(events.Message{
		Type:      events.KindSpreadUpdate,
		BotID:     1,
		Timestamp: time.Now(),
		Data:      map[string]any{"spread": "1.5"},
	})

	var msg map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.KindSpreadUpdate, msg["type"])
}

func TestBotStreamAnswersPings(t *testing.T) {
	s, _, _ := newTestServer(t)
	acctID := seedAccountJSON(t, s)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/bots", botPayload(acctID), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	conn := dialBotStream(t, s, "1")

	var handshake map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&handshake))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var pong map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
}

func TestBotStreamRejectsUnknownBot(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bots/42"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
