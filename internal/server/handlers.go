package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes/internal/database"
)

// botRequest is the client payload for creating or updating a bot.
type botRequest struct {
	BotName            string             `json:"bot_name" binding:"required"`
	ExchangeAccountID  uint               `json:"exchange_account_id" binding:"required"`
	Market1Symbol      string             `json:"market1_symbol" binding:"required"`
	Market2Symbol      string             `json:"market2_symbol" binding:"required"`
	Market1StartPrice  decimal.Decimal    `json:"market1_start_price"`
	Market2StartPrice  decimal.Decimal    `json:"market2_start_price"`
	StartTime          *time.Time         `json:"start_time"`
	Leverage           int                `json:"leverage"`
	OrderTypeOpen      string             `json:"order_type_open"`
	OrderTypeClose     string             `json:"order_type_close"`
	InvestmentPerOrder decimal.Decimal    `json:"investment_per_order"`
	MaxPositionValue   decimal.Decimal    `json:"max_position_value"`
	MaxDcaTimes        int                `json:"max_dca_times"`
	ProfitRatio        decimal.Decimal    `json:"profit_ratio"`
	StopLossRatio      decimal.Decimal    `json:"stop_loss_ratio"`
	ProfitMode         string             `json:"profit_mode"`
	ReverseOpening     bool               `json:"reverse_opening"`
	PauseAfterClose    bool               `json:"pause_after_close"`
	DcaConfig          database.DcaConfig `json:"dca_config"`
}

func (r *botRequest) toModel() *database.Bot {
	bot := &database.Bot{
		BotName:            r.BotName,
		ExchangeAccountID:  r.ExchangeAccountID,
		Market1Symbol:      r.Market1Symbol,
		Market2Symbol:      r.Market2Symbol,
		Market1StartPrice:  r.Market1StartPrice,
		Market2StartPrice:  r.Market2StartPrice,
		Leverage:           r.Leverage,
		OrderTypeOpen:      r.OrderTypeOpen,
		OrderTypeClose:     r.OrderTypeClose,
		InvestmentPerOrder: r.InvestmentPerOrder,
		MaxPositionValue:   r.MaxPositionValue,
		MaxDcaTimes:        r.MaxDcaTimes,
		ProfitRatio:        r.ProfitRatio,
		StopLossRatio:      r.StopLossRatio,
		ProfitMode:         r.ProfitMode,
		ReverseOpening:     r.ReverseOpening,
		PauseAfterClose:    r.PauseAfterClose,
		DcaConfig:          r.DcaConfig,
	}
	if r.StartTime != nil {
		bot.StartTime = *r.StartTime
	}
	return bot
}

func (s *Server) createBot(c *gin.Context) {
	var req botRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bot := req.toModel()
	if err := s.bots.Create(currentUser(c), bot); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.bots.List(currentUser(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, bots)
}

func (s *Server) getBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	bot, err := s.bots.Get(currentUser(c), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) updateBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req botRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bot := req.toModel()
	bot.ID = id
	if err := s.bots.Update(currentUser(c), bot); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) deleteBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.bots.Delete(currentUser(c), id); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.bots.Start(currentUser(c), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": database.BotRunning})
}

func (s *Server) stopBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.bots.Stop(c.Request.Context(), currentUser(c), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": database.BotStopped})
}

func (s *Server) pauseBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.bots.Pause(currentUser(c), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": database.BotPaused})
}

func (s *Server) closeBotPositions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.bots.ClosePositions(c.Request.Context(), currentUser(c), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return def
	}
	return limit
}

func (s *Server) botOrders(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	orders, err := s.bots.Orders(currentUser(c), id, queryLimit(c, 100))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) botPositions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	positions, err := s.bots.Positions(currentUser(c), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) botSpreads(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	spreads, err := s.bots.Spreads(currentUser(c), id, queryLimit(c, 500))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, spreads)
}

func (s *Server) botLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	logs, err := s.bots.TradeLogs(currentUser(c), id, queryLimit(c, 200))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// accountRequest is the client payload for exchange credentials.
type accountRequest struct {
	AccountName  string `json:"account_name" binding:"required"`
	ExchangeName string `json:"exchange_name" binding:"required"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	Passphrase   string `json:"passphrase"`
	IsTestnet    *bool  `json:"is_testnet"`
	ProxyURL     string `json:"proxy_url"`
}

func (r *accountRequest) toModel() *database.ExchangeAccount {
	return &database.ExchangeAccount{
		AccountName:  r.AccountName,
		ExchangeName: r.ExchangeName,
		APIKey:       r.APIKey,
		APISecret:    r.APISecret,
		Passphrase:   r.Passphrase,
		IsTestnet:    r.IsTestnet,
		ProxyURL:     r.ProxyURL,
	}
}

// sanitize blanks stored secrets before an account row leaves the API.
func sanitize(acct *database.ExchangeAccount) *database.ExchangeAccount {
	cp := *acct
	cp.APISecret = ""
	cp.Passphrase = ""
	if len(cp.APIKey) > 4 {
		cp.APIKey = cp.APIKey[:4] + "****"
	}
	return &cp
}

func (s *Server) createAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct := req.toModel()
	if err := s.accounts.Create(currentUser(c), acct); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sanitize(acct))
}

func (s *Server) listAccounts(c *gin.Context) {
	accts, err := s.accounts.List(currentUser(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]*database.ExchangeAccount, len(accts))
	for i := range accts {
		out[i] = sanitize(&accts[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) updateAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct := req.toModel()
	acct.ID = id
	if err := s.accounts.Update(currentUser(c), acct); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sanitize(acct))
}

func (s *Server) deleteAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.accounts.Delete(currentUser(c), id); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) testAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.accounts.TestConnection(c.Request.Context(), currentUser(c), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}
