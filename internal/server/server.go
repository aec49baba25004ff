// Package server exposes the REST API and the per-bot websocket stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/events"
	"github.com/lookoupai/chainmakes/internal/service"
)

type Server struct {
	router   *gin.Engine
	http     *http.Server
	bots     *service.BotService
	accounts *service.AccountService
	bus      *events.Bus
	store    *database.Store
}

func New(store *database.Store, bots *service.BotService, accounts *service.AccountService, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router:   router,
		bots:     bots,
		accounts: accounts,
		bus:      bus,
		store:    store,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api/v1", userAuth())
	{
		api.POST("/bots", s.createBot)
		api.GET("/bots", s.listBots)
		api.GET("/bots/:id", s.getBot)
		api.PUT("/bots/:id", s.updateBot)
		api.DELETE("/bots/:id", s.deleteBot)
		api.POST("/bots/:id/start", s.startBot)
		api.POST("/bots/:id/stop", s.stopBot)
		api.POST("/bots/:id/pause", s.pauseBot)
		api.POST("/bots/:id/close-positions", s.closeBotPositions)
		api.GET("/bots/:id/orders", s.botOrders)
		api.GET("/bots/:id/positions", s.botPositions)
		api.GET("/bots/:id/spreads", s.botSpreads)
		api.GET("/bots/:id/logs", s.botLogs)

		api.POST("/accounts", s.createAccount)
		api.GET("/accounts", s.listAccounts)
		api.PUT("/accounts/:id", s.updateAccount)
		api.DELETE("/accounts/:id", s.deleteAccount)
		api.POST("/accounts/:id/test", s.testAccount)
	}

	s.router.GET("/ws/bots/:id", userAuth(), s.botStream)
}

// Run serves until ctx is cancelled, then drains for up to ten seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("🌐 api listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// userAuth resolves the acting user. Deployments put a real authenticating
// proxy in front; standalone runs fall back to user 1.
func userAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := uint(1)
		if raw := c.GetHeader("X-User-ID"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad X-User-ID header"})
				return
			}
			userID = uint(parsed)
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func currentUser(c *gin.Context) uint {
	return c.GetUint("user_id")
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad id"})
		return 0, false
	}
	return uint(id), true
}

// respondErr maps service errors onto HTTP statuses.
func respondErr(c *gin.Context, err error) {
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		status := http.StatusInternalServerError
		switch svcErr.Code {
		case service.CodeNotFound:
			status = http.StatusNotFound
		case service.CodeInvalidConfig:
			status = http.StatusBadRequest
		case service.CodeInvalidState:
			status = http.StatusConflict
		case service.CodeExchange:
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": svcErr.Message, "code": svcErr.Code, "details": svcErr.Details})
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
