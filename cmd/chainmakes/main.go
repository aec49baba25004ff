// Chainmakes - Pair-Spread DCA Trading Platform
//
// Runs many independent bots, each trading the spread between two
// perpetual futures: short the leg that ran ahead of its baseline, long
// the laggard, scale in as the spread widens, close the pair when it
// regresses. Bots are managed over a REST API and observed live over
// websockets.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lookoupai/chainmakes/internal/config"
	"github.com/lookoupai/chainmakes/internal/database"
	"github.com/lookoupai/chainmakes/internal/engine"
	"github.com/lookoupai/chainmakes/internal/events"
	"github.com/lookoupai/chainmakes/internal/notify"
	"github.com/lookoupai/chainmakes/internal/server"
	"github.com/lookoupai/chainmakes/internal/service"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg := config.Load()

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("listen", cfg.ListenAddr).
		Msg("⚡ Chainmakes starting...")

	store, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()

	bus := events.NewBus()
	manager := engine.NewManager(store, bus, nil)
	manager.TickInterval = cfg.TickInterval
	bots := service.NewBotService(store, manager)
	accounts := service.NewAccountService(store, nil)
	api := server.New(store, bots, accounts, bus)
	reconciler := engine.NewReconciler(store, manager, bus)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.RecoverOnBoot {
		if err := manager.RecoverAll(); err != nil {
			log.Error().Err(err).Msg("Bot recovery failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.Run(gctx, cfg.ListenAddr)
	})

	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, bus)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram notifier disabled")
		} else {
			g.Go(func() error {
				notifier.Run(gctx)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Service error")
	}

	// Engines are stopped without status writes so running bots come back
	// after the next boot.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)

	log.Info().Msg("👋 Chainmakes stopped")
}
