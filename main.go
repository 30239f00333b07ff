package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/logging"
)

func main() {
	// .env is optional; environment variables win either way
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logger := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle := config.NewHandle(cfg)
	app, err := bot.New(ctx, handle)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}

	// SIGHUP swaps in a fresh config snapshot without a restart
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := app.Reload(); err != nil {
				logger.Error().Err(err).Msg("config reload failed")
			}
		}
	}()

	logger.Info().
		Bool("testnet", cfg.Binance.TestNet).
		Bool("mock_mode", cfg.Binance.MockMode).
		Msg("starting futures trading bot")

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("application failed")
	}
}
