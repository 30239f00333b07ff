// Package bot assembles every component into one application context and
// owns the process lifecycle: build, run, graceful shutdown.
package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/api"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/circuit"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/executor"
	"futures-trading-bot/internal/filters"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/loops"
	"futures-trading-bot/internal/monitor"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/orchestrator"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/scanner"
	"futures-trading-bot/internal/strategy"
	"futures-trading-bot/internal/supervisor"
	"futures-trading-bot/internal/vault"
)

// App holds every wired component. One process holds exactly one App.
type App struct {
	handle   *config.Handle
	db       *database.DB
	store    database.TradeStore
	cacheSvc *cache.Service
	client   binance.FuturesClient
	bus      *events.Bus
	notifier *notification.Manager
	riskMgr  *risk.Manager
	monitor  *monitor.Monitor
	exec     *executor.Executor
	orch     *orchestrator.Orchestrator
	loops    *loops.Runner
	sup      *supervisor.Supervisor
	server   *api.Server
	beats    *supervisor.Heartbeats

	miniTicker *binance.MiniTickerStream
	userStream *binance.UserDataStream

	log zerolog.Logger
}

// New builds the full application from a config handle. Credentials come
// from Vault when enabled, environment variables otherwise.
func New(ctx context.Context, handle *config.Handle) (*App, error) {
	cfg := handle.Snapshot()
	log := logging.Component("app")

	vaultClient, err := vault.NewClient(cfg.Vault, vault.Credentials{
		APIKey:    cfg.Binance.APIKey,
		SecretKey: cfg.Binance.SecretKey,
		IsTestnet: cfg.Binance.TestNet,
	})
	if err != nil {
		return nil, fmt.Errorf("error initializing vault client: %w", err)
	}
	creds, err := vaultClient.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading exchange credentials: %w", err)
	}

	cacheSvc := cache.NewService(cfg.Redis)

	var client binance.FuturesClient
	if cfg.Binance.MockMode {
		client = binance.NewMockClient()
		log.Warn().Msg("mock exchange client active, no live orders will be placed")
	} else {
		client = binance.NewCachedClient(
			binance.NewClient(creds.APIKey, creds.SecretKey, creds.IsTestnet), cacheSvc)
	}

	var db *database.DB
	var store database.TradeStore
	if cfg.Binance.MockMode {
		store = database.NewMemoryStore()
	} else {
		db, err = database.NewDB(database.Config{
			Host: cfg.Database.Host, Port: cfg.Database.Port,
			User: cfg.Database.User, Password: cfg.Database.Password,
			Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("error connecting to database: %w", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("error running migrations: %w", err)
		}
		store = database.NewRepository(db)
	}

	bus := events.NewBus()
	notifier := notification.NewManager(cfg.Notification.Enabled)
	if cfg.Notification.TelegramEnabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(
			cfg.Notification.TelegramBotToken, cfg.Notification.TelegramChatID))
	}

	calc := risk.NewCalculator(&cfg.Risk)
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	riskMgr := risk.NewManager(&cfg.Risk, cfg.Sniper.ExtraSlots, calc, cacheSvc, breaker, bus)

	blacklist := monitor.NewBlacklist(cacheSvc)
	mon := monitor.New(&cfg.Monitor, client, store, riskMgr, notifier, bus, blacklist)
	exec := executor.New(&cfg.Executor, &cfg.Risk, client, riskMgr, calc, store, notifier, bus)

	scn := scanner.NewScanner(&cfg.Scanner, client, cfg.Binance.TestNet)
	gen := strategy.NewGenerator(&cfg.Signals, client)
	market := filters.NewMarketFilter(client)
	corr := filters.NewCorrelationFilter(&cfg.Filters, client)

	beats := supervisor.NewHeartbeats()
	orch := orchestrator.New(handle, client, store, scn, gen, market, corr,
		blacklist, riskMgr, mon, exec, bus, beats)
	runner := loops.NewRunner(&cfg.Loops, &cfg.Sniper, client, store, cacheSvc,
		exec, scn, blacklist, notifier, bus, beats)

	sup := supervisor.New(&cfg.Supervisor, beats, store, orch, notifier, bus)
	sup.OnStall("trading", func() {
		orch.Stop()
		if err := orch.Start(); err != nil {
			log.Error().Err(err).Msg("error restarting trading loop after stall")
		}
	})

	app := &App{
		handle:   handle,
		db:       db,
		store:    store,
		cacheSvc: cacheSvc,
		client:   client,
		bus:      bus,
		notifier: notifier,
		riskMgr:  riskMgr,
		monitor:  mon,
		exec:     exec,
		orch:     orch,
		loops:    runner,
		sup:      sup,
		beats:    beats,
		log:      log,
	}

	if cfg.Server.Enabled {
		app.server = api.NewServer(&cfg.Server, handle, store, bus, orch, exec, mon, riskMgr, sup)
	}
	if !cfg.Binance.MockMode {
		app.miniTicker = binance.NewMiniTickerStream(cacheSvc, cfg.Binance.TestNet)
		app.userStream = binance.NewUserDataStream(client)
		app.userStream.OnOrderUpdate = func(u binance.OrderUpdate) {
			bus.Publish(events.Event{
				Type:      events.EventTradeUpdated,
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"symbol":   u.Symbol,
					"order_id": u.OrderID,
					"status":   string(u.Status),
					"filled":   u.FilledQty,
				},
			})
		}
		app.userStream.OnAccountUpdate = func(u binance.AccountUpdate) {
			for _, b := range u.Balances {
				if b.Asset == "USDT" && b.WalletBalance > 0 {
					riskMgr.OnBalanceUpdate(context.Background(), b.WalletBalance)
				}
			}
		}
	}
	return app, nil
}

// Run starts every loop and blocks until the context is cancelled, then
// shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.miniTicker != nil {
		if err := a.miniTicker.Start(runCtx); err != nil {
			a.log.Warn().Err(err).Msg("mini-ticker stream unavailable, price cache falls back to REST")
		}
	}
	if a.userStream != nil {
		if err := a.userStream.Start(runCtx); err != nil {
			a.log.Warn().Err(err).Msg("user data stream unavailable, order fills tracked by polling")
		}
	}

	go a.monitor.Run(runCtx)
	loopsDone := a.loops.Start(runCtx)
	go a.sup.Run(runCtx)

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				a.log.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	if err := a.orch.Start(); err != nil {
		return fmt.Errorf("error starting trading loop: %w", err)
	}
	a.notifier.SendInfo("Bot started", "All trading loops are running")
	a.log.Info().Msg("application running")

	<-ctx.Done()
	a.log.Info().Msg("shutdown requested")

	a.orch.Stop()
	cancel()
	select {
	case <-loopsDone:
	case <-time.After(10 * time.Second):
		a.log.Warn().Msg("auxiliary loops did not stop in time")
	}
	if a.userStream != nil {
		a.userStream.Stop()
	}
	if a.miniTicker != nil {
		a.miniTicker.Stop()
	}
	if a.server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("status server shutdown failed")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	a.log.Info().Msg("shutdown complete")
	return nil
}

// Reload swaps in a fresh config snapshot from the environment
func (a *App) Reload() error {
	if err := a.handle.Reload(); err != nil {
		return fmt.Errorf("error reloading configuration: %w", err)
	}
	a.log.Info().Msg("configuration reloaded")
	return nil
}
