// Package loops runs the auxiliary background routines that act on trades
// between scan cycles: averaging into losers, pyramiding winners, expiring
// stale positions, sniping fast movers and reconciling orphaned orders.
package loops

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/executor"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/monitor"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/scanner"
	"futures-trading-bot/internal/supervisor"
)

// Loop names reported to the heartbeat registry
const (
	LoopDCA        = "dca"
	LoopPyramiding = "pyramiding"
	LoopTimeExit   = "time_exit"
	LoopSniper     = "sniper"
	LoopSync       = "sync"
)

// Default loop cadences
const (
	dcaInterval        = time.Minute
	pyramidingInterval = 2 * time.Minute
	timeExitInterval   = 5 * time.Minute
	sniperInterval     = 2 * time.Minute
)

// Runner owns the auxiliary loops and their shared dependencies
type Runner struct {
	cfg       *config.LoopsConfig
	sniperCfg *config.SniperConfig
	client    binance.FuturesClient
	store     database.TradeStore
	cache     *cache.Service
	exec      *executor.Executor
	scanner   *scanner.Scanner
	blacklist *monitor.Blacklist
	notifier  *notification.Manager
	bus       *events.Bus
	beats     *supervisor.Heartbeats

	// overridable cadences, shortened in tests
	dcaEvery      time.Duration
	pyramidEvery  time.Duration
	timeExitEvery time.Duration
	sniperEvery   time.Duration
	syncEvery     time.Duration

	log zerolog.Logger
}

func NewRunner(cfg *config.LoopsConfig, sniperCfg *config.SniperConfig, client binance.FuturesClient,
	store database.TradeStore, cacheSvc *cache.Service, exec *executor.Executor, scan *scanner.Scanner,
	blacklist *monitor.Blacklist, notifier *notification.Manager, bus *events.Bus,
	beats *supervisor.Heartbeats) *Runner {

	syncEvery := time.Duration(cfg.AutoSyncMinutes) * time.Minute
	if syncEvery <= 0 {
		syncEvery = 10 * time.Minute
	}
	return &Runner{
		cfg:           cfg,
		sniperCfg:     sniperCfg,
		client:        client,
		store:         store,
		cache:         cacheSvc,
		exec:          exec,
		scanner:       scan,
		blacklist:     blacklist,
		notifier:      notifier,
		bus:           bus,
		beats:         beats,
		dcaEvery:      dcaInterval,
		pyramidEvery:  pyramidingInterval,
		timeExitEvery: timeExitInterval,
		sniperEvery:   sniperInterval,
		syncEvery:     syncEvery,
		log:           logging.Component("loops"),
	}
}

// Start launches every enabled loop. The returned channel closes once all
// loops have exited.
func (r *Runner) Start(ctx context.Context) <-chan struct{} {
	type loop struct {
		name  string
		every time.Duration
		fn    func(context.Context) error
	}
	loops := []loop{
		{LoopTimeExit, r.timeExitEvery, r.timeExitOnce},
		{LoopSync, r.syncEvery, r.syncOnce},
	}
	if r.cfg.DCAEnabled {
		loops = append(loops, loop{LoopDCA, r.dcaEvery, r.dcaOnce})
	}
	if r.cfg.PyramidingEnabled {
		loops = append(loops, loop{LoopPyramiding, r.pyramidEvery, r.pyramidOnce})
	}
	if r.sniperCfg.Enabled {
		loops = append(loops, loop{LoopSniper, r.sniperEvery, r.sniperOnce})
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			r.run(ctx, l.name, l.every, l.fn)
		}(l)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// run drives one loop on its cadence with exponential backoff after errors
func (r *Runner) run(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(every),
		backoff.WithMaxInterval(10*every),
		backoff.WithMaxElapsedTime(0),
	)
	r.beats.Beat(name)

	for {
		wait := every
		if err := fn(ctx); err != nil {
			wait = policy.NextBackOff()
			r.log.Error().Err(err).Str("loop", name).Dur("retry_in", wait).Msg("loop iteration failed")
		} else {
			policy.Reset()
		}
		r.beats.Beat(name)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
