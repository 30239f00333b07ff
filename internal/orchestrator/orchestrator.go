// Package orchestrator runs the top-level trading cycle: scan the market,
// generate signals, run them through the admission filters and hand the
// survivors to the executor, best score first. Each cycle is tagged with a
// uuid and reported to the in-process dashboard and the trade store.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/executor"
	"futures-trading-bot/internal/filters"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/monitor"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/scanner"
	"futures-trading-bot/internal/strategy"
	"futures-trading-bot/internal/supervisor"
)

// loopName is what the cycle loop reports to the heartbeat registry
const loopName = "trading"

// Per-stage latency budgets. Exceeding one produces a structured warning;
// exceeding the whole-cycle budget aborts the cycle with an error.
const (
	scanBudget   = 30 * time.Second
	signalBudget = 30 * time.Second
	filterBudget = 15 * time.Second
	execBudget   = 60 * time.Second
	cycleBudget  = 180 * time.Second
)

// Scan cadence buckets derived from BTC 24h volatility
const (
	intervalCalm     = 15 * time.Minute
	intervalNormal   = 10 * time.Minute
	intervalVolatile = 5 * time.Minute

	calmMaxChangePct     = 1.5
	volatileMinChangePct = 4.0
)

// maxBanPause caps how long a single cycle sleeps on an exchange ban
const maxBanPause = 60 * time.Second

// Rejection reason keys used in cycle reports
const (
	RejectMarketRegime = "market_regime"
	RejectCorrelation  = "correlation"
	RejectBlacklist    = "blacklist"
	RejectAdmission    = "admission"
	RejectExecution    = "execution"
)

// CycleReport is the outcome of one orchestrator pass
type CycleReport struct {
	CycleID          string         `json:"cycle_id"`
	StartedAt        time.Time      `json:"started_at"`
	Duration         time.Duration  `json:"duration"`
	Skipped          bool           `json:"skipped"`
	SkipReason       string         `json:"skip_reason,omitempty"`
	SymbolsScanned   int            `json:"symbols_scanned"`
	SignalsGenerated int            `json:"signals_generated"`
	Rejections       map[string]int `json:"rejections"`
	TradesOpened     int            `json:"trades_opened"`
	Errors           int            `json:"errors"`
	ScanLatency      time.Duration  `json:"scan_latency"`
	SignalLatency    time.Duration  `json:"signal_latency"`
	FilterLatency    time.Duration  `json:"filter_latency"`
	ExecLatency      time.Duration  `json:"exec_latency"`
}

func (r *CycleReport) rejected() int {
	n := 0
	for _, c := range r.Rejections {
		n += c
	}
	return n
}

// Orchestrator drives the autonomous trading cycle and implements the
// supervisor's Controllable contract (Running/Start/Stop).
type Orchestrator struct {
	handle    *config.Handle
	client    binance.FuturesClient
	store     database.TradeStore
	scanner   *scanner.Scanner
	generator *strategy.Generator
	market    *filters.MarketFilter
	corr      *filters.CorrelationFilter
	blacklist *monitor.Blacklist
	riskMgr   *risk.Manager
	monitor   *monitor.Monitor
	exec      *executor.Executor
	bus       *events.Bus
	beats     *supervisor.Heartbeats
	dashboard *Dashboard

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration

	log zerolog.Logger
}

// New creates the orchestrator. The heartbeat registry may be nil when the
// cycle loop is driven externally (tests, one-shot runs).
func New(handle *config.Handle, client binance.FuturesClient, store database.TradeStore,
	scn *scanner.Scanner, gen *strategy.Generator, market *filters.MarketFilter,
	corr *filters.CorrelationFilter, blacklist *monitor.Blacklist, riskMgr *risk.Manager,
	mon *monitor.Monitor, exec *executor.Executor, bus *events.Bus,
	beats *supervisor.Heartbeats) *Orchestrator {
	return &Orchestrator{
		handle:    handle,
		client:    client,
		store:     store,
		scanner:   scn,
		generator: gen,
		market:    market,
		corr:      corr,
		blacklist: blacklist,
		riskMgr:   riskMgr,
		monitor:   mon,
		exec:      exec,
		bus:       bus,
		beats:     beats,
		dashboard: NewDashboard(),
		interval:  intervalNormal,
		log:       logging.Component("orchestrator"),
	}
}

// Dashboard exposes the rolling per-cycle metrics
func (o *Orchestrator) Dashboard() *Dashboard { return o.dashboard }

// ScanInterval returns the current volatility-derived cycle cadence
func (o *Orchestrator) ScanInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// Running reports whether the cycle loop is active
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start launches the cycle loop. Idempotent while running.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true
	go o.run(ctx)
	o.bus.Publish(events.Event{Type: events.EventBotStarted, Timestamp: time.Now(), Data: map[string]interface{}{}})
	o.log.Info().Msg("trading loop started")
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	<-done
	o.bus.Publish(events.Event{Type: events.EventBotStopped, Timestamp: time.Now(), Data: map[string]interface{}{}})
	o.log.Info().Msg("trading loop stopped")
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	for {
		if o.beats != nil {
			o.beats.Beat(loopName)
		}
		report := o.RunCycle(ctx)

		wait := o.ScanInterval()
		if report != nil && report.SkipReason == "exchange ban" {
			wait = o.banPause()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (o *Orchestrator) banPause() time.Duration {
	_, secs := o.client.IsBanned()
	pause := time.Duration(secs) * time.Second
	if pause <= 0 || pause > maxBanPause {
		pause = maxBanPause
	}
	return pause
}

// RunCycle executes one full pass: preconditions, scan, signal generation,
// filters, execution and metric persistence. It never panics the loop; all
// failures land in the report.
func (o *Orchestrator) RunCycle(ctx context.Context) *CycleReport {
	cfg := o.handle.Snapshot()
	report := &CycleReport{
		CycleID:    uuid.NewString(),
		StartedAt:  time.Now(),
		Rejections: make(map[string]int),
	}
	log := o.log.With().Str("cycle_id", report.CycleID).Logger()

	ctx, cancelCycle := context.WithTimeout(ctx, cycleBudget)
	defer cancelCycle()
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		if report.Duration > cycleBudget {
			log.Error().Dur("duration", report.Duration).Msg("cycle exceeded hard budget")
			report.Errors++
		}
		o.finish(report, log)
	}()

	// Preconditions: kill switch, exchange ban, market volatility, free slots.
	if o.monitor != nil && o.monitor.Killed() {
		return o.skip(report, "kill switch", log)
	}
	if banned, secs := o.client.IsBanned(); banned {
		log.Warn().Int64("seconds_left", secs).Msg("exchange ban active, pausing cycle")
		return o.skip(report, "exchange ban", log)
	}
	o.updateVolatility()

	balance, err := o.client.GetAccountBalance()
	if err != nil {
		report.Errors++
		log.Error().Err(err).Msg("error fetching account balance")
		return o.skip(report, "balance unavailable", log)
	}
	openCount, err := o.store.CountOpenTrades(ctx)
	if err != nil {
		report.Errors++
		log.Error().Err(err).Msg("error counting open trades")
		return o.skip(report, "store unavailable", log)
	}
	freeSlots := cfg.Risk.MaxPositions - openCount
	if freeSlots <= 0 {
		return o.skip(report, "no free slots", log)
	}

	o.bus.Publish(events.Event{
		Type:      events.EventCycleStarted,
		Timestamp: report.StartedAt,
		Data:      map[string]interface{}{"cycle_id": report.CycleID, "free_slots": freeSlots},
	})

	// Scan
	stageStart := time.Now()
	items, err := o.scanner.Scan(ctx)
	report.ScanLatency = time.Since(stageStart)
	o.warnIfSlow(log, "scan", report.ScanLatency, scanBudget)
	if err != nil {
		report.Errors++
		log.Error().Err(err).Msg("scan failed")
		return o.skip(report, "scan failed", log)
	}
	report.SymbolsScanned = len(items)
	if len(items) == 0 {
		return o.skip(report, "no scan results", log)
	}

	// Signal generation
	stageStart = time.Now()
	signals := o.generator.Generate(items)
	report.SignalLatency = time.Since(stageStart)
	o.warnIfSlow(log, "signals", report.SignalLatency, signalBudget)
	report.SignalsGenerated = len(signals)
	for _, sig := range signals {
		o.bus.Publish(events.Event{Type: events.EventSignalGenerated, Data: map[string]interface{}{
			"cycle_id":  report.CycleID,
			"symbol":    sig.Symbol,
			"direction": sig.Direction,
			"score":     sig.Score,
		}})
	}
	if len(signals) == 0 {
		return report
	}

	// Filters: market regime, correlation/sector, blacklist
	stageStart = time.Now()
	signals = o.applyFilters(ctx, signals, report, log)
	report.FilterLatency = time.Since(stageStart)
	o.warnIfSlow(log, "filters", report.FilterLatency, filterBudget)
	if len(signals) == 0 {
		return report
	}

	// Execute, best score first, re-checking capacity per fill
	sort.Slice(signals, func(i, j int) bool { return signals[i].Score > signals[j].Score })
	if len(signals) > freeSlots {
		signals = signals[:freeSlots]
	}
	stageStart = time.Now()
	o.executeBatch(ctx, signals, balance, openCount, report, log)
	report.ExecLatency = time.Since(stageStart)
	o.warnIfSlow(log, "execution", report.ExecLatency, execBudget)

	return report
}

func (o *Orchestrator) applyFilters(ctx context.Context, signals []*strategy.Signal,
	report *CycleReport, log zerolog.Logger) []*strategy.Signal {
	kept := signals[:0]
	for _, sig := range signals {
		if ok, reason := o.market.Allows(sig); !ok {
			report.Rejections[RejectMarketRegime]++
			o.publishSignalRejected(report.CycleID, sig, RejectMarketRegime, reason)
			log.Debug().Str("symbol", sig.Symbol).Str("reason", reason).Msg("signal blocked by market regime")
			continue
		}
		kept = append(kept, sig)
	}

	openSymbols, err := o.openSymbols(ctx)
	if err != nil {
		report.Errors++
		log.Error().Err(err).Msg("error listing open trades for correlation filter")
	}
	admitted := make([]*strategy.Signal, len(kept))
	copy(admitted, kept)
	kept = o.corr.Apply(kept, openSymbols)
	report.Rejections[RejectCorrelation] += len(admitted) - len(kept)
	survivors := make(map[string]bool, len(kept))
	for _, sig := range kept {
		survivors[sig.Symbol] = true
	}
	for _, sig := range admitted {
		if !survivors[sig.Symbol] {
			o.publishSignalRejected(report.CycleID, sig, RejectCorrelation, "correlation or sector cap")
		}
	}

	final := kept[:0]
	for _, sig := range kept {
		if o.blacklist.Contains(ctx, sig.Symbol) {
			report.Rejections[RejectBlacklist]++
			o.publishSignalRejected(report.CycleID, sig, RejectBlacklist, "symbol blacklisted")
			log.Debug().Str("symbol", sig.Symbol).Msg("signal blocked by blacklist")
			continue
		}
		final = append(final, sig)
	}
	return final
}

func (o *Orchestrator) publishSignalRejected(cycleID string, sig *strategy.Signal, stage, reason string) {
	o.bus.Publish(events.Event{Type: events.EventSignalRejected, Data: map[string]interface{}{
		"cycle_id":  cycleID,
		"symbol":    sig.Symbol,
		"direction": sig.Direction,
		"stage":     stage,
		"reason":    reason,
	}})
}

func (o *Orchestrator) executeBatch(ctx context.Context, signals []*strategy.Signal,
	balance *binance.AccountBalance, openCount int, report *CycleReport, log zerolog.Logger) {
	opened := 0
	for _, sig := range signals {
		// State observed before an execution may be stale after it
		if o.monitor != nil && o.monitor.Killed() {
			log.Warn().Msg("kill switch fired mid-cycle, stopping execution")
			return
		}
		res, err := o.exec.Execute(ctx, sig, balance.TotalBalance, balance.TotalMargin, openCount+opened)
		if err != nil {
			if strings.Contains(err.Error(), "rejected") {
				report.Rejections[RejectAdmission]++
			} else {
				report.Rejections[RejectExecution]++
				report.Errors++
			}
			log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal not executed")
			continue
		}
		opened++
		report.TradesOpened++
		log.Info().
			Str("symbol", sig.Symbol).
			Str("direction", sig.Direction).
			Float64("fill", res.AvgFillPrice).
			Float64("score", sig.Score).
			Msg("cycle opened trade")
	}
}

// updateVolatility reads BTC's 24h move, scales the per-trade risk factor
// and picks the scan cadence bucket.
func (o *Orchestrator) updateVolatility() {
	ticker, err := o.client.Get24hTicker("BTCUSDT")
	if err != nil {
		o.log.Warn().Err(err).Msg("error fetching BTC ticker, keeping current volatility factor")
		return
	}
	absChange := math.Abs(ticker.PriceChangePercent)

	var interval time.Duration
	var factor float64
	switch {
	case absChange < calmMaxChangePct:
		interval, factor = intervalCalm, 1.1
	case absChange < volatileMinChangePct:
		interval, factor = intervalNormal, 1.0
	default:
		interval, factor = intervalVolatile, 0.8
	}
	o.riskMgr.SetVolatilityFactor(factor)

	o.mu.Lock()
	changed := o.interval != interval
	o.interval = interval
	o.mu.Unlock()
	if changed {
		o.log.Info().
			Float64("btc_change_pct", ticker.PriceChangePercent).
			Dur("scan_interval", interval).
			Float64("volatility_factor", factor).
			Msg("scan cadence updated")
	}
}

func (o *Orchestrator) openSymbols(ctx context.Context) ([]string, error) {
	trades, err := o.store.GetOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching open trades: %w", err)
	}
	symbols := make([]string, 0, len(trades))
	for _, t := range trades {
		symbols = append(symbols, t.Symbol)
	}
	return symbols, nil
}

func (o *Orchestrator) skip(report *CycleReport, reason string, log zerolog.Logger) *CycleReport {
	report.Skipped = true
	report.SkipReason = reason
	log.Info().Str("reason", reason).Msg("cycle skipped")
	return report
}

func (o *Orchestrator) warnIfSlow(log zerolog.Logger, stage string, elapsed, budget time.Duration) {
	if elapsed > budget {
		log.Warn().
			Str("stage", stage).
			Dur("elapsed", elapsed).
			Dur("budget", budget).
			Msg("stage exceeded latency budget")
	}
}

// finish records the cycle in the dashboard and the trade store and emits
// the cycle.ended event.
func (o *Orchestrator) finish(report *CycleReport, log zerolog.Logger) {
	o.dashboard.Record(*report)

	metric := &database.CycleMetric{
		CycleID:          report.CycleID,
		StartedAt:        report.StartedAt,
		DurationMs:       report.Duration.Milliseconds(),
		SymbolsScanned:   report.SymbolsScanned,
		SignalsGenerated: report.SignalsGenerated,
		SignalsRejected:  report.rejected(),
		TradesOpened:     report.TradesOpened,
		Errors:           report.Errors,
	}
	// The cycle context may already be expired; persistence gets its own.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.RecordCycleMetric(persistCtx, metric); err != nil {
		log.Error().Err(err).Msg("error persisting cycle metric")
	}

	o.bus.Publish(events.Event{
		Type:      events.EventCycleEnded,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"cycle_id":      report.CycleID,
			"duration_ms":   report.Duration.Milliseconds(),
			"scanned":       report.SymbolsScanned,
			"signals":       report.SignalsGenerated,
			"rejected":      report.rejected(),
			"trades_opened": report.TradesOpened,
			"errors":        report.Errors,
			"skipped":       report.Skipped,
		},
	})
	log.Info().
		Dur("duration", report.Duration).
		Int("scanned", report.SymbolsScanned).
		Int("signals", report.SignalsGenerated).
		Int("rejected", report.rejected()).
		Int("opened", report.TradesOpened).
		Msg("cycle finished")
}
