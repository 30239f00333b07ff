// Package monitor watches open positions: it enforces the account kill
// switch, trails profits, takes partial profits and cuts losers, keeping the
// trade store reconciled with the exchange.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/risk"
)

// Close reasons recorded on trades
const (
	ReasonTrailingStop  = "Trailing Stop"
	ReasonPartialTP     = "Partial Take Profit"
	ReasonEmergencyStop = "Emergency Stop"
	ReasonMaxLoss       = "Max Loss"
	ReasonKillSwitch    = "Kill Switch"
	ReasonFundingExit   = "Funding Exit"
)

const (
	warnWindow        = 5 * time.Minute
	klineVolLookback  = 14
	defaultTPDistance = 0.04 // fallback TP for reconstructed trades
	defaultSLDistance = 0.02
)

type excursion struct {
	mae float64 // worst adverse excursion, negative
	mfe float64 // best favorable excursion, positive
}

// Monitor is the per-position supervision loop
type Monitor struct {
	cfg       *config.MonitorConfig
	client    binance.FuturesClient
	store     database.TradeStore
	riskMgr   *risk.Manager
	notifier  *notification.Manager
	bus       *events.Bus
	blacklist *Blacklist

	mu             sync.Mutex
	initialBalance float64
	killed         bool
	excursions     map[string]*excursion
	lastWarn       map[string]time.Time
	lastRun        time.Time

	log zerolog.Logger
}

func New(cfg *config.MonitorConfig, client binance.FuturesClient, store database.TradeStore,
	riskMgr *risk.Manager, notifier *notification.Manager, bus *events.Bus, blacklist *Blacklist) *Monitor {
	return &Monitor{
		cfg:        cfg,
		client:     client,
		store:      store,
		riskMgr:    riskMgr,
		notifier:   notifier,
		bus:        bus,
		blacklist:  blacklist,
		excursions: make(map[string]*excursion),
		lastWarn:   make(map[string]time.Time),
		log:        logging.Component("monitor"),
	}
}

// SetInitialBalance anchors the kill-switch drawdown reference
func (m *Monitor) SetInitialBalance(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialBalance == 0 && balance > 0 {
		m.initialBalance = balance
	}
}

// Killed reports whether the kill switch has fired
func (m *Monitor) Killed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killed
}

// LastRun reports when the last check cycle completed
func (m *Monitor) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// Blacklist exposes the loss cooldown list
func (m *Monitor) Blacklist() *Blacklist { return m.blacklist }

// Run drives Check on the configured interval until the context ends or the
// kill switch fires.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 6 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.log.Error().Err(err).Msg("monitor cycle failed")
			}
			if m.Killed() {
				return
			}
		}
	}
}

// Check runs one supervision cycle over all open trades
func (m *Monitor) Check(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.lastRun = time.Now()
		m.mu.Unlock()
	}()

	balance, err := m.client.GetAccountBalance()
	if err != nil {
		return fmt.Errorf("error fetching balance: %w", err)
	}
	m.SetInitialBalance(balance.TotalBalance)
	m.riskMgr.OnBalanceUpdate(ctx, balance.TotalBalance)

	if m.checkKillSwitch(ctx, balance.TotalBalance) {
		return nil
	}

	positions, err := m.client.GetPositions()
	if err != nil {
		return fmt.Errorf("error fetching positions: %w", err)
	}
	open := make(map[string]binance.Position)
	for _, p := range positions {
		if p.PositionAmt != 0 {
			open[p.Symbol] = p
		}
	}

	trades, err := m.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("error fetching open trades: %w", err)
	}
	tracked := make(map[string]bool, len(trades))
	for _, t := range trades {
		tracked[t.Symbol] = true
	}

	// Reconstruct trades for exchange positions the store does not know
	for sym, pos := range open {
		if tracked[sym] {
			continue
		}
		if t := m.syncMissing(ctx, pos); t != nil {
			trades = append(trades, t)
		}
	}

	for _, trade := range trades {
		pos, held := open[trade.Symbol]
		if !held {
			// Position gone on the exchange side: settle the trade at the
			// last known price
			m.settleVanished(ctx, trade)
			continue
		}
		m.checkTrade(ctx, trade, pos)
	}
	return nil
}

// checkKillSwitch halts everything once account drawdown breaches the limit
func (m *Monitor) checkKillSwitch(ctx context.Context, current float64) bool {
	m.mu.Lock()
	initial := m.initialBalance
	killed := m.killed
	m.mu.Unlock()
	if killed {
		return true
	}
	if initial <= 0 || m.cfg.MaxDrawdownPct <= 0 {
		return false
	}

	drawdown := (initial - current) / initial * 100
	if drawdown < m.cfg.MaxDrawdownPct {
		return false
	}

	m.mu.Lock()
	m.killed = true
	m.mu.Unlock()

	m.log.Error().Float64("drawdown_pct", drawdown).Float64("initial", initial).
		Float64("current", current).Msg("kill switch fired, closing everything")

	trades, err := m.store.GetOpenTrades(ctx)
	if err == nil {
		for _, t := range trades {
			price := t.CurrentPrice
			if p, perr := m.client.GetCurrentPrice(t.Symbol); perr == nil {
				price = p
			}
			m.closeTrade(ctx, t, price, ReasonKillSwitch)
		}
	}

	m.notifier.SendKillSwitch(drawdown, len(trades))
	m.bus.PublishKillSwitch(initial, current, drawdown)
	return true
}

// syncMissing reconstructs a Trade from a bare exchange position
func (m *Monitor) syncMissing(ctx context.Context, pos binance.Position) *database.Trade {
	direction := database.DirectionLong
	if pos.PositionAmt < 0 {
		direction = database.DirectionShort
	}
	entry := pos.EntryPrice
	if entry <= 0 {
		entry = pos.MarkPrice
	}

	tp := entry * (1 + defaultTPDistance)
	sl := entry * (1 - defaultSLDistance)
	if direction == database.DirectionShort {
		tp = entry * (1 - defaultTPDistance)
		sl = entry * (1 + defaultSLDistance)
	}

	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	trade := &database.Trade{
		Symbol:       pos.Symbol,
		Direction:    direction,
		EntryPrice:   entry,
		CurrentPrice: pos.MarkPrice,
		Quantity:     math.Abs(pos.PositionAmt),
		Leverage:     leverage,
		StopLoss:     sl,
		TakeProfit1:  tp,
		Status:       database.StatusOpen,
		OpenedAt:     time.Now().UTC(),
	}
	if err := m.store.CreateTrade(ctx, trade); err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("error persisting reconstructed trade")
		return nil
	}
	m.log.Warn().Str("symbol", pos.Symbol).Str("direction", direction).
		Float64("entry", entry).Float64("quantity", trade.Quantity).
		Msg("reconstructed untracked exchange position")
	return trade
}

// settleVanished closes a trade whose exchange position disappeared,
// typically because a protective order filled.
func (m *Monitor) settleVanished(ctx context.Context, trade *database.Trade) {
	exit := trade.CurrentPrice
	if p, err := m.client.GetCurrentPrice(trade.Symbol); err == nil && p > 0 {
		exit = p
	}
	pnl, pnlPct := tradePnL(trade, exit)
	if err := m.store.CloseTrade(ctx, trade.ID, exit, pnl, pnlPct, "Closed on exchange"); err != nil {
		m.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error settling vanished position")
		return
	}
	m.afterClose(trade, exit, pnl, pnlPct, "Closed on exchange")
}

// checkTrade applies the trailing, partial-TP and loss rules to one trade
func (m *Monitor) checkTrade(ctx context.Context, trade *database.Trade, pos binance.Position) {
	effectiveEntry := trade.EffectiveEntry(pos.EntryPrice, pos.MarkPrice)
	if effectiveEntry <= 0 || trade.Quantity <= 0 {
		m.warn(trade.Symbol, "degenerate", "trade %s has no usable entry price", trade.Symbol)
		return
	}

	pnlPct := pos.UnrealizedProfit / (effectiveEntry * trade.Quantity) * 100
	price := pos.MarkPrice
	if price <= 0 {
		var err error
		price, err = m.client.GetCurrentPrice(trade.Symbol)
		if err != nil {
			m.warn(trade.Symbol, "price", "no price for %s: %v", trade.Symbol, err)
			return
		}
	}

	m.trackExcursions(trade.Symbol, pnlPct)
	m.persistProgress(ctx, trade, price, pnlPct)

	// Hard exits first
	if m.cfg.EmergencyStopPct != 0 && pnlPct <= m.cfg.EmergencyStopPct {
		m.log.Warn().Str("symbol", trade.Symbol).Float64("pnl_pct", pnlPct).Msg("emergency stop")
		m.closeTrade(ctx, trade, price, ReasonEmergencyStop)
		return
	}
	if m.cfg.MaxLossPct != 0 && pnlPct <= m.cfg.MaxLossPct {
		hours := m.cfg.BlacklistHours
		if hours <= 0 {
			hours = 2
		}
		m.blacklist.Add(ctx, trade.Symbol, time.Duration(hours)*time.Hour)
		m.log.Warn().Str("symbol", trade.Symbol).Float64("pnl_pct", pnlPct).
			Int("blacklist_hours", hours).Msg("max loss reached")
		m.closeTrade(ctx, trade, price, ReasonMaxLoss)
		return
	}

	if m.checkFundingExit(ctx, trade, price, pnlPct) {
		return
	}
	if m.checkTrailing(ctx, trade, price, pnlPct) {
		return
	}
	m.checkPartialTP(ctx, trade, price, pnlPct)
}

// checkFundingExit closes marginally profitable positions that are about to
// pay a punitive funding rate. Returns true when it closed.
func (m *Monitor) checkFundingExit(ctx context.Context, trade *database.Trade, price, pnlPct float64) bool {
	if !m.cfg.EnableFundingExits || m.cfg.FundingExitThreshold <= 0 {
		return false
	}
	premium, err := m.client.GetPremiumIndex(trade.Symbol)
	if err != nil {
		return false
	}

	adverse := trade.Direction == database.DirectionLong && premium.LastFundingRate >= m.cfg.FundingExitThreshold ||
		trade.Direction == database.DirectionShort && premium.LastFundingRate <= -m.cfg.FundingExitThreshold
	if !adverse || pnlPct < 0 {
		// Losing trades are governed by the loss rules, not funding costs
		return false
	}
	untilFunding := time.Until(time.UnixMilli(premium.NextFundingTime))
	if premium.NextFundingTime > 0 && untilFunding > 30*time.Minute {
		return false
	}

	m.log.Info().Str("symbol", trade.Symbol).Float64("funding_rate", premium.LastFundingRate).
		Float64("pnl_pct", pnlPct).Msg("closing ahead of adverse funding")
	m.closeTrade(ctx, trade, price, ReasonFundingExit)
	return true
}

// trackExcursions updates the MAE/MFE trackers for a symbol
func (m *Monitor) trackExcursions(symbol string, pnlPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exc, ok := m.excursions[symbol]
	if !ok {
		exc = &excursion{}
		m.excursions[symbol] = exc
	}
	if pnlPct < exc.mae {
		exc.mae = pnlPct
	}
	if pnlPct > exc.mfe {
		exc.mfe = pnlPct
	}
}

// persistProgress stores current price, pnl and peak trackers on the trade
func (m *Monitor) persistProgress(ctx context.Context, trade *database.Trade, price, pnlPct float64) {
	trade.CurrentPrice = price
	trade.PnLPercentage = pnlPct
	if trade.MaxPnLPercentage == nil || pnlPct > *trade.MaxPnLPercentage {
		v := pnlPct
		trade.MaxPnLPercentage = &v
		p := price
		trade.TrailingPeakPrice = &p
	}

	m.mu.Lock()
	if exc, ok := m.excursions[trade.Symbol]; ok {
		trade.MAEPercentage = exc.mae
		trade.MFEPercentage = exc.mfe
	}
	m.mu.Unlock()

	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		m.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error updating trade progress")
	}
}

// checkTrailing closes the trade once profit gives back more than the
// adaptive callback threshold from its peak. Returns true when it closed.
func (m *Monitor) checkTrailing(ctx context.Context, trade *database.Trade, price, pnlPct float64) bool {
	if trade.MaxPnLPercentage == nil || *trade.MaxPnLPercentage <= m.cfg.TrailingActivationPct {
		return false
	}
	maxPnL := *trade.MaxPnLPercentage
	if maxPnL <= 0 {
		return false
	}

	threshold := m.adaptiveThreshold(trade.Symbol)
	giveback := (maxPnL - pnlPct) / maxPnL * 100
	if giveback <= threshold {
		return false
	}

	m.log.Info().Str("symbol", trade.Symbol).Float64("max_pnl_pct", maxPnL).
		Float64("pnl_pct", pnlPct).Float64("giveback_pct", giveback).
		Float64("threshold_pct", threshold).Msg("trailing stop triggered")
	m.closeTrade(ctx, trade, price, ReasonTrailingStop)
	return true
}

// adaptiveThreshold widens the trailing giveback allowance with volatility
func (m *Monitor) adaptiveThreshold(symbol string) float64 {
	fixed := m.cfg.TSLMinPct
	klines, err := m.client.GetKlines(symbol, "1h", klineVolLookback+1)
	if err != nil || len(klines) < klineVolLookback {
		return math.Max(fixed, m.cfg.TSLMinPct)
	}
	atrPct := risk.ATRPct(klines, klineVolLookback)
	adaptive := math.Min(math.Max(atrPct, m.cfg.TSLMinPct), m.cfg.TSLMaxPct)
	return math.Max(fixed, adaptive)
}

// checkPartialTP takes a volatility-scaled partial profit once, then moves
// the stop to breakeven.
func (m *Monitor) checkPartialTP(ctx context.Context, trade *database.Trade, price, pnlPct float64) {
	if trade.PartialTaken || m.cfg.PartialTPThresholdPct <= 0 || pnlPct < m.cfg.PartialTPThresholdPct {
		return
	}

	fraction := 0.50
	if klines, err := m.client.GetKlines(trade.Symbol, "1h", klineVolLookback+1); err == nil && len(klines) >= klineVolLookback {
		switch atrPct := risk.ATRPct(klines, klineVolLookback); {
		case atrPct > 8:
			fraction = 0.30
		case atrPct < 3:
			fraction = 0.70
		}
	}

	partialQty := trade.Quantity * fraction
	if info, err := m.client.GetSymbolInfo(trade.Symbol); err == nil && info.StepSize > 0 {
		partialQty = risk.RoundToStep(partialQty, info.StepSize)
	}
	if partialQty <= 0 || partialQty >= trade.Quantity {
		return
	}

	if _, err := m.client.PlaceOrder(binance.OrderParams{
		Symbol:     trade.Symbol,
		Side:       closeSide(trade.Direction),
		Type:       binance.OrderTypeMarket,
		Quantity:   partialQty,
		ReduceOnly: true,
	}); err != nil {
		m.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("error taking partial profit")
		return
	}

	trade.Quantity -= partialQty
	trade.PartialTaken = true
	trade.StopLoss = trade.EntryPrice // breakeven
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		m.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error recording partial take profit")
	}

	m.log.Info().Str("symbol", trade.Symbol).Float64("fraction", fraction).
		Float64("partial_qty", partialQty).Float64("pnl_pct", pnlPct).Msg("partial profit taken")
	m.notifier.SendInfo("Partial Take Profit",
		fmt.Sprintf("%s: took %.0f%% off at %.2f%% profit, stop moved to breakeven",
			trade.Symbol, fraction*100, pnlPct))
}

// closeTrade flattens the position and settles the trade record
func (m *Monitor) closeTrade(ctx context.Context, trade *database.Trade, price float64, reason string) {
	if err := m.client.CancelAllOpenOrders(trade.Symbol); err != nil {
		m.log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("error cancelling protective orders")
	}

	exit := price
	order, err := m.client.PlaceOrder(binance.OrderParams{
		Symbol:     trade.Symbol,
		Side:       closeSide(trade.Direction),
		Type:       binance.OrderTypeMarket,
		Quantity:   trade.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("error flattening position")
		return
	}
	if order.AvgPrice > 0 {
		exit = order.AvgPrice
	}

	pnl, pnlPct := tradePnL(trade, exit)
	if order.CumQuote > 0 {
		// The venue reports realized quote volume; derive pnl against cost
		cost := trade.EntryPrice * trade.Quantity
		if trade.Direction == database.DirectionLong {
			pnl = order.CumQuote - cost
		} else {
			pnl = cost - order.CumQuote
		}
	}

	if err := m.store.CloseTrade(ctx, trade.ID, exit, pnl, pnlPct, reason); err != nil {
		m.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error closing trade record")
		return
	}
	m.afterClose(trade, exit, pnl, pnlPct, reason)
}

func (m *Monitor) afterClose(trade *database.Trade, exit, pnl, pnlPct float64, reason string) {
	m.riskMgr.OnTradeClose(pnl > 0)
	m.notifier.SendTradeClose(trade.Symbol, trade.EntryPrice, exit, pnl, pnlPct, reason)
	m.bus.PublishTradeClosed(trade.Symbol, reason, trade.EntryPrice, exit, pnl, pnlPct)

	m.mu.Lock()
	delete(m.excursions, trade.Symbol)
	m.mu.Unlock()

	m.log.Info().Str("symbol", trade.Symbol).Str("reason", reason).
		Float64("exit", exit).Float64("pnl", pnl).Float64("pnl_pct", pnlPct).Msg("trade closed")
}

// warn logs at most once per window for each (symbol, kind)
func (m *Monitor) warn(symbol, kind, format string, args ...interface{}) {
	key := symbol + ":" + kind
	m.mu.Lock()
	last, ok := m.lastWarn[key]
	if ok && time.Since(last) < warnWindow {
		m.mu.Unlock()
		return
	}
	m.lastWarn[key] = time.Now()
	m.mu.Unlock()
	m.log.Warn().Msgf(format, args...)
}

func closeSide(direction string) string {
	if direction == database.DirectionLong {
		return "SELL"
	}
	return "BUY"
}

// tradePnL computes realized pnl for an exit price
func tradePnL(trade *database.Trade, exit float64) (pnl, pnlPct float64) {
	if trade.EntryPrice <= 0 || trade.Quantity <= 0 {
		return 0, 0
	}
	if trade.Direction == database.DirectionLong {
		pnl = (exit - trade.EntryPrice) * trade.Quantity
	} else {
		pnl = (trade.EntryPrice - exit) * trade.Quantity
	}
	pnlPct = pnl / (trade.EntryPrice * trade.Quantity) * 100
	return pnl, pnlPct
}
