package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/circuit"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/logging"
)

// AdmissionRequest describes a signal asking for a trade slot
type AdmissionRequest struct {
	Symbol  string
	RiskPct float64 // potential loss as a fraction of balance
	Sniper  bool
}

// Manager admits or rejects signals and enforces the daily and intraday
// hard stops. Admissions are serialized: two concurrent cycles cannot
// double-count capacity.
type Manager struct {
	cfg         *config.RiskConfig
	sniperExtra int
	calculator  *Calculator
	cache       *cache.Service
	breaker     *circuit.Breaker
	bus         *events.Bus

	mu               sync.Mutex
	currentDay       string // YYYY-MM-DD UTC
	dailyStartBal    float64
	intradayPeak     float64
	intradayTrough   float64
	currentBalance   float64
	volatilityFactor float64 // [0.5, 1.5]
	log              zerolog.Logger
}

// NewManager creates a risk manager
func NewManager(cfg *config.RiskConfig, sniperExtraSlots int, calc *Calculator,
	cacheSvc *cache.Service, breaker *circuit.Breaker, bus *events.Bus) *Manager {
	return &Manager{
		cfg:              cfg,
		sniperExtra:      sniperExtraSlots,
		calculator:       calc,
		cache:            cacheSvc,
		breaker:          breaker,
		bus:              bus,
		volatilityFactor: 1.0,
		log:              logging.Component("risk-manager"),
	}
}

// CanTrade runs the full admission sequence for one signal. openPositions
// is the caller's view of currently held slots (open + executed this cycle).
func (m *Manager) CanTrade(ctx context.Context, req AdmissionRequest, openPositions int) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, reason := m.breaker.CanTrade(); !ok {
		return false, reason
	}

	maxSlots := m.cfg.MaxPositions
	if req.Sniper {
		maxSlots += m.sniperExtra
	}
	if openPositions >= maxSlots {
		return false, fmt.Sprintf("position cap reached: %d of %d", openPositions, maxSlots)
	}

	m.rolloverLocked(ctx)

	if m.dailyStartBal > 0 && m.currentBalance > 0 {
		dailyLoss := (m.dailyStartBal - m.currentBalance) / m.dailyStartBal
		if dailyLoss >= m.cfg.DailyMaxLossPct {
			return false, fmt.Sprintf("daily loss limit hit: %.2f%% of start balance", dailyLoss*100)
		}
	}
	if m.intradayPeak > 0 && m.currentBalance > 0 {
		drawdown := (m.intradayPeak - m.currentBalance) / m.intradayPeak
		if drawdown >= m.cfg.IntradayDrawdownHardStopPct {
			return false, fmt.Sprintf("intraday drawdown hard stop: %.2f%% from peak", drawdown*100)
		}
	}

	base := m.cfg.RiskPerTrade
	if req.Sniper {
		base = m.cfg.SniperRiskPerTrade
	}
	allowed := m.adjustRiskLocked(base)
	if req.RiskPct > allowed {
		return false, fmt.Sprintf("per-trade risk %.2f%% exceeds allowed %.2f%%",
			req.RiskPct*100, allowed*100)
	}

	projected := float64(openPositions)*m.cfg.RiskPerTrade + allowed
	if projected > m.cfg.MaxPortfolioRisk {
		return false, fmt.Sprintf("portfolio risk %.2f%% would exceed cap %.2f%%",
			projected*100, m.cfg.MaxPortfolioRisk*100)
	}

	return true, ""
}

// adjustRiskLocked scales the base per-trade risk by streak and volatility
func (m *Manager) adjustRiskLocked(base float64) float64 {
	perf := m.calculator.Performance()
	switch {
	case perf.ConsecutiveLosses >= 3:
		base *= 0.5
	case perf.ConsecutiveLosses >= 2:
		base *= 0.75
	case perf.ConsecutiveWins >= 3:
		base *= 1.2
	}
	return base * m.volatilityFactor
}

// SetVolatilityFactor sets the market-wide risk scaler, clamped to [0.5, 1.5]
func (m *Manager) SetVolatilityFactor(f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatilityFactor = clamp(f, 0.5, 1.5)
}

// OnBalanceUpdate feeds the latest account balance into the daily and
// intraday checkpoints, persisting extrema changes to the cache.
func (m *Manager) OnBalanceUpdate(ctx context.Context, balance float64) {
	if balance <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentBalance = balance
	m.rolloverLocked(ctx)

	changed := false
	if balance > m.intradayPeak {
		m.intradayPeak = balance
		changed = true
	}
	if m.intradayTrough == 0 || balance < m.intradayTrough {
		m.intradayTrough = balance
		changed = true
	}
	if changed {
		m.persistCheckpointsLocked(ctx)
	}

	m.bus.Publish(events.Event{Type: events.EventBalanceUpdate, Data: map[string]interface{}{
		"balance": balance,
		"peak":    m.intradayPeak,
		"trough":  m.intradayTrough,
	}})

	// Warn at half the hard stop so subscribers see trouble before
	// admissions start bouncing
	if m.intradayPeak > 0 && balance > 0 && m.cfg.IntradayDrawdownHardStopPct > 0 {
		drawdown := (m.intradayPeak - balance) / m.intradayPeak
		if drawdown >= m.cfg.IntradayDrawdownHardStopPct/2 {
			m.bus.Publish(events.Event{Type: events.EventDrawdownWarning, Data: map[string]interface{}{
				"drawdown_pct": drawdown * 100,
				"peak":         m.intradayPeak,
				"balance":      balance,
			}})
		}
	}
}

// OnTradeClose records a closed trade outcome into performance state and
// the circuit breaker.
func (m *Manager) OnTradeClose(win bool) {
	m.calculator.UpdatePerformance(win)
	m.breaker.RecordClose(win)
}

// DailySnapshot reports the current daily checkpoints
func (m *Manager) DailySnapshot() (day string, start, peak, trough, current float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentDay, m.dailyStartBal, m.intradayPeak, m.intradayTrough, m.currentBalance
}

// rolloverLocked opens a new UTC day when the date changes, hydrating from
// the cache when a checkpoint for today already exists (process restart).
func (m *Manager) rolloverLocked(ctx context.Context) {
	today := time.Now().UTC().Format("2006-01-02")
	if today == m.currentDay {
		return
	}

	m.currentDay = today
	m.dailyStartBal = m.currentBalance
	m.intradayPeak = m.currentBalance
	m.intradayTrough = m.currentBalance

	var cachedStart float64
	if err := m.cache.Get(ctx, fmt.Sprintf(cache.KeyDailyBalance, today), &cachedStart); err == nil && cachedStart > 0 {
		m.dailyStartBal = cachedStart
		var peak, trough float64
		if err := m.cache.Get(ctx, fmt.Sprintf(cache.KeyIntradayPeak, today), &peak); err == nil && peak > 0 {
			m.intradayPeak = peak
		}
		if err := m.cache.Get(ctx, fmt.Sprintf(cache.KeyIntradayTrough, today), &trough); err == nil && trough > 0 {
			m.intradayTrough = trough
		}
		m.log.Info().Str("day", today).Float64("start", m.dailyStartBal).
			Msg("daily checkpoints hydrated from cache")
		return
	}

	m.persistCheckpointsLocked(ctx)
	m.log.Info().Str("day", today).Float64("start", m.dailyStartBal).Msg("new trading day opened")
}

func (m *Manager) persistCheckpointsLocked(ctx context.Context) {
	if m.currentDay == "" {
		return
	}
	day := m.currentDay
	if err := m.cache.Set(ctx, fmt.Sprintf(cache.KeyDailyBalance, day), m.dailyStartBal, cache.TTLDailyRisk); err != nil {
		return
	}
	m.cache.Set(ctx, fmt.Sprintf(cache.KeyIntradayPeak, day), m.intradayPeak, cache.TTLDailyRisk)
	m.cache.Set(ctx, fmt.Sprintf(cache.KeyIntradayTrough, day), m.intradayTrough, cache.TTLDailyRisk)
}
