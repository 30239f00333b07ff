package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/circuit"
	"futures-trading-bot/internal/events"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := testRiskConfig()
	bus := events.NewBus()
	calc := NewCalculator(cfg)
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	return NewManager(cfg, 2, calc, cacheSvc, breaker, bus)
}

func TestAdmissionHappyPath(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)

	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.02}, 0)
	assert.True(t, ok, reason)
}

func TestAdmissionPositionCap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)

	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.01}, 5)
	assert.False(t, ok)
	assert.Contains(t, reason, "position cap")

	// Sniper gets extra slots
	ok, _ = m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.005, Sniper: true}, 5)
	assert.True(t, ok)
}

func TestAdmissionDailyLossBlock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)
	// 6% down on the day with a 5% limit
	m.OnBalanceUpdate(ctx, 940)

	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.01}, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss")
}

func TestAdmissionIntradayDrawdownBlock(t *testing.T) {
	m := newTestManager(t)
	m.cfg.DailyMaxLossPct = 0.50 // keep the daily gate out of the way
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)
	m.OnBalanceUpdate(ctx, 1200) // peak
	m.OnBalanceUpdate(ctx, 880)  // >25% off peak

	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.01}, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "intraday drawdown")
}

func TestAdmissionPerTradeRisk(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)

	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.08}, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "per-trade risk")
}

func TestAdmissionRiskShrinksOnLossStreak(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)

	// Base 2.5% passes at full budget
	ok, _ := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.024}, 0)
	require.True(t, ok)

	// Two losses halve the streak multiplier to 0.75 → budget 1.875%
	m.OnTradeClose(false)
	m.OnTradeClose(false)
	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.024}, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "per-trade risk")
}

func TestAdmissionPortfolioCap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)

	// 4 open × 2.5% + 2.5% = 12.5% > 10% cap
	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.02}, 4)
	assert.False(t, ok)
	assert.Contains(t, reason, "portfolio risk")
}

func TestCircuitBreakerBlocksAdmissions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)

	for i := 0; i < 3; i++ {
		m.OnTradeClose(false)
	}

	ok, reason := m.CanTrade(ctx, AdmissionRequest{Symbol: "BTCUSDT", RiskPct: 0.001}, 0)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestVolatilityFactorClamp(t *testing.T) {
	m := newTestManager(t)
	m.SetVolatilityFactor(3.0)
	m.mu.Lock()
	assert.Equal(t, 1.5, m.volatilityFactor)
	m.mu.Unlock()

	m.SetVolatilityFactor(0.1)
	m.mu.Lock()
	assert.Equal(t, 0.5, m.volatilityFactor)
	m.mu.Unlock()
}

func TestDailySnapshotTracksExtrema(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)
	m.OnBalanceUpdate(ctx, 1100)
	m.OnBalanceUpdate(ctx, 950)

	day, start, peak, trough, current := m.DailySnapshot()
	assert.NotEmpty(t, day)
	assert.Equal(t, 1000.0, start)
	assert.Equal(t, 1100.0, peak)
	assert.Equal(t, 950.0, trough)
	assert.Equal(t, 950.0, current)
}

func TestDrawdownWarningPublished(t *testing.T) {
	cfg := testRiskConfig()
	bus := events.NewBus()
	calc := NewCalculator(cfg)
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	m := NewManager(cfg, 2, calc, cacheSvc, breaker, bus)

	warned := make(chan events.Event, 2)
	bus.Subscribe(events.EventDrawdownWarning, func(e events.Event) { warned <- e })

	ctx := context.Background()
	m.OnBalanceUpdate(ctx, 1000)
	// 15% off the peak crosses the half-of-hard-stop warning line (12.5%)
	m.OnBalanceUpdate(ctx, 850)

	select {
	case e := <-warned:
		assert.InDelta(t, 15.0, e.Data["drawdown_pct"], 1e-9)
	case <-time.After(time.Second):
		t.Fatal("drawdown.warning not published")
	}
}
