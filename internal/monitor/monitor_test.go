package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/circuit"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/risk"
)

func testMonitorConfig() *config.MonitorConfig {
	return &config.MonitorConfig{
		IntervalSec:           6,
		MaxDrawdownPct:        15,
		TrailingActivationPct: 3,
		TSLMinPct:             10,
		TSLMaxPct:             30,
		PartialTPThresholdPct: 5,
		EmergencyStopPct:      -15,
		MaxLossPct:            -8,
		BlacklistHours:        2,
	}
}

func newTestMonitor(t *testing.T, mock *binance.MockClient) (*Monitor, *database.MemoryStore) {
	t.Helper()
	bus := events.NewBus()
	riskCfg := &config.RiskConfig{
		MaxPositions: 5, RiskPerTrade: 0.05, MaxPortfolioRisk: 0.3,
		MaxTotalCapitalUsage: 0.8, DailyMaxLossPct: 0.5, IntradayDrawdownHardStopPct: 0.5,
	}
	calc := risk.NewCalculator(riskCfg)
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	riskMgr := risk.NewManager(riskCfg, 2, calc, cacheSvc, breaker, bus)

	store := database.NewMemoryStore()
	mon := New(testMonitorConfig(), mock, store, riskMgr, notification.NewManager(false),
		bus, NewBlacklist(cacheSvc))
	return mon, store
}

func seedTrade(t *testing.T, store *database.MemoryStore, symbol string, entry, qty float64) *database.Trade {
	t.Helper()
	trade := &database.Trade{
		Symbol:       symbol,
		Direction:    database.DirectionLong,
		EntryPrice:   entry,
		CurrentPrice: entry,
		Quantity:     qty,
		Leverage:     5,
		StopLoss:     entry * 0.98,
		TakeProfit1:  entry * 1.04,
		Status:       database.StatusOpen,
		OpenedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateTrade(context.Background(), trade))
	return trade
}

func positionWith(symbol string, amt, entry, mark, unrealized float64) binance.Position {
	return binance.Position{
		Symbol: symbol, PositionAmt: amt, EntryPrice: entry,
		MarkPrice: mark, UnrealizedProfit: unrealized, Leverage: 5, MarginType: "cross",
	}
}

func TestKillSwitchClosesEverything(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 800, AvailableBalance: 800}
	mock.Prices["ETHUSDT"] = 2000
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 2000, 0))

	require.NoError(t, mon.Check(context.Background()))

	assert.True(t, mon.Killed())
	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	var flattened bool
	for _, p := range mock.PlacedOrders {
		if p.Type == binance.OrderTypeMarket && p.ReduceOnly && p.Symbol == "ETHUSDT" {
			flattened = true
		}
	}
	assert.True(t, flattened)
}

func TestKillSwitchNotFiredBelowThreshold(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 950}
	mon, _ := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)

	require.NoError(t, mon.Check(context.Background()))
	assert.False(t, mon.Killed())
}

func TestEmergencyStopClosesTrade(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 1680
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)
	// -16% on notional 2000
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 1680, -320))

	require.NoError(t, mon.Check(context.Background()))

	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := store.GetRecentClosedTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].ExitReason)
	assert.Equal(t, ReasonEmergencyStop, *closed[0].ExitReason)
}

func TestMaxLossBlacklistsSymbol(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 1820
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)
	// -9%: past max loss, above the emergency level
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 1820, -180))

	require.NoError(t, mon.Check(context.Background()))

	assert.True(t, mon.Blacklist().Contains(context.Background(), "ETHUSDT"))
	closed, err := store.GetRecentClosedTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonMaxLoss, *closed[0].ExitReason)
}

func TestTrailingStopAfterGiveback(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 2100
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)

	// First cycle: +4.5% arms the trailing tracker without touching the
	// partial take-profit threshold
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 2090, 90))
	require.NoError(t, mon.Check(context.Background()))
	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotNil(t, open[0].MaxPnLPercentage)
	assert.InDelta(t, 4.5, *open[0].MaxPnLPercentage, 1e-9)

	// Second cycle: profit gives back more than half, beyond the threshold
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 2040, 40))
	require.NoError(t, mon.Check(context.Background()))

	closed, err := store.GetRecentClosedTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonTrailingStop, *closed[0].ExitReason)
}

func TestPartialTakeProfit(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 2120
	mock.SymbolInfos["ETHUSDT"] = binance.SymbolInfo{
		Symbol: "ETHUSDT", TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MaxQty: 10000, MinNotional: 5,
	}
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)
	// +6%: beyond the 5% partial threshold, below trailing arm+giveback
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 2120, 120))

	require.NoError(t, mon.Check(context.Background()))

	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].PartialTaken)
	assert.InDelta(t, 0.5, open[0].Quantity, 1e-9)
	assert.InDelta(t, 2000, open[0].StopLoss, 1e-9) // breakeven

	var partial bool
	for _, p := range mock.PlacedOrders {
		if p.Type == binance.OrderTypeMarket && p.ReduceOnly && p.Quantity == 0.5 {
			partial = true
		}
	}
	assert.True(t, partial)
}

func TestPartialTakeProfitOnlyOnce(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 2120
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	trade := seedTrade(t, store, "ETHUSDT", 2000, 1)
	trade.PartialTaken = true
	require.NoError(t, store.UpdateTrade(context.Background(), trade))
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 2120, 120))

	require.NoError(t, mon.Check(context.Background()))
	for _, p := range mock.PlacedOrders {
		assert.NotEqual(t, binance.OrderTypeMarket, p.Type)
	}
}

func TestAutoSyncReconstructsMissingTrade(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["SOLUSDT"] = 150
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	mock.SetPosition(positionWith("SOLUSDT", -10, 150, 150, 0))

	require.NoError(t, mon.Check(context.Background()))

	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "SOLUSDT", open[0].Symbol)
	assert.Equal(t, database.DirectionShort, open[0].Direction)
	assert.InDelta(t, 10, open[0].Quantity, 1e-9)
	assert.InDelta(t, 150, open[0].EntryPrice, 1e-9)
	assert.Greater(t, open[0].StopLoss, 150.0)    // short: stop above entry
	assert.Less(t, open[0].TakeProfit1, 150.0)    // short: target below entry
}

func TestVanishedPositionSettled(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 2080
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)
	// no exchange position

	require.NoError(t, mon.Check(context.Background()))

	closed, err := store.GetRecentClosedTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "Closed on exchange", *closed[0].ExitReason)
	require.NotNil(t, closed[0].ExitPrice)
	assert.InDelta(t, 2080, *closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, 80, closed[0].PnL, 1e-9)
}

func TestFundingExitClosesProfitableTrade(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 2020
	mock.Premiums["ETHUSDT"] = binance.PremiumIndex{
		Symbol:          "ETHUSDT",
		MarkPrice:       2020,
		LastFundingRate: 0.002,
		NextFundingTime: time.Now().Add(10 * time.Minute).UnixMilli(),
	}
	mon, store := newTestMonitor(t, mock)
	mon.cfg.EnableFundingExits = true
	mon.cfg.FundingExitThreshold = 0.001
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 2020, 20))

	require.NoError(t, mon.Check(context.Background()))

	closed, err := store.GetRecentClosedTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonFundingExit, *closed[0].ExitReason)
}

func TestExcursionTracking(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Balance = binance.AccountBalance{TotalBalance: 1000}
	mock.Prices["ETHUSDT"] = 2000
	mon, store := newTestMonitor(t, mock)
	mon.SetInitialBalance(1000)
	seedTrade(t, store, "ETHUSDT", 2000, 1)

	// -4%, then +4%: both excursions must be retained
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 1920, -80))
	require.NoError(t, mon.Check(context.Background()))
	mock.SetPosition(positionWith("ETHUSDT", 1, 2000, 2080, 80))
	require.NoError(t, mon.Check(context.Background()))

	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, -4.0, open[0].MAEPercentage, 1e-9)
	assert.InDelta(t, 4.0, open[0].MFEPercentage, 1e-9)
}

func TestBlacklistExpiry(t *testing.T) {
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	bl := NewBlacklist(cacheSvc)
	ctx := context.Background()

	bl.Add(ctx, "ETHUSDT", 50*time.Millisecond)
	assert.True(t, bl.Contains(ctx, "ETHUSDT"))
	assert.Contains(t, bl.Symbols(), "ETHUSDT")

	time.Sleep(80 * time.Millisecond)
	assert.False(t, bl.Contains(ctx, "ETHUSDT"))
}
