package executor

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
	"futures-trading-bot/internal/strategy"
)

func testExecutorConfig() *config.ExecutorConfig {
	return &config.ExecutorConfig{
		MaxSpreadPctCore:       0.10,
		MaxSpreadPctSniper:     0.20,
		AutoIsolateMinLeverage: 10,
		DefaultMarginCrossed:   true,
		OrderTimeoutSec:        0, // no polling in tests
		LimitBufferPct:         0.05,
		IcebergThreshold:       100000,
		IcebergChunkSize:       20000,
		EnableBracketBatch:     true,
		TakeProfitParts:        []float64{0.5, 0.3, 0.2},
		TSLCallbackPctMin:      0.5,
		TSLCallbackPctMax:      3.0,
		HeadroomMinPct:         0, // disabled unless a test opts in
		ReduceStepPct:          0,
	}
}

func testRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		MaxPositions:                5,
		RiskPerTrade:                0.05,
		SniperRiskPerTrade:          0.01,
		MaxPortfolioRisk:            0.20,
		MaxTotalCapitalUsage:        0.80,
		DefaultLeverage:             5,
		DailyMaxLossPct:             0.05,
		IntradayDrawdownHardStopPct: 0.10,
	}
}

func newTestExecutor(t *testing.T, mock *binance.MockClient, cfg *config.ExecutorConfig, riskCfg *config.RiskConfig) (*Executor, *database.MemoryStore) {
	t.Helper()
	bus := events.NewBus()
	calc := risk.NewCalculator(riskCfg)
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	riskMgr := risk.NewManager(riskCfg, 2, calc, cacheSvc, breaker, bus)
	riskMgr.OnBalanceUpdate(context.Background(), 10000)

	store := database.NewMemoryStore()
	exec := New(cfg, riskCfg, mock, riskMgr, calc, store, notification.NewManager(false), bus)
	exec.pollInterval = time.Millisecond
	exec.interChunkDelay = time.Millisecond
	return exec, store
}

func longSignal() *strategy.Signal {
	return &strategy.Signal{
		Symbol:      "ETHUSDT",
		Direction:   strategy.DirectionLong,
		Score:       85,
		EntryPrice:  2000,
		StopLoss:    1980,
		TakeProfit1: 2080,
		TakeProfit2: 2120,
		TakeProfit3: 2160,
		Leverage:    5,
		ATRPct:      2.0,
		RiskReward:  2.0,
	}
}

func seededMock() *binance.MockClient {
	mock := binance.NewMockClient()
	mock.FillOrders = true
	mock.Prices["ETHUSDT"] = 2000
	mock.SymbolInfos["ETHUSDT"] = binance.SymbolInfo{
		Symbol: "ETHUSDT", Status: "TRADING",
		TickSize: 0.01, StepSize: 0.001,
		MinQty: 0.001, MaxQty: 10000, MinNotional: 5,
	}
	return mock
}

func TestExecuteOpensTradeWithProtections(t *testing.T) {
	mock := seededMock()
	exec, store := newTestExecutor(t, mock, testExecutorConfig(), testRiskConfig())

	res, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, MethodLimit, res.Method)
	assert.Greater(t, res.Quantity, 0.0)
	assert.Equal(t, 5, res.Leverage)
	assert.Equal(t, 5, mock.LeverageSet["ETHUSDT"])

	// Entry + SL + 3 TPs
	require.GreaterOrEqual(t, len(mock.PlacedOrders), 5)
	entry := mock.PlacedOrders[0]
	assert.Equal(t, "BUY", entry.Side)
	assert.Equal(t, binance.OrderTypeLimit, entry.Type)

	var stops, tps int
	var tpQty float64
	for _, p := range mock.PlacedOrders[1:] {
		require.True(t, p.ReduceOnly)
		assert.Equal(t, "SELL", p.Side)
		switch p.Type {
		case binance.OrderTypeStopMarket:
			stops++
		case binance.OrderTypeLimit:
			tps++
			tpQty += p.Quantity
		}
	}
	assert.Equal(t, 1, stops)
	assert.Equal(t, 3, tps)
	assert.InDelta(t, res.Quantity, tpQty, 0.002)

	trades, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "ETHUSDT", trades[0].Symbol)
	assert.Equal(t, database.DirectionLong, trades[0].Direction)
}

func TestExecuteRejectsWideSpread(t *testing.T) {
	mock := seededMock()
	mock.BookTickers["ETHUSDT"] = binance.BookTicker{
		Symbol: "ETHUSDT", BidPrice: 1990, AskPrice: 2010, BidQty: 10, AskQty: 10,
	}
	exec, _ := newTestExecutor(t, mock, testExecutorConfig(), testRiskConfig())

	_, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spread")
	assert.Empty(t, mock.PlacedOrders)
}

func TestExecuteCapsLeverageByBracket(t *testing.T) {
	mock := seededMock()
	mock.Brackets["ETHUSDT"] = []binance.LeverageBracket{
		{Bracket: 1, InitialLeverage: 3, NotionalCap: 1e7},
	}
	exec, _ := newTestExecutor(t, mock, testExecutorConfig(), testRiskConfig())

	signal := longSignal()
	signal.Leverage = 10

	res, err := exec.Execute(context.Background(), signal, 10000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Leverage)
	assert.Equal(t, 3, mock.LeverageSet["ETHUSDT"])
}

func TestExecuteRiskRejection(t *testing.T) {
	mock := seededMock()
	exec, _ := newTestExecutor(t, mock, testExecutorConfig(), testRiskConfig())

	// All position slots taken
	_, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk manager rejected")
	assert.Empty(t, mock.PlacedOrders)
}

func TestExecuteForceBypassesRisk(t *testing.T) {
	mock := seededMock()
	riskCfg := testRiskConfig()
	riskCfg.AllowRiskBypassForForce = true
	exec, _ := newTestExecutor(t, mock, testExecutorConfig(), riskCfg)

	signal := longSignal()
	signal.Force = true

	_, err := exec.Execute(context.Background(), signal, 10000, 0, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, mock.PlacedOrders)
}

func TestExecuteHighLeverageForcesIsolated(t *testing.T) {
	mock := seededMock()
	exec, _ := newTestExecutor(t, mock, testExecutorConfig(), testRiskConfig())

	signal := longSignal()
	signal.Leverage = 12

	_, err := exec.Execute(context.Background(), signal, 10000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, binance.MarginTypeIsolated, mock.MarginTypeSet["ETHUSDT"])
}

func TestExecuteMarketFallbackWhenLimitNeverFills(t *testing.T) {
	mock := seededMock()
	mock.FillOrders = false
	exec, _ := newTestExecutor(t, mock, testExecutorConfig(), testRiskConfig())

	res, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, MethodMarket, res.Method)
	assert.False(t, res.Maker)

	// Five limit attempts were cancelled before the fallback
	assert.Len(t, mock.CancelledOrders, 5)

	var marketSeen bool
	for _, p := range mock.PlacedOrders {
		if p.Type == binance.OrderTypeMarket && !p.ReduceOnly {
			marketSeen = true
		}
	}
	assert.True(t, marketSeen)
}

func TestExecuteIcebergChunks(t *testing.T) {
	mock := seededMock()
	cfg := testExecutorConfig()
	cfg.IcebergThreshold = 1000
	cfg.IcebergChunkSize = 1000
	exec, _ := newTestExecutor(t, mock, cfg, testRiskConfig())

	res, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, MethodIceberg, res.Method)

	var entryChunks int
	for _, p := range mock.PlacedOrders {
		if p.Type == binance.OrderTypeLimit && !p.ReduceOnly && p.Side == "BUY" {
			entryChunks++
		}
	}
	assert.Greater(t, entryChunks, 1)
}

func TestExecuteTrailingStop(t *testing.T) {
	mock := seededMock()
	mock.Klines["ETHUSDT:1h"] = flatKlines(50, 2000, 30) // ~1.5% range per bar
	cfg := testExecutorConfig()
	cfg.EnableTrailingStop = true
	cfg.TSLATRLookbackInterval = "1h"
	exec, _ := newTestExecutor(t, mock, cfg, testRiskConfig())

	_, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 0)
	require.NoError(t, err)

	var tsl *binance.OrderParams
	for i := range mock.PlacedOrders {
		if mock.PlacedOrders[i].Type == binance.OrderTypeTrailingStop {
			tsl = &mock.PlacedOrders[i]
		}
	}
	require.NotNil(t, tsl)
	assert.True(t, tsl.ReduceOnly)
	assert.GreaterOrEqual(t, tsl.CallbackRate, cfg.TSLCallbackPctMin)
	assert.LessOrEqual(t, tsl.CallbackRate, cfg.TSLCallbackPctMax)
}

func TestExecuteHeadroomTrim(t *testing.T) {
	mock := seededMock()
	mock.SetPosition(binance.Position{
		Symbol: "ETHUSDT", PositionAmt: 1.0, EntryPrice: 2000,
		MarkPrice: 2000, LiquidationPrice: 1980, Leverage: 5, MarginType: "cross",
	})
	cfg := testExecutorConfig()
	cfg.HeadroomMinPct = 5.0
	cfg.ReduceStepPct = 25.0
	exec, _ := newTestExecutor(t, mock, cfg, testRiskConfig())

	_, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 0)
	require.NoError(t, err)

	var trims int
	for _, p := range mock.PlacedOrders {
		if p.Type == binance.OrderTypeMarket && p.ReduceOnly {
			trims++
		}
	}
	// Liquidation stays 1% from entry in the mock, so the trim cap applies
	assert.Equal(t, 3, trims)
}

func TestExecuteRejectsSubMinNotional(t *testing.T) {
	mock := seededMock()
	info := mock.SymbolInfos["ETHUSDT"]
	info.MinNotional = 1e9
	mock.SymbolInfos["ETHUSDT"] = info
	exec, _ := newTestExecutor(t, mock, testExecutorConfig(), testRiskConfig())

	_, err := exec.Execute(context.Background(), longSignal(), 10000, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notional")
}

func TestMetricsRollingWindow(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 150; i++ {
		method := MethodLimit
		if i%3 == 0 {
			method = MethodMarket
		}
		m.observe(record{method: method, maker: i%2 == 0, slippagePct: 0.1, duration: time.Millisecond, retries: 1})
	}
	s := m.Snapshot()
	assert.Equal(t, 100, s.Total)
	assert.Equal(t, s.Total, s.LimitCount+s.MarketCount+s.IcebergCount)
	assert.InDelta(t, 0.1, s.AvgSlippagePct, 1e-9)
	assert.Equal(t, 100, s.TotalRetries)
}

func flatKlines(n int, price, rangeSize float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	t := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := range klines {
		klines[i] = binance.Kline{
			OpenTime: t.UnixMilli(), Open: price, High: price + rangeSize/2, Low: price - rangeSize/2,
			Close: price, Volume: 1000,
		}
		t = t.Add(time.Hour)
	}
	return klines
}
