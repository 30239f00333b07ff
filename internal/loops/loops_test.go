package loops

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
	"futures-trading-bot/internal/executor"
	"futures-trading-bot/internal/monitor"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/scanner"
	"futures-trading-bot/internal/supervisor"
)

func testLoopsConfig() *config.LoopsConfig {
	return &config.LoopsConfig{
		DCAEnabled:             true,
		MaxDCACount:            3,
		DCAThresholdPct:        -3,
		DCAMultiplier:          0.5,
		PyramidingEnabled:      true,
		PyramidingThresholdPct: 4,
		PyramidingMultiplier:   0.5,
		TimeExitHours:          8,
		TimeExitMinProfitPct:   1,
		AutoSyncMinutes:        10,
	}
}

func newTestRunner(t *testing.T, mock *binance.MockClient) (*Runner, *database.MemoryStore) {
	t.Helper()
	bus := events.NewBus()
	riskCfg := &config.RiskConfig{
		MaxPositions: 5, RiskPerTrade: 0.05, SniperRiskPerTrade: 0.05, MaxPortfolioRisk: 0.5,
		MaxTotalCapitalUsage: 0.8, DailyMaxLossPct: 0.5, IntradayDrawdownHardStopPct: 0.5,
	}
	calc := risk.NewCalculator(riskCfg)
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	riskMgr := risk.NewManager(riskCfg, 2, calc, cacheSvc, breaker, bus)
	riskMgr.OnBalanceUpdate(context.Background(), 10000)

	store := database.NewMemoryStore()
	notifier := notification.NewManager(false)
	execCfg := &config.ExecutorConfig{
		MaxSpreadPctCore: 0.5, MaxSpreadPctSniper: 0.5,
		OrderTimeoutSec: 0, LimitBufferPct: 0.05,
		IcebergThreshold: 1e9, TakeProfitParts: []float64{0.5, 0.3, 0.2},
	}
	exec := executor.New(execCfg, riskCfg, mock, riskMgr, calc, store, notifier, bus)
	scan := scanner.NewScanner(&config.ScannerConfig{TopN: 50, MaxSymbols: 10, Concurrency: 2}, mock, false)
	blacklist := monitor.NewBlacklist(cacheSvc)

	sniperCfg := &config.SniperConfig{Enabled: true, ExtraSlots: 2, DefaultLeverage: 5, TPPct: 1.5, SLPct: 1.0}
	runner := NewRunner(testLoopsConfig(), sniperCfg, mock, store, cacheSvc, exec, scan,
		blacklist, notifier, bus, supervisor.NewHeartbeats())
	return runner, store
}

func seedOpenTrade(t *testing.T, store *database.MemoryStore, symbol, direction string, entry, qty float64, openedAt time.Time) *database.Trade {
	t.Helper()
	trade := &database.Trade{
		Symbol:       symbol,
		Direction:    direction,
		EntryPrice:   entry,
		CurrentPrice: entry,
		Quantity:     qty,
		Leverage:     5,
		StopLoss:     entry * 0.98,
		TakeProfit1:  entry * 1.04,
		Status:       database.StatusOpen,
		OpenedAt:     openedAt,
	}
	require.NoError(t, store.CreateTrade(context.Background(), trade))
	return trade
}

// oversoldCloses builds a decline steep enough to push hourly RSI far down
func oversoldKlines(n int, start float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	price := start
	ts := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		price *= 0.995
		klines[i] = binance.Kline{OpenTime: ts.UnixMilli(), Open: price * 1.001, High: price * 1.002, Low: price * 0.999, Close: price, Volume: 1000}
		ts = ts.Add(time.Hour)
	}
	return klines
}

func TestDCAAddsToOversoldLoser(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["ETHUSDT"] = 1900 // -5% from entry
	mock.Klines["ETHUSDT:1h"] = oversoldKlines(100, 2400)
	runner, store := newTestRunner(t, mock)
	seedOpenTrade(t, store, "ETHUSDT", database.DirectionLong, 2000, 1, time.Now())

	require.NoError(t, runner.dcaOnce(context.Background()))

	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].DCACount)
	assert.InDelta(t, 1.5, open[0].Quantity, 1e-9)
	// Weighted entry: (2000*1 + 1900*0.5) / 1.5
	assert.InDelta(t, 1966.6667, open[0].EntryPrice, 0.001)

	require.Len(t, mock.PlacedOrders, 1)
	assert.Equal(t, "BUY", mock.PlacedOrders[0].Side)
	assert.Equal(t, binance.OrderTypeMarket, mock.PlacedOrders[0].Type)
}

func TestDCASkipsWithoutRSIConfirmation(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["ETHUSDT"] = 1900
	// Flat closes keep RSI near 50
	klines := make([]binance.Kline, 100)
	ts := time.Now().Add(-100 * time.Hour)
	for i := range klines {
		klines[i] = binance.Kline{OpenTime: ts.UnixMilli(), Open: 2000, High: 2001, Low: 1999, Close: 2000, Volume: 100}
		ts = ts.Add(time.Hour)
	}
	mock.Klines["ETHUSDT:1h"] = klines
	runner, store := newTestRunner(t, mock)
	seedOpenTrade(t, store, "ETHUSDT", database.DirectionLong, 2000, 1, time.Now())

	require.NoError(t, runner.dcaOnce(context.Background()))
	assert.Empty(t, mock.PlacedOrders)
	open, _ := store.GetOpenTrades(context.Background())
	assert.Equal(t, 0, open[0].DCACount)
}

func TestDCARespectsMaxCount(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["ETHUSDT"] = 1900
	mock.Klines["ETHUSDT:1h"] = oversoldKlines(100, 2400)
	runner, store := newTestRunner(t, mock)
	trade := seedOpenTrade(t, store, "ETHUSDT", database.DirectionLong, 2000, 1, time.Now())
	trade.DCACount = 3
	require.NoError(t, store.UpdateTrade(context.Background(), trade))

	require.NoError(t, runner.dcaOnce(context.Background()))
	assert.Empty(t, mock.PlacedOrders)
}

func TestPyramidAddsOnceToWinner(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["ETHUSDT"] = 2100 // +5%
	runner, store := newTestRunner(t, mock)
	seedOpenTrade(t, store, "ETHUSDT", database.DirectionLong, 2000, 1, time.Now())

	require.NoError(t, runner.pyramidOnce(context.Background()))

	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Pyramided)
	assert.InDelta(t, 1.5, open[0].Quantity, 1e-9)
	assert.InDelta(t, (2000*1+2100*0.5)/1.5, open[0].EntryPrice, 0.01)

	// The add must not ride the original wide stop: breakeven-or-better
	// on the blended entry, and the venue stop replaced for the full size
	require.GreaterOrEqual(t, open[0].StopLoss, open[0].EntryPrice)
	require.Len(t, mock.PlacedOrders, 2)
	stop := mock.PlacedOrders[1]
	assert.Equal(t, binance.OrderTypeStopMarket, stop.Type)
	assert.True(t, stop.ReduceOnly)
	assert.InDelta(t, open[0].StopLoss, stop.StopPrice, 1e-9)
	assert.InDelta(t, 1.5, stop.Quantity, 1e-9)

	// Second pass must not add again
	require.NoError(t, runner.pyramidOnce(context.Background()))
	open, _ = store.GetOpenTrades(context.Background())
	assert.InDelta(t, 1.5, open[0].Quantity, 1e-9)
	assert.Len(t, mock.PlacedOrders, 2)
}

func TestTimeExitClosesStaleLaggard(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["ETHUSDT"] = 2004 // +0.2%, under the 1% minimum
	runner, store := newTestRunner(t, mock)
	seedOpenTrade(t, store, "ETHUSDT", database.DirectionLong, 2000, 1, time.Now().Add(-9*time.Hour))

	require.NoError(t, runner.timeExitOnce(context.Background()))

	closed, err := store.GetRecentClosedTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonTimeExit, *closed[0].ExitReason)
}

func TestTimeExitSparesProfitAndYoung(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["ETHUSDT"] = 2100 // +5%
	mock.Prices["SOLUSDT"] = 150
	runner, store := newTestRunner(t, mock)
	seedOpenTrade(t, store, "ETHUSDT", database.DirectionLong, 2000, 1, time.Now().Add(-9*time.Hour))
	seedOpenTrade(t, store, "SOLUSDT", database.DirectionLong, 150, 10, time.Now().Add(-time.Hour))

	require.NoError(t, runner.timeExitOnce(context.Background()))
	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestSniperOpensForcedTrade(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["MIDUSDT"] = 3.0
	mock.SymbolInfos["MIDUSDT"] = binance.SymbolInfo{
		Symbol: "MIDUSDT", Status: "TRADING", TickSize: 0.001, StepSize: 0.1,
		MinQty: 0.1, MaxQty: 1e7, MinNotional: 5,
	}
	mock.Tickers24h = []binance.Ticker24h{{
		Symbol: "MIDUSDT", LastPrice: 3.0, PriceChangePercent: 4.2, QuoteVolume: 8_000_000,
	}}
	runner, store := newTestRunner(t, mock)

	require.NoError(t, runner.sniperOnce(context.Background()))

	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "MIDUSDT", open[0].Symbol)
	assert.Equal(t, database.DirectionLong, open[0].Direction)
	assert.True(t, open[0].IsSniper)
	assert.Equal(t, 5, open[0].Leverage)
}

func TestSniperSkipsBlacklisted(t *testing.T) {
	mock := binance.NewMockClient()
	mock.Prices["MIDUSDT"] = 3.0
	mock.SymbolInfos["MIDUSDT"] = binance.SymbolInfo{
		Symbol: "MIDUSDT", Status: "TRADING", TickSize: 0.001, StepSize: 0.1,
		MinQty: 0.1, MaxQty: 1e7, MinNotional: 5,
	}
	mock.Tickers24h = []binance.Ticker24h{{
		Symbol: "MIDUSDT", LastPrice: 3.0, PriceChangePercent: 4.2, QuoteVolume: 8_000_000,
	}}
	runner, store := newTestRunner(t, mock)
	runner.blacklist.Add(context.Background(), "MIDUSDT", time.Hour)

	require.NoError(t, runner.sniperOnce(context.Background()))
	open, _ := store.GetOpenTrades(context.Background())
	assert.Empty(t, open)
}

func TestSyncSweepsOrphanedOrders(t *testing.T) {
	mock := binance.NewMockClient()
	mock.OpenOrdersBySymbol["ETHUSDT"] = []binance.Order{{
		Symbol: "ETHUSDT", OrderID: 7, Type: string(binance.OrderTypeStopMarket),
		Status: string(binance.OrderStatusNew), ReduceOnly: true,
	}}
	runner, _ := newTestRunner(t, mock)

	require.NoError(t, runner.syncOnce(context.Background()))
	assert.Contains(t, mock.CancelledAll, "ETHUSDT")
}

func TestSyncAdoptsVenueQuantity(t *testing.T) {
	mock := binance.NewMockClient()
	mock.SetPosition(binance.Position{
		Symbol: "ETHUSDT", PositionAmt: 0.6, EntryPrice: 2000, MarkPrice: 2000, Leverage: 5,
	})
	runner, store := newTestRunner(t, mock)
	seedOpenTrade(t, store, "ETHUSDT", database.DirectionLong, 2000, 1, time.Now())

	require.NoError(t, runner.syncOnce(context.Background()))
	open, err := store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 0.6, open[0].Quantity, 1e-9)
}
