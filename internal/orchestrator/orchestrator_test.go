package orchestrator

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
	"futures-trading-bot/internal/filters"
	"futures-trading-bot/internal/monitor"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/scanner"
	"futures-trading-bot/internal/strategy"
)

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			MaxPositions:                3,
			RiskPerTrade:                0.15,
			SniperRiskPerTrade:          0.01,
			MaxPortfolioRisk:            0.50,
			MaxTotalCapitalUsage:        0.80,
			DefaultLeverage:             5,
			DailyMaxLossPct:             0.50,
			IntradayDrawdownHardStopPct: 0.50,
		},
		Executor: config.ExecutorConfig{
			MaxSpreadPctCore:   0.50,
			MaxSpreadPctSniper: 0.60,
			OrderTimeoutSec:    0,
			LimitBufferPct:     0.05,
			IcebergThreshold:   1e9,
			EnableBracketBatch: true,
			TakeProfitParts:    []float64{0.5, 0.3, 0.2},
			TSLCallbackPctMin:  0.3,
			TSLCallbackPctMax:  3.0,
		},
		Scanner: config.ScannerConfig{
			TopN:                  50,
			MaxSymbols:            10,
			MinQuoteVolumeUSDT24h: 1_000_000,
			Concurrency:           4,
		},
		Signals: config.SignalConfig{
			MinScore:                40,
			VolumeThreshold:         0.5,
			RSIOversold:             30,
			RSIOverbought:           70,
			MinMomentumThresholdPct: -5,
			RRMinTrend:              1.5,
			RRMinRange:              1.2,
		},
		Filters: config.FilterConfig{
			CorrWindowDays:        30,
			MaxCorrelation:        0.5,
			MaxPositionsPerSector: 2,
		},
		Monitor: config.MonitorConfig{
			IntervalSec:           1,
			MaxDrawdownPct:        15,
			TrailingActivationPct: 3,
			TSLMinPct:             0.4,
			TSLMaxPct:             1.2,
			PartialTPThresholdPct: 5,
			EmergencyStopPct:      -15,
			MaxLossPct:            -8,
			BlacklistHours:        2,
		},
		Sniper: config.SniperConfig{ExtraSlots: 2},
	}
}

type harness struct {
	mock      *binance.MockClient
	store     *database.MemoryStore
	blacklist *monitor.Blacklist
	monitor   *monitor.Monitor
	bus       *events.Bus
	orch      *Orchestrator
}

func newHarness(t *testing.T, mock *binance.MockClient) *harness {
	t.Helper()
	cfg := testConfig()
	handle := config.NewHandle(cfg)

	bus := events.NewBus()
	store := database.NewMemoryStore()
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	calc := risk.NewCalculator(&cfg.Risk)
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	riskMgr := risk.NewManager(&cfg.Risk, cfg.Sniper.ExtraSlots, calc, cacheSvc, breaker, bus)
	riskMgr.OnBalanceUpdate(context.Background(), 10000)

	notifier := notification.NewManager(false)
	blacklist := monitor.NewBlacklist(cacheSvc)
	mon := monitor.New(&cfg.Monitor, mock, store, riskMgr, notifier, bus, blacklist)
	exec := executor.New(&cfg.Executor, &cfg.Risk, mock, riskMgr, calc, store, notifier, bus)

	scn := scanner.NewScanner(&cfg.Scanner, mock, false)
	gen := strategy.NewGenerator(&cfg.Signals, mock)
	market := filters.NewMarketFilter(mock)
	corr := filters.NewCorrelationFilter(&cfg.Filters, mock)

	orch := New(handle, mock, store, scn, gen, market, corr, blacklist, riskMgr, mon, exec, bus, nil)
	return &harness{mock: mock, store: store, blacklist: blacklist, monitor: mon, bus: bus, orch: orch}
}

// declineSeries drives RSI deep into oversold so the generator emits a LONG
func declineSeries(n int) []binance.Kline {
	klines := make([]binance.Kline, 0, n)
	price := 100.0
	start := time.Now().Add(-time.Duration(n) * time.Hour).UnixMilli()
	for i := 0; i < n; i++ {
		if i%4 == 3 {
			price *= 1.002
		} else {
			price *= 0.992
		}
		klines = append(klines, binance.Kline{
			OpenTime: start + int64(i)*3_600_000,
			Open:     price * 1.001, High: price * 1.01, Low: price * 0.99, Close: price,
			Volume: 1000,
		})
	}
	return klines
}

// risingSeries keeps BTC above its EMA so the regime reads bullish-to-neutral
func risingSeries(n int) []binance.Kline {
	klines := make([]binance.Kline, 0, n)
	price := 50000.0
	start := time.Now().Add(-time.Duration(n) * time.Hour).UnixMilli()
	for i := 0; i < n; i++ {
		price *= 1.0005
		klines = append(klines, binance.Kline{
			OpenTime: start + int64(i)*3_600_000,
			Open:     price * 0.999, High: price * 1.002, Low: price * 0.998, Close: price,
			Volume: 1000,
		})
	}
	return klines
}

// seededMock prepares one oversold tradable symbol plus BTC regime data
func seededMock() *binance.MockClient {
	mock := binance.NewMockClient()
	mock.SymbolInfos["ETHUSDT"] = binance.SymbolInfo{
		Symbol: "ETHUSDT", Status: "TRADING",
		TickSize: 0.01, StepSize: 0.001,
		MinQty: 0.001, MaxQty: 100000, MinNotional: 5,
	}
	mock.Prices["ETHUSDT"] = 25
	mock.Klines["ETHUSDT"] = declineSeries(250)
	mock.Klines["BTCUSDT"] = risingSeries(250)
	mock.Tickers24h = []binance.Ticker24h{
		{Symbol: "BTCUSDT", PriceChangePercent: 2.5, LastPrice: 50000, QuoteVolume: 900_000_000},
		{Symbol: "ETHUSDT", PriceChangePercent: -6.0, LastPrice: 25, QuoteVolume: 400_000_000},
	}
	return mock
}

func TestRunCycleOpensTrade(t *testing.T) {
	h := newHarness(t, seededMock())

	report := h.orch.RunCycle(context.Background())
	require.NotNil(t, report)
	assert.False(t, report.Skipped, report.SkipReason)
	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, 1, report.SymbolsScanned) // BTCUSDT carries regime data but is not listed
	require.Equal(t, 1, report.TradesOpened, "rejections: %v", report.Rejections)

	open, err := h.store.GetOpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ETHUSDT", open[0].Symbol)
	assert.Equal(t, database.DirectionLong, open[0].Direction)

	metrics, err := h.store.GetRecentCycleMetrics(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, report.CycleID, metrics[0].CycleID)
	assert.Equal(t, 1, metrics[0].TradesOpened)

	summary := h.orch.Dashboard().Summarize()
	assert.Equal(t, 1, summary.Cycles)
	assert.Equal(t, 1, summary.TotalTradesOpen)
	assert.Equal(t, report.CycleID, summary.LastCycleID)
}

func TestRunCycleScansOnlyListedSymbols(t *testing.T) {
	// BTCUSDT carries regime data but is not in exchange info, so only
	// ETHUSDT flows into signal generation.
	h := newHarness(t, seededMock())
	report := h.orch.RunCycle(context.Background())
	assert.Equal(t, 1, report.SignalsGenerated)
}

func TestRunCycleSkipsWhenNoFreeSlots(t *testing.T) {
	h := newHarness(t, seededMock())
	for _, symbol := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		require.NoError(t, h.store.CreateTrade(context.Background(), &database.Trade{
			Symbol: symbol, Direction: database.DirectionLong,
			EntryPrice: 100, Quantity: 1, Leverage: 5,
			Status: database.StatusOpen, OpenedAt: time.Now().UTC(),
		}))
	}

	report := h.orch.RunCycle(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, "no free slots", report.SkipReason)
	assert.Zero(t, report.SymbolsScanned)
}

func TestRunCycleSkipsOnExchangeBan(t *testing.T) {
	mock := seededMock()
	mock.Banned = true
	mock.BanSecondsLeft = 120
	h := newHarness(t, mock)

	report := h.orch.RunCycle(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, "exchange ban", report.SkipReason)
	assert.LessOrEqual(t, h.orch.banPause(), maxBanPause)
}

func TestRunCycleSkipsAfterKillSwitch(t *testing.T) {
	mock := seededMock()
	mock.Balance = binance.AccountBalance{TotalBalance: 800, AvailableBalance: 800}
	h := newHarness(t, mock)

	h.monitor.SetInitialBalance(1000)
	h.monitor.Check(context.Background())
	require.True(t, h.monitor.Killed())

	report := h.orch.RunCycle(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, "kill switch", report.SkipReason)
}

func TestRunCycleHonoursBlacklist(t *testing.T) {
	h := newHarness(t, seededMock())
	h.blacklist.Add(context.Background(), "ETHUSDT", time.Hour)

	report := h.orch.RunCycle(context.Background())
	assert.Zero(t, report.TradesOpened)
	assert.Equal(t, 1, report.Rejections[RejectBlacklist])
}

func TestRunCycleBearishRegimeBlocksLongs(t *testing.T) {
	mock := seededMock()
	mock.Klines["BTCUSDT"] = declineSeries(250)
	h := newHarness(t, mock)

	report := h.orch.RunCycle(context.Background())
	assert.Zero(t, report.TradesOpened)
	assert.GreaterOrEqual(t, report.Rejections[RejectMarketRegime], 1)
}

func TestRunCycleCorrelationRejectsTwin(t *testing.T) {
	mock := seededMock()
	mock.SymbolInfos["SOLUSDT"] = binance.SymbolInfo{
		Symbol: "SOLUSDT", Status: "TRADING",
		TickSize: 0.001, StepSize: 0.01,
		MinQty: 0.01, MaxQty: 100000, MinNotional: 5,
	}
	mock.Prices["SOLUSDT"] = 25
	mock.Klines["SOLUSDT"] = declineSeries(250)
	mock.Tickers24h = append(mock.Tickers24h, binance.Ticker24h{
		Symbol: "SOLUSDT", PriceChangePercent: -6.0, LastPrice: 25, QuoteVolume: 300_000_000,
	})
	h := newHarness(t, mock)

	report := h.orch.RunCycle(context.Background())
	assert.Equal(t, 2, report.SignalsGenerated)
	assert.Equal(t, 1, report.TradesOpened)
	assert.Equal(t, 1, report.Rejections[RejectCorrelation])
}

func TestUpdateVolatilityBuckets(t *testing.T) {
	cases := []struct {
		changePct float64
		interval  time.Duration
	}{
		{1.0, intervalCalm},
		{-2.5, intervalNormal},
		{6.0, intervalVolatile},
	}
	for _, tc := range cases {
		mock := seededMock()
		mock.Tickers24h[0].PriceChangePercent = tc.changePct
		h := newHarness(t, mock)

		h.orch.updateVolatility()
		assert.Equal(t, tc.interval, h.orch.ScanInterval(), "change %.1f%%", tc.changePct)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, seededMock())
	require.False(t, h.orch.Running())

	require.NoError(t, h.orch.Start())
	assert.True(t, h.orch.Running())
	require.NoError(t, h.orch.Start()) // idempotent

	h.orch.Stop()
	assert.False(t, h.orch.Running())
	h.orch.Stop() // no-op when already stopped
}

func TestCycleEventsPublished(t *testing.T) {
	h := newHarness(t, seededMock())

	started := make(chan events.Event, 1)
	ended := make(chan events.Event, 1)
	generated := make(chan events.Event, 4)
	h.bus.Subscribe(events.EventCycleStarted, func(e events.Event) { started <- e })
	h.bus.Subscribe(events.EventCycleEnded, func(e events.Event) { ended <- e })
	h.bus.Subscribe(events.EventSignalGenerated, func(e events.Event) { generated <- e })

	report := h.orch.RunCycle(context.Background())

	// Publish dispatches on goroutines, so give delivery a moment
	select {
	case e := <-started:
		assert.Equal(t, report.CycleID, e.Data["cycle_id"])
	case <-time.After(time.Second):
		t.Fatal("cycle.started not published")
	}
	select {
	case e := <-ended:
		assert.Equal(t, report.CycleID, e.Data["cycle_id"])
		assert.Equal(t, 1, e.Data["trades_opened"])
	case <-time.After(time.Second):
		t.Fatal("cycle.ended not published")
	}
	select {
	case e := <-generated:
		assert.Equal(t, report.CycleID, e.Data["cycle_id"])
		assert.Equal(t, "ETHUSDT", e.Data["symbol"])
	case <-time.After(time.Second):
		t.Fatal("signal.generated not published")
	}
}

func TestBlacklistRejectionPublishesEvent(t *testing.T) {
	h := newHarness(t, seededMock())
	h.blacklist.Add(context.Background(), "ETHUSDT", time.Hour)

	rejected := make(chan events.Event, 4)
	h.bus.Subscribe(events.EventSignalRejected, func(e events.Event) { rejected <- e })

	h.orch.RunCycle(context.Background())

	select {
	case e := <-rejected:
		assert.Equal(t, "ETHUSDT", e.Data["symbol"])
		assert.Equal(t, RejectBlacklist, e.Data["stage"])
	case <-time.After(time.Second):
		t.Fatal("signal.rejected not published")
	}
}

func TestDashboardWindowAndAverages(t *testing.T) {
	d := NewDashboard()
	for i := 0; i < dashboardWindow+20; i++ {
		d.Record(CycleReport{
			CycleID:          "c",
			StartedAt:        time.Now(),
			Duration:         100 * time.Millisecond,
			SymbolsScanned:   10,
			SignalsGenerated: 2,
			TradesOpened:     1,
			Rejections:       map[string]int{RejectCorrelation: 1},
		})
	}

	s := d.Summarize()
	assert.Equal(t, dashboardWindow, s.Cycles)
	assert.InDelta(t, 100, s.AvgDurationMs, 0.01)
	assert.InDelta(t, 10, s.AvgSymbols, 0.01)
	assert.InDelta(t, 2, s.AvgSignals, 0.01)
	assert.Equal(t, dashboardWindow, s.TotalTradesOpen)
	assert.Equal(t, dashboardWindow, s.RejectionCounts[RejectCorrelation])
	assert.Len(t, d.Recent(5), 5)
	assert.Len(t, d.Recent(0), dashboardWindow)
}
