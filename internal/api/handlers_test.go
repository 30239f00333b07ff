package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"futures-trading-bot/internal/orchestrator"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/scanner"
	"futures-trading-bot/internal/strategy"
)

func testServer(t *testing.T) (*Server, *database.MemoryStore, *monitor.Monitor) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Enabled: true, Host: "127.0.0.1", Port: 0},
		Risk: config.RiskConfig{
			MaxPositions: 3, RiskPerTrade: 0.05, SniperRiskPerTrade: 0.01,
			MaxPortfolioRisk: 0.2, MaxTotalCapitalUsage: 0.8, DefaultLeverage: 5,
			DailyMaxLossPct: 0.5, IntradayDrawdownHardStopPct: 0.5,
		},
		Executor: config.ExecutorConfig{
			MaxSpreadPctCore: 0.2, TakeProfitParts: []float64{0.5, 0.3, 0.2},
			IcebergThreshold: 1e9,
		},
		Scanner: config.ScannerConfig{TopN: 50, MaxSymbols: 10, MinQuoteVolumeUSDT24h: 1e6, Concurrency: 2},
		Filters: config.FilterConfig{CorrWindowDays: 30, MaxCorrelation: 0.5, MaxPositionsPerSector: 2},
		Monitor: config.MonitorConfig{IntervalSec: 1, MaxDrawdownPct: 15, BlacklistHours: 2},
	}
	handle := config.NewHandle(cfg)

	mock := binance.NewMockClient()
	bus := events.NewBus()
	store := database.NewMemoryStore()
	cacheSvc := cache.NewService(config.RedisConfig{Enabled: false})
	calc := risk.NewCalculator(&cfg.Risk)
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)
	riskMgr := risk.NewManager(&cfg.Risk, 2, calc, cacheSvc, breaker, bus)
	riskMgr.OnBalanceUpdate(context.Background(), 10000)

	notifier := notification.NewManager(false)
	blacklist := monitor.NewBlacklist(cacheSvc)
	mon := monitor.New(&cfg.Monitor, mock, store, riskMgr, notifier, bus, blacklist)
	exec := executor.New(&cfg.Executor, &cfg.Risk, mock, riskMgr, calc, store, notifier, bus)

	orch := orchestrator.New(handle, mock, store,
		scanner.NewScanner(&cfg.Scanner, mock, false),
		strategy.NewGenerator(&cfg.Signals, mock),
		filters.NewMarketFilter(mock),
		filters.NewCorrelationFilter(&cfg.Filters, mock),
		blacklist, riskMgr, mon, exec, bus, nil)

	return NewServer(&cfg.Server, handle, store, bus, orch, exec, mon, riskMgr, nil), store, mon
}

func doRequest(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	body := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReportsBotState(t *testing.T) {
	s, store, _ := testServer(t)
	require.NoError(t, store.CreateTrade(context.Background(), &database.Trade{
		Symbol: "ETHUSDT", Direction: database.DirectionLong,
		EntryPrice: 2000, Quantity: 1, Leverage: 5,
		Status: database.StatusOpen, OpenedAt: time.Now().UTC(),
	}))

	rec, body := doRequest(t, s, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, false, body["kill_switch"])
	assert.EqualValues(t, 1, body["open_positions"])
}

func TestPositionsListsOpenTrades(t *testing.T) {
	s, store, _ := testServer(t)
	for _, symbol := range []string{"ETHUSDT", "SOLUSDT"} {
		require.NoError(t, store.CreateTrade(context.Background(), &database.Trade{
			Symbol: symbol, Direction: database.DirectionShort,
			EntryPrice: 100, Quantity: 2, Leverage: 3,
			Status: database.StatusOpen, OpenedAt: time.Now().UTC(),
		}))
	}

	rec, body := doRequest(t, s, http.MethodGet, "/api/positions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
}

func TestTradeHistoryLimit(t *testing.T) {
	s, store, _ := testServer(t)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		trade := &database.Trade{
			Symbol: "ETHUSDT", Direction: database.DirectionLong,
			EntryPrice: 2000, Quantity: 1, Leverage: 5,
			Status: database.StatusOpen, OpenedAt: now.Add(-time.Hour),
		}
		require.NoError(t, store.CreateTrade(context.Background(), trade))
		require.NoError(t, store.CloseTrade(context.Background(), trade.ID, 2100, 100, 5, "Take Profit"))
	}

	rec, body := doRequest(t, s, http.MethodGet, "/api/trades/history?limit=3")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["count"])
}

func TestCycleMetricsEmpty(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doRequest(t, s, http.MethodGet, "/api/metrics/cycles")
	assert.Equal(t, http.StatusOK, rec.Code)
	summary, ok := body["summary"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 0, summary["cycles"])
}

func TestExecutionMetrics(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doRequest(t, s, http.MethodGet, "/api/metrics/execution")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "total")
}

func TestDailyRisk(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doRequest(t, s, http.MethodGet, "/api/metrics/daily")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10000, body["current"])
}

func TestInterventionsWithoutSupervisor(t *testing.T) {
	s, _, _ := testServer(t)
	rec, body := doRequest(t, s, http.MethodGet, "/api/supervisor/interventions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["interventions"])
}

func TestBotStartStop(t *testing.T) {
	s, _, _ := testServer(t)

	rec, body := doRequest(t, s, http.MethodPost, "/api/bot/start")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])

	rec, body = doRequest(t, s, http.MethodPost, "/api/bot/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["running"])
}

func TestBotStartBlockedByKillSwitch(t *testing.T) {
	s, _, mon := testServer(t)

	// Anchor the drawdown reference far above the mock balance so the
	// next monitor pass fires the kill switch
	mon.SetInitialBalance(100000)
	mon.Check(context.Background())
	require.True(t, mon.Killed())

	rec, _ := doRequest(t, s, http.MethodPost, "/api/bot/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("/api/status"))
	}
	assert.False(t, limiter.Allow("/api/status"))
	assert.True(t, limiter.Allow("/api/positions"))
}
