package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
)

func testScannerConfig() *config.ScannerConfig {
	return &config.ScannerConfig{
		TopN:                  50,
		MaxSymbols:            10,
		MinQuoteVolumeUSDT24h: 1_000_000,
		Concurrency:           5,
	}
}

func seedKlines(n int, base float64) []binance.Kline {
	klines := make([]binance.Kline, 0, n)
	start := time.Now().Add(-time.Duration(n) * time.Hour).UnixMilli()
	for i := 0; i < n; i++ {
		klines = append(klines, binance.Kline{
			OpenTime: start + int64(i)*3_600_000,
			Open:     base, High: base * 1.01, Low: base * 0.99, Close: base,
			Volume: 1000,
		})
	}
	return klines
}

func newSeededMock() *binance.MockClient {
	mock := binance.NewMockClient()
	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		mock.SymbolInfos[symbol] = binance.SymbolInfo{Symbol: symbol, Status: "TRADING"}
		mock.Prices[symbol] = 100
		mock.Klines[symbol] = seedKlines(200, 100)
	}
	mock.Tickers24h = []binance.Ticker24h{
		{Symbol: "BTCUSDT", PriceChangePercent: 1.5, LastPrice: 100, QuoteVolume: 900_000_000},
		{Symbol: "ETHUSDT", PriceChangePercent: -3.2, LastPrice: 100, QuoteVolume: 400_000_000},
		{Symbol: "SOLUSDT", PriceChangePercent: 8.0, LastPrice: 100, QuoteVolume: 90_000_000},
		{Symbol: "TINYUSDT", PriceChangePercent: 25.0, LastPrice: 1, QuoteVolume: 50_000}, // below floor
	}
	return mock
}

func TestScanRanksAndTruncates(t *testing.T) {
	mock := newSeededMock()
	s := NewScanner(testScannerConfig(), mock, false)

	items, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3) // TINYUSDT filtered by the volume floor

	for _, item := range items {
		assert.Len(t, item.Klines1h, 200)
		assert.Len(t, item.Klines4h, 200)
		assert.Greater(t, item.MovementScore, 0.0)
	}
	// Descending by movement score
	for i := 1; i < len(items); i++ {
		assert.GreaterOrEqual(t, items[i-1].MovementScore, items[i].MovementScore)
	}
}

func TestScanWhitelistEnforced(t *testing.T) {
	mock := newSeededMock()
	cfg := testScannerConfig()
	cfg.StrictWhitelist = true
	cfg.SymbolWhitelist = []string{"BTCUSDT"}
	s := NewScanner(cfg, mock, false)

	items, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "BTCUSDT", items[0].Symbol)
}

func TestScanSkipsSymbolsWithoutPrice(t *testing.T) {
	mock := newSeededMock()
	delete(mock.Prices, "ETHUSDT")
	s := NewScanner(testScannerConfig(), mock, false)

	items, err := s.Scan(context.Background())
	require.NoError(t, err)
	for _, item := range items {
		assert.NotEqual(t, "ETHUSDT", item.Symbol)
	}
}

func TestCachedKlinesServesFromCache(t *testing.T) {
	mock := newSeededMock()
	s := NewScanner(testScannerConfig(), mock, false)

	first, err := s.CachedKlines("BTCUSDT", "1h", 200)
	require.NoError(t, err)

	// Mutate the mock; the cached series must still be served
	mock.Klines["BTCUSDT"] = seedKlines(10, 50)
	second, err := s.CachedKlines("BTCUSDT", "1h", 200)
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))
}

func TestMovementScoreFormula(t *testing.T) {
	s := NewScanner(testScannerConfig(), binance.NewMockClient(), false)

	klines := seedKlines(20, 100)
	// Last close jumps 2% against the previous bar
	klines[len(klines)-1].Close = 102
	klines[len(klines)-1].High = 102.5

	score, volatility := s.movementScore("XUSDT", klines)
	assert.Greater(t, volatility, 0.0)
	// 0.6 × 2% + 0.4 × vol
	assert.InDelta(t, 0.6*2+0.4*volatility, score, 0.05)
}

func TestSniperCandidates(t *testing.T) {
	mock := newSeededMock()
	mock.Tickers24h = append(mock.Tickers24h,
		binance.Ticker24h{Symbol: "MIDUSDT", PriceChangePercent: 6.0, LastPrice: 2, QuoteVolume: 5_000_000},
		binance.Ticker24h{Symbol: "FLATUSDT", PriceChangePercent: 0.5, LastPrice: 2, QuoteVolume: 5_000_000},
	)
	mock.SymbolInfos["MIDUSDT"] = binance.SymbolInfo{Symbol: "MIDUSDT", Status: "TRADING"}
	mock.SymbolInfos["FLATUSDT"] = binance.SymbolInfo{Symbol: "FLATUSDT", Status: "TRADING"}
	s := NewScanner(testScannerConfig(), mock, false)

	candidates, err := s.SniperCandidates(5)
	require.NoError(t, err)
	require.Len(t, candidates, 1) // only MIDUSDT fits volume band + |change| ≥ 2

	assert.Equal(t, "MIDUSDT", candidates[0].Symbol)
	assert.Greater(t, candidates[0].Rank, 0.0)
}
