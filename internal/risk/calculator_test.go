package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
)

func testRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		MaxPositions:                5,
		RiskPerTrade:                0.025,
		SniperRiskPerTrade:          0.01,
		MaxPortfolioRisk:            0.10,
		MaxTotalCapitalUsage:        0.80,
		DefaultLeverage:             5,
		DailyMaxLossPct:             0.05,
		IntradayDrawdownHardStopPct: 0.25,
	}
}

func TestDynamicStopLossBase(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	assert.InDelta(t, 10.0, calc.DynamicStopLossPct(1.0), 1e-9)
}

func TestDynamicStopLossWinningStreak(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	for i := 0; i < 3; i++ {
		calc.UpdatePerformance(true)
	}
	// 3 wins: ×0.75; win rate 1.0 only applies with ≥5 results
	assert.InDelta(t, 7.5, calc.DynamicStopLossPct(1.0), 1e-9)

	for i := 0; i < 2; i++ {
		calc.UpdatePerformance(true)
	}
	// 5 wins: ×0.60, win rate 1.0 > 0.70: ×0.85 → 5.1
	assert.InDelta(t, 5.1, calc.DynamicStopLossPct(1.0), 1e-9)
}

func TestDynamicStopLossLosingStreakAndClamp(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	for i := 0; i < 3; i++ {
		calc.UpdatePerformance(false)
	}
	// 3 losses: ×1.4; no win-rate adjustment below 5 results
	assert.InDelta(t, 14.0, calc.DynamicStopLossPct(1.0), 1e-9)

	// High ATR pushes past 15, clamp applies
	assert.InDelta(t, 15.0, calc.DynamicStopLossPct(10.0), 1e-9)
}

func TestDynamicStopLossVolatilityMultiplier(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	// ATR 5%: ×(1 + 2/5) = ×1.4
	assert.InDelta(t, 14.0, calc.DynamicStopLossPct(5.0), 1e-9)
}

func TestStreaksMutuallyReset(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	calc.UpdatePerformance(false)
	calc.UpdatePerformance(false)
	calc.UpdatePerformance(true)

	perf := calc.Performance()
	assert.Equal(t, 1, perf.ConsecutiveWins)
	assert.Equal(t, 0, perf.ConsecutiveLosses)
}

func TestPositionSizeHappyPath(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	info := &binance.SymbolInfo{
		Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.001,
		MinQty: 0.001, MinNotional: 5,
	}

	result := calc.PositionSize("BTCUSDT", "LONG", 100, 95, 10, 1000, 0, 80, info, 1.0)
	require.True(t, result.Approved, result.Reason)
	assert.Greater(t, result.Quantity, 0.0)
	assert.Equal(t, 95.0, result.StopLoss)
	// margin = qty × entry / leverage stays within the 30% fraction (+0.2pp)
	assert.LessOrEqual(t, result.Margin/1000, 0.302)
	assert.Greater(t, result.RiskPct, 0.0)
}

func TestPositionSizeRejectsBadInputs(t *testing.T) {
	calc := NewCalculator(testRiskConfig())

	assert.False(t, calc.PositionSize("BTCUSDT", "LONG", 100, 95, 10, 0, 0, 80, nil, 1).Approved)
	assert.False(t, calc.PositionSize("BTCUSDT", "LONG", 0, 95, 10, 1000, 0, 80, nil, 1).Approved)

	// All capital already committed
	result := calc.PositionSize("BTCUSDT", "LONG", 100, 95, 10, 1000, 800, 80, nil, 1)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "available capital")
}

func TestPositionSizeTightensWideStop(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	// 20% stop distance gets tightened to the 10% dynamic bound
	result := calc.PositionSize("BTCUSDT", "LONG", 100, 80, 10, 1000, 0, 80, nil, 1.0)
	require.True(t, result.Approved, result.Reason)
	assert.InDelta(t, 90.0, result.StopLoss, 1e-9)
}

func TestPositionSizeRejectsSubMinNotional(t *testing.T) {
	calc := NewCalculator(testRiskConfig())
	info := &binance.SymbolInfo{Symbol: "BTCUSDT", StepSize: 0.001, MinNotional: 1e9}
	result := calc.PositionSize("BTCUSDT", "LONG", 100, 95, 10, 1000, 0, 80, info, 1.0)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "notional")
}

func TestATR(t *testing.T) {
	klines := make([]binance.Kline, 0, 15)
	for i := 0; i < 15; i++ {
		klines = append(klines, binance.Kline{
			Open: 100, High: 102, Low: 98, Close: 100,
			OpenTime: int64(i),
		})
	}
	// Constant 4-point range, no gaps: ATR = 4
	assert.InDelta(t, 4.0, ATR(klines, 14), 1e-9)
	assert.InDelta(t, 4.0, ATRPct(klines, 14), 1e-9)
}

func TestATRInsufficientData(t *testing.T) {
	assert.Equal(t, 0.0, ATR([]binance.Kline{{High: 1, Low: 0.5}}, 14))
}

func TestRoundToStep(t *testing.T) {
	assert.Equal(t, 0.123, RoundToStep(0.12345, 0.001))
	assert.Equal(t, 25.0, RoundToStep(25.9, 1))
	// Exact multiples survive
	assert.Equal(t, 0.1, RoundToStep(0.1, 0.1))
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, 100.12, RoundToTick(100.118, 0.01))
	assert.Equal(t, 100.5, RoundToTick(100.47, 0.5))
}
