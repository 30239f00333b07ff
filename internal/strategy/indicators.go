package strategy

import (
	"math"

	"github.com/markcheno/go-talib"

	"futures-trading-bot/internal/binance"
)

// Indicators is the computed indicator set for one symbol on one timeframe
type Indicators struct {
	Close       float64
	EMA50       float64
	EMA200      float64
	RSI         float64
	ATR         float64
	ATRPct      float64
	MACD        float64
	MACDSignal  float64
	MACDHist    float64
	BBUpper     float64
	BBMiddle    float64
	BBLower     float64
	ADX         float64
	VWAP        float64
	VolumeRatio float64 // last volume vs 20-bar MA
}

const (
	emaFastPeriod = 50
	emaSlowPeriod = 200
	rsiPeriod     = 14
	atrPeriod     = 14
	adxPeriod     = 14
	bbPeriod      = 20
	volMAPeriod   = 20
)

// minIndicatorBars is the shortest series the full set can be computed on
const minIndicatorBars = 60

// ComputeIndicators derives the indicator set from a kline series. Returns
// nil when the series is too short to be meaningful.
func ComputeIndicators(klines []binance.Kline) *Indicators {
	if len(klines) < minIndicatorBars {
		return nil
	}

	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}

	ind := &Indicators{Close: closes[len(closes)-1]}

	ind.EMA50 = lastValid(talib.Ema(closes, emaFastPeriod))
	if len(closes) >= emaSlowPeriod {
		ind.EMA200 = lastValid(talib.Ema(closes, emaSlowPeriod))
	} else {
		// Not enough bars for a true EMA200; degrade to the series mean
		ind.EMA200 = mean(closes)
	}

	ind.RSI = lastValid(talib.Rsi(closes, rsiPeriod))
	ind.ATR = lastValid(talib.Atr(highs, lows, closes, atrPeriod))
	if ind.Close > 0 {
		ind.ATRPct = ind.ATR / ind.Close * 100
	}

	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	ind.MACD = lastValid(macd)
	ind.MACDSignal = lastValid(signal)
	ind.MACDHist = lastValid(hist)

	upper, middle, lower := talib.BBands(closes, bbPeriod, 2, 2, 0)
	ind.BBUpper = lastValid(upper)
	ind.BBMiddle = lastValid(middle)
	ind.BBLower = lastValid(lower)

	ind.ADX = lastValid(talib.Adx(highs, lows, closes, adxPeriod))
	ind.VWAP = vwap(klines)
	ind.VolumeRatio = volumeRatio(volumes)

	return ind
}

// vwap is the session VWAP over the whole series using typical price
func vwap(klines []binance.Kline) float64 {
	var pvSum, volSum float64
	for _, k := range klines {
		typical := (k.High + k.Low + k.Close) / 3
		pvSum += typical * k.Volume
		volSum += k.Volume
	}
	if volSum == 0 {
		return 0
	}
	return pvSum / volSum
}

// volumeRatio compares the last bar's volume with its 20-bar moving average
func volumeRatio(volumes []float64) float64 {
	if len(volumes) < volMAPeriod+1 {
		return 1
	}
	sum := 0.0
	for i := len(volumes) - volMAPeriod - 1; i < len(volumes)-1; i++ {
		sum += volumes[i]
	}
	avg := sum / volMAPeriod
	if avg == 0 {
		return 1
	}
	return volumes[len(volumes)-1] / avg
}

// EMASlopePct measures the EMA200 slope over the last n bars, in percent.
// Used by the regime test: a flat slope with low ATR reads as range-bound.
func EMASlopePct(klines []binance.Kline, lookback int) float64 {
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	period := emaSlowPeriod
	if len(closes) < period {
		period = len(closes) / 2
	}
	if period < 2 {
		return 0
	}
	ema := talib.Ema(closes, period)
	if len(ema) <= lookback {
		return 0
	}
	old := ema[len(ema)-1-lookback]
	now := ema[len(ema)-1]
	if old == 0 {
		return 0
	}
	return (now - old) / old * 100
}

// IsUptrend4h reports whether the 4h frame is trending up: close above
// EMA50 and EMA50 above (or very near) EMA200.
func IsUptrend4h(klines4h []binance.Kline) bool {
	ind := ComputeIndicators(klines4h)
	if ind == nil {
		return false
	}
	return ind.Close > ind.EMA50 && ind.EMA50 >= ind.EMA200*0.995
}

// IsDowntrend4h is the mirror of IsUptrend4h
func IsDowntrend4h(klines4h []binance.Kline) bool {
	ind := ComputeIndicators(klines4h)
	if ind == nil {
		return false
	}
	return ind.Close < ind.EMA50 && ind.EMA50 <= ind.EMA200*1.005
}

// lastValid returns the last non-NaN element of a talib output series
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && series[i] != 0 {
			return series[i]
		}
	}
	return 0
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
