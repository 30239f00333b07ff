package strategy

import (
	"math"

	"github.com/markcheno/go-talib"

	"futures-trading-bot/internal/binance"
)

// Pattern is a detected candlestick formation
type Pattern string

const (
	PatternNone         Pattern = ""
	PatternHammer       Pattern = "hammer"
	PatternShootingStar Pattern = "shooting_star"
	PatternBullEngulf   Pattern = "bullish_engulfing"
	PatternBearEngulf   Pattern = "bearish_engulfing"
	PatternDoji         Pattern = "doji"
)

// IsBullish reports whether the pattern suggests a move up
func (p Pattern) IsBullish() bool {
	return p == PatternHammer || p == PatternBullEngulf
}

// IsBearish reports whether the pattern suggests a move down
func (p Pattern) IsBearish() bool {
	return p == PatternShootingStar || p == PatternBearEngulf
}

// DetectPattern inspects the last two candles. A pattern only counts when
// the forming candle's volume confirms it (above the 20-bar average).
func DetectPattern(klines []binance.Kline) Pattern {
	if len(klines) < volMAPeriod+2 {
		return PatternNone
	}
	last := klines[len(klines)-1]
	prev := klines[len(klines)-2]

	volumes := make([]float64, len(klines))
	for i, k := range klines {
		volumes[i] = k.Volume
	}
	if volumeRatio(volumes) < 1.0 {
		return PatternNone
	}

	body := math.Abs(last.Close - last.Open)
	candleRange := last.High - last.Low
	if candleRange == 0 {
		return PatternNone
	}
	upperWick := last.High - math.Max(last.Open, last.Close)
	lowerWick := math.Min(last.Open, last.Close) - last.Low

	// Doji: body under 10% of range
	if body/candleRange < 0.10 {
		return PatternDoji
	}
	// Hammer: long lower wick, small upper wick
	if lowerWick >= 2*body && upperWick <= body*0.5 {
		return PatternHammer
	}
	// Shooting star: long upper wick, small lower wick
	if upperWick >= 2*body && lowerWick <= body*0.5 {
		return PatternShootingStar
	}
	// Engulfing: current body swallows the previous body, opposite color
	prevBodyHi := math.Max(prev.Open, prev.Close)
	prevBodyLo := math.Min(prev.Open, prev.Close)
	if last.Close > last.Open && prev.Close < prev.Open &&
		last.Close >= prevBodyHi && last.Open <= prevBodyLo {
		return PatternBullEngulf
	}
	if last.Close < last.Open && prev.Close > prev.Open &&
		last.Open >= prevBodyHi && last.Close <= prevBodyLo {
		return PatternBearEngulf
	}
	return PatternNone
}

// Divergence is an RSI/price divergence classification
type Divergence string

const (
	DivergenceNone          Divergence = ""
	DivergenceBullish       Divergence = "bullish"
	DivergenceBearish       Divergence = "bearish"
	DivergenceHiddenBullish Divergence = "hidden_bullish"
	DivergenceHiddenBearish Divergence = "hidden_bearish"
)

const divergenceWindow = 14

// DetectRSIDivergence compares price and RSI extrema over the last 14 bars.
// Regular divergence (price extreme not confirmed by RSI) signals reversal;
// hidden divergence signals continuation.
func DetectRSIDivergence(klines []binance.Kline) Divergence {
	if len(klines) < rsiPeriod+divergenceWindow+1 {
		return DivergenceNone
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	rsi := talib.Rsi(closes, rsiPeriod)

	window := closes[len(closes)-divergenceWindow:]
	rsiWindow := rsi[len(rsi)-divergenceWindow:]

	half := divergenceWindow / 2
	priceLo1, rsiAtLo1 := minWith(window[:half], rsiWindow[:half])
	priceLo2, rsiAtLo2 := minWith(window[half:], rsiWindow[half:])
	priceHi1, rsiAtHi1 := maxWith(window[:half], rsiWindow[:half])
	priceHi2, rsiAtHi2 := maxWith(window[half:], rsiWindow[half:])

	// Regular bullish: lower price low, higher RSI low
	if priceLo2 < priceLo1 && rsiAtLo2 > rsiAtLo1 {
		return DivergenceBullish
	}
	// Regular bearish: higher price high, lower RSI high
	if priceHi2 > priceHi1 && rsiAtHi2 < rsiAtHi1 {
		return DivergenceBearish
	}
	// Hidden bullish: higher price low, lower RSI low
	if priceLo2 > priceLo1 && rsiAtLo2 < rsiAtLo1 {
		return DivergenceHiddenBullish
	}
	// Hidden bearish: lower price high, higher RSI high
	if priceHi2 < priceHi1 && rsiAtHi2 > rsiAtHi1 {
		return DivergenceHiddenBearish
	}
	return DivergenceNone
}

func minWith(prices, rsi []float64) (float64, float64) {
	idx := 0
	for i := range prices {
		if prices[i] < prices[idx] {
			idx = i
		}
	}
	return prices[idx], rsi[idx]
}

func maxWith(prices, rsi []float64) (float64, float64) {
	idx := 0
	for i := range prices {
		if prices[i] > prices[idx] {
			idx = i
		}
	}
	return prices[idx], rsi[idx]
}
