package risk

import (
	"fmt"
	"math"
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/logging"
)

// PerformanceState tracks win/loss streaks and a rolling win rate over the
// last 20 closed trades. Streaks are mutually resetting.
type PerformanceState struct {
	ConsecutiveWins   int
	ConsecutiveLosses int
	recentResults     []bool // true = win, capped at 20
}

// WinRate reports the rolling win rate; 0.5 with no history
func (p *PerformanceState) WinRate() float64 {
	if len(p.recentResults) == 0 {
		return 0.5
	}
	wins := 0
	for _, w := range p.recentResults {
		if w {
			wins++
		}
	}
	return float64(wins) / float64(len(p.recentResults))
}

// SizeResult is the outcome of a position-size computation
type SizeResult struct {
	Approved      bool
	Reason        string
	Quantity      float64
	Margin        float64
	StopLoss      float64
	PotentialLoss float64
	RiskPct       float64 // potential loss as a fraction of balance
}

// Calculator computes position sizes and dynamic stop-loss distances.
// Performance state is shared with the manager and mutex-guarded.
type Calculator struct {
	cfg *config.RiskConfig

	mu   sync.Mutex
	perf PerformanceState
	log  zerolog.Logger
}

// NewCalculator creates a risk calculator
func NewCalculator(cfg *config.RiskConfig) *Calculator {
	return &Calculator{
		cfg: cfg,
		log: logging.Component("risk-calc"),
	}
}

// Performance returns a copy of the current performance state
func (c *Calculator) Performance() PerformanceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.perf
	state.recentResults = append([]bool(nil), c.perf.recentResults...)
	return state
}

// UpdatePerformance records one closed trade outcome
func (c *Calculator) UpdatePerformance(win bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if win {
		c.perf.ConsecutiveWins++
		c.perf.ConsecutiveLosses = 0
	} else {
		c.perf.ConsecutiveLosses++
		c.perf.ConsecutiveWins = 0
	}
	c.perf.recentResults = append(c.perf.recentResults, win)
	if len(c.perf.recentResults) > 20 {
		c.perf.recentResults = c.perf.recentResults[1:]
	}
}

// DynamicStopLossPct derives the stop distance in percent from streaks,
// win rate and current volatility. Clamped to [5, 15].
func (c *Calculator) DynamicStopLossPct(atrPct float64) float64 {
	c.mu.Lock()
	perf := c.perf
	winRate := c.perf.WinRate()
	hasHistory := len(c.perf.recentResults) >= 5
	c.mu.Unlock()

	sl := 10.0

	switch {
	case perf.ConsecutiveWins >= 5:
		sl *= 0.60
	case perf.ConsecutiveWins >= 3:
		sl *= 0.75
	}
	switch {
	case perf.ConsecutiveLosses >= 3:
		sl *= 1.4
	case perf.ConsecutiveLosses >= 2:
		sl *= 1.2
	}

	if hasHistory {
		if winRate > 0.70 {
			sl *= 0.85
		} else if winRate < 0.40 {
			sl *= 1.15
		}
	}

	if atrPct > 3 {
		sl *= math.Min(1.5, 1+(atrPct-3)/5)
	}

	return clamp(sl, 5, 15)
}

// PositionSize computes quantity and margin for an admitted setup.
// The stop loss may be tightened to the dynamic bound before sizing.
func (c *Calculator) PositionSize(symbol, direction string, entry, stopLoss float64,
	leverage int, balance, openMargin, score float64, info *binance.SymbolInfo, atrPct float64) SizeResult {

	if balance <= 0 {
		return SizeResult{Reason: "balance is zero or negative"}
	}
	if entry <= 0 {
		return SizeResult{Reason: "entry price is zero or negative"}
	}

	available := balance*c.cfg.MaxTotalCapitalUsage - openMargin
	if available <= 0 {
		return SizeResult{Reason: fmt.Sprintf("no available capital: %.2f of %.2f USDT already committed",
			openMargin, balance*c.cfg.MaxTotalCapitalUsage)}
	}

	// Tighten a stop wider than the dynamic bound
	slBound := c.DynamicStopLossPct(atrPct)
	slDistPct := math.Abs(entry-stopLoss) / entry * 100
	if slDistPct > slBound {
		if direction == "LONG" {
			stopLoss = entry * (1 - slBound/100)
		} else {
			stopLoss = entry * (1 + slBound/100)
		}
		c.log.Debug().Str("symbol", symbol).
			Float64("was_pct", slDistPct).Float64("now_pct", slBound).
			Msg("stop loss tightened to dynamic bound")
		slDistPct = slBound
	}

	fraction := c.marginFraction(score)

	maxMargin := math.Min(balance*fraction, available)
	quantity := maxMargin * float64(leverage) / entry
	if info != nil && info.StepSize > 0 {
		quantity = RoundToStep(quantity, info.StepSize)
	}
	if quantity <= 0 {
		return SizeResult{Reason: "computed quantity rounds to zero"}
	}
	if info != nil && info.MinNotional > 0 && quantity*entry < info.MinNotional {
		return SizeResult{Reason: fmt.Sprintf("notional %.2f below minimum %.2f", quantity*entry, info.MinNotional)}
	}

	margin := quantity * entry / float64(leverage)
	if margin/balance > fraction+0.002 {
		return SizeResult{Reason: fmt.Sprintf("margin %.2f exceeds the per-position fraction %.1f%%",
			margin, fraction*100)}
	}

	potentialLoss := quantity * entry * slDistPct / 100
	return SizeResult{
		Approved:      true,
		Quantity:      quantity,
		Margin:        margin,
		StopLoss:      stopLoss,
		PotentialLoss: potentialLoss,
		RiskPct:       potentialLoss / balance,
	}
}

// marginFraction picks the per-position margin cap from score and streaks
func (c *Calculator) marginFraction(score float64) float64 {
	fraction := 0.30
	switch {
	case score >= 80:
		fraction = math.Max(fraction, 0.20)
	case score >= 60:
		fraction = math.Max(fraction, 0.15)
	default:
		fraction = 0.15
	}

	c.mu.Lock()
	perf := c.perf
	c.mu.Unlock()

	switch {
	case perf.ConsecutiveWins >= 3:
		fraction *= 1.1
	case perf.ConsecutiveLosses >= 3:
		fraction *= 0.7
	case perf.ConsecutiveLosses >= 2:
		fraction *= 0.9
	}
	return clamp(fraction, 0.05, 0.40)
}

// ATR computes the Wilder average true range over the given klines
func ATR(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		highs[i], lows[i], closes[i] = k.High, k.Low, k.Close
	}
	series := talib.Atr(highs, lows, closes, period)
	return series[len(series)-1]
}

// ATRPct computes ATR as a percent of the latest close
func ATRPct(klines []binance.Kline, period int) float64 {
	if len(klines) == 0 {
		return 0
	}
	last := klines[len(klines)-1].Close
	if last == 0 {
		return 0
	}
	return ATR(klines, period) / last * 100
}

// RoundToStep rounds a quantity down to the exchange step size. Done in
// decimal space so 0.1-style steps do not accumulate binary float error.
func RoundToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	q := decimal.NewFromFloat(quantity)
	s := decimal.NewFromFloat(step)
	rounded := q.Div(s).Floor().Mul(s)
	f, _ := rounded.Float64()
	return f
}

// RoundToTick rounds a price to the nearest exchange tick
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded := p.Div(t).Round(0).Mul(t)
	f, _ := rounded.Float64()
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
