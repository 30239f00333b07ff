package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/scanner"
)

// Direction values
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Signal is a scored trade setup ready for filtering and execution
type Signal struct {
	Symbol      string
	Direction   string
	Score       float64
	EntryPrice  float64
	StopLoss    float64
	TakeProfit1 float64
	TakeProfit2 float64
	TakeProfit3 float64
	Leverage    int
	ATRPct      float64
	RiskReward  float64
	IsReversal  bool
	Sniper      bool
	Force       bool
	Reasons     []string
	GeneratedAt time.Time
}

// Generator converts scan items into scored signals. It never emits a
// signal below MinScore.
type Generator struct {
	cfg    *config.SignalConfig
	client binance.FuturesClient
	log    zerolog.Logger
}

// NewGenerator creates a signal generator
func NewGenerator(cfg *config.SignalConfig, client binance.FuturesClient) *Generator {
	return &Generator{
		cfg:    cfg,
		client: client,
		log:    logging.Component("signals"),
	}
}

// Generate evaluates every scan item and returns the emitted signals
func (g *Generator) Generate(items []scanner.ScanItem) []*Signal {
	var signals []*Signal
	for i := range items {
		signal, reason := g.Evaluate(&items[i])
		if signal == nil {
			if reason != "" {
				g.log.Debug().Str("symbol", items[i].Symbol).Str("reason", reason).Msg("no signal")
			}
			continue
		}
		signals = append(signals, signal)
	}
	return signals
}

// Evaluate scores one scan item. Returns (nil, reason) when no signal is
// emitted.
func (g *Generator) Evaluate(item *scanner.ScanItem) (*Signal, string) {
	ind := ComputeIndicators(item.Klines1h)
	if ind == nil {
		return nil, "insufficient kline history"
	}

	// 1. Volume gate
	if ind.VolumeRatio < g.cfg.VolumeThreshold {
		return nil, fmt.Sprintf("volume ratio %.2f below threshold %.2f", ind.VolumeRatio, g.cfg.VolumeThreshold)
	}

	// 2. RSI entry trigger
	var direction string
	extreme := false
	switch {
	case ind.RSI < g.cfg.RSIOversold:
		direction = DirectionLong
		extreme = ind.RSI < 20
	case ind.RSI > g.cfg.RSIOverbought:
		direction = DirectionShort
		extreme = ind.RSI > 80
	default:
		return nil, "RSI in neutral zone"
	}
	if ind.EMA200 > 0 {
		distPct := (ind.Close - ind.EMA200) / ind.EMA200 * 100
		if (direction == DirectionLong && distPct < -5) || (direction == DirectionShort && distPct > 5) {
			extreme = true
		}
	}

	score := 50.0
	var reasons []string
	reasons = append(reasons, fmt.Sprintf("RSI %.1f triggers %s", ind.RSI, direction))
	if extreme {
		score += 10
		reasons = append(reasons, "extreme oversold/overbought")
	}

	// 3. ADX trend-strength gate
	if g.cfg.EnableADXFilter && ind.ADX < g.cfg.ADXMinTrendStrength {
		return nil, fmt.Sprintf("ADX %.1f below minimum %.1f", ind.ADX, g.cfg.ADXMinTrendStrength)
	}

	// 4. VWAP positioning bonus
	if ind.VWAP > 0 {
		vwapDist := (ind.Close - ind.VWAP) / ind.VWAP * 100
		if (direction == DirectionLong && vwapDist < -1) || (direction == DirectionShort && vwapDist > 1) {
			score += 5
			reasons = append(reasons, "favorable VWAP positioning")
		}
	}

	// 5. RSI divergence
	divergence := DetectRSIDivergence(item.Klines1h)
	switch {
	case direction == DirectionLong && divergence == DivergenceBullish,
		direction == DirectionShort && divergence == DivergenceBearish:
		score += 20
		reasons = append(reasons, "RSI divergence: "+string(divergence))
	case direction == DirectionLong && divergence == DivergenceHiddenBullish,
		direction == DirectionShort && divergence == DivergenceHiddenBearish:
		score += 15
		reasons = append(reasons, "hidden RSI divergence")
	}
	hasDivergence := divergence != DivergenceNone

	// 6. Multi-timeframe confirmation; smart reversals pass with a penalty
	isReversal := false
	if g.cfg.RequireTrendConfirmation {
		aligned := (direction == DirectionLong && IsUptrend4h(item.Klines4h)) ||
			(direction == DirectionShort && IsDowntrend4h(item.Klines4h))
		if !aligned {
			if !extreme && !hasDivergence {
				return nil, "4h trend does not confirm"
			}
			score -= 5
			isReversal = true
			reasons = append(reasons, "counter-trend smart reversal")
		}
	}

	// 7. Momentum agreement over the last 3 candles
	momentum := momentumPct(item.Klines1h, 3)
	agree := momentum
	if direction == DirectionShort {
		agree = -momentum
	}
	if agree < g.cfg.MinMomentumThresholdPct {
		return nil, fmt.Sprintf("momentum %.2f%% does not support %s", momentum, direction)
	}
	switch {
	case agree >= 3*g.cfg.MinMomentumThresholdPct:
		score += 10
		reasons = append(reasons, "strong momentum")
	case agree >= 2*g.cfg.MinMomentumThresholdPct:
		score += 5
	}

	// 8. MACD alignment
	macdUp := ind.MACD > ind.MACDSignal
	if (direction == DirectionLong && macdUp) || (direction == DirectionShort && !macdUp) {
		if math.Abs(ind.MACDHist) > math.Abs(ind.MACD)*0.25 {
			score += 15
			reasons = append(reasons, "strong MACD alignment")
		} else {
			score += 8
			reasons = append(reasons, "MACD aligned")
		}
	}

	// 9. Bollinger positioning
	if ind.BBUpper > ind.BBLower {
		switch {
		case direction == DirectionLong && ind.Close < ind.BBLower:
			score += 15
			reasons = append(reasons, "below lower Bollinger band")
		case direction == DirectionLong && ind.Close < ind.BBLower*1.01:
			score += 10
		case direction == DirectionShort && ind.Close > ind.BBUpper:
			score += 15
			reasons = append(reasons, "above upper Bollinger band")
		case direction == DirectionShort && ind.Close > ind.BBUpper*0.99:
			score += 10
		}
	}

	// 10. Candlestick confirmation
	pattern := DetectPattern(item.Klines1h)
	if (direction == DirectionLong && pattern.IsBullish()) ||
		(direction == DirectionShort && pattern.IsBearish()) {
		score += 12
		reasons = append(reasons, "candlestick: "+string(pattern))
	}

	// 11. Derivatives gate
	if g.cfg.EnableFundingAware {
		adj, block, why := g.derivativesGate(item.Symbol, direction)
		if block {
			return nil, why
		}
		if adj != 0 {
			score += adj
			reasons = append(reasons, why)
		}
	}

	// 12. Stop and target ladder
	entry := ind.Close
	strongMomentum := agree >= 3*g.cfg.MinMomentumThresholdPct
	stopLoss, tp1, tp2, tp3 := g.exitLadder(entry, direction, ind.ATR, strongMomentum)

	risk := math.Abs(entry - stopLoss)
	if risk == 0 {
		return nil, "zero risk distance"
	}
	rr := math.Abs(tp1-entry) / risk

	rrFloor := g.cfg.RRMinRange
	if isTrending(item.Klines1h, ind) {
		rrFloor = g.cfg.RRMinTrend
	}
	if rr < rrFloor {
		return nil, fmt.Sprintf("risk:reward %.2f below floor %.2f", rr, rrFloor)
	}

	// 13. Leverage selection
	leverage, ok := g.selectLeverage(ind, rr)
	if !ok {
		return nil, "setup too weak for leverage"
	}

	score = math.Min(100, score)
	if score < float64(g.cfg.MinScore) {
		return nil, fmt.Sprintf("score %.0f below minimum %d", score, g.cfg.MinScore)
	}

	return &Signal{
		Symbol:      item.Symbol,
		Direction:   direction,
		Score:       score,
		EntryPrice:  entry,
		StopLoss:    stopLoss,
		TakeProfit1: tp1,
		TakeProfit2: tp2,
		TakeProfit3: tp3,
		Leverage:    leverage,
		ATRPct:      ind.ATRPct,
		RiskReward:  rr,
		IsReversal:  isReversal,
		Reasons:     reasons,
		GeneratedAt: time.Now().UTC(),
	}, ""
}

// exitLadder computes the chandelier stop and the TP ladder. Strong
// momentum switches the targets to Fibonacci extensions of the risk.
func (g *Generator) exitLadder(entry float64, direction string, atr float64, strongMomentum bool) (sl, tp1, tp2, tp3 float64) {
	stopDist := atr * 2.0
	// Clamp the stop distance to [1%, 10%] of entry
	stopDist = math.Max(entry*0.01, math.Min(stopDist, entry*0.10))

	tpMults := []float64{4, 6, 8}
	if strongMomentum {
		// Fibonacci extensions applied to the stop distance
		tpMults = []float64{2 * 1.618, 2 * 2.618, 2 * 4.236}
	}

	if direction == DirectionLong {
		sl = entry - stopDist
		tp1 = entry + atr*tpMults[0]
		tp2 = entry + atr*tpMults[1]
		tp3 = entry + atr*tpMults[2]
	} else {
		sl = entry + stopDist
		tp1 = entry - atr*tpMults[0]
		tp2 = entry - atr*tpMults[1]
		tp3 = entry - atr*tpMults[2]
	}
	return sl, tp1, tp2, tp3
}

// selectLeverage derives leverage from volume, R:R and RSI extremity.
// Starts at 5, rejects weak setups, clamps to [3, 20].
func (g *Generator) selectLeverage(ind *Indicators, rr float64) (int, bool) {
	if rr < 1.5 || ind.VolumeRatio < 0.8 {
		return 0, false
	}
	leverage := 5

	switch {
	case ind.VolumeRatio >= 3:
		leverage += 6
	case ind.VolumeRatio >= 2:
		leverage += 4
	case ind.VolumeRatio >= 1.5:
		leverage += 2
	}
	switch {
	case rr >= 4:
		leverage += 5
	case rr >= 3:
		leverage += 3
	case rr >= 2:
		leverage += 1
	}
	if ind.RSI < 20 || ind.RSI > 80 {
		leverage += 2
	} else if ind.RSI < 25 || ind.RSI > 75 {
		leverage++
	}

	if leverage < 3 {
		leverage = 3
	}
	if leverage > 20 {
		leverage = 20
	}
	return leverage, true
}

// derivativesGate consults funding, open-interest change and taker flow.
// Returns a score adjustment, a hard-block flag and the reason.
func (g *Generator) derivativesGate(symbol, direction string) (float64, bool, string) {
	premium, err := g.client.GetPremiumIndex(symbol)
	if err == nil && premium.NextFundingTime > 0 {
		untilFunding := time.Until(time.UnixMilli(premium.NextFundingTime))
		window := time.Duration(g.cfg.FundingBlockWindowMins) * time.Minute
		adverse := (direction == DirectionLong && premium.LastFundingRate > g.cfg.FundingAdverseThreshold) ||
			(direction == DirectionShort && premium.LastFundingRate < -g.cfg.FundingAdverseThreshold)
		if untilFunding > 0 && untilFunding < window && adverse {
			return 0, true, fmt.Sprintf("adverse funding %.4f%% within %s of settlement",
				premium.LastFundingRate*100, untilFunding.Round(time.Minute))
		}
	}

	adj := 0.0
	var notes string

	hist, err := g.client.GetOpenInterestHistory(symbol, g.cfg.OIChangePeriod, g.cfg.OIChangeLookback)
	if err == nil && len(hist) >= 2 {
		first, last := hist[0].SumOpenInterest, hist[len(hist)-1].SumOpenInterest
		if first > 0 {
			oiChange := (last - first) / first * 100
			if math.Abs(oiChange) >= g.cfg.OIChangeMinAbs {
				if (direction == DirectionLong && oiChange > 0) || (direction == DirectionShort && oiChange < 0) {
					adj += 5
					notes = fmt.Sprintf("OI change %.1f%% supports %s", oiChange, direction)
				} else {
					adj -= 5
					notes = fmt.Sprintf("OI change %.1f%% against %s", oiChange, direction)
				}
			}
		}
	}

	ratios, err := g.client.GetTakerLongShortRatio(symbol, g.cfg.OIChangePeriod, 1)
	if err == nil && len(ratios) > 0 {
		ratio := ratios[len(ratios)-1].BuySellRatio
		if direction == DirectionLong && ratio >= g.cfg.TakerRatioLongMin {
			adj += 3
		} else if direction == DirectionShort && ratio <= g.cfg.TakerRatioShortMax {
			adj += 3
		}
	}

	if notes == "" && adj != 0 {
		notes = fmt.Sprintf("derivatives adjustment %+.0f", adj)
	}
	return adj, false, notes
}

// momentumPct is the close-to-close change over the last n candles
func momentumPct(klines []binance.Kline, n int) float64 {
	if len(klines) < n+1 {
		return 0
	}
	old := klines[len(klines)-1-n].Close
	now := klines[len(klines)-1].Close
	if old == 0 {
		return 0
	}
	return (now - old) / old * 100
}

// isTrending is the regime test: meaningful EMA200 slope with moderate ATR
func isTrending(klines []binance.Kline, ind *Indicators) bool {
	slope := EMASlopePct(klines, 10)
	return math.Abs(slope) > 0.5 && ind.ATRPct < 5
}
