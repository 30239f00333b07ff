package filters

import (
	"fmt"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/strategy"
)

// Market regime labels derived from BTC
const (
	RegimeBullish = "bullish"
	RegimeBearish = "bearish"
	RegimeNeutral = "neutral"
)

// Regime is a snapshot of BTC market conditions
type Regime struct {
	Label       string    `json:"label"`
	Score       float64   `json:"score"` // 0 (max fear) .. 100 (max greed)
	Change1hPct float64   `json:"change_1h_pct"`
	Change4hPct float64   `json:"change_4h_pct"`
	VolumeRatio float64   `json:"volume_ratio"`
	AboveEMA50  bool      `json:"above_ema50"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	marketRefreshInterval = 5 * time.Minute
	marketBearishBelow    = 35.0
	marketBullishAbove    = 65.0
)

// MarketFilter is the macro gate: it scores the BTC regime and rejects
// signals that fight it. A bearish regime blocks new LONGs, a bullish one
// blocks new SHORTs; reversal signals are exempt.
type MarketFilter struct {
	client binance.FuturesClient

	mu      sync.RWMutex
	current *Regime
	log     zerolog.Logger
}

// NewMarketFilter creates the BTC regime gate
func NewMarketFilter(client binance.FuturesClient) *MarketFilter {
	return &MarketFilter{
		client: client,
		log:    logging.Component("market-filter"),
	}
}

// Allows reports whether a signal passes the macro gate, with a reason
// when it does not.
func (m *MarketFilter) Allows(signal *strategy.Signal) (bool, string) {
	regime, err := m.Current()
	if err != nil {
		// The macro gate degrades open when BTC data is unavailable
		m.log.Warn().Err(err).Msg("market regime unavailable, passing signal through")
		return true, ""
	}
	if signal.IsReversal || signal.Force {
		return true, ""
	}
	if regime.Label == RegimeBearish && signal.Direction == strategy.DirectionLong {
		return false, fmt.Sprintf("bearish BTC regime (score %.0f) blocks LONG", regime.Score)
	}
	if regime.Label == RegimeBullish && signal.Direction == strategy.DirectionShort {
		return false, fmt.Sprintf("bullish BTC regime (score %.0f) blocks SHORT", regime.Score)
	}
	return true, ""
}

// Current returns the cached regime, refreshing it when stale.
func (m *MarketFilter) Current() (*Regime, error) {
	m.mu.RLock()
	if m.current != nil && time.Since(m.current.UpdatedAt) < marketRefreshInterval {
		regime := m.current
		m.mu.RUnlock()
		return regime, nil
	}
	m.mu.RUnlock()

	regime, err := m.assess()
	if err != nil {
		m.mu.RLock()
		stale := m.current
		m.mu.RUnlock()
		if stale != nil {
			return stale, nil
		}
		return nil, err
	}

	m.mu.Lock()
	m.current = regime
	m.mu.Unlock()
	return regime, nil
}

func (m *MarketFilter) assess() (*Regime, error) {
	klines, err := m.client.GetKlines("BTCUSDT", "1h", 100)
	if err != nil {
		return nil, fmt.Errorf("error fetching BTC klines: %w", err)
	}
	if len(klines) < 60 {
		return nil, fmt.Errorf("not enough BTC klines: got %d", len(klines))
	}

	closes := make([]float64, len(klines))
	volumes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		volumes[i] = k.Volume
	}
	last := closes[len(closes)-1]

	ema50 := talib.Ema(closes, 50)
	aboveEMA := last > ema50[len(ema50)-1]

	change1h := pctChange(closes[len(closes)-2], last)
	change4h := pctChange(closes[len(closes)-5], last)

	volAvg := mean(volumes[len(volumes)-21 : len(volumes)-1])
	volumeRatio := 1.0
	if volAvg > 0 {
		volumeRatio = volumes[len(volumes)-1] / volAvg
	}

	// Score starts neutral and moves with trend, momentum and volume
	score := 50.0
	if aboveEMA {
		score += 15
	} else {
		score -= 15
	}
	score += clamp(change1h*10, -10, 10)
	score += clamp(change4h*5, -15, 15)
	if volumeRatio > 1.5 {
		// Elevated volume amplifies whatever direction momentum points
		if change1h > 0 {
			score += 5
		} else {
			score -= 5
		}
	}
	score = clamp(score, 0, 100)

	label := RegimeNeutral
	switch {
	case score <= marketBearishBelow:
		label = RegimeBearish
	case score >= marketBullishAbove:
		label = RegimeBullish
	}

	regime := &Regime{
		Label:       label,
		Score:       score,
		Change1hPct: change1h,
		Change4hPct: change4h,
		VolumeRatio: volumeRatio,
		AboveEMA50:  aboveEMA,
		UpdatedAt:   time.Now(),
	}
	m.log.Debug().Str("regime", label).Float64("score", score).
		Float64("change_1h", change1h).Float64("change_4h", change4h).
		Float64("volume_ratio", volumeRatio).Msg("BTC regime updated")
	return regime, nil
}

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
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

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
