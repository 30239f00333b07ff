package filters

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/strategy"
)

// Sector labels for exposure capping
type Sector string

const (
	SectorL1    Sector = "L1"
	SectorDefi  Sector = "DEFI"
	SectorGame  Sector = "GAME"
	SectorInfra Sector = "INFRA"
	SectorMeme  Sector = "MEME"
	SectorOther Sector = "OTHER"
)

// sectorMap is the fixed symbol → sector assignment. Unlisted symbols
// fall into OTHER.
var sectorMap = map[string]Sector{
	"BTCUSDT": SectorL1, "ETHUSDT": SectorL1, "SOLUSDT": SectorL1,
	"AVAXUSDT": SectorL1, "ADAUSDT": SectorL1, "DOTUSDT": SectorL1,
	"NEARUSDT": SectorL1, "APTUSDT": SectorL1, "SUIUSDT": SectorL1,
	"TONUSDT": SectorL1, "TRXUSDT": SectorL1, "BNBUSDT": SectorL1,

	"UNIUSDT": SectorDefi, "AAVEUSDT": SectorDefi, "MKRUSDT": SectorDefi,
	"CRVUSDT": SectorDefi, "COMPUSDT": SectorDefi, "SNXUSDT": SectorDefi,
	"LDOUSDT": SectorDefi, "SUSHIUSDT": SectorDefi, "1INCHUSDT": SectorDefi,

	"AXSUSDT": SectorGame, "SANDUSDT": SectorGame, "MANAUSDT": SectorGame,
	"GALAUSDT": SectorGame, "IMXUSDT": SectorGame, "APEUSDT": SectorGame,

	"LINKUSDT": SectorInfra, "GRTUSDT": SectorInfra, "FILUSDT": SectorInfra,
	"ARUSDT": SectorInfra, "RNDRUSDT": SectorInfra, "ATOMUSDT": SectorInfra,
	"MATICUSDT": SectorInfra, "OPUSDT": SectorInfra, "ARBUSDT": SectorInfra,

	"DOGEUSDT": SectorMeme, "SHIBUSDT": SectorMeme, "PEPEUSDT": SectorMeme,
	"WIFUSDT": SectorMeme, "BONKUSDT": SectorMeme, "FLOKIUSDT": SectorMeme,
}

// SectorOf maps a symbol to its sector
func SectorOf(symbol string) Sector {
	if s, ok := sectorMap[symbol]; ok {
		return s
	}
	return SectorOther
}

const correlationCacheTTL = time.Hour

// CorrelationFilter trims signals that are too correlated with positions
// already held (or already selected this cycle) and enforces the
// per-sector exposure cap. Pair correlations are cached for an hour.
type CorrelationFilter struct {
	cfg    *config.FilterConfig
	client binance.FuturesClient

	mu    sync.Mutex
	cache map[string]cachedCorr // unordered pair key
	log   zerolog.Logger
}

type cachedCorr struct {
	value     float64
	expiresAt time.Time
}

// NewCorrelationFilter creates the correlation and sector filter
func NewCorrelationFilter(cfg *config.FilterConfig, client binance.FuturesClient) *CorrelationFilter {
	return &CorrelationFilter{
		cfg:    cfg,
		client: client,
		cache:  make(map[string]cachedCorr),
		log:    logging.Component("corr-filter"),
	}
}

// Apply returns the admitted signals in their original (score) order.
// openSymbols are the symbols of currently open trades.
func (f *CorrelationFilter) Apply(signals []*strategy.Signal, openSymbols []string) []*strategy.Signal {
	var admitted []*strategy.Signal
	held := append([]string(nil), openSymbols...)

	sectorCounts := make(map[Sector]int)
	for _, sym := range openSymbols {
		sectorCounts[SectorOf(sym)]++
	}

	for _, signal := range signals {
		sector := SectorOf(signal.Symbol)
		if f.cfg.MaxPositionsPerSector > 0 && sectorCounts[sector] >= f.cfg.MaxPositionsPerSector {
			f.log.Debug().Str("symbol", signal.Symbol).Str("sector", string(sector)).
				Msg("signal rejected, sector cap reached")
			continue
		}

		if tooCorrelated, with, corr := f.conflicts(signal.Symbol, held); tooCorrelated {
			f.log.Debug().Str("symbol", signal.Symbol).Str("with", with).
				Float64("correlation", corr).Msg("signal rejected, correlation too high")
			continue
		}

		admitted = append(admitted, signal)
		held = append(held, signal.Symbol)
		sectorCounts[sector]++
	}
	return admitted
}

// conflicts reports whether the candidate correlates beyond the limit with
// any held symbol.
func (f *CorrelationFilter) conflicts(candidate string, held []string) (bool, string, float64) {
	for _, sym := range held {
		if sym == candidate {
			return true, sym, 1.0
		}
		corr, err := f.Correlation(candidate, sym)
		if err != nil {
			// Missing data never blocks a trade on its own
			continue
		}
		if corr > f.cfg.MaxCorrelation {
			return true, sym, corr
		}
	}
	return false, "", 0
}

// Correlation computes the Pearson correlation of daily returns over the
// configured window, cached per unordered pair.
func (f *CorrelationFilter) Correlation(a, b string) (float64, error) {
	key := pairKey(a, b)

	f.mu.Lock()
	if entry, ok := f.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		f.mu.Unlock()
		return entry.value, nil
	}
	f.mu.Unlock()

	retA, err := f.dailyReturns(a)
	if err != nil {
		return 0, err
	}
	retB, err := f.dailyReturns(b)
	if err != nil {
		return 0, err
	}

	n := len(retA)
	if len(retB) < n {
		n = len(retB)
	}
	if n < 5 {
		return 0, fmt.Errorf("not enough overlapping returns for %s/%s", a, b)
	}
	corr := stat.Correlation(retA[len(retA)-n:], retB[len(retB)-n:], nil)

	f.mu.Lock()
	f.cache[key] = cachedCorr{value: corr, expiresAt: time.Now().Add(correlationCacheTTL)}
	f.mu.Unlock()
	return corr, nil
}

func (f *CorrelationFilter) dailyReturns(symbol string) ([]float64, error) {
	klines, err := f.client.GetKlines(symbol, "1d", f.cfg.CorrWindowDays+1)
	if err != nil {
		return nil, fmt.Errorf("error fetching daily klines for %s: %w", symbol, err)
	}
	if len(klines) < 2 {
		return nil, fmt.Errorf("not enough daily klines for %s", symbol)
	}
	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		if klines[i-1].Close == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-klines[i-1].Close)/klines[i-1].Close)
	}
	return returns, nil
}

func pairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}
