package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/logging"
)

// ScanItem is one ranked symbol with pre-fetched klines
type ScanItem struct {
	Symbol         string
	Klines1h       []binance.Kline
	Klines4h       []binance.Kline
	PriceChangePct float64 // 24h
	Volatility     float64 // mean (high-low)/low over last 14 × 1h, percent
	MovementScore  float64
	QuoteVolume24h float64
}

// SniperCandidate is a mid-cap mover for the scalp loop
type SniperCandidate struct {
	Symbol         string
	Price          float64
	PriceChangePct float64
	QuoteVolume24h float64
	Rank           float64
}

// Scanner produces a ranked, de-duplicated symbol list prioritized by
// recent movement. Kline fetches run under a bounded semaphore and feed a
// 60-second in-process cache.
type Scanner struct {
	cfg     *config.ScannerConfig
	client  binance.FuturesClient
	testnet bool

	mu          sync.Mutex
	klineCache  map[string]cachedKlines // symbol:interval
	scoreCache  map[string]cachedScore
	log         zerolog.Logger
}

type cachedKlines struct {
	klines    []binance.Kline
	expiresAt time.Time
}

type cachedScore struct {
	score     float64
	expiresAt time.Time
}

const (
	klineCacheTTL = 60 * time.Second
	klineLimit    = 200
)

// NewScanner creates a market scanner
func NewScanner(cfg *config.ScannerConfig, client binance.FuturesClient, testnet bool) *Scanner {
	return &Scanner{
		cfg:        cfg,
		client:     client,
		testnet:    testnet,
		klineCache: make(map[string]cachedKlines),
		scoreCache: make(map[string]cachedScore),
		log:        logging.Component("scanner"),
	}
}

// Scan runs the full pipeline and returns at most MaxSymbols items ranked
// by movement score.
func (s *Scanner) Scan(ctx context.Context) ([]ScanItem, error) {
	symbols, err := s.tradableSymbols()
	if err != nil {
		return nil, err
	}

	tickers, err := s.client.GetAll24hTickers()
	if err != nil {
		return nil, fmt.Errorf("error fetching tickers: %w", err)
	}

	candidates := s.rankByVolume(symbols, tickers)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no tradable symbols after volume ranking")
	}

	items := s.fetchConcurrently(ctx, candidates)

	sort.Slice(items, func(i, j int) bool { return items[i].MovementScore > items[j].MovementScore })
	if len(items) > s.cfg.MaxSymbols {
		items = items[:s.cfg.MaxSymbols]
	}

	s.log.Info().Int("candidates", len(candidates)).Int("selected", len(items)).Msg("scan complete")
	return items, nil
}

// tradableSymbols returns USDT-quoted perpetuals in TRADING status
func (s *Scanner) tradableSymbols() (map[string]bool, error) {
	info, err := s.client.GetExchangeInfo()
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	symbols := make(map[string]bool)
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		if sym.ContractType != "" && sym.ContractType != "PERPETUAL" {
			continue
		}
		if sym.QuoteAsset != "" && sym.QuoteAsset != "USDT" {
			continue
		}
		if sym.QuoteAsset == "" && !strings.HasSuffix(sym.Symbol, "USDT") {
			continue
		}
		symbols[sym.Symbol] = true
	}
	return symbols, nil
}

// rankByVolume keeps the top-N by 24h quote volume, applying the volume
// floor and whitelist policy.
func (s *Scanner) rankByVolume(tradable map[string]bool, tickers []binance.Ticker24h) []binance.Ticker24h {
	whitelist := s.activeWhitelist()

	var kept []binance.Ticker24h
	for _, t := range tickers {
		if !tradable[t.Symbol] {
			continue
		}
		// Volume floor does not apply on testnet where volume is synthetic
		if !s.testnet && t.QuoteVolume < s.cfg.MinQuoteVolumeUSDT24h {
			continue
		}
		if whitelist != nil && !whitelist[t.Symbol] {
			continue
		}
		kept = append(kept, t)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].QuoteVolume > kept[j].QuoteVolume })
	if len(kept) > s.cfg.TopN {
		kept = kept[:s.cfg.TopN]
	}
	return kept
}

// activeWhitelist returns the enforced whitelist or nil when open
func (s *Scanner) activeWhitelist() map[string]bool {
	var list []string
	if s.testnet && s.cfg.TestnetStrictWhitelist {
		list = s.cfg.TestnetWhitelist
	} else if s.cfg.StrictWhitelist {
		list = s.cfg.SymbolWhitelist
	}
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, sym := range list {
		set[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	return set
}

// fetchConcurrently validates prices and fetches klines under a semaphore
func (s *Scanner) fetchConcurrently(ctx context.Context, candidates []binance.Ticker24h) []ScanItem {
	concurrency := s.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var items []ScanItem

	for _, ticker := range candidates {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t binance.Ticker24h) {
			defer wg.Done()
			defer func() { <-sem }()

			item, err := s.buildItem(t)
			if err != nil {
				s.log.Debug().Err(err).Str("symbol", t.Symbol).Msg("symbol skipped")
				return
			}
			mu.Lock()
			items = append(items, *item)
			mu.Unlock()
		}(ticker)
	}
	wg.Wait()
	return items
}

func (s *Scanner) buildItem(t binance.Ticker24h) (*ScanItem, error) {
	price, err := s.client.GetCurrentPrice(t.Symbol)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("no live price: %w", err)
	}

	klines1h, err := s.CachedKlines(t.Symbol, "1h", klineLimit)
	if err != nil {
		return nil, err
	}
	klines4h, err := s.CachedKlines(t.Symbol, "4h", klineLimit)
	if err != nil {
		return nil, err
	}

	score, volatility := s.movementScore(t.Symbol, klines1h)
	return &ScanItem{
		Symbol:         t.Symbol,
		Klines1h:       klines1h,
		Klines4h:       klines4h,
		PriceChangePct: t.PriceChangePercent,
		Volatility:     volatility,
		MovementScore:  score,
		QuoteVolume24h: t.QuoteVolume,
	}, nil
}

// CachedKlines fetches klines through the 60-second in-process cache
func (s *Scanner) CachedKlines(symbol, interval string, limit int) ([]binance.Kline, error) {
	key := symbol + ":" + interval

	s.mu.Lock()
	if entry, ok := s.klineCache[key]; ok && time.Now().Before(entry.expiresAt) {
		klines := entry.klines
		s.mu.Unlock()
		return klines, nil
	}
	s.mu.Unlock()

	klines, err := s.client.GetKlines(symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s klines for %s: %w", interval, symbol, err)
	}

	s.mu.Lock()
	s.klineCache[key] = cachedKlines{klines: klines, expiresAt: time.Now().Add(klineCacheTTL)}
	s.mu.Unlock()
	return klines, nil
}

// movementScore blends the last-hour move with recent candle ranges:
// 0.6 × |Δclose last 1h|% + 0.4 × mean((high−low)/low)% over the last 14 bars.
func (s *Scanner) movementScore(symbol string, klines1h []binance.Kline) (float64, float64) {
	s.mu.Lock()
	if entry, ok := s.scoreCache[symbol]; ok && time.Now().Before(entry.expiresAt) {
		score := entry.score
		s.mu.Unlock()
		return score, meanRangePct(klines1h, 14)
	}
	s.mu.Unlock()

	if len(klines1h) < 2 {
		return 0, 0
	}

	last := klines1h[len(klines1h)-1]
	prev := klines1h[len(klines1h)-2]
	var changePct float64
	if prev.Close > 0 {
		changePct = math.Abs(last.Close-prev.Close) / prev.Close * 100
	}

	volatility := meanRangePct(klines1h, 14)
	score := 0.6*changePct + 0.4*volatility

	s.mu.Lock()
	s.scoreCache[symbol] = cachedScore{score: score, expiresAt: time.Now().Add(klineCacheTTL)}
	s.mu.Unlock()
	return score, volatility
}

// meanRangePct is the mean (high−low)/low percent over the last n bars
func meanRangePct(klines []binance.Kline, n int) float64 {
	if len(klines) == 0 {
		return 0
	}
	if n > len(klines) {
		n = len(klines)
	}
	sum := 0.0
	count := 0
	for i := len(klines) - n; i < len(klines); i++ {
		if klines[i].Low > 0 {
			sum += (klines[i].High - klines[i].Low) / klines[i].Low * 100
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// SniperCandidates selects mid-cap movers: 24h volume in [1M, 50M] USDT and
// an absolute 24h change of at least 2%, ranked by change × (1e7/(volume+1)).
func (s *Scanner) SniperCandidates(limit int) ([]SniperCandidate, error) {
	tradable, err := s.tradableSymbols()
	if err != nil {
		return nil, err
	}
	tickers, err := s.client.GetAll24hTickers()
	if err != nil {
		return nil, fmt.Errorf("error fetching tickers: %w", err)
	}

	var candidates []SniperCandidate
	for _, t := range tickers {
		if !tradable[t.Symbol] {
			continue
		}
		if t.QuoteVolume < 1_000_000 || t.QuoteVolume > 50_000_000 {
			continue
		}
		if math.Abs(t.PriceChangePercent) < 2 {
			continue
		}
		candidates = append(candidates, SniperCandidate{
			Symbol:         t.Symbol,
			Price:          t.LastPrice,
			PriceChangePct: t.PriceChangePercent,
			QuoteVolume24h: t.QuoteVolume,
			Rank:           math.Abs(t.PriceChangePercent) * (1e7 / (t.QuoteVolume + 1)),
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Rank > candidates[j].Rank })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}
