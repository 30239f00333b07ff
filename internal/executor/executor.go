// Package executor turns admitted signals into live positions: it sizes,
// places and protects orders, preferring maker fills and falling back to
// market execution when the book runs away.
package executor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/strategy"
)

// Executor places entries and protective orders for admitted signals
type Executor struct {
	cfg      *config.ExecutorConfig
	riskCfg  *config.RiskConfig
	client   binance.FuturesClient
	riskMgr  *risk.Manager
	calc     *risk.Calculator
	store    database.TradeStore
	notifier *notification.Manager
	bus      *events.Bus
	metrics  *Metrics

	pollInterval    time.Duration
	interChunkDelay time.Duration
	log             zerolog.Logger
}

// Result describes a completed execution
type Result struct {
	Trade        *database.Trade
	OrderIDs     []int64
	AvgFillPrice float64
	Quantity     float64
	Leverage     int
	SlippagePct  float64
	Method       string
	Maker        bool
	Duration     time.Duration
}

func New(cfg *config.ExecutorConfig, riskCfg *config.RiskConfig, client binance.FuturesClient,
	riskMgr *risk.Manager, calc *risk.Calculator, store database.TradeStore,
	notifier *notification.Manager, bus *events.Bus) *Executor {
	return &Executor{
		cfg:             cfg,
		riskCfg:         riskCfg,
		client:          client,
		riskMgr:         riskMgr,
		calc:            calc,
		store:           store,
		notifier:        notifier,
		bus:             bus,
		metrics:         NewMetrics(),
		pollInterval:    500 * time.Millisecond,
		interChunkDelay: time.Second,
		log:             logging.Component("executor"),
	}
}

// Metrics exposes the rolling execution stats
func (e *Executor) Metrics() Snapshot { return e.metrics.Snapshot() }

// Execute runs the full entry sequence for one signal. Any failed step
// rejects the whole trade.
func (e *Executor) Execute(ctx context.Context, signal *strategy.Signal, balance, openMargin float64, openPositions int) (*Result, error) {
	started := time.Now()

	// 1. Spread check
	book, err := e.client.GetBookTicker(signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("error fetching book ticker for %s: %w", signal.Symbol, err)
	}
	if book.AskPrice <= 0 || book.BidPrice <= 0 {
		return nil, fmt.Errorf("invalid book for %s", signal.Symbol)
	}
	spreadPct := (book.AskPrice - book.BidPrice) / book.AskPrice * 100
	maxSpread := e.cfg.MaxSpreadPctCore
	if signal.Sniper {
		maxSpread = e.cfg.MaxSpreadPctSniper
	}
	if spreadPct > maxSpread {
		return nil, fmt.Errorf("spread %.3f%% exceeds limit %.3f%% for %s", spreadPct, maxSpread, signal.Symbol)
	}

	// 2. Symbol info
	info, err := e.client.GetSymbolInfo(signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("error fetching symbol info for %s: %w", signal.Symbol, err)
	}
	if info.MaxQty <= 0 {
		return nil, fmt.Errorf("max quantity unavailable for %s", signal.Symbol)
	}

	// 3. Size, then cap leverage by the exchange bracket table
	leverage := signal.Leverage
	size := e.calc.PositionSize(signal.Symbol, signal.Direction, signal.EntryPrice, signal.StopLoss,
		leverage, balance, openMargin, float64(signal.Score), info, signal.ATRPct)
	if !size.Approved {
		return nil, fmt.Errorf("sizing rejected for %s: %s", signal.Symbol, size.Reason)
	}

	if bracketMax := e.bracketMaxLeverage(signal.Symbol); bracketMax > 0 && bracketMax < leverage {
		e.log.Info().Str("symbol", signal.Symbol).Int("signal_leverage", leverage).
			Int("bracket_max", bracketMax).Msg("leverage capped by exchange bracket")
		leverage = bracketMax
		size = e.calc.PositionSize(signal.Symbol, signal.Direction, signal.EntryPrice, signal.StopLoss,
			leverage, balance, openMargin, float64(signal.Score), info, signal.ATRPct)
		if !size.Approved {
			return nil, fmt.Errorf("sizing rejected for %s after leverage cap: %s", signal.Symbol, size.Reason)
		}
	}
	stopLoss := size.StopLoss

	// 4. Risk admission, bypassable only for forced signals
	if !(signal.Force && e.riskCfg.AllowRiskBypassForForce) {
		ok, reason := e.riskMgr.CanTrade(ctx, risk.AdmissionRequest{
			Symbol:  signal.Symbol,
			RiskPct: size.RiskPct,
			Sniper:  signal.Sniper,
		}, openPositions)
		if !ok {
			return nil, fmt.Errorf("risk manager rejected %s: %s", signal.Symbol, reason)
		}
	}

	// 5. Guardrails
	quantity := risk.RoundToStep(size.Quantity, info.StepSize)
	if quantity > info.MaxQty {
		quantity = risk.RoundToStep(info.MaxQty, info.StepSize)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity rounds to zero for %s", signal.Symbol)
	}
	if quantity < info.MinQty {
		return nil, fmt.Errorf("quantity %.8f below minimum %.8f for %s", quantity, info.MinQty, signal.Symbol)
	}
	if notional := quantity * signal.EntryPrice; notional < info.MinNotional {
		return nil, fmt.Errorf("notional %.2f below minimum %.2f for %s", notional, info.MinNotional, signal.Symbol)
	}

	// 6-7. Margin mode and leverage
	if err := e.ensureMarginMode(signal.Symbol, leverage); err != nil {
		return nil, err
	}
	if _, err := e.client.SetLeverage(signal.Symbol, leverage); err != nil {
		return nil, fmt.Errorf("error setting leverage %dx for %s: %w", leverage, signal.Symbol, err)
	}

	// 8. Entry
	entry, err := e.executeEntry(ctx, signal, quantity, info)
	if err != nil {
		return nil, err
	}
	slippage := math.Abs(entry.avgPrice-signal.EntryPrice) / signal.EntryPrice * 100

	// 9-10. Protections
	if err := e.attachProtections(signal, stopLoss, entry.quantity, info); err != nil {
		e.log.Error().Err(err).Str("symbol", signal.Symbol).Msg("protective orders incomplete")
	}
	if e.cfg.EnableTrailingStop {
		if err := e.attachTrailingStop(signal, entry.quantity); err != nil {
			e.log.Warn().Err(err).Str("symbol", signal.Symbol).Msg("trailing stop not attached")
		}
	}

	// 11. Liquidation headroom
	e.trimForHeadroom(signal, info)

	// 12. Persist and notify
	trade := e.buildTrade(signal, entry, stopLoss, leverage)
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		e.log.Error().Err(err).Str("symbol", signal.Symbol).Msg("error persisting trade")
	}

	duration := time.Since(started)
	e.metrics.observe(record{
		method:      entry.method,
		maker:       entry.maker,
		slippagePct: slippage,
		duration:    duration,
		retries:     entry.attempts - 1,
		requotes:    entry.requotes,
	})

	e.notifier.SendTradeOpen(signal.Symbol, signal.Direction, entry.avgPrice, entry.quantity, leverage)
	e.bus.PublishTradeOpened(signal.Symbol, signal.Direction, entry.avgPrice, entry.quantity, leverage)

	e.log.Info().Str("symbol", signal.Symbol).Str("direction", signal.Direction).
		Float64("avg_fill", entry.avgPrice).Float64("quantity", entry.quantity).
		Int("leverage", leverage).Str("method", entry.method).Bool("maker", entry.maker).
		Float64("slippage_pct", slippage).Dur("duration", duration).Msg("trade opened")

	return &Result{
		Trade:        trade,
		OrderIDs:     entry.orderIDs,
		AvgFillPrice: entry.avgPrice,
		Quantity:     entry.quantity,
		Leverage:     leverage,
		SlippagePct:  slippage,
		Method:       entry.method,
		Maker:        entry.maker,
		Duration:     duration,
	}, nil
}

// bracketMaxLeverage returns the highest leverage the venue allows for the
// symbol, 0 when the table is unavailable.
func (e *Executor) bracketMaxLeverage(symbol string) int {
	brackets, err := e.client.GetLeverageBrackets(symbol)
	if err != nil || len(brackets) == 0 {
		return 0
	}
	maxLev := 0
	for _, b := range brackets {
		if b.InitialLeverage > maxLev {
			maxLev = b.InitialLeverage
		}
	}
	return maxLev
}

// ensureMarginMode switches the symbol to the required margin mode, forcing
// ISOLATED at high leverage, and only touches the venue when the current
// mode differs.
func (e *Executor) ensureMarginMode(symbol string, leverage int) error {
	desired := binance.MarginTypeCrossed
	if !e.cfg.DefaultMarginCrossed {
		desired = binance.MarginTypeIsolated
	}
	if e.cfg.AutoIsolateMinLeverage > 0 && leverage >= e.cfg.AutoIsolateMinLeverage {
		desired = binance.MarginTypeIsolated
	}

	if pos, err := e.client.GetPositionBySymbol(symbol); err == nil && pos != nil {
		current := binance.MarginType(pos.MarginType)
		if current == "cross" || current == "crossed" {
			current = binance.MarginTypeCrossed
		}
		if current == "isolated" {
			current = binance.MarginTypeIsolated
		}
		if current == desired {
			return nil
		}
	}

	if err := e.client.SetMarginType(symbol, desired); err != nil {
		return fmt.Errorf("error setting margin type %s for %s: %w", desired, symbol, err)
	}
	return nil
}

func (e *Executor) buildTrade(signal *strategy.Signal, entry *fill, stopLoss float64, leverage int) *database.Trade {
	trade := &database.Trade{
		Symbol:       signal.Symbol,
		Direction:    signal.Direction,
		EntryPrice:   entry.avgPrice,
		CurrentPrice: entry.avgPrice,
		Quantity:     entry.quantity,
		Leverage:     leverage,
		StopLoss:     stopLoss,
		TakeProfit1:  signal.TakeProfit1,
		Status:       database.StatusOpen,
		OpenedAt:     time.Now().UTC(),
		IsSniper:     signal.Sniper,
	}
	if signal.TakeProfit2 > 0 {
		tp2 := signal.TakeProfit2
		trade.TakeProfit2 = &tp2
	}
	if signal.TakeProfit3 > 0 {
		tp3 := signal.TakeProfit3
		trade.TakeProfit3 = &tp3
	}
	if len(entry.orderIDs) > 0 {
		orderID := strconv.FormatInt(entry.orderIDs[0], 10)
		trade.OrderID = &orderID
	}
	return trade
}
