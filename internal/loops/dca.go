package loops

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/cache"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/risk"
)

const (
	dcaRSIPeriod     = 14
	dcaRSIOversold   = 35.0
	dcaRSIOverbought = 65.0
)

// dcaOnce averages into losing positions that momentum suggests are
// stretched, at most MaxDCACount times per trade.
func (r *Runner) dcaOnce(ctx context.Context) error {
	trades, err := r.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("error fetching open trades: %w", err)
	}

	for _, trade := range trades {
		if trade.DCACount >= r.cfg.MaxDCACount {
			continue
		}
		price, err := r.client.GetCurrentPrice(trade.Symbol)
		if err != nil || price <= 0 {
			continue
		}
		pnlPct := trade.UnleveragedPnLPct(price)
		if pnlPct > r.cfg.DCAThresholdPct {
			continue
		}
		if !r.dcaMomentumAligned(trade) {
			continue
		}

		addQty := trade.Quantity * r.cfg.DCAMultiplier
		if info, ierr := r.client.GetSymbolInfo(trade.Symbol); ierr == nil && info.StepSize > 0 {
			addQty = risk.RoundToStep(addQty, info.StepSize)
		}
		if addQty <= 0 {
			continue
		}

		order, err := r.client.PlaceOrder(binance.OrderParams{
			Symbol:   trade.Symbol,
			Side:     entrySide(trade.Direction),
			Type:     binance.OrderTypeMarket,
			Quantity: addQty,
		})
		if err != nil {
			r.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("error placing DCA order")
			continue
		}

		fillPrice := order.AvgPrice
		if fillPrice <= 0 {
			fillPrice = price
		}
		filled := order.ExecutedQty
		if filled <= 0 {
			filled = addQty
		}

		// Blend the entry to the size-weighted average
		total := trade.Quantity + filled
		trade.EntryPrice = (trade.EntryPrice*trade.Quantity + fillPrice*filled) / total
		trade.Quantity = total
		trade.DCACount++
		trade.CurrentPrice = price
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			r.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error recording DCA")
			continue
		}
		if _, err := r.cache.Incr(ctx, fmt.Sprintf(cache.KeyDCACount, trade.Symbol), cache.TTLDCACount); err != nil {
			r.log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("error bumping DCA counter")
		}

		r.log.Info().Str("symbol", trade.Symbol).Float64("pnl_pct", pnlPct).
			Float64("added_qty", filled).Float64("new_entry", trade.EntryPrice).
			Int("dca_count", trade.DCACount).Msg("averaged into position")
		r.notifier.SendInfo("DCA", fmt.Sprintf("%s: added %.6f at %.4f (entry now %.4f, round %d)",
			trade.Symbol, filled, fillPrice, trade.EntryPrice, trade.DCACount))
	}
	return nil
}

// dcaMomentumAligned confirms the hourly RSI is stretched in the trade's
// favor before averaging in.
func (r *Runner) dcaMomentumAligned(trade *database.Trade) bool {
	klines, err := r.client.GetKlines(trade.Symbol, "1h", 100)
	if err != nil || len(klines) < dcaRSIPeriod*2 {
		return false
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	rsi := talib.Rsi(closes, dcaRSIPeriod)
	last := rsi[len(rsi)-1]
	if trade.IsLong() {
		return last < dcaRSIOversold
	}
	return last > dcaRSIOverbought
}

func entrySide(direction string) string {
	if direction == database.DirectionLong {
		return "BUY"
	}
	return "SELL"
}

func closeSide(direction string) string {
	if direction == database.DirectionLong {
		return "SELL"
	}
	return "BUY"
}
