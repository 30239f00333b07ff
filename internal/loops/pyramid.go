package loops

import (
	"context"
	"fmt"
	"math"

	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/risk"
)

// pyramidOnce adds once to positions that have proven themselves past the
// profit threshold.
func (r *Runner) pyramidOnce(ctx context.Context) error {
	trades, err := r.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("error fetching open trades: %w", err)
	}

	for _, trade := range trades {
		if trade.Pyramided {
			continue
		}
		price, err := r.client.GetCurrentPrice(trade.Symbol)
		if err != nil || price <= 0 {
			continue
		}
		pnlPct := trade.UnleveragedPnLPct(price)
		if pnlPct < r.cfg.PyramidingThresholdPct {
			continue
		}

		var tickSize float64
		addQty := trade.Quantity * r.cfg.PyramidingMultiplier
		if info, ierr := r.client.GetSymbolInfo(trade.Symbol); ierr == nil {
			tickSize = info.TickSize
			if info.StepSize > 0 {
				addQty = risk.RoundToStep(addQty, info.StepSize)
			}
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
			r.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("error placing pyramid order")
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

		total := trade.Quantity + filled
		trade.EntryPrice = (trade.EntryPrice*trade.Quantity + fillPrice*filled) / total
		trade.Quantity = total
		trade.Pyramided = true
		trade.CurrentPrice = price

		// The added size would otherwise ride the original wide stop below
		// the old entry; pull it to breakeven-or-better on the blended entry
		// and replace the venue stop for the full position.
		newStop := risk.RoundToTick(breakevenStop(trade), tickSize)
		if tickSize > 0 { // never round back below breakeven
			if trade.IsLong() && newStop < trade.EntryPrice {
				newStop += tickSize
			} else if !trade.IsLong() && newStop > trade.EntryPrice {
				newStop -= tickSize
			}
		}
		if newStop > 0 && newStop != trade.StopLoss {
			trade.StopLoss = newStop
			r.replaceStop(trade)
		}

		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			r.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error recording pyramid add")
			continue
		}

		r.log.Info().Str("symbol", trade.Symbol).Float64("pnl_pct", pnlPct).
			Float64("added_qty", filled).Float64("new_entry", trade.EntryPrice).
			Float64("stop_loss", trade.StopLoss).
			Msg("pyramided into winner")
		r.notifier.SendInfo("Pyramiding", fmt.Sprintf("%s: added %.6f at %.4f on %.2f%% runner",
			trade.Symbol, filled, fillPrice, pnlPct))
	}
	return nil
}

// breakevenStop returns the tighter of the current stop and the entry price
func breakevenStop(trade *database.Trade) float64 {
	if trade.StopLoss <= 0 {
		return trade.EntryPrice
	}
	if trade.IsLong() {
		return math.Max(trade.StopLoss, trade.EntryPrice)
	}
	return math.Min(trade.StopLoss, trade.EntryPrice)
}

// replaceStop swaps the reduce-only STOP_MARKET for one at trade.StopLoss
// covering the full position quantity.
func (r *Runner) replaceStop(trade *database.Trade) {
	orders, err := r.client.GetOpenOrders(trade.Symbol)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("error listing orders for stop replace")
	}
	for _, o := range orders {
		if o.Type != string(binance.OrderTypeStopMarket) || !o.ReduceOnly {
			continue
		}
		if err := r.client.CancelOrder(trade.Symbol, o.OrderID); err != nil {
			r.log.Warn().Err(err).Str("symbol", trade.Symbol).Int64("order_id", o.OrderID).
				Msg("error cancelling stale stop")
		}
	}
	if _, err := r.client.PlaceOrder(binance.OrderParams{
		Symbol:     trade.Symbol,
		Side:       closeSide(trade.Direction),
		Type:       binance.OrderTypeStopMarket,
		Quantity:   trade.Quantity,
		StopPrice:  trade.StopLoss,
		ReduceOnly: true,
	}); err != nil {
		r.log.Error().Err(err).Str("symbol", trade.Symbol).Float64("stop", trade.StopLoss).
			Msg("error replacing stop after pyramid")
	}
}
