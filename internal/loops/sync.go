package loops

import (
	"context"
	"fmt"
	"math"
)

// syncOnce reconciles venue state with the store: it cancels protective
// orders orphaned by closed positions and flags quantity drift on trades the
// store believes are open.
func (r *Runner) syncOnce(ctx context.Context) error {
	positions, err := r.client.GetPositions()
	if err != nil {
		return fmt.Errorf("error fetching positions: %w", err)
	}
	held := make(map[string]float64)
	for _, p := range positions {
		if p.PositionAmt != 0 {
			held[p.Symbol] = math.Abs(p.PositionAmt)
		}
	}

	// Orphan sweep: open orders on symbols with no position are leftovers
	// from fills or manual closes
	orders, err := r.client.GetOpenOrders("")
	if err != nil {
		return fmt.Errorf("error fetching open orders: %w", err)
	}
	swept := make(map[string]bool)
	for _, o := range orders {
		if _, ok := held[o.Symbol]; ok || swept[o.Symbol] {
			continue
		}
		if !o.ReduceOnly {
			continue
		}
		swept[o.Symbol] = true
		if err := r.client.CancelAllOpenOrders(o.Symbol); err != nil {
			r.log.Warn().Err(err).Str("symbol", o.Symbol).Msg("error sweeping orphaned orders")
			continue
		}
		r.log.Info().Str("symbol", o.Symbol).Msg("swept orphaned protective orders")
	}

	// Quantity drift: partial protective fills shrink the venue position
	// while the store still carries the original size
	trades, err := r.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("error fetching open trades: %w", err)
	}
	for _, trade := range trades {
		venueQty, ok := held[trade.Symbol]
		if !ok {
			// The monitor settles vanished positions; nothing to do here
			continue
		}
		if trade.Quantity <= 0 || math.Abs(venueQty-trade.Quantity)/trade.Quantity < 0.01 {
			continue
		}
		r.log.Warn().Str("symbol", trade.Symbol).
			Float64("store_qty", trade.Quantity).Float64("venue_qty", venueQty).
			Msg("position size drift, adopting venue quantity")
		trade.Quantity = venueQty
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			r.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error recording quantity sync")
		}
	}
	return nil
}
