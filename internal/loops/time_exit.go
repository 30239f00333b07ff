package loops

import (
	"context"
	"fmt"
	"time"

	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/database"
)

// ReasonTimeExit marks trades closed for overstaying their welcome
const ReasonTimeExit = "Time Exit"

// timeExitOnce flattens positions that have been open past the holding
// limit without reaching the minimum profit.
func (r *Runner) timeExitOnce(ctx context.Context) error {
	if r.cfg.TimeExitHours <= 0 {
		return nil
	}
	trades, err := r.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("error fetching open trades: %w", err)
	}

	limit := time.Duration(r.cfg.TimeExitHours) * time.Hour
	now := time.Now().UTC()
	for _, trade := range trades {
		if trade.HoldingDuration(now) < limit {
			continue
		}
		price, err := r.client.GetCurrentPrice(trade.Symbol)
		if err != nil || price <= 0 {
			continue
		}
		pnlPct := trade.UnleveragedPnLPct(price)
		if pnlPct >= r.cfg.TimeExitMinProfitPct {
			// Let the monitor's trailing logic manage profitable stayers
			continue
		}

		r.log.Info().Str("symbol", trade.Symbol).Float64("pnl_pct", pnlPct).
			Dur("held", trade.HoldingDuration(now)).Msg("time exit")
		r.flattenTrade(ctx, trade, price, ReasonTimeExit)
	}
	return nil
}

// flattenTrade market-closes a trade and settles the record
func (r *Runner) flattenTrade(ctx context.Context, trade *database.Trade, price float64, reason string) {
	if err := r.client.CancelAllOpenOrders(trade.Symbol); err != nil {
		r.log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("error cancelling open orders")
	}
	order, err := r.client.PlaceOrder(binance.OrderParams{
		Symbol:     trade.Symbol,
		Side:       closeSide(trade.Direction),
		Type:       binance.OrderTypeMarket,
		Quantity:   trade.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		r.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("error flattening trade")
		return
	}
	exit := price
	if order.AvgPrice > 0 {
		exit = order.AvgPrice
	}

	var pnl float64
	if trade.IsLong() {
		pnl = (exit - trade.EntryPrice) * trade.Quantity
	} else {
		pnl = (trade.EntryPrice - exit) * trade.Quantity
	}
	pnlPct := trade.UnleveragedPnLPct(exit)
	if err := r.store.CloseTrade(ctx, trade.ID, exit, pnl, pnlPct, reason); err != nil {
		r.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("error closing trade record")
		return
	}
	r.notifier.SendTradeClose(trade.Symbol, trade.EntryPrice, exit, pnl, pnlPct, reason)
	r.bus.PublishTradeClosed(trade.Symbol, reason, trade.EntryPrice, exit, pnl, pnlPct)
}
