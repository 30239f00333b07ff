package loops

import (
	"context"
	"fmt"

	"futures-trading-bot/internal/strategy"
)

const sniperCandidateLimit = 5

// sniperOnce hunts mid-cap fast movers and fires momentum entries that
// bypass the normal signal pipeline.
func (r *Runner) sniperOnce(ctx context.Context) error {
	candidates, err := r.scanner.SniperCandidates(sniperCandidateLimit)
	if err != nil {
		return fmt.Errorf("error fetching sniper candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	balance, err := r.client.GetAccountBalance()
	if err != nil {
		return fmt.Errorf("error fetching balance: %w", err)
	}
	openCount, err := r.store.CountOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("error counting open trades: %w", err)
	}

	for _, c := range candidates {
		if r.blacklist.Contains(ctx, c.Symbol) {
			continue
		}
		if existing, err := r.store.GetOpenTradeBySymbol(ctx, c.Symbol); err != nil || existing != nil {
			continue
		}

		direction := strategy.DirectionLong
		if c.PriceChangePct < 0 {
			direction = strategy.DirectionShort
		}

		sl := c.Price * (1 - r.sniperCfg.SLPct/100)
		tp := c.Price * (1 + r.sniperCfg.TPPct/100)
		if direction == strategy.DirectionShort {
			sl = c.Price * (1 + r.sniperCfg.SLPct/100)
			tp = c.Price * (1 - r.sniperCfg.TPPct/100)
		}

		signal := &strategy.Signal{
			Symbol:      c.Symbol,
			Direction:   direction,
			Score:       70,
			EntryPrice:  c.Price,
			StopLoss:    sl,
			TakeProfit1: tp,
			Leverage:    r.sniperCfg.DefaultLeverage,
			Sniper:      true,
			Force:       true,
			Reasons:     []string{fmt.Sprintf("sniper: %.2f%% move on %.0f USDT volume", c.PriceChangePct, c.QuoteVolume24h)},
		}

		res, err := r.exec.Execute(ctx, signal, balance.TotalBalance, balance.TotalMargin, openCount)
		if err != nil {
			r.log.Debug().Err(err).Str("symbol", c.Symbol).Msg("sniper entry rejected")
			continue
		}
		openCount++
		r.log.Info().Str("symbol", c.Symbol).Str("direction", direction).
			Float64("fill", res.AvgFillPrice).Msg("sniper entry opened")
	}
	return nil
}
