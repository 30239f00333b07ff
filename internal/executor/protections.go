package executor

import (
	"fmt"
	"math"

	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/strategy"
)

const (
	tslATRPeriod     = 14
	maxHeadroomTrims = 3
)

func defaultTakeProfitParts() []float64 { return []float64{0.5, 0.3, 0.2} }

func (e *Executor) stopWorkingType() binance.WorkingType {
	if e.cfg.UseMarkPriceForStops {
		return binance.WorkingTypeMarkPrice
	}
	return binance.WorkingTypeContractPrice
}

// attachProtections places the stop loss and the take-profit ladder, as one
// batch when enabled, individually otherwise.
func (e *Executor) attachProtections(signal *strategy.Signal, stopLoss, quantity float64, info *binance.SymbolInfo) error {
	side := closeSide(signal.Direction)
	working := e.stopWorkingType()

	batch := []binance.OrderParams{{
		Symbol:      signal.Symbol,
		Side:        side,
		Type:        binance.OrderTypeStopMarket,
		Quantity:    quantity,
		StopPrice:   risk.RoundToTick(stopLoss, info.TickSize),
		ReduceOnly:  true,
		WorkingType: working,
	}}

	parts := e.cfg.TakeProfitParts
	if len(parts) == 0 {
		parts = defaultTakeProfitParts()
	}
	targets := []float64{signal.TakeProfit1, signal.TakeProfit2, signal.TakeProfit3}
	remaining := quantity
	for i, target := range targets {
		if i >= len(parts) || target <= 0 {
			continue
		}
		qty := risk.RoundToStep(quantity*parts[i], info.StepSize)
		if i == len(targets)-1 || i == len(parts)-1 {
			qty = risk.RoundToStep(remaining, info.StepSize) // last rung takes the remainder
		}
		if qty <= 0 {
			continue
		}
		remaining -= qty
		batch = append(batch, binance.OrderParams{
			Symbol:      signal.Symbol,
			Side:        side,
			Type:        binance.OrderTypeLimit,
			Quantity:    qty,
			Price:       risk.RoundToTick(target, info.TickSize),
			TimeInForce: binance.TimeInForceGTC,
			ReduceOnly:  true,
		})
	}

	if e.cfg.EnableBracketBatch {
		_, err := e.client.PlaceBatchOrders(batch)
		if err == nil {
			return nil
		}
		e.log.Warn().Err(err).Str("symbol", signal.Symbol).Msg("bracket batch failed, placing individually")
	}

	var firstErr error
	for _, params := range batch {
		if _, err := e.client.PlaceOrder(params); err != nil {
			e.log.Error().Err(err).Str("symbol", signal.Symbol).Str("type", string(params.Type)).
				Msg("error placing protective order")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// attachTrailingStop derives the callback rate from recent ATR and submits a
// TRAILING_STOP_MARKET for the whole position.
func (e *Executor) attachTrailingStop(signal *strategy.Signal, quantity float64) error {
	interval := e.cfg.TSLATRLookbackInterval
	if interval == "" {
		interval = "1h"
	}
	klines, err := e.client.GetKlines(signal.Symbol, interval, 50)
	if err != nil {
		return fmt.Errorf("error fetching klines for trailing stop: %w", err)
	}
	atrPct := risk.ATRPct(klines, tslATRPeriod)
	callback := math.Min(math.Max(atrPct, e.cfg.TSLCallbackPctMin), e.cfg.TSLCallbackPctMax)
	callback = math.Round(callback*10) / 10
	if callback < 0.1 {
		callback = 0.1 // venue minimum
	}

	_, err = e.client.PlaceOrder(binance.OrderParams{
		Symbol:       signal.Symbol,
		Side:         closeSide(signal.Direction),
		Type:         binance.OrderTypeTrailingStop,
		Quantity:     quantity,
		CallbackRate: callback,
		ReduceOnly:   true,
		WorkingType:  e.stopWorkingType(),
	})
	if err != nil {
		return fmt.Errorf("error placing trailing stop: %w", err)
	}
	return nil
}

// trimForHeadroom reduces the position until the distance to liquidation
// clears the configured floor, up to a bounded number of trims.
func (e *Executor) trimForHeadroom(signal *strategy.Signal, info *binance.SymbolInfo) {
	if e.cfg.HeadroomMinPct <= 0 || e.cfg.ReduceStepPct <= 0 {
		return
	}

	for i := 0; i < maxHeadroomTrims; i++ {
		pos, err := e.client.GetPositionBySymbol(signal.Symbol)
		if err != nil || pos == nil || pos.PositionAmt == 0 || pos.LiquidationPrice <= 0 || pos.EntryPrice <= 0 {
			return
		}
		headroom := math.Abs(pos.EntryPrice-pos.LiquidationPrice) / pos.EntryPrice * 100
		if headroom >= e.cfg.HeadroomMinPct {
			return
		}

		trimQty := risk.RoundToStep(math.Abs(pos.PositionAmt)*e.cfg.ReduceStepPct/100, info.StepSize)
		if trimQty <= 0 {
			return
		}
		e.log.Warn().Str("symbol", signal.Symbol).Float64("headroom_pct", headroom).
			Float64("trim_qty", trimQty).Msg("liquidation headroom too thin, trimming position")

		if _, err := e.client.PlaceOrder(binance.OrderParams{
			Symbol:     signal.Symbol,
			Side:       closeSide(signal.Direction),
			Type:       binance.OrderTypeMarket,
			Quantity:   trimQty,
			ReduceOnly: true,
		}); err != nil {
			e.log.Error().Err(err).Str("symbol", signal.Symbol).Msg("error trimming position")
			return
		}
	}
}
