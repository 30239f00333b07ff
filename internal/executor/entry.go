package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"futures-trading-bot/internal/binance"
	"futures-trading-bot/internal/risk"
	"futures-trading-bot/internal/strategy"
)

const (
	maxLimitAttempts = 5
	passiveEpsilon   = 0.0001 // 1 bp inside the passive side of the book
)

// fill aggregates the outcome of an entry execution
type fill struct {
	orderIDs []int64
	avgPrice float64
	quantity float64
	maker    bool
	method   string
	attempts int
	requotes int
}

func entrySide(direction string) string {
	if direction == strategy.DirectionLong {
		return "BUY"
	}
	return "SELL"
}

func closeSide(direction string) string {
	if direction == strategy.DirectionLong {
		return "SELL"
	}
	return "BUY"
}

// executeEntry routes to the iceberg or the plain LIMIT path based on notional.
func (e *Executor) executeEntry(ctx context.Context, signal *strategy.Signal, quantity float64, info *binance.SymbolInfo) (*fill, error) {
	notional := signal.EntryPrice * quantity
	if e.cfg.IcebergThreshold > 0 && notional > e.cfg.IcebergThreshold {
		return e.executeIceberg(ctx, signal, quantity, info)
	}
	return e.executeLimit(ctx, signal, quantity, info)
}

// executeIceberg splits a large order into notional-sized chunks and runs
// each through the LIMIT path with a short delay between chunks.
func (e *Executor) executeIceberg(ctx context.Context, signal *strategy.Signal, quantity float64, info *binance.SymbolInfo) (*fill, error) {
	chunkQty := risk.RoundToStep(e.cfg.IcebergChunkSize/signal.EntryPrice, info.StepSize)
	if chunkQty <= 0 {
		return nil, fmt.Errorf("iceberg chunk rounds to zero for %s", signal.Symbol)
	}

	aggregate := &fill{method: MethodIceberg, maker: true}
	remaining := quantity
	var weighted float64

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			break
		}
		qty := math.Min(chunkQty, remaining)
		qty = risk.RoundToStep(qty, info.StepSize)
		if qty <= 0 {
			break
		}

		chunk, err := e.executeLimit(ctx, signal, qty, info)
		if err != nil {
			if aggregate.quantity > 0 {
				// Partial iceberg: keep what filled, report the failure
				e.log.Warn().Err(err).Str("symbol", signal.Symbol).
					Float64("filled", aggregate.quantity).Msg("iceberg chunk failed, keeping partial fill")
				break
			}
			return nil, err
		}

		aggregate.orderIDs = append(aggregate.orderIDs, chunk.orderIDs...)
		weighted += chunk.avgPrice * chunk.quantity
		aggregate.quantity += chunk.quantity
		aggregate.attempts += chunk.attempts
		aggregate.requotes += chunk.requotes
		aggregate.maker = aggregate.maker && chunk.maker
		remaining -= qty

		if remaining > 0 {
			select {
			case <-ctx.Done():
				remaining = 0
			case <-time.After(e.interChunkDelay):
			}
		}
	}

	if aggregate.quantity <= 0 {
		return nil, fmt.Errorf("iceberg execution filled nothing for %s", signal.Symbol)
	}
	aggregate.avgPrice = weighted / aggregate.quantity
	return aggregate, nil
}

// executeLimit runs the LIMIT entry path: maker pricing when the spread
// allows it, re-quotes on timeout, MARKET fallback after the last attempt.
func (e *Executor) executeLimit(ctx context.Context, signal *strategy.Signal, quantity float64, info *binance.SymbolInfo) (*fill, error) {
	result := &fill{method: MethodLimit}
	remaining := quantity
	var weighted float64

	for attempt := 0; attempt < maxLimitAttempts && remaining > 0; attempt++ {
		result.attempts++
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		book, err := e.client.GetBookTicker(signal.Symbol)
		if err != nil {
			return nil, fmt.Errorf("error fetching book for %s: %w", signal.Symbol, err)
		}

		postOnly := e.wantsPostOnly(book)
		price := e.limitPrice(signal, book, postOnly, attempt)
		price = risk.RoundToTick(price, info.TickSize)
		if price <= 0 {
			return nil, fmt.Errorf("limit price rounds to zero for %s", signal.Symbol)
		}

		tif := binance.TimeInForceGTC
		if postOnly {
			tif = binance.TimeInForceGTX
		}

		order, err := e.client.PlaceOrder(binance.OrderParams{
			Symbol:      signal.Symbol,
			Side:        entrySide(signal.Direction),
			Type:        binance.OrderTypeLimit,
			Quantity:    remaining,
			Price:       price,
			TimeInForce: tif,
		})
		if err != nil {
			// GTX orders that would cross are rejected outright; requote
			if postOnly && attempt < maxLimitAttempts-1 {
				result.requotes++
				continue
			}
			return nil, fmt.Errorf("error placing limit order: %w", err)
		}

		filled, avg, execQty := e.awaitFill(ctx, signal.Symbol, order, remaining)
		if execQty > 0 {
			result.orderIDs = append(result.orderIDs, order.OrderID)
			weighted += avg * execQty
			result.quantity += execQty
			remaining -= execQty
			result.maker = postOnly
		}
		if filled && remaining <= info.StepSize/2 {
			result.avgPrice = weighted / result.quantity
			return result, nil
		}
		if attempt < maxLimitAttempts-1 {
			result.requotes++
		}
	}

	if remaining > info.StepSize/2 {
		// MARKET fallback for whatever is left
		mkt, err := e.marketFill(signal, risk.RoundToStep(remaining, info.StepSize))
		if err != nil {
			if result.quantity > 0 {
				result.avgPrice = weighted / result.quantity
				return result, nil
			}
			return nil, err
		}
		result.orderIDs = append(result.orderIDs, mkt.orderIDs...)
		weighted += mkt.avgPrice * mkt.quantity
		result.quantity += mkt.quantity
		result.method = MethodMarket
		result.maker = false
	}

	if result.quantity <= 0 {
		return nil, fmt.Errorf("limit execution filled nothing for %s", signal.Symbol)
	}
	result.avgPrice = weighted / result.quantity
	return result, nil
}

func (e *Executor) wantsPostOnly(book *binance.BookTicker) bool {
	if e.cfg.UsePostOnlyEntries {
		return true
	}
	if !e.cfg.AutoPostOnlyEntries {
		return false
	}
	spreadBps := (book.AskPrice - book.BidPrice) / book.AskPrice * 10000
	return spreadBps >= e.cfg.AutoMakerSpreadBps
}

// limitPrice chooses the submission price for one attempt. Maker orders sit
// inside the passive side; plain limits improve the signal entry by the
// configured buffer and drift toward mid on each re-quote.
func (e *Executor) limitPrice(signal *strategy.Signal, book *binance.BookTicker, postOnly bool, attempt int) float64 {
	if postOnly {
		if signal.Direction == strategy.DirectionLong {
			return book.BidPrice * (1 - passiveEpsilon)
		}
		return book.AskPrice * (1 + passiveEpsilon)
	}

	mid := (book.BidPrice + book.AskPrice) / 2
	buffer := e.cfg.LimitBufferPct / 100
	if signal.Direction == strategy.DirectionLong {
		price := signal.EntryPrice * (1 - buffer)
		if attempt > 0 {
			// Each re-quote moves halfway toward mid to chase the fill
			price += (mid - price) * float64(attempt) / float64(maxLimitAttempts)
		}
		return price
	}
	price := signal.EntryPrice * (1 + buffer)
	if attempt > 0 {
		price -= (price - mid) * float64(attempt) / float64(maxLimitAttempts)
	}
	return price
}

// awaitFill polls the order until filled or the timeout expires, cancelling
// on timeout. Returns whether the order fully filled, the average price and
// the executed quantity.
func (e *Executor) awaitFill(ctx context.Context, symbol string, order *binance.Order, want float64) (bool, float64, float64) {
	if order.Status == string(binance.OrderStatusFilled) {
		return true, fillPrice(order), order.ExecutedQty
	}

	deadline := time.Now().Add(time.Duration(e.cfg.OrderTimeoutSec) * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break
		case <-time.After(e.pollInterval):
		}
		if ctx.Err() != nil {
			break
		}

		current, err := e.client.GetOrder(symbol, order.OrderID)
		if err != nil {
			e.log.Warn().Err(err).Int64("order_id", order.OrderID).Msg("error polling order")
			continue
		}
		switch binance.OrderStatus(current.Status) {
		case binance.OrderStatusFilled:
			return true, fillPrice(current), current.ExecutedQty
		case binance.OrderStatusCanceled, binance.OrderStatusExpired:
			return false, fillPrice(current), current.ExecutedQty
		}
	}

	if err := e.client.CancelOrder(symbol, order.OrderID); err != nil {
		e.log.Warn().Err(err).Int64("order_id", order.OrderID).Msg("error cancelling timed-out order")
	}
	// Pick up any partial fill recorded before the cancel landed
	current, err := e.client.GetOrder(symbol, order.OrderID)
	if err != nil {
		return false, 0, 0
	}
	return binance.OrderStatus(current.Status) == binance.OrderStatusFilled, fillPrice(current), current.ExecutedQty
}

// marketFill submits a MARKET order and resolves the true average fill from
// trade history when the venue omits it.
func (e *Executor) marketFill(signal *strategy.Signal, quantity float64) (*fill, error) {
	order, err := e.client.PlaceOrder(binance.OrderParams{
		Symbol:   signal.Symbol,
		Side:     entrySide(signal.Direction),
		Type:     binance.OrderTypeMarket,
		Quantity: quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("error placing market fallback: %w", err)
	}

	avg := order.AvgPrice
	qty := order.ExecutedQty
	if qty == 0 {
		qty = quantity
	}
	if avg == 0 {
		avg = e.avgFromTradeHistory(signal.Symbol, order.OrderID)
	}
	if avg == 0 {
		avg = signal.EntryPrice
	}
	return &fill{
		orderIDs: []int64{order.OrderID},
		avgPrice: avg,
		quantity: qty,
		method:   MethodMarket,
	}, nil
}

func (e *Executor) avgFromTradeHistory(symbol string, orderID int64) float64 {
	trades, err := e.client.GetUserTrades(symbol, 20)
	if err != nil {
		return 0
	}
	var qty, quote float64
	for _, t := range trades {
		if t.OrderID == orderID {
			qty += t.Qty
			quote += t.QuoteQty
		}
	}
	if qty == 0 {
		return 0
	}
	return quote / qty
}

func fillPrice(order *binance.Order) float64 {
	if order.AvgPrice > 0 {
		return order.AvgPrice
	}
	if order.ExecutedQty > 0 && order.CumQuote > 0 {
		return order.CumQuote / order.ExecutedQty
	}
	return order.Price
}
