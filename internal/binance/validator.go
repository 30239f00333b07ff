package binance

import (
	"fmt"
	"time"
)

// Validator rejects obviously corrupt venue data before it reaches trading
// logic. A bad price or a hollow kline series must fail the fetch, not
// silently feed the signal pipeline.
type Validator struct {
	maxKlineAge time.Duration
}

func NewValidator() *Validator {
	return &Validator{maxKlineAge: 24 * time.Hour}
}

// ValidatePrice checks a last-traded price
func (v *Validator) ValidatePrice(symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("invalid price %.8f for %s", price, symbol)
	}
	return nil
}

// ValidateBalance checks a digested account balance
func (v *Validator) ValidateBalance(b *AccountBalance) error {
	if b.TotalBalance < 0 {
		return fmt.Errorf("negative total balance: %.2f", b.TotalBalance)
	}
	if b.AvailableBalance < 0 {
		return fmt.Errorf("negative available balance: %.2f", b.AvailableBalance)
	}
	if b.AvailableBalance > b.TotalBalance+b.TotalUnrealized+1e-6 {
		return fmt.Errorf("available balance %.2f exceeds equity %.2f",
			b.AvailableBalance, b.TotalBalance+b.TotalUnrealized)
	}
	return nil
}

// ValidateBookTicker checks best bid/ask coherence
func (v *Validator) ValidateBookTicker(t *BookTicker) error {
	if t.BidPrice <= 0 || t.AskPrice <= 0 {
		return fmt.Errorf("non-positive quote for %s: bid=%.8f ask=%.8f", t.Symbol, t.BidPrice, t.AskPrice)
	}
	if t.BidPrice > t.AskPrice {
		return fmt.Errorf("crossed book for %s: bid=%.8f ask=%.8f", t.Symbol, t.BidPrice, t.AskPrice)
	}
	return nil
}

// ValidateKlines checks OHLC coherence and ordering of a candle series
func (v *Validator) ValidateKlines(symbol string, klines []Kline) error {
	if len(klines) == 0 {
		return fmt.Errorf("empty kline series for %s", symbol)
	}
	var prevOpenTime int64
	for i, k := range klines {
		if k.Open <= 0 || k.High <= 0 || k.Low <= 0 || k.Close <= 0 {
			return fmt.Errorf("non-positive OHLC in kline %d for %s", i, symbol)
		}
		if k.High < k.Low {
			return fmt.Errorf("high %.8f below low %.8f in kline %d for %s", k.High, k.Low, i, symbol)
		}
		if k.High < k.Open || k.High < k.Close || k.Low > k.Open || k.Low > k.Close {
			return fmt.Errorf("OHLC out of range in kline %d for %s", i, symbol)
		}
		if k.Volume < 0 {
			return fmt.Errorf("negative volume in kline %d for %s", i, symbol)
		}
		if k.OpenTime <= prevOpenTime {
			return fmt.Errorf("klines out of order at index %d for %s", i, symbol)
		}
		prevOpenTime = k.OpenTime
	}

	last := klines[len(klines)-1]
	if age := time.Since(time.UnixMilli(last.OpenTime)); age > v.maxKlineAge {
		return fmt.Errorf("stale kline data for %s: latest candle is %s old", symbol, age.Round(time.Minute))
	}
	return nil
}

// ValidateSymbolInfo checks digested trading rules
func (v *Validator) ValidateSymbolInfo(info *SymbolInfo) error {
	if info.TickSize <= 0 {
		return fmt.Errorf("missing tick size for %s", info.Symbol)
	}
	if info.StepSize <= 0 {
		return fmt.Errorf("missing step size for %s", info.Symbol)
	}
	return nil
}
