package database

import "time"

// Trade direction values
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Trade status values. Transitions are monotone: open, then closed. A
// closed trade is never reopened; corrective flows create a new record.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Trade is one position lifecycle from entry to exit
type Trade struct {
	ID                int64      `json:"id"`
	Symbol            string     `json:"symbol"`
	Direction         string     `json:"direction"`
	EntryPrice        float64    `json:"entry_price"`
	CurrentPrice      float64    `json:"current_price"`
	Quantity          float64    `json:"quantity"`
	Leverage          int        `json:"leverage"`
	StopLoss          float64    `json:"stop_loss"`
	TakeProfit1       float64    `json:"take_profit_1"`
	TakeProfit2       *float64   `json:"take_profit_2,omitempty"`
	TakeProfit3       *float64   `json:"take_profit_3,omitempty"`
	Status            string     `json:"status"`
	PnL               float64    `json:"pnl"`
	PnLPercentage     float64    `json:"pnl_percentage"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	OrderID           *string    `json:"order_id,omitempty"`
	MaxPnLPercentage  *float64   `json:"max_pnl_percentage,omitempty"`
	TrailingPeakPrice *float64   `json:"trailing_peak_price,omitempty"`
	Pyramided         bool       `json:"pyramided"`
	PartialTaken      bool       `json:"partial_taken"`
	DCACount          int        `json:"dca_count"`
	ExitPrice         *float64   `json:"exit_price,omitempty"`
	ExitTime          *time.Time `json:"exit_time,omitempty"`
	ExitReason        *string    `json:"exit_reason,omitempty"`
	IsSniper          bool       `json:"is_sniper"`
	MAEPercentage     float64    `json:"mae_percentage"`
	MFEPercentage     float64    `json:"mfe_percentage"`
}

// IsOpen reports whether the trade is still live
func (t *Trade) IsOpen() bool { return t.Status == StatusOpen }

// IsLong reports the trade direction
func (t *Trade) IsLong() bool { return t.Direction == DirectionLong }

// EffectiveEntry returns a non-zero entry reference for PnL math: the
// recorded entry if present, else the given fallbacks in order.
func (t *Trade) EffectiveEntry(exchangeEntry, currentPrice float64) float64 {
	if t.EntryPrice > 0 {
		return t.EntryPrice
	}
	if exchangeEntry > 0 {
		return exchangeEntry
	}
	return currentPrice
}

// UnleveragedPnLPct computes price-move percent relative to entry, signed
// by direction. Leverage multiplies margin PnL, not the price move.
func (t *Trade) UnleveragedPnLPct(currentPrice float64) float64 {
	entry := t.EffectiveEntry(0, currentPrice)
	if entry == 0 {
		return 0
	}
	pct := (currentPrice - entry) / entry * 100
	if !t.IsLong() {
		pct = -pct
	}
	return pct
}

// HoldingDuration reports how long the trade has been (or was) open
func (t *Trade) HoldingDuration(now time.Time) time.Duration {
	if t.ClosedAt != nil {
		return t.ClosedAt.Sub(t.OpenedAt)
	}
	return now.Sub(t.OpenedAt)
}

// CycleMetric is one orchestrator cycle's outcome for the dashboard
type CycleMetric struct {
	ID               int64     `json:"id"`
	CycleID          string    `json:"cycle_id"`
	StartedAt        time.Time `json:"started_at"`
	DurationMs       int64     `json:"duration_ms"`
	SymbolsScanned   int       `json:"symbols_scanned"`
	SignalsGenerated int       `json:"signals_generated"`
	SignalsRejected  int       `json:"signals_rejected"`
	TradesOpened     int       `json:"trades_opened"`
	Errors           int       `json:"errors"`
}
