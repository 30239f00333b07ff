package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TradeStore is the persistence surface the trading components depend on.
// Implementations: Repository (PostgreSQL), MemoryStore (tests).
type TradeStore interface {
	CreateTrade(ctx context.Context, trade *Trade) error
	UpdateTrade(ctx context.Context, trade *Trade) error
	CloseTrade(ctx context.Context, id int64, exitPrice, pnl, pnlPct float64, reason string) error
	GetTrade(ctx context.Context, id int64) (*Trade, error)
	GetOpenTrades(ctx context.Context) ([]*Trade, error)
	GetOpenTradeBySymbol(ctx context.Context, symbol string) (*Trade, error)
	CountOpenTrades(ctx context.Context) (int, error)
	GetRecentClosedTrades(ctx context.Context, limit int) ([]*Trade, error)
	GetTradesClosedSince(ctx context.Context, since time.Time) ([]*Trade, error)
	RecordCycleMetric(ctx context.Context, metric *CycleMetric) error
	GetRecentCycleMetrics(ctx context.Context, limit int) ([]*CycleMetric, error)
}

// Repository implements TradeStore on PostgreSQL
type Repository struct {
	db *DB
}

// NewRepository creates a trade repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

const tradeColumns = `id, symbol, direction, entry_price, current_price, quantity, leverage,
	stop_loss, take_profit_1, take_profit_2, take_profit_3, status, pnl, pnl_percentage,
	opened_at, closed_at, order_id, max_pnl_percentage, trailing_peak_price,
	pyramided, partial_taken, dca_count, exit_price, exit_time, exit_reason,
	is_sniper, mae_percentage, mfe_percentage`

// CreateTrade inserts a new trade and populates its ID
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	if trade.Status == "" {
		trade.Status = StatusOpen
	}
	if trade.OpenedAt.IsZero() {
		trade.OpenedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO trades (symbol, direction, entry_price, current_price, quantity, leverage,
			stop_loss, take_profit_1, take_profit_2, take_profit_3, status, pnl, pnl_percentage,
			opened_at, order_id, pyramided, partial_taken, dca_count, is_sniper)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING id`

	return r.db.Pool.QueryRow(ctx, query,
		trade.Symbol, trade.Direction, trade.EntryPrice, trade.CurrentPrice,
		trade.Quantity, trade.Leverage, trade.StopLoss,
		trade.TakeProfit1, trade.TakeProfit2, trade.TakeProfit3,
		trade.Status, trade.PnL, trade.PnLPercentage, trade.OpenedAt,
		trade.OrderID, trade.Pyramided, trade.PartialTaken, trade.DCACount,
		trade.IsSniper,
	).Scan(&trade.ID)
}

// UpdateTrade persists the mutable fields of an open trade. The row is
// locked for the duration so monitor and loop writes cannot interleave
// within one trade.
func (r *Repository) UpdateTrade(ctx context.Context, trade *Trade) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM trades WHERE id = $1 FOR UPDATE`, trade.ID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("trade %d not found", trade.ID)
		}
		return fmt.Errorf("error locking trade %d: %w", trade.ID, err)
	}
	if status == StatusClosed && trade.Status == StatusOpen {
		return fmt.Errorf("trade %d is closed and cannot be reopened", trade.ID)
	}

	_, err = tx.Exec(ctx, `
		UPDATE trades SET
			entry_price = $2, current_price = $3, quantity = $4, leverage = $5,
			stop_loss = $6, take_profit_1 = $7, take_profit_2 = $8, take_profit_3 = $9,
			status = $10, pnl = $11, pnl_percentage = $12, closed_at = $13,
			max_pnl_percentage = $14, trailing_peak_price = $15,
			pyramided = $16, partial_taken = $17, dca_count = $18,
			exit_price = $19, exit_time = $20, exit_reason = $21,
			mae_percentage = $22, mfe_percentage = $23
		WHERE id = $1`,
		trade.ID, trade.EntryPrice, trade.CurrentPrice, trade.Quantity, trade.Leverage,
		trade.StopLoss, trade.TakeProfit1, trade.TakeProfit2, trade.TakeProfit3,
		trade.Status, trade.PnL, trade.PnLPercentage, trade.ClosedAt,
		trade.MaxPnLPercentage, trade.TrailingPeakPrice,
		trade.Pyramided, trade.PartialTaken, trade.DCACount,
		trade.ExitPrice, trade.ExitTime, trade.ExitReason,
		trade.MAEPercentage, trade.MFEPercentage,
	)
	if err != nil {
		return fmt.Errorf("error updating trade %d: %w", trade.ID, err)
	}
	return tx.Commit(ctx)
}

// CloseTrade transitions a trade to closed. Closing an already-closed trade
// is a no-op so reconciliation and the monitor cannot double-close.
func (r *Repository) CloseTrade(ctx context.Context, id int64, exitPrice, pnl, pnlPct float64, reason string) error {
	now := time.Now().UTC()
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trades SET
			status = $2, closed_at = $3, exit_price = $4, exit_time = $3,
			pnl = $5, pnl_percentage = $6, exit_reason = $7, current_price = $4
		WHERE id = $1 AND status = $8`,
		id, StatusClosed, now, exitPrice, pnl, pnlPct, reason, StatusOpen,
	)
	if err != nil {
		return fmt.Errorf("error closing trade %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		r.db.log.Debug().Int64("trade_id", id).Msg("close skipped, trade already closed")
	}
	return nil
}

// GetTrade fetches one trade by ID
func (r *Repository) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	trade, err := scanTrade(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("trade %d not found", id)
		}
		return nil, err
	}
	return trade, nil
}

// GetOpenTrades fetches all open trades, oldest first
func (r *Repository) GetOpenTrades(ctx context.Context) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = $1 ORDER BY opened_at`, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("error fetching open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetOpenTradeBySymbol fetches the open trade for a symbol, if any
func (r *Repository) GetOpenTradeBySymbol(ctx context.Context, symbol string) (*Trade, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = $1 AND status = $2 ORDER BY opened_at DESC LIMIT 1`,
		symbol, StatusOpen)
	trade, err := scanTrade(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return trade, nil
}

// CountOpenTrades reports the number of open trades
func (r *Repository) CountOpenTrades(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE status = $1`, StatusOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting open trades: %w", err)
	}
	return count, nil
}

// GetRecentClosedTrades fetches the most recently closed trades, newest first
func (r *Repository) GetRecentClosedTrades(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = $1 ORDER BY closed_at DESC LIMIT $2`,
		StatusClosed, limit)
	if err != nil {
		return nil, fmt.Errorf("error fetching closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetTradesClosedSince fetches trades closed at or after the given time
func (r *Repository) GetTradesClosedSince(ctx context.Context, since time.Time) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = $1 AND closed_at >= $2 ORDER BY closed_at`,
		StatusClosed, since)
	if err != nil {
		return nil, fmt.Errorf("error fetching trades closed since %s: %w", since, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RecordCycleMetric persists one orchestrator cycle outcome
func (r *Repository) RecordCycleMetric(ctx context.Context, metric *CycleMetric) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO cycle_metrics (cycle_id, started_at, duration_ms, symbols_scanned,
			signals_generated, signals_rejected, trades_opened, errors)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		metric.CycleID, metric.StartedAt, metric.DurationMs, metric.SymbolsScanned,
		metric.SignalsGenerated, metric.SignalsRejected, metric.TradesOpened, metric.Errors,
	).Scan(&metric.ID)
}

// GetRecentCycleMetrics fetches the latest cycle metrics, newest first
func (r *Repository) GetRecentCycleMetrics(ctx context.Context, limit int) ([]*CycleMetric, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, cycle_id, started_at, duration_ms, symbols_scanned,
			signals_generated, signals_rejected, trades_opened, errors
		FROM cycle_metrics ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("error fetching cycle metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*CycleMetric
	for rows.Next() {
		m := &CycleMetric{}
		if err := rows.Scan(&m.ID, &m.CycleID, &m.StartedAt, &m.DurationMs,
			&m.SymbolsScanned, &m.SignalsGenerated, &m.SignalsRejected,
			&m.TradesOpened, &m.Errors); err != nil {
			return nil, fmt.Errorf("error scanning cycle metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func scanTrade(row pgx.Row) (*Trade, error) {
	t := &Trade{}
	err := row.Scan(
		&t.ID, &t.Symbol, &t.Direction, &t.EntryPrice, &t.CurrentPrice,
		&t.Quantity, &t.Leverage, &t.StopLoss,
		&t.TakeProfit1, &t.TakeProfit2, &t.TakeProfit3,
		&t.Status, &t.PnL, &t.PnLPercentage,
		&t.OpenedAt, &t.ClosedAt, &t.OrderID,
		&t.MaxPnLPercentage, &t.TrailingPeakPrice,
		&t.Pyramided, &t.PartialTaken, &t.DCACount,
		&t.ExitPrice, &t.ExitTime, &t.ExitReason,
		&t.IsSniper, &t.MAEPercentage, &t.MFEPercentage,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTrades(rows pgx.Rows) ([]*Trade, error) {
	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
