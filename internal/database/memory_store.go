package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory TradeStore for tests. It enforces the same
// monotone status rule as the PostgreSQL repository.
type MemoryStore struct {
	mu      sync.Mutex
	trades  map[int64]*Trade
	metrics []*CycleMetric
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[int64]*Trade), nextID: 1}
}

func (s *MemoryStore) CreateTrade(_ context.Context, trade *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trade.Status == "" {
		trade.Status = StatusOpen
	}
	if trade.OpenedAt.IsZero() {
		trade.OpenedAt = time.Now().UTC()
	}
	trade.ID = s.nextID
	s.nextID++
	clone := *trade
	s.trades[trade.ID] = &clone
	return nil
}

func (s *MemoryStore) UpdateTrade(_ context.Context, trade *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.trades[trade.ID]
	if !ok {
		return fmt.Errorf("trade %d not found", trade.ID)
	}
	if existing.Status == StatusClosed && trade.Status == StatusOpen {
		return fmt.Errorf("trade %d is closed and cannot be reopened", trade.ID)
	}
	clone := *trade
	s.trades[trade.ID] = &clone
	return nil
}

func (s *MemoryStore) CloseTrade(_ context.Context, id int64, exitPrice, pnl, pnlPct float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("trade %d not found", id)
	}
	if trade.Status == StatusClosed {
		return nil
	}
	now := time.Now().UTC()
	trade.Status = StatusClosed
	trade.ClosedAt = &now
	trade.ExitTime = &now
	trade.ExitPrice = &exitPrice
	trade.ExitReason = &reason
	trade.CurrentPrice = exitPrice
	trade.PnL = pnl
	trade.PnLPercentage = pnlPct
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id int64) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d not found", id)
	}
	clone := *trade
	return &clone, nil
}

func (s *MemoryStore) GetOpenTrades(_ context.Context) ([]*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*Trade
	for _, t := range s.trades {
		if t.Status == StatusOpen {
			clone := *t
			open = append(open, &clone)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OpenedAt.Before(open[j].OpenedAt) })
	return open, nil
}

func (s *MemoryStore) GetOpenTradeBySymbol(_ context.Context, symbol string) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Trade
	for _, t := range s.trades {
		if t.Symbol == symbol && t.Status == StatusOpen {
			if latest == nil || t.OpenedAt.After(latest.OpenedAt) {
				latest = t
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func (s *MemoryStore) CountOpenTrades(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.trades {
		if t.Status == StatusOpen {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetRecentClosedTrades(_ context.Context, limit int) ([]*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []*Trade
	for _, t := range s.trades {
		if t.Status == StatusClosed {
			clone := *t
			closed = append(closed, &clone)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(*closed[j].ClosedAt)
	})
	if limit > 0 && len(closed) > limit {
		closed = closed[:limit]
	}
	return closed, nil
}

func (s *MemoryStore) GetTradesClosedSince(_ context.Context, since time.Time) ([]*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []*Trade
	for _, t := range s.trades {
		if t.Status == StatusClosed && t.ClosedAt != nil && !t.ClosedAt.Before(since) {
			clone := *t
			closed = append(closed, &clone)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(*closed[j].ClosedAt) })
	return closed, nil
}

func (s *MemoryStore) RecordCycleMetric(_ context.Context, metric *CycleMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metric.ID = int64(len(s.metrics) + 1)
	clone := *metric
	s.metrics = append(s.metrics, &clone)
	return nil
}

func (s *MemoryStore) GetRecentCycleMetrics(_ context.Context, limit int) ([]*CycleMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.metrics)
	if limit > n {
		limit = n
	}
	out := make([]*CycleMetric, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		clone := *s.metrics[i]
		out = append(out, &clone)
	}
	return out, nil
}
