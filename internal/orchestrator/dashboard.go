package orchestrator

import (
	"sync"
	"time"
)

// dashboardWindow bounds the in-process cycle history
const dashboardWindow = 200

// Summary holds rolling averages over the retained cycle history
type Summary struct {
	Cycles           int            `json:"cycles"`
	Skipped          int            `json:"skipped"`
	AvgDurationMs    float64        `json:"avg_duration_ms"`
	AvgSymbols       float64        `json:"avg_symbols_scanned"`
	AvgSignals       float64        `json:"avg_signals_generated"`
	TotalTradesOpen  int            `json:"total_trades_opened"`
	TotalErrors      int            `json:"total_errors"`
	RejectionCounts  map[string]int `json:"rejection_counts"`
	LastCycleID      string         `json:"last_cycle_id"`
	LastCycleAt      time.Time      `json:"last_cycle_at"`
	LastCycleOpened  int            `json:"last_cycle_opened"`
	LastCycleSkipped bool           `json:"last_cycle_skipped"`
}

// Dashboard keeps the most recent cycle reports in memory and serves
// rolling aggregates to the status API.
type Dashboard struct {
	mu      sync.RWMutex
	history []CycleReport
}

func NewDashboard() *Dashboard {
	return &Dashboard{history: make([]CycleReport, 0, dashboardWindow)}
}

// Record appends one cycle report, evicting the oldest past the window
func (d *Dashboard) Record(report CycleReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, report)
	if len(d.history) > dashboardWindow {
		d.history = d.history[len(d.history)-dashboardWindow:]
	}
}

// Recent returns up to limit reports, newest first
func (d *Dashboard) Recent(limit int) []CycleReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]CycleReport, 0, limit)
	for i := len(d.history) - 1; i >= len(d.history)-limit; i-- {
		out = append(out, d.history[i])
	}
	return out
}

// Summarize computes rolling averages over the retained history
func (d *Dashboard) Summarize() Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Summary{RejectionCounts: make(map[string]int)}
	if len(d.history) == 0 {
		return s
	}
	var durMs, symbols, signals float64
	for _, r := range d.history {
		s.Cycles++
		if r.Skipped {
			s.Skipped++
		}
		durMs += float64(r.Duration.Milliseconds())
		symbols += float64(r.SymbolsScanned)
		signals += float64(r.SignalsGenerated)
		s.TotalTradesOpen += r.TradesOpened
		s.TotalErrors += r.Errors
		for reason, count := range r.Rejections {
			s.RejectionCounts[reason] += count
		}
	}
	n := float64(s.Cycles)
	s.AvgDurationMs = durMs / n
	s.AvgSymbols = symbols / n
	s.AvgSignals = signals / n

	last := d.history[len(d.history)-1]
	s.LastCycleID = last.CycleID
	s.LastCycleAt = last.StartedAt
	s.LastCycleOpened = last.TradesOpened
	s.LastCycleSkipped = last.Skipped
	return s
}
