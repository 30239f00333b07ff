package executor

import (
	"sync"
	"time"
)

// Execution methods
const (
	MethodLimit   = "LIMIT"
	MethodMarket  = "MARKET"
	MethodIceberg = "ICEBERG"
)

type record struct {
	method      string
	maker       bool
	slippagePct float64
	duration    time.Duration
	retries     int
	requotes    int
}

// Metrics keeps execution quality stats over the last 100 fills
type Metrics struct {
	mu      sync.Mutex
	records []record
}

const metricsWindow = 100

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) observe(r record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	if len(m.records) > metricsWindow {
		m.records = m.records[len(m.records)-metricsWindow:]
	}
}

// Snapshot is the aggregated view of recent executions
type Snapshot struct {
	Total          int           `json:"total"`
	LimitCount     int           `json:"limit_count"`
	MarketCount    int           `json:"market_count"`
	IcebergCount   int           `json:"iceberg_count"`
	MakerCount     int           `json:"maker_count"`
	TakerCount     int           `json:"taker_count"`
	AvgSlippagePct float64       `json:"avg_slippage_pct"`
	AvgDuration    time.Duration `json:"avg_duration"`
	TotalRetries   int           `json:"total_retries"`
	TotalRequotes  int           `json:"total_requotes"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Snapshot
	s.Total = len(m.records)
	if s.Total == 0 {
		return s
	}

	var slippageSum float64
	var durationSum time.Duration
	for _, r := range m.records {
		switch r.method {
		case MethodLimit:
			s.LimitCount++
		case MethodMarket:
			s.MarketCount++
		case MethodIceberg:
			s.IcebergCount++
		}
		if r.maker {
			s.MakerCount++
		} else {
			s.TakerCount++
		}
		slippageSum += r.slippagePct
		durationSum += r.duration
		s.TotalRetries += r.retries
		s.TotalRequotes += r.requotes
	}
	s.AvgSlippagePct = slippageSum / float64(s.Total)
	s.AvgDuration = durationSum / time.Duration(s.Total)
	return s
}
