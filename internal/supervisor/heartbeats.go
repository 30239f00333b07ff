package supervisor

import (
	"sync"
	"time"
)

// Heartbeats tracks when each background loop last completed an iteration
type Heartbeats struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewHeartbeats() *Heartbeats {
	return &Heartbeats{seen: make(map[string]time.Time)}
}

// Beat records an iteration for a loop
func (h *Heartbeats) Beat(name string) {
	h.mu.Lock()
	h.seen[name] = time.Now()
	h.mu.Unlock()
}

// Last returns the most recent beat for a loop, zero when never seen
func (h *Heartbeats) Last(name string) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[name]
}

// Stale returns the loops whose last beat is older than the threshold
func (h *Heartbeats) Stale(threshold time.Duration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	now := time.Now()
	for name, last := range h.seen {
		if now.Sub(last) > threshold {
			out = append(out, name)
		}
	}
	return out
}

// Names returns all registered loop names
func (h *Heartbeats) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.seen))
	for name := range h.seen {
		out = append(out, name)
	}
	return out
}
