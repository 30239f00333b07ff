package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-trading-bot/internal/cache"
)

// Blacklist bars symbols from new entries for a cooldown period after a hard
// loss. Entries live in the cache layer so restarts keep them, with an
// in-process mirror for speed.
type Blacklist struct {
	cache *cache.Service

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewBlacklist(cacheSvc *cache.Service) *Blacklist {
	return &Blacklist{
		cache:   cacheSvc,
		expires: make(map[string]time.Time),
	}
}

// Add bars a symbol until the given duration elapses
func (b *Blacklist) Add(ctx context.Context, symbol string, d time.Duration) {
	until := time.Now().Add(d)
	b.mu.Lock()
	b.expires[symbol] = until
	b.mu.Unlock()
	_ = b.cache.Set(ctx, fmt.Sprintf(cache.KeyBlacklist, symbol), until.Unix(), d)
}

// Contains reports whether the symbol is currently barred
func (b *Blacklist) Contains(ctx context.Context, symbol string) bool {
	b.mu.Lock()
	until, ok := b.expires[symbol]
	if ok && time.Now().Before(until) {
		b.mu.Unlock()
		return true
	}
	if ok {
		delete(b.expires, symbol)
	}
	b.mu.Unlock()

	var unix int64
	if err := b.cache.Get(ctx, fmt.Sprintf(cache.KeyBlacklist, symbol), &unix); err != nil {
		return false
	}
	until = time.Unix(unix, 0)
	if time.Now().After(until) {
		return false
	}
	b.mu.Lock()
	b.expires[symbol] = until
	b.mu.Unlock()
	return true
}

// Symbols returns the currently barred symbols
func (b *Blacklist) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	now := time.Now()
	for sym, until := range b.expires {
		if now.Before(until) {
			out = append(out, sym)
		}
	}
	return out
}
