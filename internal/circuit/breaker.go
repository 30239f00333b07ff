// Package circuit implements the global trading circuit breaker:
// consecutive losing closes trip a timed cooldown, and the kill switch
// halts the breaker until a manual reset.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"futures-trading-bot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateNormal  BreakerState = "normal"  // entries allowed
	StateTripped BreakerState = "tripped" // timed cooldown after consecutive losses
	StateHalted  BreakerState = "halted"  // kill switch; manual reset required
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled              bool
	MaxConsecutiveLosses int           // losses in a row before tripping
	Cooldown             time.Duration // pause after trip
}

// DefaultConfig returns the breaker defaults: three consecutive losses
// pause new entries for one hour.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxConsecutiveLosses: 3,
		Cooldown:             time.Hour,
	}
}

// Breaker tracks consecutive losses and gates new entries
type Breaker struct {
	mu                sync.Mutex
	config            Config
	state             BreakerState
	consecutiveLosses int
	trippedAt         time.Time
	haltReason        string
	bus               *events.Bus
}

// NewBreaker creates a circuit breaker
func NewBreaker(cfg Config, bus *events.Bus) *Breaker {
	return &Breaker{
		config: cfg,
		state:  StateNormal,
		bus:    bus,
	}
}

// CanTrade reports whether new entries are currently allowed.
// A tripped breaker recovers automatically once the cooldown elapses;
// a halted breaker does not.
func (b *Breaker) CanTrade() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalted:
		return false, fmt.Sprintf("circuit breaker halted: %s", b.haltReason)
	case StateTripped:
		elapsed := time.Since(b.trippedAt)
		if elapsed < b.config.Cooldown {
			remaining := (b.config.Cooldown - elapsed).Round(time.Second)
			return false, fmt.Sprintf("circuit breaker tripped, cooldown remaining: %v", remaining)
		}
		b.transition(StateNormal, "cooldown elapsed")
		b.consecutiveLosses = 0
	}
	return true, ""
}

// RecordClose feeds a trade close into the breaker
func (b *Breaker) RecordClose(win bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalted {
		return
	}

	if win {
		b.consecutiveLosses = 0
		return
	}

	b.consecutiveLosses++
	if b.state == StateNormal && b.consecutiveLosses >= b.config.MaxConsecutiveLosses {
		b.trippedAt = time.Now()
		b.transition(StateTripped, fmt.Sprintf("%d consecutive losses", b.consecutiveLosses))
	}
}

// Halt puts the breaker into the halted state. Only Reset clears it.
func (b *Breaker) Halt(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.haltReason = reason
	b.transition(StateHalted, reason)
}

// Reset returns the breaker to normal after a manual intervention
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveLosses = 0
	b.haltReason = ""
	b.transition(StateNormal, "manual reset")
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveLosses returns the current losing streak observed by the breaker
func (b *Breaker) ConsecutiveLosses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveLosses
}

// transition must be called with the lock held
func (b *Breaker) transition(to BreakerState, reason string) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventCircuitBreaker,
			Data: map[string]interface{}{
				"from":   string(from),
				"to":     string(to),
				"reason": reason,
			},
		})
	}
}
