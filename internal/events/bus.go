// Package events provides the in-process event bus that decouples the
// trading loops from each other: loops publish, interested parties subscribe.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleStarted       EventType = "cycle.started"
	EventCycleEnded         EventType = "cycle.ended"
	EventTradeOpened        EventType = "trade.opened"
	EventTradeClosed        EventType = "trade.closed"
	EventTradeUpdated       EventType = "trade.updated"
	EventSignalGenerated    EventType = "signal.generated"
	EventSignalRejected     EventType = "signal.rejected"
	EventDrawdownWarning    EventType = "drawdown.warning"
	EventKillSwitchFired    EventType = "kill_switch.fired"
	EventCircuitBreaker     EventType = "circuit_breaker.update"
	EventSupervisorAction   EventType = "supervisor.intervention"
	EventBotStarted         EventType = "bot.started"
	EventBotStopped         EventType = "bot.stopped"
	EventBalanceUpdate      EventType = "balance.update"
	EventError              EventType = "error"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous so
// a slow subscriber never blocks a trading loop.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened publishes a trade opened event
func (b *Bus) PublishTradeOpened(symbol, direction string, entryPrice, quantity float64, leverage int) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"direction":   direction,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"leverage":    leverage,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (b *Bus) PublishTradeClosed(symbol, reason string, entryPrice, exitPrice, pnl, pnlPct float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_pct":     pnlPct,
		},
	})
}

// PublishKillSwitch publishes a kill switch event
func (b *Bus) PublishKillSwitch(initialBalance, currentBalance, drawdownPct float64) {
	b.Publish(Event{
		Type: EventKillSwitchFired,
		Data: map[string]interface{}{
			"initial_balance": initialBalance,
			"current_balance": currentBalance,
			"drawdown_pct":    drawdownPct,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
