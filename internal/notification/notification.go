package notification

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal     NotificationType = "signal"
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyRisk       NotificationType = "risk"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans one notification out to all enabled providers. Provider
// failures are logged and never surfaced to trading code.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	log       zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(enabled bool) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		log:       logging.Component("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers a notification to all enabled providers
func (m *Manager) Send(notification *Notification) {
	if !m.enabled {
		return
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.log.Warn().Err(err).Str("provider", n.Name()).
				Str("type", string(notification.Type)).Msg("notification delivery failed")
		}
	}
}

// SendSignal sends a trading signal notification
func (m *Manager) SendSignal(symbol, direction, reason string, price, score float64) {
	emoji := "🟢"
	if direction == "SHORT" {
		emoji = "🔴"
	}
	m.Send(&Notification{
		Type:    NotifySignal,
		Title:   fmt.Sprintf("%s Signal: %s", emoji, symbol),
		Message: fmt.Sprintf("%s %s @ %.4f\nScore: %.0f\nReason: %s", direction, symbol, price, score, reason),
		Symbol:  symbol,
		Price:   price,
	})
}

// SendTradeOpen sends a trade opened notification
func (m *Manager) SendTradeOpen(symbol, direction string, price, quantity float64, leverage int) {
	m.Send(&Notification{
		Type:  NotifyTradeOpen,
		Title: fmt.Sprintf("📈 Trade Opened: %s", symbol),
		Message: fmt.Sprintf("%s %s\nEntry: %.4f\nQuantity: %.6f\nLeverage: %dx",
			direction, symbol, price, quantity, leverage),
		Symbol: symbol,
		Price:  price,
	})
}

// SendTradeClose sends a trade closed notification
func (m *Manager) SendTradeClose(symbol string, entryPrice, exitPrice, pnl, pnlPercent float64, reason string) {
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	m.Send(&Notification{
		Type:  NotifyTradeClose,
		Title: fmt.Sprintf("%s Trade Closed: %s", emoji, symbol),
		Message: fmt.Sprintf("Entry: %.4f → Exit: %.4f\nPnL: %.2f USDT (%.2f%%)\nReason: %s",
			entryPrice, exitPrice, pnl, pnlPercent, reason),
		Symbol:     symbol,
		Price:      exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
	})
}

// SendKillSwitch sends a kill-switch alert
func (m *Manager) SendKillSwitch(drawdownPct float64, openPositions int) {
	m.Send(&Notification{
		Type:  NotifyRisk,
		Title: "🚨 KILL SWITCH FIRED",
		Message: fmt.Sprintf("Drawdown %.2f%% breached the limit.\nClosing %d open positions. Trading halted until manual reset.",
			drawdownPct, openPositions),
	})
}

// SendRiskAlert sends a generic risk warning (circuit breaker, drawdown)
func (m *Manager) SendRiskAlert(title, message string) {
	m.Send(&Notification{
		Type:    NotifyRisk,
		Title:   "⚠️ " + title,
		Message: message,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(component string, err error) {
	m.Send(&Notification{
		Type:    NotifyError,
		Title:   fmt.Sprintf("⛔ Error in %s", component),
		Message: err.Error(),
	})
}

// SendInfo sends an informational notification
func (m *Manager) SendInfo(title, message string) {
	m.Send(&Notification{
		Type:    NotifyInfo,
		Title:   title,
		Message: message,
	})
}
