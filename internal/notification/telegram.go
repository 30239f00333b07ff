package notification

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"futures-trading-bot/internal/logging"
)

// TelegramNotifier delivers notifications to a Telegram chat
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
	log     zerolog.Logger
}

// NewTelegramNotifier creates a Telegram provider. A dial failure returns
// a disabled notifier rather than an error so the bot can still start.
func NewTelegramNotifier(token string, chatID int64) *TelegramNotifier {
	log := logging.Component("telegram")
	n := &TelegramNotifier{chatID: chatID, log: log}
	if token == "" || chatID == 0 {
		return n
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("telegram init failed, notifications disabled")
		return n
	}

	n.bot = bot
	n.enabled = true
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram notifier ready")
	return n
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

// Send posts the notification as one Telegram message
func (t *TelegramNotifier) Send(n *Notification) error {
	if !t.enabled {
		return nil
	}

	text := n.Title
	if n.Message != "" {
		text += "\n" + n.Message
	}

	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	return nil
}
