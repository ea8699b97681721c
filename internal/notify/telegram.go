package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// Telegram pushes decision notifications to a chat. Optional: when no token
// is configured the engine simply runs without a notifier.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram creates the notifier.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("📱 Telegram notifier ready")
	return &Telegram{api: api, chatID: chatID}, nil
}

// NotifyDecision sends a one-line summary of an emitted decision.
func (t *Telegram) NotifyDecision(d model.Decision) {
	emoji := "🟢"
	if d.Action == model.ActionExit {
		emoji = "🔴"
	}
	text := fmt.Sprintf("%s %s %s %s @ %s x%d",
		emoji, d.Action, d.Side, d.Instrument.Symbol, d.Price.StringFixed(2), d.Quantity)

	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("telegram send failed")
	}
}
