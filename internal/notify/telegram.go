// Package notify pushes trading activity to Telegram. It is optional:
// without a bot token the notifier construction fails and the caller
// simply runs without it.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/lookoupai/chainmakes/internal/events"
)

// Notifier forwards order and status events from the bus firehose to one
// Telegram chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	bus    *events.Bus
}

func New(token string, chatID int64, bus *events.Bus) (*Notifier, error) {
	if token == "" {
		return nil, fmt.Errorf("notify: telegram token not set")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram auth: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("📱 telegram notifier connected")
	return &Notifier{api: api, chatID: chatID, bus: bus}, nil
}

// Run consumes the firehose until ctx is cancelled. Spread samples are far
// too chatty for a phone; only orders and status changes go out.
func (n *Notifier) Run(ctx context.Context) {
	msgs, cancel := n.bus.Subscribe(events.FirehoseID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			text := n.format(msg)
			if text == "" {
				continue
			}
			out := tgbotapi.NewMessage(n.chatID, text)
			out.ParseMode = tgbotapi.ModeMarkdown
			if _, err := n.api.Send(out); err != nil {
				log.Warn().Err(err).Msg("telegram send failed")
			}
		}
	}
}

func (n *Notifier) format(msg events.Message) string {
	data, _ := msg.Data.(map[string]any)
	switch msg.Type {
	case events.KindOrderUpdate:
		return fmt.Sprintf("📝 *Bot %d* order %v %v %v @ %v (%v)",
			msg.BotID, data["side"], data["amount"], data["symbol"], data["price"], data["status"])
	case events.KindStatusUpdate:
		return fmt.Sprintf("ℹ️ *Bot %d* is now *%v*", msg.BotID, data["status"])
	}
	return ""
}
