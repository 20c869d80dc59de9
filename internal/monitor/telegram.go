package monitor

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramSink delivers alerts to one chat and answers read-only commands
// from that chat.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger

	// Commands maps a command name (without slash) to a reply builder.
	Commands map[string]func() string
}

// NewTelegramSink authenticates the bot token.
func NewTelegramSink(token string, chatID int64, log zerolog.Logger) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	l := log.With().Str("component", "telegram").Logger()
	l.Info().Str("username", api.Self.UserName).Msg("telegram bot initialized")
	return &TelegramSink{api: api, chatID: chatID, log: l, Commands: make(map[string]func() string)}, nil
}

// Send implements AlertSink.
func (t *TelegramSink) Send(message string) error {
	msg := tgbotapi.NewMessage(t.chatID, message)
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// Listen answers commands until stop is closed.
func (t *TelegramSink) Listen(stop <-chan struct{}) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)
	defer t.api.StopReceivingUpdates()

	for {
		select {
		case <-stop:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			// only the configured chat may query the engine
			if update.Message.Chat.ID != t.chatID {
				continue
			}
			cmd := strings.ToLower(update.Message.Command())
			reply, ok := t.Commands[cmd]
			if !ok {
				names := make([]string, 0, len(t.Commands))
				for name := range t.Commands {
					names = append(names, "/"+name)
				}
				_ = t.Send("unknown command; try " + strings.Join(names, " "))
				continue
			}
			if err := t.Send(reply()); err != nil {
				t.log.Error().Err(err).Str("command", cmd).Msg("command reply failed")
			}
		}
	}
}
