package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"callbot/pkg/logx"
)

// TelegramConfig configures the chat text transport.
type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
}

// Telegram delivers the message as a plain chat text to the owner's
// Telegram account. OwnerID doubles as the chat ID, which holds for
// private chats with the bot.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, log: log}, nil
}

func (g *Telegram) Send(ctx context.Context, ownerID int64, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := g.bot.Send(tele.ChatID(ownerID), "📞 "+message)
	if err != nil {
		return err
	}
	g.log.Debug("text copy sent", logx.Int64("owner_id", ownerID))
	return nil
}

// Bot exposes the underlying client so the command layer can reuse the
// same connection instead of opening a second long poller.
func (g *Telegram) Bot() *tele.Bot { return g.bot }
