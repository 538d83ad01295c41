// Package adapter sends relay messages through the Telegram Bot API.
package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

// TextLimit is the Bot API message length limit in characters.
const TextLimit = 4096

const defaultRequestTimeout = 15 * time.Second

type Config struct {
	Token string
	// APIURL replaces https://api.telegram.org, mostly for tests.
	APIURL         string
	RequestTimeout time.Duration
}

// Adapter implements kit.Sender. It is send-only and never polls updates.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: bot, log: log.With(logx.String("comp", "telegram.adapter"))}, nil
}

// SendText sends text as one or more messages of at most TextLimit runes.
// The ref is that of the first message, also when a later part fails.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var so kit.SendOptions
	if opt != nil {
		so = *opt
	}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{ParseMode: so.ParseMode, DisableWebPagePreview: so.DisablePreview, ThreadID: to.ThreadID}

	parts := splitText(text, TextLimit, so.ParseMode)
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, part, send)
		if err != nil {
			err = mapError(kit.OpSendMessage, err)
			a.log.Debug("send failed", logx.Int64("chat_id", to.ChatID), logx.Int("part", i+1), logx.Int("parts", len(parts)), logx.Err(err))
			return ref, err
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// Ping calls getMe.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Raw(kit.OpGetMe, map[string]string{})
	return mapError(kit.OpGetMe, err)
}
