// Package telegram delivers operator notifications through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// maxText is Telegram's message length limit.
const maxText = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

// botAPI is the part of *tele.Bot the sender needs.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sender struct {
	bot      botAPI
	chat     *tele.Chat
	threadID int
}

// New checks the token against the Bot API (getMe) and returns a sender
// bound to one chat and optional forum thread.
func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  strings.TrimSpace(cfg.Token),
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newSender(b, cfg.ChatID, cfg.ThreadID), nil
}

func newSender(b botAPI, chatID int64, threadID int) *Sender {
	return &Sender{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}
}

// Send posts text as a plain message. telebot has no context support, so
// ctx is only checked before the call; the HTTP client timeout bounds it.
func (s *Sender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, truncate(text, maxText), &tele.SendOptions{
		ThreadID:              s.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
