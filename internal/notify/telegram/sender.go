// Package telegram delivers operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "fogworker/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int

	// APIURL overrides the Bot API endpoint. Empty uses the public one.
	APIURL string
	// Offline skips the getMe handshake on construction.
	Offline bool
	Timeout time.Duration

	// DedupWindow drops an alert whose text was already sent within the
	// window. Zero disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Sender is a send-only bot; it never polls for updates.
type Sender struct {
	cfg   Config
	log   logx.Logger
	bot   *tele.Bot
	dedup *dedup
	now   func() time.Time
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:   cfg,
		log:   log,
		bot:   b,
		dedup: newDedup(cfg.DedupWindow, cfg.DedupMaxEntries),
		now:   time.Now,
	}, nil
}

// SendAlert posts text to the configured chat (and forum thread, if set).
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !s.dedup.allow(text, s.now()) {
		return nil
	}
	text = truncRunes(text, maxMessageRunes)
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	})
	if err != nil {
		// Debug only: a warn here would feed back into the alert sink.
		s.log.Debug("telegram alert send failed", logx.Int64("chat_id", s.cfg.ChatID), logx.Err(err))
		return err
	}
	return nil
}
