// Package notify tells operators when a run has finished.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

type Notifier interface {
	RunFinished(ctx context.Context, r storage.RunRecord) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) RunFinished(context.Context, storage.RunRecord) error { return nil }

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, self-hosted API).
	APIURL  string
	Timeout time.Duration
}

// Telegram sends run summaries to a chat. The bot is created offline; it
// never polls for updates.
type Telegram struct {
	bot      *tele.Bot
	chat     tele.ChatID
	threadID int
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		bot:      b,
		chat:     tele.ChatID(cfg.ChatID),
		threadID: cfg.ThreadID,
		// Telegram allows roughly one message per second per chat.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log.With(logx.String("comp", "notify.telegram")),
	}, nil
}

func (t *Telegram) RunFinished(ctx context.Context, r storage.RunRecord) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.threadID}
	if _, err := t.bot.Send(t.chat, FormatRun(r), opts); err != nil {
		t.log.Warn("notification send failed", logx.String("run", r.ID), logx.Err(err))
		return fmt.Errorf("telegram send: %w", err)
	}
	t.log.Debug("notification sent", logx.String("run", r.ID))
	return nil
}

// FormatRun renders a plain-text run summary.
func FormatRun(r storage.RunRecord) string {
	icon := "✅"
	switch r.State {
	case "aborted":
		icon = "⚠️"
	case "blocked":
		icon = "🚨"
	}
	var b strings.Builder
	title := r.ID
	if r.Name != "" {
		title = r.Name + " (" + r.ID + ")"
	}
	fmt.Fprintf(&b, "%s Run %s %s\n", icon, title, r.State)
	fmt.Fprintf(&b, "sent %d, failed %d, pending %d of %d\n", r.Sent, r.Failed, r.Pending, r.Total)
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "took %s\n", r.Took().Round(time.Second))
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}
