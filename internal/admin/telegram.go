package admin

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"jobsagent/internal/callback"
)

// maxListed caps the failed records spelled out in one message.
const maxListed = 20

// TelegramEndpoint mirrors batches into a chat as an HTML summary.
type TelegramEndpoint struct {
	name         string
	bot          *tele.Bot
	chat         *tele.Chat
	opts         *tele.SendOptions
	onlyFailures bool
}

type TelegramConfig struct {
	Name         string
	Token        string
	ChatID       int64
	ThreadID     int
	OnlyFailures bool
	Timeout      time.Duration
	// APIURL overrides the Bot API base URL (tests, local bot API servers).
	APIURL string
}

func NewTelegram(cfg TelegramConfig) (*TelegramEndpoint, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("telegram:%d", cfg.ChatID)
	}
	return &TelegramEndpoint{
		name: name,
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
		onlyFailures: cfg.OnlyFailures,
	}, nil
}

func (e *TelegramEndpoint) Name() string { return e.name }

func (e *TelegramEndpoint) Callback(ctx context.Context, batch []callback.Record) (callback.Ack, error) {
	failed := 0
	for _, r := range batch {
		if !r.Succeeded() {
			failed++
		}
	}
	if failed == 0 && e.onlyFailures {
		return callback.Ack{Success: true, Msg: "skipped"}, nil
	}
	if err := ctx.Err(); err != nil {
		return callback.Ack{}, err
	}

	text := summarize(batch, failed)
	done := make(chan error, 1)
	go func() {
		_, err := e.bot.Send(e.chat, text, e.opts)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return callback.Ack{}, err
		}
		return callback.Ack{Success: true}, nil
	case <-ctx.Done():
		return callback.Ack{}, ctx.Err()
	}
}

func summarize(batch []callback.Record, failed int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Job callbacks</b>: %d records, %d ok, %d failed", len(batch), len(batch)-failed, failed)
	listed := 0
	for _, r := range batch {
		if r.Succeeded() {
			continue
		}
		if listed == maxListed {
			fmt.Fprintf(&sb, "\n… and %d more", failed-listed)
			break
		}
		listed++
		fmt.Fprintf(&sb, "\n• log <code>%d</code> %s", r.LogID, r.HandleCode)
		if msg := strings.TrimSpace(r.HandleMsg); msg != "" {
			if rs := []rune(msg); len(rs) > 120 {
				msg = string(rs[:120]) + "…"
			}
			sb.WriteString(": " + html.EscapeString(msg))
		}
	}
	return sb.String()
}
