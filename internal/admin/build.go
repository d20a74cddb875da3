package admin

import (
	"fmt"
	"strings"
	"time"

	"jobsagent/internal/callback"
	"jobsagent/pkg/logx"
)

const (
	KindHTTP     = "http"
	KindTelegram = "telegram"
)

// Config describes one admin endpoint. Fields not used by Kind are ignored.
type Config struct {
	Name    string
	Kind    string
	Timeout time.Duration

	// http
	Address     string
	AccessToken string

	// telegram
	Token        string
	ChatID       int64
	ThreadID     int
	OnlyFailures bool
	APIURL       string
}

// Build turns configs into endpoints, in order. An empty Kind means http.
func Build(cfgs []Config, log logx.Logger) ([]callback.Endpoint, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	out := make([]callback.Endpoint, 0, len(cfgs))
	for i, c := range cfgs {
		kind := strings.ToLower(strings.TrimSpace(c.Kind))
		var (
			ep  callback.Endpoint
			err error
		)
		switch kind {
		case "", KindHTTP:
			ep, err = NewHTTP(c.Name, c.Address, c.AccessToken, c.Timeout, nil)
		case KindTelegram:
			ep, err = NewTelegram(TelegramConfig{
				Name:         c.Name,
				Token:        c.Token,
				ChatID:       c.ChatID,
				ThreadID:     c.ThreadID,
				OnlyFailures: c.OnlyFailures,
				Timeout:      c.Timeout,
				APIURL:       c.APIURL,
			})
		default:
			err = fmt.Errorf("unknown kind %q", c.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("admins[%d]: %w", i, err)
		}
		log.Info("admin endpoint configured", logx.String("name", ep.Name()), logx.String("kind", kindOrHTTP(kind)))
		out = append(out, ep)
	}
	return out, nil
}

func kindOrHTTP(k string) string {
	if k == "" {
		return KindHTTP
	}
	return k
}
