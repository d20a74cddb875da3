package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobsagent/internal/callback"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate reports every problem found, each prefixed with its field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cb := cfg.Callback
	for path, raw := range map[string]string{
		"callback.beat_interval": cb.BeatInterval,
		"callback.call_timeout":  cb.CallTimeout,
		"callback.flush_timeout": cb.FlushTimeout,
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if s := strings.TrimSpace(cb.RetrySchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add(fmt.Errorf("callback.retry_schedule: %w", err))
		}
	}
	if cb.QueueCapacity < 0 {
		add(errors.New("callback.queue_capacity: must be >= 0"))
	}
	if _, err := callback.ParseOverflowPolicy(cb.Overflow); err != nil {
		add(fmt.Errorf("callback.overflow: %w", err))
	}
	if cb.Retry.MaxEntries < 0 || cb.Retry.MaxAttempts < 0 || cb.Retry.RatePerSec < 0 {
		add(errors.New("callback.retry: values must be >= 0"))
	}

	names := map[string]int{}
	for i, a := range cfg.Admins {
		p := fmt.Sprintf("admins[%d]", i)
		_, err := ParseDurationField(p+".timeout", a.Timeout)
		add(err)
		switch strings.ToLower(strings.TrimSpace(a.Kind)) {
		case "", "http":
			if strings.TrimSpace(a.Address) == "" {
				add(fmt.Errorf("%s.address: required", p))
			}
		case "telegram":
			if strings.TrimSpace(a.Token) == "" {
				add(fmt.Errorf("%s.token: required", p))
			}
			if a.ChatID == 0 {
				add(fmt.Errorf("%s.chat_id: required", p))
			}
		default:
			add(fmt.Errorf("%s.kind: unknown kind %q", p, a.Kind))
		}
		if n := strings.TrimSpace(a.Name); n != "" {
			if j, dup := names[n]; dup {
				add(fmt.Errorf("%s.name: %q already used by admins[%d]", p, n, j))
			}
			names[n] = i
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
	case "redis":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: redis URL required"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Addr) != "" {
		if _, _, err := net.SplitHostPort(cfg.Status.Addr); err != nil {
			add(fmt.Errorf("status.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
