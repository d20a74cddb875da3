package agent

import (
	"fmt"
	"strings"
	"time"

	"jobsagent/internal/admin"
	"jobsagent/internal/callback"
	"jobsagent/internal/config"
	"jobsagent/internal/status"
	"jobsagent/internal/storage"
	"jobsagent/internal/telemetry"
	"jobsagent/pkg/logx"
)

// DefaultStoragePath is used by the file and sqlite drivers when storage.path is empty.
const DefaultStoragePath = "./data/jobsagent"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapCallbackConfig(cfg *config.Config) (callback.Config, error) {
	cb := cfg.Callback
	beat, err := config.ParseDurationOrDefault("callback.beat_interval", cb.BeatInterval, callback.DefaultBeatInterval)
	if err != nil {
		return callback.Config{}, err
	}
	callTimeout, err := config.ParseDurationField("callback.call_timeout", cb.CallTimeout)
	if err != nil {
		return callback.Config{}, err
	}
	flushTimeout, err := config.ParseDurationField("callback.flush_timeout", cb.FlushTimeout)
	if err != nil {
		return callback.Config{}, err
	}
	policy, err := callback.ParseOverflowPolicy(cb.Overflow)
	if err != nil {
		return callback.Config{}, fmt.Errorf("callback.overflow: %w", err)
	}
	return callback.Config{
		QueueCapacity: cb.QueueCapacity,
		Overflow:      policy,
		CallTimeout:   callTimeout,
		FlushTimeout:  flushTimeout,
		BeatInterval:  beat,
		RetrySchedule: strings.TrimSpace(cb.RetrySchedule),
		Retry: callback.RetryConfig{
			Enabled:     cb.Retry.IsEnabled(),
			MaxEntries:  cb.Retry.MaxEntries,
			MaxAttempts: cb.Retry.MaxAttempts,
			RatePerSec:  cb.Retry.RatePerSec,
		},
	}, nil
}

func mapAdmins(cfg *config.Config) ([]admin.Config, error) {
	out := make([]admin.Config, 0, len(cfg.Admins))
	for i, a := range cfg.Admins {
		timeout, err := config.ParseDurationField(fmt.Sprintf("admins[%d].timeout", i), a.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, admin.Config{
			Name:         strings.TrimSpace(a.Name),
			Kind:         a.Kind,
			Timeout:      timeout,
			Address:      strings.TrimSpace(a.Address),
			AccessToken:  a.AccessToken,
			Token:        a.Token,
			ChatID:       a.ChatID,
			ThreadID:     a.ThreadID,
			OnlyFailures: a.OnlyFailures,
			APIURL:       a.APIURL,
		})
	}
	return out, nil
}

// mapStorageConfig reports enabled=false for driver "" or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = DefaultStoragePath
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = DefaultStoragePath + ".db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, Path: path, KeyPrefix: sc.KeyPrefix}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	addr := strings.TrimSpace(cfg.Status.Addr)
	if addr == "" {
		addr = config.DefaultStatusAddr
	}
	return status.Config{Addr: addr, Token: strings.TrimSpace(cfg.Status.Token), Pprof: cfg.Status.Pprof}
}

func mapTracingConfig(cfg *config.Config) telemetry.Config {
	name := strings.TrimSpace(cfg.Tracing.ServiceName)
	if name == "" {
		name = "jobsagent"
	}
	return telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: name,
		Output:      cfg.Tracing.Output,
		Pretty:      cfg.Tracing.Pretty,
	}
}

// validate checks that cfg maps onto every component. It runs before a
// reloaded config is committed.
func validate(cfg *config.Config) error {
	if _, err := mapCallbackConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdmins(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

// OpenStore opens the store configured in cfg; it returns storage.ErrDisabled
// when no driver is set.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}
