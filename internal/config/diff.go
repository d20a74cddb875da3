package config

import (
	"reflect"
	"strings"

	"jobsagent/pkg/logx"
)

// hotSections apply without restarting the agent.
var hotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (access tokens, bot tokens, redis
// URLs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Callback, newCfg.Callback) {
		changed = append(changed, "callback")
		cb := newCfg.Callback
		attrs = append(attrs,
			logx.String("callback.beat_interval", strings.TrimSpace(cb.BeatInterval)),
			logx.String("callback.retry_schedule", strings.TrimSpace(cb.RetrySchedule)),
			logx.Int("callback.queue_capacity", cb.QueueCapacity),
			logx.Bool("callback.retry_enabled", cb.Retry.IsEnabled()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admins, newCfg.Admins) {
		changed = append(changed, "admins")
		names := make([]string, 0, len(newCfg.Admins))
		for _, a := range newCfg.Admins {
			n := a.Name
			if n == "" {
				n = a.Address
			}
			names = append(names, n)
		}
		attrs = append(attrs,
			logx.Int("admins.count", len(newCfg.Admins)),
			logx.String("admins.names", strings.Join(names, ",")),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.Bool("tracing.enabled", newCfg.Tracing.Enabled))
	}

	return changed, attrs
}

// RestartRequired filters changed down to sections that only take effect on
// the next start.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
