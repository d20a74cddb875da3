package config

// Config is the agent configuration file. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Callback CallbackConfig `json:"callback"`
	Admins   []AdminConfig  `json:"admins"`
	Storage  StorageConfig  `json:"storage"`
	Status   StatusConfig   `json:"status"`
	Tracing  TracingConfig  `json:"tracing"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// CallbackConfig controls the callback dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - beat_interval: "30s"
//   - queue_capacity: 0 (unbounded)
//   - overflow: "reject" (only used when queue_capacity > 0)
//   - call_timeout: "10s"
//   - flush_timeout: "10s"
type CallbackConfig struct {
	BeatInterval string `json:"beat_interval,omitempty"`
	// RetrySchedule is a cron expression ("*/1 * * * *", "@every 45s") that
	// replaces beat_interval for retry wake-ups.
	RetrySchedule string `json:"retry_schedule,omitempty"`

	QueueCapacity int    `json:"queue_capacity,omitempty"`
	Overflow      string `json:"overflow,omitempty"`

	CallTimeout  string `json:"call_timeout,omitempty"`
	FlushTimeout string `json:"flush_timeout,omitempty"`

	Retry RetryConfig `json:"retry"`
}

// RetryConfig controls the failed-delivery log.
//
// Enabled is a pointer so an omitted block keeps retries on.
//
// Defaults:
//   - enabled: true
//   - max_entries: 1000
//   - max_attempts: 0 (retry until evicted)
//   - rate_per_sec: 5
type RetryConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	MaxEntries  int   `json:"max_entries,omitempty"`
	MaxAttempts int   `json:"max_attempts,omitempty"`
	RatePerSec  int   `json:"rate_per_sec,omitempty"`
}

func (r RetryConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// AdminConfig is one coordinator (kind "http", the default) or operator chat
// (kind "telegram").
type AdminConfig struct {
	Name    string `json:"name,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	Address     string `json:"address,omitempty"`
	AccessToken string `json:"access_token,omitempty"`

	Token        string `json:"token,omitempty"`
	ChatID       int64  `json:"chat_id,omitempty"`
	ThreadID     int    `json:"thread_id,omitempty"`
	OnlyFailures bool   `json:"only_failures,omitempty"`
	APIURL       string `json:"api_url,omitempty"`
}

// StorageConfig persists the retry log. Driver "" or "none" disables it.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

// StatusConfig controls the local status server. A non-loopback addr needs
// a token; /healthz is always unauthenticated.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// TracingConfig exports delivery spans with the stdout exporter.
// Output is "stdout" (default) or a file path.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"service_name,omitempty"`
	Output      string `json:"output,omitempty"`
	Pretty      bool   `json:"pretty,omitempty"`
}

const DefaultStatusAddr = "127.0.0.1:9999"
