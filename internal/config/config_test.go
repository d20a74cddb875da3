package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newTestManager(path string) *ConfigManager {
	m := NewConfigManager(path)
	m.SetEnviron(map[string]string{})
	return m
}

const jsonCfg = `{
  "logging": {"level": "debug", "console": true},
  "callback": {"beat_interval": "15s", "queue_capacity": 100, "overflow": "drop_oldest", "retry": {"max_attempts": 5}},
  "admins": [
    {"name": "primary", "address": "http://coordinator:8080", "access_token": "s3cret"},
    {"kind": "telegram", "token": "1:x", "chat_id": -100123, "only_failures": true}
  ],
  "storage": {"driver": "sqlite", "path": "/var/lib/jobsagent/agent.db"},
  "status": {"enabled": true, "addr": "127.0.0.1:9999"}
}`

const yamlCfg = `
logging:
  level: debug
  console: true
callback:
  beat_interval: 15s
  queue_capacity: 100
  overflow: drop_oldest
  retry:
    max_attempts: 5
admins:
  - name: primary
    address: http://coordinator:8080
    access_token: s3cret
  - kind: telegram
    token: "1:x"
    chat_id: -100123
    only_failures: true
storage:
  driver: sqlite
  path: /var/lib/jobsagent/agent.db
status:
  enabled: true
  addr: 127.0.0.1:9999
`

const tomlCfg = `
[logging]
level = "debug"
console = true

[callback]
beat_interval = "15s"
queue_capacity = 100
overflow = "drop_oldest"

[callback.retry]
max_attempts = 5

[[admins]]
name = "primary"
address = "http://coordinator:8080"
access_token = "s3cret"

[[admins]]
kind = "telegram"
token = "1:x"
chat_id = -100123
only_failures = true

[storage]
driver = "sqlite"
path = "/var/lib/jobsagent/agent.db"

[status]
enabled = true
addr = "127.0.0.1:9999"
`

func TestParse_AllFormatsAgree(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"agent.json": jsonCfg,
		"agent.yaml": yamlCfg,
		"agent.toml": tomlCfg,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := newTestManager(writeFile(t, dir, name, body)).Parse()
			require.NoError(t, err)

			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "15s", cfg.Callback.BeatInterval)
			assert.Equal(t, 100, cfg.Callback.QueueCapacity)
			assert.Equal(t, 5, cfg.Callback.Retry.MaxAttempts)
			assert.True(t, cfg.Callback.Retry.IsEnabled())
			require.Len(t, cfg.Admins, 2)
			assert.Equal(t, "s3cret", cfg.Admins[0].AccessToken)
			assert.Equal(t, int64(-100123), cfg.Admins[1].ChatID)
			assert.True(t, cfg.Admins[1].OnlyFailures)
			assert.Equal(t, "sqlite", cfg.Storage.Driver)
			assert.True(t, cfg.Status.Enabled)
		})
	}
}

func TestParse_Strict(t *testing.T) {
	dir := t.TempDir()

	_, err := newTestManager(writeFile(t, dir, "unknown.json", `{"callbak": {}}`)).Parse()
	assert.ErrorContains(t, err, "unknown field")

	_, err = newTestManager(writeFile(t, dir, "trailing.json", `{} {}`)).Parse()
	assert.ErrorContains(t, err, "trailing")

	_, err = newTestManager(writeFile(t, dir, "bad.yaml", "logging: [")).Parse()
	assert.ErrorContains(t, err, "yaml")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Callback: CallbackConfig{BeatInterval: "soon", RetrySchedule: "sometimes", Overflow: "block"},
		Admins: []AdminConfig{
			{Name: "a"},
			{Name: "a", Address: "http://x"},
			{Kind: "telegram"},
			{Kind: "smtp"},
		},
		Storage: StorageConfig{Driver: "redis"},
		Status:  StatusConfig{Enabled: true, Addr: "9999"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"callback.beat_interval",
		"callback.retry_schedule",
		"callback.overflow",
		"admins[0].address",
		`admins[1].name: "a" already used`,
		"admins[2].token",
		"admins[2].chat_id",
		"admins[3].kind",
		"storage.path",
		"status.addr",
	} {
		assert.ErrorContains(t, err, want)
	}

	assert.NoError(t, Validate(&Config{}))
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{
		Admins: []AdminConfig{
			{Name: "old", Address: "http://old"},
			{Kind: "telegram", Token: "1:x", ChatID: 1},
		},
	}
	err := ApplyEnv(cfg, map[string]string{
		"JOBSAGENT_LOG_LEVEL":       "warn",
		"JOBSAGENT_ADMIN_ADDRESSES": "http://a:8080, http://b:8080",
		"JOBSAGENT_ACCESS_TOKEN":    "tok",
		"JOBSAGENT_STORAGE_DRIVER":  "file",
		"JOBSAGENT_STATUS_ENABLED":  "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.True(t, cfg.Status.Enabled)
	require.Len(t, cfg.Admins, 3)
	assert.Equal(t, "telegram", cfg.Admins[0].Kind)
	assert.Empty(t, cfg.Admins[0].AccessToken)
	assert.Equal(t, "http://a:8080", cfg.Admins[1].Address)
	assert.Equal(t, "tok", cfg.Admins[2].AccessToken)

	// Unset variables change nothing.
	before := *cfg
	require.NoError(t, ApplyEnv(cfg, map[string]string{}))
	assert.Equal(t, before, *cfg)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Admins: []AdminConfig{{Address: "http://a", AccessToken: "one"}}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Admins: []AdminConfig{{Address: "http://a", AccessToken: "two"}}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "admins"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"admins"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestWatch_PublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agent.json", `{"logging": {"level": "info"}}`)

	m := newTestManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is ignored and the committed config stays.
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": 1}}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, "info", m.Get().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600))
	select {
	case cfg := <-updates:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
