package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsagent/internal/callback"
	"jobsagent/internal/config"
	"jobsagent/internal/storage"
	"jobsagent/pkg/logx"
)

func TestMapCallbackConfig(t *testing.T) {
	off := false
	cfg := &config.Config{Callback: config.CallbackConfig{
		CallTimeout:   "3s",
		QueueCapacity: 64,
		Overflow:      "drop_oldest",
		RetrySchedule: " @every 1m ",
		Retry:         config.RetryConfig{Enabled: &off, MaxEntries: 10},
	}}
	got, err := mapCallbackConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, callback.DefaultBeatInterval, got.BeatInterval)
	assert.Equal(t, 3*time.Second, got.CallTimeout)
	assert.Equal(t, callback.OverflowDropOldest, got.Overflow)
	assert.Equal(t, "@every 1m", got.RetrySchedule)
	assert.False(t, got.Retry.Enabled)
	assert.Equal(t, 10, got.Retry.MaxEntries)

	cfg.Callback.Retry.Enabled = nil
	got, err = mapCallbackConfig(cfg)
	require.NoError(t, err)
	assert.True(t, got.Retry.Enabled)

	cfg.Callback.FlushTimeout = "-1s"
	_, err = mapCallbackConfig(cfg)
	assert.ErrorContains(t, err, "callback.flush_timeout")
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      config.StorageConfig
		want    storage.Config
		enabled bool
		wantErr bool
	}{
		{name: "disabled", in: config.StorageConfig{}},
		{name: "none", in: config.StorageConfig{Driver: "none"}},
		{name: "file default path", in: config.StorageConfig{Driver: "file"}, want: storage.Config{Driver: "file", Path: DefaultStoragePath}, enabled: true},
		{name: "sqlite3 alias", in: config.StorageConfig{Driver: "SQLite3", Path: "/tmp/x.db", BusyTimeout: "2s"}, want: storage.Config{Driver: "sqlite", Path: "/tmp/x.db", BusyTimeout: 2 * time.Second}, enabled: true},
		{name: "redis", in: config.StorageConfig{Driver: "redis", Path: "redis://localhost:6379/0", KeyPrefix: "a:"}, want: storage.Config{Driver: "redis", Path: "redis://localhost:6379/0", KeyPrefix: "a:"}, enabled: true},
		{name: "redis without url", in: config.StorageConfig{Driver: "redis"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMapAdmins(t *testing.T) {
	cfg := &config.Config{Admins: []config.AdminConfig{
		{Name: " a ", Address: " 10.0.0.1:8080 ", Timeout: "2s"},
		{Kind: "telegram", Token: "t", ChatID: 42, OnlyFailures: true},
	}}
	got, err := mapAdmins(cfg)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "10.0.0.1:8080", got[0].Address)
	assert.Equal(t, 2*time.Second, got[0].Timeout)
	assert.Equal(t, int64(42), got[1].ChatID)
	assert.True(t, got[1].OnlyFailures)

	cfg.Admins[0].Timeout = "x"
	_, err = mapAdmins(cfg)
	assert.ErrorContains(t, err, "admins[0].timeout")
}

func TestMapStatusAndTracing(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, config.DefaultStatusAddr, mapStatusConfig(cfg).Addr)
	assert.Equal(t, "jobsagent", mapTracingConfig(cfg).ServiceName)
}

func TestOpenStoreDisabled(t *testing.T) {
	_, err := OpenStore(&config.Config{}, logx.Nop())
	assert.ErrorIs(t, err, storage.ErrDisabled)
}
