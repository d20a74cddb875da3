package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "JOBSAGENT_"

// envOverlay lists the settings deployments commonly inject per host. Unset
// variables leave the file value untouched.
type envOverlay struct {
	LogLevel       *string  `env:"LOG_LEVEL"`
	AdminAddresses []string `env:"ADMIN_ADDRESSES" envSeparator:","`
	AccessToken    *string  `env:"ACCESS_TOKEN"`
	BeatInterval   *string  `env:"BEAT_INTERVAL"`
	StorageDriver  *string  `env:"STORAGE_DRIVER"`
	StoragePath    *string  `env:"STORAGE_PATH"`
	StatusEnabled  *bool    `env:"STATUS_ENABLED"`
	StatusAddr     *string  `env:"STATUS_ADDR"`
}

// ApplyEnv overlays JOBSAGENT_* variables onto cfg. A nil environ reads the
// process environment.
//
// JOBSAGENT_ADMIN_ADDRESSES replaces the http admins with one entry per
// address; JOBSAGENT_ACCESS_TOKEN then applies to every http admin.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return err
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if len(o.AdminAddresses) > 0 {
		kept := cfg.Admins[:0:0]
		for _, a := range cfg.Admins {
			if k := strings.ToLower(strings.TrimSpace(a.Kind)); k != "" && k != "http" {
				kept = append(kept, a)
			}
		}
		for _, addr := range o.AdminAddresses {
			if addr = strings.TrimSpace(addr); addr != "" {
				kept = append(kept, AdminConfig{Kind: "http", Address: addr})
			}
		}
		cfg.Admins = kept
	}
	if o.AccessToken != nil {
		for i := range cfg.Admins {
			if k := strings.ToLower(strings.TrimSpace(cfg.Admins[i].Kind)); k == "" || k == "http" {
				cfg.Admins[i].AccessToken = *o.AccessToken
			}
		}
	}
	if o.BeatInterval != nil {
		cfg.Callback.BeatInterval = *o.BeatInterval
	}
	if o.StorageDriver != nil {
		cfg.Storage.Driver = *o.StorageDriver
	}
	if o.StoragePath != nil {
		cfg.Storage.Path = *o.StoragePath
	}
	if o.StatusEnabled != nil {
		cfg.Status.Enabled = *o.StatusEnabled
	}
	if o.StatusAddr != nil {
		cfg.Status.Addr = *o.StatusAddr
	}
	return nil
}
