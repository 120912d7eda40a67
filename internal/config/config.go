// Package config provides configuration for sessiond.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SESSIOND_HTTP_PORT.
const EnvPrefix = "SESSIOND"

// Config holds the sessiond configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`
	RPCPort  int `mapstructure:"rpc_port"`

	// Storage
	Backend            string        `mapstructure:"backend"`
	BackendURL         string        `mapstructure:"backend_url"`
	Namespace          string        `mapstructure:"namespace"`
	PoolSize           int           `mapstructure:"pool_size"`
	Codec              string        `mapstructure:"codec"`
	OpTimeout          time.Duration `mapstructure:"op_timeout"`
	MaxCASRetries      int           `mapstructure:"max_cas_retries"`
	MaxStorageAttempts int           `mapstructure:"max_storage_attempts"`

	// Lifecycle
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
	// ExpiryGrace lets the backend drop a record this long after its TTL
	// even if no sweep ran. 0 disables.
	ExpiryGrace time.Duration `mapstructure:"expiry_grace"`

	// Access control
	ShareDefaultLevel string `mapstructure:"share_default_level"`
	PolicyFile        string `mapstructure:"policy_file"`

	// Rate limits, requests per minute; 0 disables a class.
	RateRead  int `mapstructure:"rate_read"`
	RateWrite int `mapstructure:"rate_write"`
	RateAdmin int `mapstructure:"rate_admin"`

	// Quotas per principal per day; 0 disables.
	QuotaSessionsPerDay int64 `mapstructure:"quota_sessions_per_day"`
	QuotaMessagesPerDay int64 `mapstructure:"quota_messages_per_day"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"http_port":              8080,
	"rpc_port":               8081,
	"backend":                "sqlite",
	"backend_url":            "",
	"namespace":              "agent:session:",
	"pool_size":              10,
	"codec":                  "json",
	"op_timeout":             2 * time.Second,
	"max_cas_retries":        5,
	"max_storage_attempts":   3,
	"default_ttl":            24 * time.Hour,
	"sweep_interval":         time.Hour,
	"sweep_batch_size":       100,
	"expiry_grace":           time.Duration(0),
	"share_default_level":    "read",
	"policy_file":            "",
	"rate_read":              120,
	"rate_write":             60,
	"rate_admin":             20,
	"quota_sessions_per_day": 100,
	"quota_messages_per_day": 5000,
	"log_level":              "info",
	"log_format":             "console",
}

// Load loads configuration from defaults, an optional config file and
// SESSIOND_* environment variables, in increasing priority. An empty path
// skips the file. v may be nil.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory", "sqlite", "bolt", "redis":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.HTTPPort <= 0 || c.RPCPort < 0 {
		return errors.New("http_port must be positive and rpc_port non-negative")
	}
	if c.DefaultTTL <= 0 || c.SweepInterval <= 0 {
		return errors.New("default_ttl and sweep_interval must be positive")
	}
	if c.ExpiryGrace < 0 {
		return errors.New("expiry_grace must not be negative")
	}
	if c.MaxCASRetries <= 0 || c.MaxStorageAttempts <= 0 {
		return errors.New("max_cas_retries and max_storage_attempts must be positive")
	}
	if !strings.HasSuffix(c.Namespace, ":") {
		return fmt.Errorf("namespace %q must end with ':'", c.Namespace)
	}
	return nil
}
