package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8081, cfg.RPCPort)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "agent:session:", cfg.Namespace)
	assert.Equal(t, 24*time.Hour, cfg.DefaultTTL)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 100, cfg.SweepBatchSize)
	assert.Equal(t, 2*time.Second, cfg.OpTimeout)
	assert.Equal(t, 5, cfg.MaxCASRetries)
	assert.Equal(t, 3, cfg.MaxStorageAttempts)
	assert.Equal(t, "read", cfg.ShareDefaultLevel)
	assert.Equal(t, int64(5000), cfg.QuotaMessagesPerDay)
	assert.Zero(t, cfg.ExpiryGrace)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SESSIOND_HTTP_PORT", "9090")
	t.Setenv("SESSIOND_BACKEND", "redis")
	t.Setenv("SESSIOND_DEFAULT_TTL", "30m")
	t.Setenv("SESSIOND_RATE_WRITE", "0")
	t.Setenv("SESSIOND_EXPIRY_GRACE", "6h")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, 30*time.Minute, cfg.DefaultTTL)
	assert.Equal(t, 0, cfg.RateWrite)
	assert.Equal(t, 6*time.Hour, cfg.ExpiryGrace)

	t.Setenv("SESSIOND_EXPIRY_GRACE", "-1s")
	_, err = Load(viper.New(), "")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	data := []byte("backend: bolt\nbackend_url: /tmp/s.bolt\ncodec: cbor\nsweep_interval: 5m\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	// env wins over the file
	t.Setenv("SESSIOND_CODEC", "json")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", cfg.Backend)
	assert.Equal(t, "/tmp/s.bolt", cfg.BackendURL)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SESSIOND_BACKEND", "postgres")
	_, err := Load(viper.New(), "")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateNamespace(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	cfg.Namespace = "agent"
	assert.Error(t, cfg.Validate())
}
