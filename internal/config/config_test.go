package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		APIOrigin:            DefaultAPIOrigin,
		SocketOrigin:         DefaultSocketOrigin,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectInterval:    DefaultReconnectInterval,
		ReconnectMaxInterval: DefaultReconnectMaxInterval,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		StreamBackoffBase:    DefaultStreamBackoffBase,
		StreamBackoffMax:     DefaultStreamBackoffMax,
		StreamMaxAttempts:    DefaultStreamMaxAttempts,
		PollInterval:         DefaultPollInterval,
		RPCURL:               DefaultRPCURL,
		ChainID:              DefaultChainID,
		ConfirmTimeout:       DefaultConfirmTimeout,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIOrigin, cfg.APIOrigin)
	assert.Equal(t, DefaultSocketOrigin, cfg.SocketOrigin)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 10*time.Second, cfg.ReconnectMaxInterval)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.StreamBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.StreamBackoffMax)
	assert.Equal(t, 10, cfg.StreamMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDCContract, cfg.USDCContract)
	assert.Equal(t, DefaultDevAPIPrice, cfg.DevAPIPrice)
	assert.False(t, cfg.CanPay())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0x"+testKey)
	setEnv(t, "API_ORIGIN", "https://api.example.com/")
	setEnv(t, "PORT", "9090")
	setEnv(t, "MAX_RECONNECT_ATTEMPTS", "0")
	setEnv(t, "POLL_INTERVAL", "1500ms")
	setEnv(t, "HEARTBEAT_INTERVAL", "5000")
	setEnv(t, "STREAM_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.APIOrigin)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0, cfg.MaxReconnectAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.StreamMaxAttempts)
	assert.True(t, cfg.CanPay())
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "tooshort")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid without key", mutate: func(*Config) {}},
		{name: "valid with key", mutate: func(c *Config) { c.PrivateKey = testKey }},
		{name: "missing API origin", mutate: func(c *Config) { c.APIOrigin = "" }, wantErr: "API_ORIGIN is required"},
		{name: "missing socket origin", mutate: func(c *Config) { c.SocketOrigin = "" }, wantErr: "SOCKET_ORIGIN is required"},
		{name: "negative attempts", mutate: func(c *Config) { c.MaxReconnectAttempts = -1 }, wantErr: "MAX_RECONNECT_ATTEMPTS"},
		{name: "negative stream attempts", mutate: func(c *Config) { c.StreamMaxAttempts = -1 }, wantErr: "STREAM_MAX_ATTEMPTS must not be negative"},
		{name: "unlimited stream attempts", mutate: func(c *Config) { c.StreamMaxAttempts = 0 }},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: "POLL_INTERVAL must be positive"},
		{name: "negative backoff", mutate: func(c *Config) { c.StreamBackoffBase = -time.Second }, wantErr: "STREAM_BACKOFF_BASE must be positive"},
		{name: "short key", mutate: func(c *Config) { c.PrivateKey = "abc123" }, wantErr: "64 hex characters"},
		{name: "non-hex key", mutate: func(c *Config) { c.PrivateKey = "zz" + testKey[2:] }, wantErr: "hex encoded"},
		{name: "key without RPC", mutate: func(c *Config) { c.PrivateKey = testKey; c.RPCURL = "" }, wantErr: "RPC_URL is required"},
		{name: "bad max payment", mutate: func(c *Config) { c.MaxPayment = "1.5" }, wantErr: "MAX_PAYMENT"},
		{name: "max payment", mutate: func(c *Config) { c.MaxPayment = "2000000" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "2m")
	setEnv(t, "TEST_MS", "250")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 2*time.Minute, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_MS", 0))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
}
