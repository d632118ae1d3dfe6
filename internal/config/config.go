// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Endpoints
	APIOrigin    string
	SocketOrigin string
	AuthToken    string

	// Event channel
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	HeartbeatInterval    time.Duration

	// Progress streams and polling
	StreamBackoffBase time.Duration
	StreamBackoffMax  time.Duration
	StreamMaxAttempts int // Zero retries forever
	PollInterval      time.Duration

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	USDCContract   string
	PrivateKey     string // Hex-encoded, optional; required only for paying
	ConfirmTimeout time.Duration
	MaxPayment     string // Base units; empty means no cap

	// Observability
	LogLevel     string
	LogFormat    string
	MetricsAddr  string
	OTLPEndpoint string

	// Development API
	Port        string
	DevAPIPrice string
	DevAPIPayTo string
}

// Base Sepolia and local development defaults
const (
	DefaultAPIOrigin            = "http://localhost:8080"
	DefaultSocketOrigin         = "ws://localhost:8080/ws"
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectInterval    = time.Second
	DefaultReconnectMaxInterval = 10 * time.Second
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultStreamBackoffBase    = time.Second
	DefaultStreamBackoffMax     = 30 * time.Second
	DefaultStreamMaxAttempts    = 10
	DefaultPollInterval         = 30 * time.Second
	DefaultRPCURL               = "https://sepolia.base.org"
	DefaultChainID              = 84532                                        // Base Sepolia
	DefaultUSDCContract         = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultConfirmTimeout       = 60 * time.Second
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultPort                 = "8080"
	DefaultDevAPIPrice          = "1000000"
	DefaultDevAPIPayTo          = "0x0000000000000000000000000000000000000000"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		APIOrigin:            strings.TrimRight(getEnv("API_ORIGIN", DefaultAPIOrigin), "/"),
		SocketOrigin:         getEnv("SOCKET_ORIGIN", DefaultSocketOrigin),
		AuthToken:            os.Getenv("AUTH_TOKEN"),
		MaxReconnectAttempts: int(getEnvInt64("MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts)),
		ReconnectInterval:    getEnvDuration("RECONNECT_INTERVAL", DefaultReconnectInterval),
		ReconnectMaxInterval: getEnvDuration("RECONNECT_MAX_INTERVAL", DefaultReconnectMaxInterval),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		StreamBackoffBase:    getEnvDuration("STREAM_BACKOFF_BASE", DefaultStreamBackoffBase),
		StreamBackoffMax:     getEnvDuration("STREAM_BACKOFF_MAX", DefaultStreamBackoffMax),
		StreamMaxAttempts:    int(getEnvInt64("STREAM_MAX_ATTEMPTS", DefaultStreamMaxAttempts)),
		PollInterval:         getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		USDCContract:         getEnv("USDC_CONTRACT", DefaultUSDCContract),
		PrivateKey:           os.Getenv("PRIVATE_KEY"),
		ConfirmTimeout:       getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		MaxPayment:           os.Getenv("MAX_PAYMENT"),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Port:                 getEnv("PORT", DefaultPort),
		DevAPIPrice:          getEnv("DEVAPI_PRICE", DefaultDevAPIPrice),
		DevAPIPayTo:          getEnv("DEVAPI_PAY_TO", DefaultDevAPIPayTo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.APIOrigin == "" {
		return fmt.Errorf("API_ORIGIN is required")
	}
	if c.SocketOrigin == "" {
		return fmt.Errorf("SOCKET_ORIGIN is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.StreamMaxAttempts < 0 {
		return fmt.Errorf("STREAM_MAX_ATTEMPTS must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"RECONNECT_INTERVAL":     c.ReconnectInterval,
		"RECONNECT_MAX_INTERVAL": c.ReconnectMaxInterval,
		"HEARTBEAT_INTERVAL":     c.HeartbeatInterval,
		"STREAM_BACKOFF_BASE":    c.StreamBackoffBase,
		"STREAM_BACKOFF_MAX":     c.StreamBackoffMax,
		"POLL_INTERVAL":          c.PollInterval,
		"CONFIRM_TIMEOUT":        c.ConfirmTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.PrivateKey != "" {
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if _, err := hex.DecodeString(key); err != nil {
			return fmt.Errorf("PRIVATE_KEY must be hex encoded")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
	}

	if c.MaxPayment != "" {
		if _, err := strconv.ParseUint(c.MaxPayment, 10, 64); err != nil {
			return fmt.Errorf("MAX_PAYMENT must be an integer amount in base units")
		}
	}

	return nil
}

// CanPay reports whether a signing key is configured
func (c *Config) CanPay() bool {
	return c.PrivateKey != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
