// Package config defines the server's configuration surface and loads it
// from flags/environment, following the teacher's envOrDefault + cobra
// flag-binding pattern.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/nodeflow-dev/nodeflow-server/internal/queue"
)

// Config holds every tunable the execution control plane needs at startup.
type Config struct {
	HTTPAddr string
	Host     string

	ExecutionTimeout       time.Duration
	ConnectTimeout         time.Duration
	QueueMode              queue.Mode
	QueuePositionInterval  time.Duration
	DisconnectPollInterval time.Duration

	DBDriver string
	DBDSN    string

	SecretKey string
	LogLevel  string
}

// Default returns a Config populated with the teacher's style of
// conservative, production-safe defaults.
func Default() *Config {
	host := envOrDefault("HOST", "0.0.0.0")
	return &Config{
		HTTPAddr:               net.JoinHostPort(host, envOrDefault("PORT", "8080")),
		Host:                   host,
		ExecutionTimeout:       envDurationOrDefault("EXECUTION_TIMEOUT", 5*time.Minute),
		ConnectTimeout:         envDurationOrDefault("CONNECT_TIMEOUT", 30*time.Second),
		QueueMode:              envQueueModeOrDefault("QUEUE_MODE", queue.ModeFIFO),
		QueuePositionInterval:  envDurationOrDefault("QUEUE_POSITION_INTERVAL", time.Second),
		DisconnectPollInterval: envDurationOrDefault("DISCONNECT_POLL_INTERVAL", 500*time.Millisecond),
		DBDriver:               envOrDefault("DB_DRIVER", "sqlite"),
		DBDSN:                  envOrDefault("DB_DSN", "./nodeflow.db"),
		SecretKey:              envOrDefault("SECRET_KEY", ""),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
	}
}

// Validate checks invariants Default cannot enforce (required values).
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("config: secret key is required — set --secret-key or SECRET_KEY")
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envQueueModeOrDefault(key string, defaultVal queue.Mode) queue.Mode {
	switch os.Getenv(key) {
	case "single_flight":
		return queue.ModeSingleFlight
	case "fifo":
		return queue.ModeFIFO
	default:
		return defaultVal
	}
}
