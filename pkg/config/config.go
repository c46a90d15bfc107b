// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the arena server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Jobs      JobsConfig
	WebSocket WebSocketConfig
	Providers ProvidersConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Path string
}

type JobsConfig struct {
	MaxPerUser       int
	DefaultTimeout   time.Duration
	WatchdogInterval time.Duration
}

type WebSocketConfig struct {
	MaxPerUser  int
	IdleTimeout time.Duration
}

type ProvidersConfig struct {
	RequestTimeout  time.Duration
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// Load reads configuration from environment variables and returns a
// validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("ARENA_PORT", 8080),
			Env:             envString("ARENA_ENV", "development"),
			ShutdownTimeout: envDuration("ARENA_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Path: envString("ARENA_DB_PATH", "arena.db"),
		},
		Jobs: JobsConfig{
			MaxPerUser:       envInt("ARENA_MAX_JOBS_PER_USER", 1),
			DefaultTimeout:   envDuration("ARENA_JOB_TIMEOUT", 2*time.Hour),
			WatchdogInterval: envDuration("ARENA_WATCHDOG_INTERVAL", time.Minute),
		},
		WebSocket: WebSocketConfig{
			MaxPerUser:  envInt("ARENA_WS_MAX_PER_USER", 5),
			IdleTimeout: envDuration("ARENA_WS_IDLE_TIMEOUT", 90*time.Second),
		},
		Providers: ProvidersConfig{
			RequestTimeout:  envDuration("ARENA_PROVIDER_TIMEOUT", 2*time.Minute),
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("ARENA_PORT must be a valid port, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("ARENA_DB_PATH is required")
	}
	if c.Jobs.MaxPerUser < 1 {
		return fmt.Errorf("ARENA_MAX_JOBS_PER_USER must be at least 1, got %d", c.Jobs.MaxPerUser)
	}
	if c.Jobs.WatchdogInterval < time.Second {
		return fmt.Errorf("ARENA_WATCHDOG_INTERVAL must be at least 1s, got %s", c.Jobs.WatchdogInterval)
	}
	if c.WebSocket.MaxPerUser < 1 {
		return fmt.Errorf("ARENA_WS_MAX_PER_USER must be at least 1, got %d", c.WebSocket.MaxPerUser)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
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
