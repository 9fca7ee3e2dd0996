// Package core provides the bot runtime and configuration management for miraibot.
//
// The core package connects to a mirai-api-http gateway and drives the
// event pipeline. It handles:
//
//   - Configuration loading and validation (from YAML files and MIRAIBOT_* variables)
//   - The session handshake against the gateway
//   - The receive loop for the http (poll) and ws (stream) adapters
//   - Dispatching events through the filter chain onto the worker pool
//   - Correlating ws command replies with their callers
//   - The Prometheus metrics endpoint
//
// # Example Configuration
//
//	bot:
//	  qq: 123456789
//	  verify_key: "${MIRAI_VERIFY_KEY}"
//	gateway:
//	  adapter: ws
//	  host: localhost
//	  port: 8080
//	runtime:
//	  tick: 500ms
//	filters:
//	  group_switch_file: data/group_switch.json
//	  blacklist_file: data/blacklist.json
//	  admins: [10001]
package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAdapter        = "http"
	DefaultGatewayHost    = "localhost"
	DefaultGatewayPort    = 8080
	DefaultRequestTimeout = "10s"

	DefaultTick       = "500ms"
	DefaultFetchCount = 10

	DefaultPoolCoreSize    = 0
	DefaultPoolMaxSize     = 16
	DefaultPoolIdleTimeout = "60s"

	DefaultLogLevel        = "info"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAge       = 30 // days
	DefaultLogCompress     = true
	DefaultLogEnableStdout = true
)

// LoadConfig loads configuration from file, expands ${VAR} references and
// applies MIRAIBOT_* environment overrides
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig applies defaults and rejects invalid values
func validateConfig(config *Config) error {
	if config.Bot.QQ <= 0 {
		return fmt.Errorf("bot.qq must be set")
	}
	if config.Bot.VerifyKey == "" && config.Bot.SessionKey == "" {
		return fmt.Errorf("bot.verify_key is required unless bot.session_key is set")
	}

	if config.Gateway.Adapter == "" {
		config.Gateway.Adapter = DefaultAdapter
	}
	config.Gateway.Adapter = strings.ToLower(config.Gateway.Adapter)
	if config.Gateway.Adapter != "http" && config.Gateway.Adapter != "ws" {
		return fmt.Errorf("gateway.adapter must be http or ws (got %q)", config.Gateway.Adapter)
	}
	if config.Gateway.Host == "" {
		config.Gateway.Host = DefaultGatewayHost
	}
	if config.Gateway.Port == 0 {
		config.Gateway.Port = DefaultGatewayPort
	}
	if config.Gateway.Port < 0 || config.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", config.Gateway.Port)
	}
	if config.Gateway.RequestTimeout == "" {
		config.Gateway.RequestTimeout = DefaultRequestTimeout
	}
	if _, err := positiveDuration("gateway.request_timeout", config.Gateway.RequestTimeout); err != nil {
		return err
	}

	if config.Runtime.Tick == "" {
		config.Runtime.Tick = DefaultTick
	}
	tick, err := positiveDuration("runtime.tick", config.Runtime.Tick)
	if err != nil {
		return err
	}
	if tick < 10*time.Millisecond {
		return fmt.Errorf("runtime.tick must be at least 10ms (got %v)", tick)
	}
	if config.Runtime.FetchCount == 0 {
		config.Runtime.FetchCount = DefaultFetchCount
	}
	if config.Runtime.FetchCount < 1 || config.Runtime.FetchCount > 1000 {
		return fmt.Errorf("runtime.fetch_count must be between 1 and 1000 (got %d)", config.Runtime.FetchCount)
	}
	if config.Runtime.CommandTimeout != "" {
		d, err := time.ParseDuration(config.Runtime.CommandTimeout)
		if err != nil {
			return fmt.Errorf("invalid runtime.command_timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("runtime.command_timeout cannot be negative")
		}
	}

	if config.Pool.MaxSize == 0 {
		config.Pool.MaxSize = DefaultPoolMaxSize
	}
	if config.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.max_size must be positive (got %d)", config.Pool.MaxSize)
	}
	if config.Pool.CoreSize < 0 || config.Pool.CoreSize > config.Pool.MaxSize {
		return fmt.Errorf("pool.core_size must be between 0 and max_size (got %d)", config.Pool.CoreSize)
	}
	if config.Pool.IdleTimeout == "" {
		config.Pool.IdleTimeout = DefaultPoolIdleTimeout
	}
	if _, err := positiveDuration("pool.idle_timeout", config.Pool.IdleTimeout); err != nil {
		return err
	}

	if config.Scheduler.StaleWindow == "" {
		config.Scheduler.StaleWindow = config.Runtime.Tick
	}
	if _, err := positiveDuration("scheduler.stale_window", config.Scheduler.StaleWindow); err != nil {
		return err
	}

	if config.MetricsServer.Port < 0 || config.MetricsServer.Port > 65535 {
		return fmt.Errorf("metrics_server.port out of range: %d", config.MetricsServer.Port)
	}

	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}
	// Absent keys take the default; an explicit false is kept
	if config.Logging.Compress == nil {
		config.Logging.Compress = boolPtr(DefaultLogCompress)
	}
	if config.Logging.EnableStdout == nil {
		config.Logging.EnableStdout = boolPtr(DefaultLogEnableStdout)
	}

	return nil
}

func positiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive (got %v)", field, d)
	}
	return d, nil
}

// mustDuration parses a duration already checked by validateConfig
func boolPtr(b bool) *bool {
	return &b
}

func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// TickInterval returns the receive loop tick
func (c *Config) TickInterval() time.Duration {
	return mustDuration(c.Runtime.Tick)
}

// CommandTimeout returns the deadline for correlated commands; 0 means none
func (c *Config) CommandTimeout() time.Duration {
	return mustDuration(c.Runtime.CommandTimeout)
}

// RequestTimeout returns the per-request HTTP timeout
func (c *Config) RequestTimeout() time.Duration {
	return mustDuration(c.Gateway.RequestTimeout)
}

// PoolIdleTimeout returns how long an idle unit survives above core size
func (c *Config) PoolIdleTimeout() time.Duration {
	return mustDuration(c.Pool.IdleTimeout)
}

// StaleWindow returns how late a due job may still run
func (c *Config) StaleWindow() time.Duration {
	return mustDuration(c.Scheduler.StaleWindow)
}

// LogCompress reports whether rotated log files are compressed
func (c *Config) LogCompress() bool {
	if c.Logging.Compress == nil {
		return DefaultLogCompress
	}
	return *c.Logging.Compress
}

// LogToStdout reports whether log output is mirrored to stdout
func (c *Config) LogToStdout() bool {
	if c.Logging.EnableStdout == nil {
		return DefaultLogEnableStdout
	}
	return *c.Logging.EnableStdout
}

// BaseURL returns the gateway URL for the configured adapter
func (c *Config) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Gateway.Adapter, c.Gateway.Host, c.Gateway.Port)
}

// IsAdmin checks if qq may use filter controls
func (c *Config) IsAdmin(qq int64) bool {
	for _, id := range c.Filters.Admins {
		if id == qq {
			return true
		}
	}
	return false
}
