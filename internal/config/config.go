package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port        int    `env:"AGGR_PORT" envDefault:"3000"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Ingestion
	Collect bool     `env:"AGGR_COLLECT" envDefault:"true"`
	Pairs   []string `env:"AGGR_PAIRS" envSeparator:"," envDefault:"BINANCE:btcusdt,BINANCE:ethusdt"`

	// Persistence
	// First storage name is the primary used by the historical API.
	Storage        []string      `env:"AGGR_STORAGE" envSeparator:"," envDefault:"memory"`
	BackupInterval time.Duration `env:"AGGR_BACKUP_INTERVAL" envDefault:"10s"`

	// Broadcast
	Broadcast         bool          `env:"AGGR_BROADCAST" envDefault:"true"`
	BroadcastAggr     bool          `env:"AGGR_BROADCAST_AGGR" envDefault:"true"`
	BroadcastDebounce time.Duration `env:"AGGR_BROADCAST_DEBOUNCE" envDefault:"0"`
	MaxConnections    int           `env:"AGGR_MAX_CONNECTIONS" envDefault:"500"`

	// Historical API
	API                 bool          `env:"AGGR_API" envDefault:"true"`
	MaxFetchLength      int64         `env:"AGGR_MAX_FETCH_LENGTH" envDefault:"100000"`
	EnableRateLimit     bool          `env:"AGGR_ENABLE_RATE_LIMIT" envDefault:"false"`
	RateLimitTimeWindow time.Duration `env:"AGGR_RATE_LIMIT_TIME_WINDOW" envDefault:"1m"`
	RateLimitMax        int           `env:"AGGR_RATE_LIMIT_MAX" envDefault:"30"`
	Origin              string        `env:"AGGR_ORIGIN" envDefault:".*"`

	// Feed liveness
	MonitorInterval       time.Duration `env:"AGGR_MONITOR_INTERVAL" envDefault:"10s"`
	ReconnectionThreshold time.Duration `env:"AGGR_RECONNECTION_THRESHOLD" envDefault:"30s"`

	// Banned IPs
	BannedFile        string        `env:"AGGR_BANNED_FILE" envDefault:"banned.txt"`
	BanReloadInterval time.Duration `env:"AGGR_BAN_RELOAD_INTERVAL" envDefault:"10s"`

	// System monitor
	SystemMonitorInterval time.Duration `env:"AGGR_SYSTEM_MONITOR_INTERVAL" envDefault:"15s"`

	// Storage drivers
	PostgresDSN    string        `env:"AGGR_POSTGRES_DSN" envDefault:"postgres://localhost:5432/aggr?sslmode=disable"`
	RedisAddr      string        `env:"AGGR_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string        `env:"AGGR_REDIS_PASSWORD" envDefault:""`
	RedisDB        int           `env:"AGGR_REDIS_DB" envDefault:"0"`
	RedisKey       string        `env:"AGGR_REDIS_KEY" envDefault:"aggr:trades"`
	KafkaBrokers   []string      `env:"AGGR_KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic     string        `env:"AGGR_KAFKA_TOPIC" envDefault:"aggr.trades"`
	NATSUrl        string        `env:"AGGR_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject    string        `env:"AGGR_NATS_SUBJECT" envDefault:"aggr.trades"`
	MemoryCapacity int           `env:"AGGR_MEMORY_CAPACITY" envDefault:"1000000"`
	BarsTimeframe  time.Duration `env:"AGGR_BARS_TIMEFRAME" envDefault:"1m"`

	// Binance adapter
	BinanceEnabled     bool   `env:"AGGR_BINANCE_ENABLED" envDefault:"true"`
	BinanceURL         string `env:"AGGR_BINANCE_URL" envDefault:"wss://stream.binance.com:9443"`
	BinancePairsPerAPI int    `env:"AGGR_BINANCE_PAIRS_PER_API" envDefault:"100"`

	// Logging
	LogLevel  string `env:"AGGR_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"AGGR_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if (c.API || c.Broadcast) && c.Port <= 0 {
		return fmt.Errorf("AGGR_PORT is required when the API or broadcast is enabled")
	}
	if c.BroadcastAggr && c.BroadcastDebounce > 0 {
		return fmt.Errorf("AGGR_BROADCAST_AGGR and AGGR_BROADCAST_DEBOUNCE are mutually exclusive")
	}
	if c.Collect && c.BackupInterval <= 0 {
		return fmt.Errorf("AGGR_BACKUP_INTERVAL must be > 0, got %s", c.BackupInterval)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("AGGR_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxFetchLength < 1 {
		return fmt.Errorf("AGGR_MAX_FETCH_LENGTH must be > 0, got %d", c.MaxFetchLength)
	}
	if c.EnableRateLimit {
		if c.RateLimitMax < 1 {
			return fmt.Errorf("AGGR_RATE_LIMIT_MAX must be > 0, got %d", c.RateLimitMax)
		}
		if c.RateLimitTimeWindow <= 0 {
			return fmt.Errorf("AGGR_RATE_LIMIT_TIME_WINDOW must be > 0, got %s", c.RateLimitTimeWindow)
		}
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("AGGR_MONITOR_INTERVAL must be > 0, got %s", c.MonitorInterval)
	}
	if c.ReconnectionThreshold <= 0 {
		return fmt.Errorf("AGGR_RECONNECTION_THRESHOLD must be > 0, got %s", c.ReconnectionThreshold)
	}
	if _, err := regexp.Compile(c.Origin); err != nil {
		return fmt.Errorf("AGGR_ORIGIN is not a valid regexp: %w", err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("AGGR_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("AGGR_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// OriginRegexp returns the compiled origin allow pattern.
// Validate has already checked that it compiles.
func (c *Config) OriginRegexp() *regexp.Regexp {
	return regexp.MustCompile(c.Origin)
}

// PrimaryStorage returns the first configured storage name, or "" when
// persistence is disabled.
func (c *Config) PrimaryStorage() string {
	if len(c.Storage) == 0 {
		return ""
	}
	return c.Storage[0]
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("port", c.Port).
		Bool("collect", c.Collect).
		Strs("pairs", c.Pairs).
		Strs("storage", c.Storage).
		Dur("backup_interval", c.BackupInterval).
		Bool("broadcast", c.Broadcast).
		Bool("broadcast_aggr", c.BroadcastAggr).
		Dur("broadcast_debounce", c.BroadcastDebounce).
		Int("max_connections", c.MaxConnections).
		Bool("api", c.API).
		Int64("max_fetch_length", c.MaxFetchLength).
		Bool("rate_limit", c.EnableRateLimit).
		Dur("monitor_interval", c.MonitorInterval).
		Dur("reconnection_threshold", c.ReconnectionThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
