package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Engine      EngineConfig      `yaml:"engine"`
	Backoff     BackoffConfig     `yaml:"backoff"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Queue       QueueConfig       `yaml:"queue"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Transports  []TransportConfig `yaml:"transports"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"COURIERQ_HTTP_ADDR"`
}

// EngineConfig holds delivery engine settings
type EngineConfig struct {
	MaxAttemptsPerTransport int  `yaml:"max_attempts_per_transport" env:"COURIERQ_MAX_ATTEMPTS"`
	EnableBreaker           bool `yaml:"enable_breaker" env:"COURIERQ_ENABLE_BREAKER"`
	Sync                    bool `yaml:"sync" env:"COURIERQ_SYNC"`
}

// BackoffConfig holds retry backoff settings
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" env:"COURIERQ_BACKOFF_INITIAL"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"COURIERQ_BACKOFF_MAX"`
	Multiplier   float64       `yaml:"multiplier" env:"COURIERQ_BACKOFF_MULTIPLIER"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"COURIERQ_BREAKER_FAILURES"`
	SuccessThreshold int           `yaml:"success_threshold" env:"COURIERQ_BREAKER_SUCCESSES"`
	OpenDuration     time.Duration `yaml:"open_duration" env:"COURIERQ_BREAKER_OPEN_FOR"`
}

// QueueConfig holds queue settings
type QueueConfig struct {
	MaxConcurrency     int           `yaml:"max_concurrency" env:"COURIERQ_QUEUE_CONCURRENCY"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"COURIERQ_QUEUE_POLL_INTERVAL"`
	JobTimeout         time.Duration `yaml:"job_timeout" env:"COURIERQ_QUEUE_JOB_TIMEOUT"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay" env:"COURIERQ_QUEUE_RETRY_BASE"`
	MaxRetries         int           `yaml:"max_retries" env:"COURIERQ_QUEUE_MAX_RETRIES"`
	StuckSweepInterval time.Duration `yaml:"stuck_sweep_interval"`
	HistoryLimit       int           `yaml:"history_limit"`
	HistoryMaxAge      time.Duration `yaml:"history_max_age"`
}

// RateLimitConfig holds submission rate limiter settings
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" env:"COURIERQ_RATE_LIMIT_ENABLED"`
	Capacity int           `yaml:"capacity" env:"COURIERQ_RATE_LIMIT_CAPACITY"`
	Window   time.Duration `yaml:"window" env:"COURIERQ_RATE_LIMIT_WINDOW"`
}

// IdempotencyConfig holds lifecycle record settings
type IdempotencyConfig struct {
	TTL           time.Duration `yaml:"ttl" env:"COURIERQ_IDEMPOTENCY_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TransportConfig describes one simulated transport. Order in the list is
// fallback order: the first entry is primary.
type TransportConfig struct {
	Name                string        `yaml:"name"`
	PermanentGlobalRate float64       `yaml:"permanent_global_rate"`
	PermanentLocalRate  float64       `yaml:"permanent_local_rate"`
	RateLimitedRate     float64       `yaml:"rate_limited_rate"`
	TransientRate       float64       `yaml:"transient_rate"`
	RetryAfter          time.Duration `yaml:"retry_after"`
	MinLatency          time.Duration `yaml:"min_latency"`
	MaxLatency          time.Duration `yaml:"max_latency"`
	Seed                int64         `yaml:"seed"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"COURIERQ_LOG_LEVEL"`
	Format string `yaml:"format" env:"COURIERQ_LOG_FORMAT"` // json or console
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
		},
		Engine: EngineConfig{
			MaxAttemptsPerTransport: 3,
			EnableBreaker:           true,
		},
		Backoff: BackoffConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
		},
		Queue: QueueConfig{
			MaxConcurrency:     5,
			PollInterval:       1 * time.Second,
			JobTimeout:         90 * time.Second,
			RetryBaseDelay:     5 * time.Second,
			MaxRetries:         1,
			StuckSweepInterval: 60 * time.Second,
			HistoryLimit:       100,
			HistoryMaxAge:      24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Capacity: 100,
			Window:   60 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 1 * time.Minute,
		},
		Transports: []TransportConfig{
			{
				Name:               "primary",
				PermanentLocalRate: 0.05,
				RateLimitedRate:    0.05,
				TransientRate:      0.10,
				RetryAfter:         200 * time.Millisecond,
				MinLatency:         10 * time.Millisecond,
				MaxLatency:         50 * time.Millisecond,
			},
			{
				Name:          "fallback",
				TransientRate: 0.05,
				MinLatency:    20 * time.Millisecond,
				MaxLatency:    80 * time.Millisecond,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnv(cfg)
}

// LoadOrDefault loads config from file or returns default
func LoadOrDefault(path string) *Config {
	if path == "" {
		cfg, err := applyEnv(Default())
		if err != nil {
			fmt.Printf("Warning: bad environment override: %v, using defaults\n", err)
			return Default()
		}
		return cfg
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: failed to load config: %v, using defaults\n", err)
		return Default()
	}

	return cfg
}

func applyEnv(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return cfg, nil
}
