// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Journey       JourneyConfig       `yaml:"journey"`
	Bus           BusConfig           `yaml:"bus"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Redis         RedisConfig         `yaml:"redis"`
	Responder     ResponderConfig     `yaml:"responder"`
	Safety        SafetyConfig        `yaml:"safety"`
	Chat          ChatConfig          `yaml:"chat"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`
	CORS              CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT settings for the operator API. The customer
// chat endpoint is always public.
type IdentityConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	OperatorRole string        `yaml:"operator_role"`
}

// JourneyConfig describes journey persistence.
type JourneyConfig struct {
	Store JourneyStoreConfig `yaml:"store"`
}

// JourneyStoreConfig selects and tunes the journey store backend.
// Driver is one of "memory", "postgres" or "sqlite".
type JourneyStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// BusConfig describes the task/event bus.
type BusConfig struct {
	Queue           QueueConfig            `yaml:"queue"`
	DeliveryTimeout time.Duration          `yaml:"delivery_timeout"`
	DispatchWorkers int                    `yaml:"dispatch_workers"`
	DispatchBuffer  int                    `yaml:"dispatch_buffer"`
	TaskTTL         time.Duration          `yaml:"task_ttl"`
	InboxCapacity   int                    `yaml:"inbox_capacity"`
	Agents          map[string]AgentConfig `yaml:"agents"`
}

// QueueConfig selects the task queue backend ("memory" or "redis").
type QueueConfig struct {
	Driver    string `yaml:"driver"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AgentConfig describes how events reach a downstream agent. Kind is
// "inbox" or "webhook".
type AgentConfig struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig describes the per-client request throttle. Driver is
// "memory" (single process) or "redis" (shared across instances).
type RateLimitConfig struct {
	Driver    string        `yaml:"driver"`
	Window    time.Duration `yaml:"window"`
	Limit     int           `yaml:"limit"`
	KeyPrefix string        `yaml:"key_prefix"`
	Shards    int           `yaml:"shards"`
}

// RedisConfig describes the shared Redis connection used by the redis
// drivers.
type RedisConfig struct {
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// ResponderConfig describes the language responder backend. Driver is
// "template" or "http".
type ResponderConfig struct {
	Driver         string               `yaml:"driver"`
	URL            string               `yaml:"url"`
	APIKeyEnv      string               `yaml:"api_key_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// SafetyConfig describes the outbound safety filter.
type SafetyConfig struct {
	MaxDiscountPercent float64 `yaml:"max_discount_percent"`
	MaxDiscountAmount  float64 `yaml:"max_discount_amount"`
	FallbackMessage    string  `yaml:"fallback_message"`
}

// ChatConfig describes inbound message limits.
type ChatConfig struct {
	MaxMessageLength int `yaml:"max_message_length"`
	MaxHistory       int `yaml:"max_history"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Journey: JourneyConfig{
			Store: JourneyStoreConfig{
				Driver:          "memory",
				Path:            "journeys.db",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Bus: BusConfig{
			Queue: QueueConfig{
				Driver:    "memory",
				KeyPrefix: "dealjourney:tasks:",
			},
			DeliveryTimeout: 3 * time.Second,
			DispatchWorkers: 4,
			DispatchBuffer:  256,
			TaskTTL:         24 * time.Hour,
			InboxCapacity:   500,
		},
		RateLimit: RateLimitConfig{
			Driver:    "memory",
			Window:    60 * time.Second,
			Limit:     60,
			KeyPrefix: "dealjourney:rl:",
			Shards:    16,
		},
		Redis: RedisConfig{
			AddrEnv: "DEALJOURNEY_REDIS_ADDR",
		},
		Responder: ResponderConfig{
			Driver:  "template",
			Timeout: 20 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       2,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
		},
		Safety: SafetyConfig{
			MaxDiscountPercent: 10,
			MaxDiscountAmount:  500,
		},
		Chat: ChatConfig{
			MaxMessageLength: 500,
			MaxHistory:       20,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file from the OS filesystem, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs is Load over an arbitrary filesystem.
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	cfg := Defaults()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if c.Identity.Enabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required when identity is enabled")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required when identity is enabled")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required when identity is enabled")
		}
	}

	switch c.Journey.Store.Driver {
	case "memory":
	case "postgres":
		if c.Journey.Store.DSNEnv == "" {
			errs = append(errs, "journey.store.dsn_env is required for the postgres driver")
		}
	case "sqlite":
		if c.Journey.Store.Path == "" {
			errs = append(errs, "journey.store.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("journey.store.driver %q is not supported (memory, postgres, sqlite)", c.Journey.Store.Driver))
	}

	switch c.Bus.Queue.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("bus.queue.driver %q is not supported (memory, redis)", c.Bus.Queue.Driver))
	}
	if c.Bus.DispatchWorkers < 1 {
		errs = append(errs, "bus.dispatch_workers must be at least 1")
	}
	for name, agent := range c.Bus.Agents {
		switch agent.Kind {
		case "inbox":
		case "webhook":
			if agent.URL == "" {
				errs = append(errs, fmt.Sprintf("bus.agents.%s.url is required for webhook agents", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("bus.agents.%s.kind %q is not supported (inbox, webhook)", name, agent.Kind))
		}
	}

	switch c.RateLimit.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("rate_limit.driver %q is not supported (memory, redis)", c.RateLimit.Driver))
	}
	if c.RateLimit.Limit < 1 {
		errs = append(errs, "rate_limit.limit must be at least 1")
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, "rate_limit.window must be positive")
	}

	switch c.Responder.Driver {
	case "template":
	case "http":
		if c.Responder.URL == "" {
			errs = append(errs, "responder.url is required for the http driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("responder.driver %q is not supported (template, http)", c.Responder.Driver))
	}

	if c.Safety.MaxDiscountPercent < 0 || c.Safety.MaxDiscountPercent > 100 {
		errs = append(errs, "safety.max_discount_percent must be between 0 and 100")
	}
	if c.Safety.MaxDiscountAmount < 0 {
		errs = append(errs, "safety.max_discount_amount must not be negative")
	}

	if c.Chat.MaxMessageLength < 1 {
		errs = append(errs, "chat.max_message_length must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any configured driver needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.RateLimit.Driver == "redis" || c.Bus.Queue.Driver == "redis"
}

// applyEnvOverrides reads DEALJOURNEY_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEALJOURNEY_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DEALJOURNEY_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("DEALJOURNEY_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("DEALJOURNEY_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("DEALJOURNEY_JOURNEY_STORE_DRIVER"); v != "" {
		cfg.Journey.Store.Driver = v
	}
	if v := os.Getenv("DEALJOURNEY_RATE_LIMIT_DRIVER"); v != "" {
		cfg.RateLimit.Driver = v
	}
	if v := os.Getenv("DEALJOURNEY_BUS_QUEUE_DRIVER"); v != "" {
		cfg.Bus.Queue.Driver = v
	}
	if v := os.Getenv("DEALJOURNEY_RESPONDER_URL"); v != "" {
		cfg.Responder.URL = v
		cfg.Responder.Driver = "http"
	}
	if v := os.Getenv("DEALJOURNEY_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
