// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Coordination  CoordinationConfig  `yaml:"coordination"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// IdentityConfig describes bearer token verification. Tokens are checked
// against a JWKS endpoint, or against a shared HMAC secret read from the
// environment variable named by HMACSecretEnv.
type IdentityConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms    []string      `yaml:"algorithms"`
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
}

// StoreConfig describes run and association persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// CoordinationConfig selects where execution slots and trigger queues live.
// The memory driver only serializes executions within one process.
type CoordinationConfig struct {
	Driver    string        `yaml:"driver"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
}

// OrchestratorConfig describes single-flight control settings.
type OrchestratorConfig struct {
	AssociationRetries int `yaml:"association_retries"`
	// DrainTimeout bounds how long shutdown waits for in-flight drainers.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ClassifierConfig configures the keyword classifier used when a new-run
// trigger arrives without a classification.
type ClassifierConfig struct {
	DefaultCodename   string           `yaml:"default_codename"`
	DefaultConfidence float64          `yaml:"default_confidence"`
	TextField         string           `yaml:"text_field"`
	Rules             []ClassifierRule `yaml:"rules"`
}

// ClassifierRule maps a keyword found in the trigger text to a codename.
type ClassifierRule struct {
	Keyword    string  `yaml:"keyword"`
	Codename   string  `yaml:"codename"`
	Confidence float64 `yaml:"confidence"`
}

// NotificationsConfig selects how outbound intents are delivered.
// Deliveries stop for BreakerCooldown after BreakerThreshold consecutive
// failures.
type NotificationsConfig struct {
	Driver           string        `yaml:"driver"`
	Topic            string        `yaml:"topic"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
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
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SAMPARK_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Coordination: CoordinationConfig{
			Driver:    "memory",
			AddrEnv:   "SAMPARK_REDIS_ADDR",
			KeyPrefix: "sampark:",
			LeaseTTL:  30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			AssociationRetries: 3,
			DrainTimeout:       30 * time.Second,
		},
		Classifier: ClassifierConfig{
			DefaultCodename:   "acknowledge",
			DefaultConfidence: 0.5,
			TextField:         "body",
		},
		Notifications: NotificationsConfig{
			Driver:           "log",
			Topic:            "sampark.notifications",
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
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
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
		if c.Identity.JWKSURL == "" && c.Identity.HMACSecretEnv == "" {
			errs = append(errs, "identity.jwks_url or identity.hmac_secret_env is required")
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}

	switch c.Coordination.Driver {
	case "memory":
	case "redis":
		if c.Coordination.AddrEnv == "" {
			errs = append(errs, "coordination.addr_env is required for the redis driver")
		}
		if c.Coordination.LeaseTTL < time.Second {
			errs = append(errs, "coordination.lease_ttl must be at least 1s")
		}
	default:
		errs = append(errs, fmt.Sprintf("coordination.driver %q is not supported (memory, redis)", c.Coordination.Driver))
	}

	if c.Orchestrator.AssociationRetries < 1 {
		errs = append(errs, "orchestrator.association_retries must be at least 1")
	}

	if c.Classifier.DefaultConfidence < 0 || c.Classifier.DefaultConfidence > 1 {
		errs = append(errs, "classifier.default_confidence must be between 0 and 1")
	}
	for i, rule := range c.Classifier.Rules {
		if rule.Keyword == "" || rule.Codename == "" {
			errs = append(errs, fmt.Sprintf("classifier.rules[%d] requires keyword and codename", i))
		}
		if rule.Confidence < 0 || rule.Confidence > 1 {
			errs = append(errs, fmt.Sprintf("classifier.rules[%d].confidence must be between 0 and 1", i))
		}
	}

	switch c.Notifications.Driver {
	case "log":
	case "watermill":
		if c.Notifications.Topic == "" {
			errs = append(errs, "notifications.topic is required for the watermill driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not supported (log, watermill)", c.Notifications.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SAMPARK_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SAMPARK_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SAMPARK_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SAMPARK_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SAMPARK_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SAMPARK_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SAMPARK_COORDINATION_DRIVER"); v != "" {
		cfg.Coordination.Driver = v
	}
	if v := os.Getenv("SAMPARK_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
