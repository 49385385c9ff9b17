package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "TXCORE_"

// Config is the top-level txcore configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Breaker     BreakerConfig     `koanf:"breaker"`
	Events      EventsConfig      `koanf:"events"`
	Tasks       TasksConfig       `koanf:"tasks"`
	Saga        SagaConfig        `koanf:"saga"`
	DLQ         DLQConfig         `koanf:"dlq"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Host     string         `koanf:"host"`
	Port     int            `koanf:"port"`
	Mode     string         `koanf:"mode"` // debug | release | test
	Services ServicesConfig `koanf:"services"`
}

// ServicesConfig holds the base URLs the booking saga and the external
// call demo talk to.
type ServicesConfig struct {
	Booking  string `koanf:"booking"`
	Payment  string `koanf:"payment"`
	CRM      string `koanf:"crm"`
	External string `koanf:"external"` // empty answers locally
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IdempotencyConfig selects the idempotency store and its TTLs.
type IdempotencyConfig struct {
	Backend         string        `koanf:"backend"` // memory | sqlite | postgres | redis
	DSN             string        `koanf:"dsn"`
	Addr            string        `koanf:"addr"`
	DefaultTTL      time.Duration `koanf:"default_ttl"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	SweepBatch      int           `koanf:"sweep_batch"`
	WaitForInFlight time.Duration `koanf:"wait_for_in_flight"`
}

// BreakerConfig holds the registry defaults for circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`
}

// EventsConfig selects the broker and the topic naming inputs.
type EventsConfig struct {
	Broker        string   `koanf:"broker"` // memory | nats | rabbitmq | kafka
	URL           string   `koanf:"url"`
	Brokers       []string `koanf:"brokers"`
	Domain        string   `koanf:"domain"`
	Version       string   `koanf:"version"`
	Subscription  string   `koanf:"subscription"`
	MaxDeliveries int      `koanf:"max_deliveries"`
	DeadLetter    string   `koanf:"dead_letter_topic"`
	SchemaPath    string   `koanf:"schema_path"`
	Dedupe        bool     `koanf:"dedupe"` // skip redelivered envelopes by content key
}

// TasksConfig configures the retry task scheduler.
type TasksConfig struct {
	Backend          string        `koanf:"backend"` // memory | redis
	Queue            string        `koanf:"queue"`
	Addr             string        `koanf:"addr"`
	DispatchDeadline time.Duration `koanf:"dispatch_deadline"`
	SubmitRate       float64       `koanf:"submit_rate"` // per second; 0 disables the limit
	SubmitBurst      int           `koanf:"submit_burst"`
}

// SagaConfig configures the saga executor and its execution store.
type SagaConfig struct {
	Executor       string `koanf:"executor"` // local
	Store          string `koanf:"store"`    // memory | sqlite
	DSN            string `koanf:"dsn"`
	DefinitionsDir string `koanf:"definitions_dir"`

	// CompensateViaTasks hands compensations to the task scheduler
	// instead of calling them inline.
	CompensateViaTasks bool          `koanf:"compensate_via_tasks"`
	StepTimeout        time.Duration `koanf:"step_timeout"`
}

// DLQConfig configures dead-letter intake and archiving.
type DLQConfig struct {
	Archive string `koanf:"archive"` // none | gcs | s3
	Bucket  string `koanf:"bucket"`
	Prefix  string `koanf:"prefix"`
	Region  string `koanf:"region"`
}

// Defaults returns the built-in default values keyed by koanf path.
func Defaults() map[string]any {
	return map[string]any{
		"server.host":                    "0.0.0.0",
		"server.port":                    8080,
		"server.mode":                    "release",
		"server.services.booking":        "http://localhost:8081",
		"server.services.payment":        "http://localhost:8082",
		"server.services.crm":            "http://localhost:8083",
		"server.services.external":       "",
		"idempotency.backend":            "memory",
		"idempotency.dsn":                "",
		"idempotency.addr":               "localhost:6379",
		"idempotency.default_ttl":        "24h",
		"idempotency.sweep_interval":     "5m",
		"idempotency.sweep_batch":        500,
		"idempotency.wait_for_in_flight": "0s",
		"breaker.failure_threshold":      5,
		"breaker.reset_timeout":          "60s",
		"events.broker":                  "memory",
		"events.url":                     "",
		"events.domain":                  "core-api",
		"events.version":                 "1",
		"events.subscription":            "core-api-sub",
		"events.max_deliveries":          5,
		"events.dead_letter_topic":       "core-api.dlq",
		"events.schema_path":             "",
		"events.dedupe":                  true,
		"tasks.backend":                  "memory",
		"tasks.queue":                    "default",
		"tasks.addr":                     "localhost:6379",
		"tasks.dispatch_deadline":        "300s",
		"tasks.submit_rate":              0.0,
		"tasks.submit_burst":             1,
		"saga.executor":                  "local",
		"saga.store":                     "memory",
		"saga.dsn":                       "",
		"saga.definitions_dir":           "",
		"saga.compensate_via_tasks":      false,
		"saga.step_timeout":              "30s",
		"dlq.archive":                    "none",
		"dlq.bucket":                     "",
		"dlq.prefix":                     "dlq/",
		"dlq.region":                     "",
	}
}

// Load resolves defaults, the optional YAML file at path, and TXCORE_
// environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Events.Broker == "kafka" && len(cfg.Events.Brokers) == 0 && cfg.Events.URL != "" {
		cfg.Events.Brokers = strings.Split(cfg.Events.URL, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the validated built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: built-in defaults invalid: %v", err))
	}
	return cfg
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported %s %q (must be one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate rejects out-of-range values and unknown backends.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if err := oneOf("server.mode", c.Server.Mode, "debug", "release", "test"); err != nil {
		return err
	}
	for name, u := range map[string]string{
		"booking": c.Server.Services.Booking,
		"payment": c.Server.Services.Payment,
		"crm":     c.Server.Services.CRM,
	} {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("server.services.%s is required", name)
		}
	}

	if err := oneOf("idempotency.backend", c.Idempotency.Backend, "memory", "sqlite", "postgres", "redis"); err != nil {
		return err
	}
	if (c.Idempotency.Backend == "sqlite" || c.Idempotency.Backend == "postgres") && strings.TrimSpace(c.Idempotency.DSN) == "" {
		return fmt.Errorf("idempotency.dsn is required for backend %q", c.Idempotency.Backend)
	}
	if c.Idempotency.DefaultTTL <= 0 {
		return fmt.Errorf("idempotency.default_ttl must be > 0")
	}
	if c.Idempotency.SweepInterval <= 0 {
		return fmt.Errorf("idempotency.sweep_interval must be > 0")
	}
	if c.Idempotency.SweepBatch <= 0 {
		return fmt.Errorf("idempotency.sweep_batch must be > 0")
	}
	if c.Idempotency.WaitForInFlight < 0 {
		return fmt.Errorf("idempotency.wait_for_in_flight must be >= 0")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be > 0")
	}

	if err := oneOf("events.broker", c.Events.Broker, "memory", "nats", "rabbitmq", "kafka"); err != nil {
		return err
	}
	if c.Events.Broker != "memory" && c.Events.URL == "" && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("events.url is required for broker %q", c.Events.Broker)
	}
	if strings.TrimSpace(c.Events.Domain) == "" {
		return fmt.Errorf("events.domain is required")
	}
	if strings.TrimSpace(c.Events.Version) == "" {
		return fmt.Errorf("events.version is required")
	}
	if c.Events.MaxDeliveries < 1 {
		return fmt.Errorf("events.max_deliveries must be >= 1")
	}

	if err := oneOf("tasks.backend", c.Tasks.Backend, "memory", "redis"); err != nil {
		return err
	}
	if c.Tasks.DispatchDeadline <= 0 {
		return fmt.Errorf("tasks.dispatch_deadline must be > 0")
	}
	if c.Tasks.SubmitRate < 0 {
		return fmt.Errorf("tasks.submit_rate must be >= 0")
	}

	if err := oneOf("saga.executor", c.Saga.Executor, "local"); err != nil {
		return err
	}
	if err := oneOf("saga.store", c.Saga.Store, "memory", "sqlite"); err != nil {
		return err
	}
	if c.Saga.StepTimeout <= 0 {
		return fmt.Errorf("saga.step_timeout must be > 0")
	}
	if c.Saga.Store == "sqlite" && strings.TrimSpace(c.Saga.DSN) == "" {
		return fmt.Errorf("saga.dsn is required for store sqlite")
	}

	if err := oneOf("dlq.archive", c.DLQ.Archive, "none", "memory", "gcs", "s3"); err != nil {
		return err
	}
	if (c.DLQ.Archive == "gcs" || c.DLQ.Archive == "s3") && strings.TrimSpace(c.DLQ.Bucket) == "" {
		return fmt.Errorf("dlq.bucket is required for archive %q", c.DLQ.Archive)
	}
	return nil
}
