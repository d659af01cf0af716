package domain

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Tier determines the default infrastructure choices
	Tier Tier `koanf:"tier"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus"`
	Worker     WorkerConfig     `koanf:"worker"`

	// Scoring pipeline
	Scoring   ScoringConfig   `koanf:"scoring"`
	Rules     RulesConfig     `koanf:"rules"`
	Velocity  VelocityConfig  `koanf:"velocity"`
	Blacklist BlacklistConfig `koanf:"blacklist"`
	Signals   SignalsConfig   `koanf:"signals"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds

	// Per-tenant token bucket. Zero disables rate limiting.
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`
}

// WorkerConfig controls the asynchronous order consumer.
type WorkerConfig struct {
	Enabled     bool     `koanf:"enabled"`
	TenantIDs   []string `koanf:"tenant_ids"`
	Concurrency int      `koanf:"concurrency"`
}

// ScoringConfig selects the scoring policy.
type ScoringConfig struct {
	// Mode is "basic" (rules only) or "ensemble" (rules + signals).
	Mode string `koanf:"mode"`

	// ThresholdTable names the tier table; empty uses the mode's own table.
	ThresholdTable string `koanf:"threshold_table"`

	Weights Weights `koanf:"weights"`

	// TriggerCounting is "dedupe" or "every".
	TriggerCounting string `koanf:"trigger_counting"`
}

// Policy builds the immutable scoring policy.
func (c ScoringConfig) Policy() (Policy, error) {
	mode := ScoringMode(strings.ToLower(strings.TrimSpace(c.Mode)))
	if mode == "" {
		mode = ModeBasic
	}
	p := DefaultPolicy(mode)
	p.Mode = mode
	if c.ThresholdTable != "" {
		t, err := ThresholdsByName(c.ThresholdTable)
		if err != nil {
			return Policy{}, err
		}
		p.Thresholds = t
	}
	if c.Weights != (Weights{}) {
		p.Weights = c.Weights
	}
	if c.TriggerCounting != "" {
		p.TriggerCounting = TriggerCounting(c.TriggerCounting)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("scoring policy: %w", err)
	}
	return p, nil
}

// RulesConfig controls rule loading.
type RulesConfig struct {
	// SeedDefaults stores the built-in rule set when the store holds none.
	SeedDefaults bool `koanf:"seed_defaults"`
}

// VelocityConfig controls the velocity tracker.
type VelocityConfig struct {
	Window time.Duration `koanf:"window"`

	// BotIPLimit is the per-window order count from one IP above which the
	// order is classified as bot activity.
	BotIPLimit int64 `koanf:"bot_ip_limit"`
}

// BlacklistConfig controls blacklist checks and auto-blacklisting.
type BlacklistConfig struct {
	// FailurePolicy is "fail_open" or "fail_closed".
	FailurePolicy string        `koanf:"failure_policy"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`

	AutoEnabled   bool          `koanf:"auto_enabled"`
	AutoThreshold int           `koanf:"auto_threshold"`
	AutoWindow    time.Duration `koanf:"auto_window"`
}

// SignalsConfig configures the external ML scoring service.
type SignalsConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`

	PredictModel string `koanf:"predict_model"`
	AnomalyModel string `koanf:"anomaly_model"`
	GraphModel   string `koanf:"graph_model"`

	PredictTimeout time.Duration `koanf:"predict_timeout"`
	AnomalyTimeout time.Duration `koanf:"anomaly_timeout"`
	GraphTimeout   time.Duration `koanf:"graph_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// OTLPEndpoint is a host:port for the OTLP gRPC exporter. Empty keeps
	// spans in process (trace ids only).
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite, the in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			RateLimitRPS:   200,
			RateLimitBurst: 400,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Concurrency: 8,
		},
		Scoring: ScoringConfig{
			Mode:            string(ModeBasic),
			Weights:         DefaultWeights,
			TriggerCounting: string(CountDedupe),
		},
		Rules: RulesConfig{
			SeedDefaults: true,
		},
		Velocity: VelocityConfig{
			Window:     60 * time.Minute,
			BotIPLimit: 10,
		},
		Blacklist: BlacklistConfig{
			FailurePolicy: "fail_open",
			CacheTTL:      10 * time.Minute,
			AutoEnabled:   true,
			AutoThreshold: 5,
			AutoWindow:    24 * time.Hour,
		},
		Signals: SignalsConfig{
			Enabled:        false,
			BaseURL:        "http://localhost:8000/api/",
			PredictModel:   "ensemble",
			AnomalyModel:   "isolation_forest",
			GraphModel:     "graph_network",
			PredictTimeout: 5 * time.Second,
			AnomalyTimeout: 3 * time.Second,
			GraphTimeout:   3 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "kestrel",
			OTLPInsecure: true,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
// Pro defaults to ensemble scoring with the external signal service.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Scoring.Mode = string(ModeEnsemble)
	cfg.Signals.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
