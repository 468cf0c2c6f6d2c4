package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Scoring and decision settings
	Fraud FraudConfig `json:"fraud"`
	AI    AIConfig    `json:"ai"`

	// CounterStore selects where velocity counters live: "cache" or "database".
	CounterStore string `json:"counterStore"`

	// AsyncWorker enables the ingestion worker on the event bus.
	AsyncWorker bool `json:"asyncWorker"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// FraudConfig holds the decision thresholds and anomaly detector parameters.
type FraudConfig struct {
	FlagThreshold   int `json:"flagThreshold"`
	ReviewThreshold int `json:"reviewThreshold"`
	BlockThreshold  int `json:"blockThreshold"`

	VelocityWindow      time.Duration `json:"velocityWindow"`
	VelocityMaxAttempts int           `json:"velocityMaxAttempts"`

	AmountWindow     time.Duration `json:"amountWindow"`
	AmountMultiplier float64       `json:"amountMultiplier"`

	GeoWindow       time.Duration `json:"geoWindow"`
	GeoMaxLocations int           `json:"geoMaxLocations"`
}

// AIConfig holds settings for the AI oracle.
type AIConfig struct {
	Enabled             bool          `json:"enabled"`
	ConfidenceThreshold float64       `json:"confidenceThreshold"`
	Model               string        `json:"model"`
	APIKey              string        `json:"-"`
	BaseURL             string        `json:"baseUrl"`
	Timeout             time.Duration `json:"timeout"`
	StatusTimeout       time.Duration `json:"statusTimeout"`
	BatchSize           int           `json:"batchSize"`
	BatchPause          time.Duration `json:"batchPause"`
	CacheTTL            time.Duration `json:"cacheTtl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-memory counters and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// Counter store locations.
const (
	CounterStoreCache    = "cache"
	CounterStoreDatabase = "database"
)

// DefaultFraudConfig returns the stock thresholds and detector windows.
func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		FlagThreshold:       30,
		ReviewThreshold:     50,
		BlockThreshold:      80,
		VelocityWindow:      time.Hour,
		VelocityMaxAttempts: 5,
		AmountWindow:        24 * time.Hour,
		AmountMultiplier:    3,
		GeoWindow:           24 * time.Hour,
		GeoMaxLocations:     2,
	}
}

// DefaultAIConfig returns the stock oracle settings.
func DefaultAIConfig() AIConfig {
	return AIConfig{
		Enabled:             true,
		ConfidenceThreshold: 0.7,
		Model:               "gpt-4o-mini",
		BaseURL:             "https://api.openai.com/v1",
		Timeout:             10 * time.Second,
		StatusTimeout:       5 * time.Second,
		BatchSize:           5,
		BatchPause:          time.Second,
		CacheTTL:            5 * time.Minute,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:         TierCommunity,
		Fraud:        DefaultFraudConfig(),
		AI:           DefaultAIConfig(),
		CounterStore: CounterStoreCache,
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
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
		NATSReconnectWait: 5 * time.Second,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the decision thresholds and detector parameters.
// Any violation is a *ConfigurationError.
func (c *Config) Validate() error {
	if err := c.Fraud.Validate(); err != nil {
		return err
	}
	if c.AI.ConfidenceThreshold < 0 || c.AI.ConfidenceThreshold > 1 {
		return &ConfigurationError{
			Field:  "AI_CONFIDENCE_THRESHOLD",
			Reason: fmt.Sprintf("must be within [0,1], got %v", c.AI.ConfidenceThreshold),
		}
	}
	if c.AI.Timeout <= 0 {
		return &ConfigurationError{Field: "AI_TIMEOUT_MS", Reason: "must be positive"}
	}
	if c.AI.BatchSize <= 0 {
		return &ConfigurationError{Field: "AI_BATCH_SIZE", Reason: "must be positive"}
	}
	if c.AI.BatchPause < 0 {
		return &ConfigurationError{Field: "AI_BATCH_PAUSE_MS", Reason: "must not be negative"}
	}
	switch c.CounterStore {
	case CounterStoreCache, CounterStoreDatabase:
	default:
		return &ConfigurationError{
			Field:  "KESTREL_COUNTER_STORE",
			Reason: fmt.Sprintf("unknown counter store %q", c.CounterStore),
		}
	}
	return nil
}

// Validate enforces 0 <= flag < review < block <= 100 and positive windows.
func (f FraudConfig) Validate() error {
	if f.FlagThreshold < 0 {
		return &ConfigurationError{Field: "FRAUD_FLAG_THRESHOLD", Reason: "must not be negative"}
	}
	if f.FlagThreshold >= f.ReviewThreshold {
		return &ConfigurationError{
			Field:  "FRAUD_REVIEW_THRESHOLD",
			Reason: fmt.Sprintf("must be greater than flag threshold %d, got %d", f.FlagThreshold, f.ReviewThreshold),
		}
	}
	if f.ReviewThreshold >= f.BlockThreshold {
		return &ConfigurationError{
			Field:  "FRAUD_BLOCK_THRESHOLD",
			Reason: fmt.Sprintf("must be greater than review threshold %d, got %d", f.ReviewThreshold, f.BlockThreshold),
		}
	}
	if f.BlockThreshold > 100 {
		return &ConfigurationError{Field: "FRAUD_BLOCK_THRESHOLD", Reason: "must not exceed 100"}
	}
	if f.VelocityWindow <= 0 {
		return &ConfigurationError{Field: "VELOCITY_WINDOW_MS", Reason: "must be positive"}
	}
	if f.VelocityMaxAttempts < 1 {
		return &ConfigurationError{Field: "VELOCITY_MAX_ATTEMPTS", Reason: "must be at least 1"}
	}
	if f.AmountWindow <= 0 {
		return &ConfigurationError{Field: "AMOUNT_ANOMALY_WINDOW_MS", Reason: "must be positive"}
	}
	if f.AmountMultiplier <= 0 {
		return &ConfigurationError{Field: "AMOUNT_ANOMALY_MULTIPLIER", Reason: "must be positive"}
	}
	if f.GeoWindow <= 0 {
		return &ConfigurationError{Field: "GEO_ANOMALY_WINDOW_MS", Reason: "must be positive"}
	}
	if f.GeoMaxLocations < 0 {
		return &ConfigurationError{Field: "GEO_ANOMALY_MAX_LOCATIONS", Reason: "must not be negative"}
	}
	return nil
}
