// Package config loads Kestrel configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Environment variable names.
const (
	EnvTier         = "KESTREL_TIER"
	EnvHost         = "KESTREL_HOST"
	EnvPort         = "KESTREL_PORT"
	EnvDBDriver     = "KESTREL_DB_DRIVER"
	EnvSQLitePath   = "KESTREL_SQLITE_PATH"
	EnvPGHost       = "KESTREL_POSTGRES_HOST"
	EnvPGPort       = "KESTREL_POSTGRES_PORT"
	EnvPGUser       = "KESTREL_POSTGRES_USER"
	EnvPGPassword   = "KESTREL_POSTGRES_PASSWORD"
	EnvPGDB         = "KESTREL_POSTGRES_DB"
	EnvPGSSLMode    = "KESTREL_POSTGRES_SSLMODE"
	EnvCache        = "KESTREL_CACHE"
	EnvRedisAddr    = "KESTREL_REDIS_ADDR"
	EnvRedisPass    = "KESTREL_REDIS_PASSWORD"
	EnvCounterStore = "KESTREL_COUNTER_STORE"
	EnvBus          = "KESTREL_BUS"
	EnvNATSURL      = "KESTREL_NATS_URL"
	EnvLogLevel     = "KESTREL_LOG_LEVEL"
	EnvLogFormat    = "KESTREL_LOG_FORMAT"
	EnvAsyncWorker  = "KESTREL_ASYNC_WORKER"
	EnvTracing      = "KESTREL_TRACING"

	EnvFlagThreshold     = "FRAUD_FLAG_THRESHOLD"
	EnvReviewThreshold   = "FRAUD_REVIEW_THRESHOLD"
	EnvBlockThreshold    = "FRAUD_BLOCK_THRESHOLD"
	EnvVelocityWindow    = "VELOCITY_WINDOW_MS"
	EnvVelocityMax       = "VELOCITY_MAX_ATTEMPTS"
	EnvAmountWindow      = "AMOUNT_ANOMALY_WINDOW_MS"
	EnvAmountMultiplier  = "AMOUNT_ANOMALY_MULTIPLIER"
	EnvGeoWindow         = "GEO_ANOMALY_WINDOW_MS"
	EnvGeoMaxLocations   = "GEO_ANOMALY_MAX_LOCATIONS"
	EnvAIEnabled         = "AI_FRAUD_ANALYSIS_ENABLED"
	EnvAIConfidence      = "AI_CONFIDENCE_THRESHOLD"
	EnvAIModel           = "AI_MODEL"
	EnvAIKey             = "AI_API_KEY"
	EnvAIBaseURL         = "AI_BASE_URL"
	EnvAITimeout         = "AI_TIMEOUT_MS"
	EnvAIStatusTimeout   = "AI_STATUS_TIMEOUT_MS"
	EnvAIBatchSize       = "AI_BATCH_SIZE"
	EnvAIBatchPause      = "AI_BATCH_PAUSE_MS"
	EnvAICacheTTL        = "AI_CACHE_TTL_MS"
)

// Load reads the given .env files (default ".env"; missing files are
// ignored), then builds and validates the configuration from the
// environment.
func Load(envFiles ...string) (*domain.Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v)
}

// FromViper builds a configuration from v. Tier picks the base defaults;
// every other key overrides one field.
func FromViper(v *viper.Viper) (*domain.Config, error) {
	v.SetDefault(EnvTier, string(domain.TierCommunity))

	var cfg *domain.Config
	switch tier := strings.ToLower(v.GetString(EnvTier)); domain.Tier(tier) {
	case domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, &domain.ConfigurationError{Field: EnvTier, Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	setDefaults(v, cfg)

	p := &parser{v: v}

	cfg.Server.Host = v.GetString(EnvHost)
	cfg.Server.Port = p.int(EnvPort)

	cfg.Repository.Driver = v.GetString(EnvDBDriver)
	cfg.Repository.SQLitePath = v.GetString(EnvSQLitePath)
	cfg.Repository.PostgresHost = v.GetString(EnvPGHost)
	cfg.Repository.PostgresPort = p.int(EnvPGPort)
	cfg.Repository.PostgresUser = v.GetString(EnvPGUser)
	cfg.Repository.PostgresPassword = v.GetString(EnvPGPassword)
	cfg.Repository.PostgresDB = v.GetString(EnvPGDB)
	cfg.Repository.PostgresSSLMode = v.GetString(EnvPGSSLMode)

	cfg.Cache.Type = v.GetString(EnvCache)
	cfg.Cache.RedisAddr = v.GetString(EnvRedisAddr)
	cfg.Cache.RedisPassword = v.GetString(EnvRedisPass)
	cfg.CounterStore = v.GetString(EnvCounterStore)

	cfg.EventBus.Type = v.GetString(EnvBus)
	cfg.EventBus.NATSUrl = v.GetString(EnvNATSURL)
	cfg.AsyncWorker = p.bool(EnvAsyncWorker)
	cfg.Tracing.Enabled = p.bool(EnvTracing)

	cfg.Logging.Level = strings.ToLower(v.GetString(EnvLogLevel))
	cfg.Logging.Format = strings.ToLower(v.GetString(EnvLogFormat))

	cfg.Fraud.FlagThreshold = p.int(EnvFlagThreshold)
	cfg.Fraud.ReviewThreshold = p.int(EnvReviewThreshold)
	cfg.Fraud.BlockThreshold = p.int(EnvBlockThreshold)
	cfg.Fraud.VelocityWindow = p.millis(EnvVelocityWindow)
	cfg.Fraud.VelocityMaxAttempts = p.int(EnvVelocityMax)
	cfg.Fraud.AmountWindow = p.millis(EnvAmountWindow)
	cfg.Fraud.AmountMultiplier = p.float(EnvAmountMultiplier)
	cfg.Fraud.GeoWindow = p.millis(EnvGeoWindow)
	cfg.Fraud.GeoMaxLocations = p.int(EnvGeoMaxLocations)

	cfg.AI.Enabled = p.bool(EnvAIEnabled)
	cfg.AI.ConfidenceThreshold = p.float(EnvAIConfidence)
	cfg.AI.Model = v.GetString(EnvAIModel)
	cfg.AI.APIKey = v.GetString(EnvAIKey)
	cfg.AI.BaseURL = v.GetString(EnvAIBaseURL)
	cfg.AI.Timeout = p.millis(EnvAITimeout)
	cfg.AI.StatusTimeout = p.millis(EnvAIStatusTimeout)
	cfg.AI.BatchSize = p.int(EnvAIBatchSize)
	cfg.AI.BatchPause = p.millis(EnvAIBatchPause)
	cfg.AI.CacheTTL = p.millis(EnvAICacheTTL)

	if p.err != nil {
		return nil, p.err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *domain.Config) {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }

	v.SetDefault(EnvHost, cfg.Server.Host)
	v.SetDefault(EnvPort, cfg.Server.Port)
	v.SetDefault(EnvDBDriver, cfg.Repository.Driver)
	v.SetDefault(EnvSQLitePath, cfg.Repository.SQLitePath)
	v.SetDefault(EnvPGHost, cfg.Repository.PostgresHost)
	v.SetDefault(EnvPGPort, cfg.Repository.PostgresPort)
	v.SetDefault(EnvPGUser, cfg.Repository.PostgresUser)
	v.SetDefault(EnvPGPassword, cfg.Repository.PostgresPassword)
	v.SetDefault(EnvPGDB, cfg.Repository.PostgresDB)
	v.SetDefault(EnvPGSSLMode, cfg.Repository.PostgresSSLMode)
	v.SetDefault(EnvCache, cfg.Cache.Type)
	v.SetDefault(EnvRedisAddr, cfg.Cache.RedisAddr)
	v.SetDefault(EnvRedisPass, cfg.Cache.RedisPassword)
	v.SetDefault(EnvCounterStore, cfg.CounterStore)
	v.SetDefault(EnvBus, cfg.EventBus.Type)
	v.SetDefault(EnvNATSURL, cfg.EventBus.NATSUrl)
	v.SetDefault(EnvAsyncWorker, cfg.Tier == domain.TierPro)
	v.SetDefault(EnvTracing, cfg.Tracing.Enabled)
	v.SetDefault(EnvLogLevel, cfg.Logging.Level)
	v.SetDefault(EnvLogFormat, cfg.Logging.Format)

	v.SetDefault(EnvFlagThreshold, cfg.Fraud.FlagThreshold)
	v.SetDefault(EnvReviewThreshold, cfg.Fraud.ReviewThreshold)
	v.SetDefault(EnvBlockThreshold, cfg.Fraud.BlockThreshold)
	v.SetDefault(EnvVelocityWindow, ms(cfg.Fraud.VelocityWindow))
	v.SetDefault(EnvVelocityMax, cfg.Fraud.VelocityMaxAttempts)
	v.SetDefault(EnvAmountWindow, ms(cfg.Fraud.AmountWindow))
	v.SetDefault(EnvAmountMultiplier, cfg.Fraud.AmountMultiplier)
	v.SetDefault(EnvGeoWindow, ms(cfg.Fraud.GeoWindow))
	v.SetDefault(EnvGeoMaxLocations, cfg.Fraud.GeoMaxLocations)

	v.SetDefault(EnvAIEnabled, cfg.AI.Enabled)
	v.SetDefault(EnvAIConfidence, cfg.AI.ConfidenceThreshold)
	v.SetDefault(EnvAIModel, cfg.AI.Model)
	v.SetDefault(EnvAIKey, "")
	v.SetDefault(EnvAIBaseURL, cfg.AI.BaseURL)
	v.SetDefault(EnvAITimeout, ms(cfg.AI.Timeout))
	v.SetDefault(EnvAIStatusTimeout, ms(cfg.AI.StatusTimeout))
	v.SetDefault(EnvAIBatchSize, cfg.AI.BatchSize)
	v.SetDefault(EnvAIBatchPause, ms(cfg.AI.BatchPause))
	v.SetDefault(EnvAICacheTTL, ms(cfg.AI.CacheTTL))
}

// parser converts viper values strictly; the first failure is kept as a
// *domain.ConfigurationError.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key string, raw any, err error) {
	if p.err == nil {
		p.err = &domain.ConfigurationError{Field: key, Reason: fmt.Sprintf("cannot parse %q: %v", fmt.Sprint(raw), err)}
	}
}

func (p *parser) int(key string) int {
	raw := p.v.Get(key)
	n, err := cast.ToIntE(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return n
}

func (p *parser) float(key string) float64 {
	raw := p.v.Get(key)
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return f
}

func (p *parser) bool(key string) bool {
	raw := p.v.Get(key)
	b, err := cast.ToBoolE(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return b
}

func (p *parser) millis(key string) time.Duration {
	raw := p.v.Get(key)
	n, err := cast.ToInt64E(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return time.Duration(n) * time.Millisecond
}

// Validate checks component selections and then the domain rules in
// (*domain.Config).Validate.
func Validate(cfg *domain.Config) error {
	choices := []struct {
		field   string
		value   string
		allowed []string
	}{
		{EnvDBDriver, cfg.Repository.Driver, []string{"sqlite", "postgres"}},
		{EnvCache, cfg.Cache.Type, []string{"memory", "redis"}},
		{EnvBus, cfg.EventBus.Type, []string{"channel", "nats"}},
		{EnvLogLevel, cfg.Logging.Level, []string{"debug", "info", "warn", "error"}},
		{EnvLogFormat, cfg.Logging.Format, []string{"json", "text"}},
	}
	for _, c := range choices {
		if !slices.Contains(c.allowed, c.value) {
			return &domain.ConfigurationError{
				Field:  c.field,
				Reason: fmt.Sprintf("must be one of %s, got %q", strings.Join(c.allowed, "|"), c.value),
			}
		}
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return &domain.ConfigurationError{Field: EnvPort, Reason: fmt.Sprintf("out of range: %d", cfg.Server.Port)}
	}
	return cfg.Validate()
}
