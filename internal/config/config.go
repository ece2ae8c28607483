// Package config loads the engine configuration and bootstraps logging.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/recherche-engine/internal/cost"
	"github.com/sells-group/recherche-engine/internal/db"
	"github.com/sells-group/recherche-engine/internal/dedup"
	"github.com/sells-group/recherche-engine/internal/resilience"
	"github.com/sells-group/recherche-engine/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g.
// RECHERCHE_STORE_DATABASE_URL.
const EnvPrefix = "RECHERCHE"

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Order      OrderConfig      `yaml:"order" mapstructure:"order"`
	Worker     worker.Config    `yaml:"worker" mapstructure:"worker"`
	Dedup      dedup.Config     `yaml:"dedup" mapstructure:"dedup"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	DataForSEO DataForSEOConfig `yaml:"dataforseo" mapstructure:"dataforseo"`
}

// StoreConfig configures the Postgres connection.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Pool returns the pool sizing.
func (c StoreConfig) Pool() db.PoolConfig {
	return db.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns}
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PricingConfig holds the default rate card and the reservation buffer.
type PricingConfig struct {
	BaseFeeEUR           float64 `yaml:"base_fee_eur" mapstructure:"base_fee_eur"`
	StandardPerHitEUR    float64 `yaml:"standard_per_hit_eur" mapstructure:"standard_per_hit_eur"`
	PremiumPerHitEUR     float64 `yaml:"premium_per_hit_eur" mapstructure:"premium_per_hit_eur"`
	KomplettPerHitEUR    float64 `yaml:"komplett_per_hit_eur" mapstructure:"komplett_per_hit_eur"`
	ReservationBufferPct int     `yaml:"reservation_buffer_pct" mapstructure:"reservation_buffer_pct"`
}

// RateCard returns the configured default rates.
func (c PricingConfig) RateCard() cost.RateCard {
	return cost.RateCard{
		BaseFeeEUR:        c.BaseFeeEUR,
		StandardPerHitEUR: c.StandardPerHitEUR,
		PremiumPerHitEUR:  c.PremiumPerHitEUR,
		KomplettPerHitEUR: c.KomplettPerHitEUR,
	}
}

// OrderConfig tunes the order lifecycle.
type OrderConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// GoogleConfig configures the Google Places provider. An empty Key leaves
// the provider unregistered.
type GoogleConfig struct {
	Key               string                 `yaml:"key" mapstructure:"key"`
	BaseURL           string                 `yaml:"base_url" mapstructure:"base_url"`
	CostPerRequestUSD float64                `yaml:"cost_per_request_usd" mapstructure:"cost_per_request_usd"`
	Guard             resilience.GuardConfig `yaml:"guard" mapstructure:"guard"`
}

// Enabled reports whether the provider has credentials.
func (c GoogleConfig) Enabled() bool { return c.Key != "" }

// DataForSEOConfig configures the DataForSEO provider. It is registered only
// when both login and password are set.
type DataForSEOConfig struct {
	Login    string                 `yaml:"login" mapstructure:"login"`
	Password string                 `yaml:"password" mapstructure:"password"`
	BaseURL  string                 `yaml:"base_url" mapstructure:"base_url"`
	Guard    resilience.GuardConfig `yaml:"guard" mapstructure:"guard"`
}

// Enabled reports whether the provider has credentials.
func (c DataForSEOConfig) Enabled() bool { return c.Login != "" && c.Password != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 15)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	rates := cost.DefaultRateCard()
	v.SetDefault("pricing.base_fee_eur", rates.BaseFeeEUR)
	v.SetDefault("pricing.standard_per_hit_eur", rates.StandardPerHitEUR)
	v.SetDefault("pricing.premium_per_hit_eur", rates.PremiumPerHitEUR)
	v.SetDefault("pricing.komplett_per_hit_eur", rates.KomplettPerHitEUR)
	v.SetDefault("pricing.reservation_buffer_pct", cost.DefaultReservationBufferPct)

	v.SetDefault("order.max_attempts", 3)

	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.stale_after", 30*time.Minute)
	v.SetDefault("worker.reap_interval", time.Minute)
	v.SetDefault("worker.max_results", 60)

	v.SetDefault("dedup.name_similarity", dedup.DefaultNameSimilarity)
	v.SetDefault("dedup.min_phone_digits", 6)
	v.SetDefault("dedup.candidate_limit", 500)

	v.SetDefault("google.key", "")
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("google.cost_per_request_usd", 0.032)
	v.SetDefault("dataforseo.login", "")
	v.SetDefault("dataforseo.password", "")
	v.SetDefault("dataforseo.base_url", "https://api.dataforseo.com")
	for _, p := range []string{"google", "dataforseo"} {
		v.SetDefault(p+".guard.rate_per_second", 5.0)
		v.SetDefault(p+".guard.burst", 1)
		v.SetDefault(p+".guard.retry.max_attempts", 3)
		v.SetDefault(p+".guard.retry.initial_backoff", 500*time.Millisecond)
		v.SetDefault(p+".guard.retry.max_backoff", 10*time.Second)
		v.SetDefault(p+".guard.retry.jitter", 0.2)
		v.SetDefault(p+".guard.breaker.threshold", 5)
		v.SetDefault(p+".guard.breaker.cooldown", 30*time.Second)
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validation modes.
const (
	// ModeOffline covers commands that never touch the database.
	ModeOffline = "offline"
	// ModeDB covers commands that need store.database_url.
	ModeDB = "db"
	// ModeWorker covers the fulfilment worker.
	ModeWorker = "worker"
)

// Validate checks the settings the given mode depends on and reports every
// problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case ModeOffline:
	case ModeDB, ModeWorker:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pricing.ReservationBufferPct < 0 {
		errs = append(errs, "pricing.reservation_buffer_pct must be >= 0")
	}
	if c.Order.MaxAttempts < 1 {
		errs = append(errs, "order.max_attempts must be >= 1")
	}
	if c.Dedup.NameSimilarity <= 0 || c.Dedup.NameSimilarity > 1 {
		errs = append(errs, "dedup.name_similarity must be in (0, 1]")
	}
	if mode == ModeWorker {
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			errs = append(errs, "worker.concurrency must be between 1 and 64")
		}
		if c.Worker.PollInterval <= 0 {
			errs = append(errs, "worker.poll_interval must be > 0")
		}
		if c.Worker.StaleAfter < 3*time.Second {
			errs = append(errs, "worker.stale_after must be >= 3s")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
