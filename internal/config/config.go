// Package config loads runtime configuration from flags, environment and an optional file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. TOKENWATCH_POSTGRES_DSN.
const EnvPrefix = "TOKENWATCH"

// DotEnvFile is loaded into the environment when present. Variables that
// are already set are left alone.
const DotEnvFile = ".env"

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel    string `mapstructure:"log-level"`
	LogFormat   string `mapstructure:"log-format"`
	MetricsAddr string `mapstructure:"metrics-addr"`

	Postgres   Postgres   `mapstructure:"postgres"`
	ClickHouse ClickHouse `mapstructure:"clickhouse"`
	Redis      Redis      `mapstructure:"redis"`
	NATS       NATS       `mapstructure:"nats"`
	Upstream   Upstream   `mapstructure:"upstream"`
	Retry      Retry      `mapstructure:"retry"`
	Limiter    Limiter    `mapstructure:"limiter"`
	Scheduler  Scheduler  `mapstructure:"scheduler"`
	Poller     Poller     `mapstructure:"poller"`
	Ingester   Ingester   `mapstructure:"ingester"`
	Sync       Sync       `mapstructure:"sync"`
	Cleaner    Cleaner    `mapstructure:"cleaner"`
	RefPrice   RefPrice   `mapstructure:"refprice"`
}

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max-conns"`
	MinConns        int32         `mapstructure:"min-conns"`
	MaxConnLifetime time.Duration `mapstructure:"max-conn-lifetime"`
}

// ClickHouse is optional; an empty DSN disables the trade mirror.
type ClickHouse struct {
	DSN string `mapstructure:"dsn"`
}

// Redis is optional; an empty Addr leaves the reference price on its fallback.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// NATS is optional; an empty URL disables lifecycle events.
type NATS struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject-prefix"`
}

type Upstream struct {
	TokensURL     string        `mapstructure:"tokens-url"`
	TokensAPIKey  string        `mapstructure:"tokens-api-key"`
	HistoryURL    string        `mapstructure:"history-url"`
	HistoryAPIKey string        `mapstructure:"history-api-key"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Retry struct {
	MaxAttempts int           `mapstructure:"max-attempts"`
	BaseDelay   time.Duration `mapstructure:"base-delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max-delay"`
}

type Limiter struct {
	MinGap time.Duration `mapstructure:"min-gap"`
	Jitter time.Duration `mapstructure:"jitter"`
}

type Scheduler struct {
	Interval            time.Duration `mapstructure:"interval"`
	DiscoveryEvery      int           `mapstructure:"discovery-every"`
	TradesEvery         int           `mapstructure:"trades-every"`
	SyncEvery           int           `mapstructure:"sync-every"`
	DefaultBackoff      time.Duration `mapstructure:"default-backoff"`
	PauseOnOpenPosition bool          `mapstructure:"pause-on-open-position"`
	CleanerInterval     time.Duration `mapstructure:"cleaner-interval"`
}

type Poller struct {
	BatchSize       int `mapstructure:"batch-size"`
	MaxPairAttempts int `mapstructure:"max-pair-attempts"`
}

type Ingester struct {
	BatchSize           int           `mapstructure:"batch-size"`
	RequestsPerSecond   float64       `mapstructure:"requests-per-second"`
	TickBudget          time.Duration `mapstructure:"tick-budget"`
	Concurrency         int           `mapstructure:"concurrency"`
	SmallPageSize       int           `mapstructure:"small-page-size"`
	MaxPages            int           `mapstructure:"max-pages"`
	ZeroStreakThreshold int           `mapstructure:"zero-streak-threshold"`
}

type Sync struct {
	Window int64 `mapstructure:"window"`
	Limit  int   `mapstructure:"limit"`
}

type Cleaner struct {
	BatchSize        int           `mapstructure:"batch-size"`
	NoPairAge        time.Duration `mapstructure:"no-pair-age"`
	PriceCorridor    time.Duration `mapstructure:"price-corridor"`
	MinSamples       int           `mapstructure:"min-samples"`
	HolderIterations int           `mapstructure:"holder-iterations"`
	MinHolders       int           `mapstructure:"min-holders"`
	KeepIterations   int           `mapstructure:"keep-iterations"`
	MaxLoops         int           `mapstructure:"max-loops"`
	DryRun           bool          `mapstructure:"dry-run"`
}

type RefPrice struct {
	Fallback float64       `mapstructure:"fallback"`
	MaxAge   time.Duration `mapstructure:"max-age"`
}

// flagKeys maps flat CLI flag names onto nested config keys.
var flagKeys = map[string]string{
	"postgres-dsn": "postgres.dsn",
	"dry-run":      "cleaner.dry-run",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
	v.SetDefault("metrics-addr", ":9090")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max-conns", int32(10))
	v.SetDefault("postgres.min-conns", int32(1))
	v.SetDefault("postgres.max-conn-lifetime", time.Hour)

	v.SetDefault("clickhouse.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "price:SOL:USD")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject-prefix", "tokenwatch.lifecycle")

	v.SetDefault("upstream.tokens-url", "https://lite-api.jup.ag")
	v.SetDefault("upstream.tokens-api-key", "")
	v.SetDefault("upstream.history-url", "https://api.helius.xyz")
	v.SetDefault("upstream.history-api-key", "")
	v.SetDefault("upstream.timeout", 15*time.Second)

	v.SetDefault("retry.max-attempts", 4)
	v.SetDefault("retry.base-delay", 500*time.Millisecond)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max-delay", 10*time.Second)

	v.SetDefault("limiter.min-gap", 250*time.Millisecond)
	v.SetDefault("limiter.jitter", 100*time.Millisecond)

	v.SetDefault("scheduler.interval", 2*time.Second)
	v.SetDefault("scheduler.discovery-every", 10)
	v.SetDefault("scheduler.trades-every", 1)
	v.SetDefault("scheduler.sync-every", 5)
	v.SetDefault("scheduler.default-backoff", 30*time.Second)
	v.SetDefault("scheduler.pause-on-open-position", true)
	v.SetDefault("scheduler.cleaner-interval", 10*time.Minute)

	v.SetDefault("poller.batch-size", 50)
	v.SetDefault("poller.max-pair-attempts", 20)

	v.SetDefault("ingester.batch-size", 25)
	v.SetDefault("ingester.requests-per-second", 5.0)
	v.SetDefault("ingester.tick-budget", 4*time.Second)
	v.SetDefault("ingester.concurrency", 4)
	v.SetDefault("ingester.small-page-size", 10)
	v.SetDefault("ingester.max-pages", 5)
	v.SetDefault("ingester.zero-streak-threshold", 30)

	v.SetDefault("sync.window", int64(10))
	v.SetDefault("sync.limit", 200)

	v.SetDefault("cleaner.batch-size", 100)
	v.SetDefault("cleaner.no-pair-age", 30*time.Minute)
	v.SetDefault("cleaner.price-corridor", 20*time.Minute)
	v.SetDefault("cleaner.min-samples", 60)
	v.SetDefault("cleaner.holder-iterations", 300)
	v.SetDefault("cleaner.min-holders", 25)
	v.SetDefault("cleaner.keep-iterations", 600)
	v.SetDefault("cleaner.max-loops", 50)
	v.SetDefault("cleaner.dry-run", false)

	v.SetDefault("refprice.fallback", 150.0)
	v.SetDefault("refprice.max-age", 5*time.Minute)
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", DotEnvFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := f.Name
			if nested, ok := flagKeys[f.Name]; ok {
				key = nested
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("tokenwatch")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every long-running command needs.
func (c Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.DiscoveryEvery <= 0 || c.Scheduler.TradesEvery <= 0 || c.Scheduler.SyncEvery <= 0 {
		errs = append(errs, errors.New("scheduler tick periods must be positive"))
	}
	if c.Sync.Window < 0 {
		errs = append(errs, errors.New("sync.window must not be negative"))
	}
	if c.Ingester.Concurrency <= 0 {
		errs = append(errs, errors.New("ingester.concurrency must be positive"))
	}
	return errors.Join(errs...)
}
