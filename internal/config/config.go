package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Aggregator  AggregatorConfig `mapstructure:"aggregator"`
	Exchange    ExchangeConfig   `mapstructure:"exchange"`
	Scrape      ScrapeConfig     `mapstructure:"scrape"`
	Pricing     PricingConfig    `mapstructure:"pricing"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AggregatorConfig drives the rate-limited market-data API client. The
// MinCallSpacing gate is independent of any scheduler cadence because the
// upstream quota, not wall-clock scheduling, is the binding constraint.
type AggregatorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Timeout        string `mapstructure:"timeout"`
	BatchSize      int    `mapstructure:"batch_size"`
	MinCallSpacing string `mapstructure:"min_call_spacing"`
}

// ExchangeConfig configures the direct low-latency ticker adapter.
type ExchangeConfig struct {
	Name       string  `mapstructure:"name"`
	TickerURL  string  `mapstructure:"ticker_url"`
	Pair       string  `mapstructure:"pair"`
	Timeout    string  `mapstructure:"timeout"`
	MaxRetries int     `mapstructure:"max_retries"`
	RetryDelay string  `mapstructure:"retry_delay"`
	PriceFloor float64 `mapstructure:"price_floor"`
	PriceCeil  float64 `mapstructure:"price_ceil"`
}

// ScrapeConfig configures the last-resort page scrape adapter.
type ScrapeConfig struct {
	URL        string  `mapstructure:"url"`
	Pair       string  `mapstructure:"pair"`
	Timeout    string  `mapstructure:"timeout"`
	CacheTTL   string  `mapstructure:"cache_ttl"`
	PriceFloor float64 `mapstructure:"price_floor"`
	PriceCeil  float64 `mapstructure:"price_ceil"`
}

// PricingConfig holds the reconciliation policy: source priority lists and
// freshness thresholds.
type PricingConfig struct {
	ExchangePriority        []string `mapstructure:"exchange_priority"`
	QuotePriority           []string `mapstructure:"quote_priority"`
	DirectStaleness         string   `mapstructure:"direct_staleness"`
	AggregatorWarnStaleness string   `mapstructure:"aggregator_warn_staleness"`
	BestPriceTTL            string   `mapstructure:"best_price_ttl"`
	PersistBatchSize        int      `mapstructure:"persist_batch_size"`
	LinkBatchSize           int      `mapstructure:"link_batch_size"`
}

// JobConfig is one scheduled job: either IntervalSeconds > 0 for a
// fixed-interval trigger or a non-empty Cron expression for a calendar one.
type JobConfig struct {
	Name            string `mapstructure:"name"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	Cron            string `mapstructure:"cron"`
	Lane            string `mapstructure:"lane"`
	Enabled         bool   `mapstructure:"enabled"`
}

type SchedulerConfig struct {
	Lanes map[string]int `mapstructure:"lanes"`
	Jobs  []JobConfig    `mapstructure:"jobs"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the scheduler cannot run safely: duplicate
// job names, jobs pointing at undeclared lanes, and jobs with zero or two
// trigger specs.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Scheduler.Jobs))
	for _, job := range c.Scheduler.Jobs {
		if job.Name == "" {
			return fmt.Errorf("scheduler job with empty name")
		}
		if seen[job.Name] {
			return fmt.Errorf("duplicate scheduler job name: %s", job.Name)
		}
		seen[job.Name] = true

		if _, ok := c.Scheduler.Lanes[job.Lane]; !ok {
			return fmt.Errorf("job %s assigned to undeclared lane %q", job.Name, job.Lane)
		}

		hasInterval := job.IntervalSeconds > 0
		hasCron := job.Cron != ""
		if hasInterval == hasCron {
			return fmt.Errorf("job %s must have exactly one of interval_seconds or cron", job.Name)
		}
	}

	for _, d := range []struct {
		name, value string
	}{
		{"aggregator.timeout", c.Aggregator.Timeout},
		{"aggregator.min_call_spacing", c.Aggregator.MinCallSpacing},
		{"exchange.timeout", c.Exchange.Timeout},
		{"exchange.retry_delay", c.Exchange.RetryDelay},
		{"scrape.timeout", c.Scrape.Timeout},
		{"scrape.cache_ttl", c.Scrape.CacheTTL},
		{"pricing.direct_staleness", c.Pricing.DirectStaleness},
		{"pricing.aggregator_warn_staleness", c.Pricing.AggregatorWarnStaleness},
		{"pricing.best_price_ttl", c.Pricing.BestPriceTTL},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.name, err)
		}
	}

	return nil
}

// Duration returns a parsed duration that Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "price_oracle")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("aggregator.base_url", "https://pro-api.coinmarketcap.com")
	viper.SetDefault("aggregator.api_key", "")
	viper.SetDefault("aggregator.timeout", "30s")
	viper.SetDefault("aggregator.batch_size", 100)
	viper.SetDefault("aggregator.min_call_spacing", "2200ms")

	viper.SetDefault("exchange.name", "coinup")
	viper.SetDefault("exchange.ticker_url", "https://openapi.coinup.io/open/api/get_ticker")
	viper.SetDefault("exchange.pair", "CP/USDT")
	viper.SetDefault("exchange.timeout", "10s")
	viper.SetDefault("exchange.max_retries", 3)
	viper.SetDefault("exchange.retry_delay", "1s")
	viper.SetDefault("exchange.price_floor", 0.0001)
	viper.SetDefault("exchange.price_ceil", 100)

	viper.SetDefault("scrape.url", "https://www.coinup.io/en_US/trade/CP_USDT")
	viper.SetDefault("scrape.pair", "CP/USDT")
	viper.SetDefault("scrape.timeout", "30s")
	viper.SetDefault("scrape.cache_ttl", "10s")
	viper.SetDefault("scrape.price_floor", 0.0001)
	viper.SetDefault("scrape.price_ceil", 100)

	viper.SetDefault("pricing.exchange_priority", []string{
		"binance", "bybit", "coinbase", "okx", "bitget", "mexc", "gate",
		"kucoin", "cryptocom", "htx", "kraken", "coinup",
	})
	viper.SetDefault("pricing.quote_priority", []string{
		"USDT", "USDC", "USD", "DAI", "USDS", "TUSD", "USDP", "FRAX",
	})
	viper.SetDefault("pricing.direct_staleness", "5m")
	viper.SetDefault("pricing.aggregator_warn_staleness", "15m")
	viper.SetDefault("pricing.best_price_ttl", "1h")
	viper.SetDefault("pricing.persist_batch_size", 500)
	viper.SetDefault("pricing.link_batch_size", 200)

	viper.SetDefault("scheduler.lanes", map[string]int{
		"price": 4, "sync": 2, "klines": 2, "heavy": 1,
	})
	viper.SetDefault("scheduler.jobs", []map[string]interface{}{
		{"name": "collect_prices", "interval_seconds": 30, "lane": "price", "enabled": true},
		{"name": "persist_prices", "interval_seconds": 15, "lane": "price", "enabled": true},
		{"name": "process_pending_batch", "interval_seconds": 2, "lane": "sync", "enabled": true},
		{"name": "sync_aggregator_data", "interval_seconds": 300, "lane": "sync", "enabled": true},
		{"name": "hourly_candle_update", "cron": "15 * * * *", "lane": "klines", "enabled": true},
		{"name": "daily_candle_backfill", "cron": "30 2 * * *", "lane": "klines", "enabled": true},
		{"name": "daily_full_resync", "cron": "0 3 * * *", "lane": "heavy", "enabled": true},
		{"name": "daily_holdings_update", "cron": "0 4 * * *", "lane": "heavy", "enabled": true},
		{"name": "daily_unlocks_update", "cron": "0 5 * * *", "lane": "heavy", "enabled": true},
		{"name": "daily_allocations_update", "cron": "0 6 * * *", "lane": "heavy", "enabled": true},
	})
}
