// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is built once by
// the composition root and the relevant section is passed to each component constructor.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Timeout      TimeoutConfig      `mapstructure:"timeout"`
	Lock         LockConfig         `mapstructure:"lock"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Health       HealthConfig       `mapstructure:"health"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	ExchangeRate ExchangeRateConfig `mapstructure:"exchange_rate"`
	Disparity    DisparityConfig    `mapstructure:"disparity"`
	Graph        GraphConfig        `mapstructure:"graph"`
	Targets      []Target           `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Dir         string `mapstructure:"dir"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

// RedisConfig describes the shared key-value store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PostgresConfig controls the observation store. An empty DSN disables persistence.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CrawlerConfig governs fetch, retry and politeness behavior.
type CrawlerConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PolitenessDelay time.Duration `mapstructure:"politeness_delay"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
	WindowLimit     int           `mapstructure:"window_limit"`
	Window          time.Duration `mapstructure:"window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`

	// ForbiddenThreshold blocks a host after this many 403 responses; 0 disables blocking.
	ForbiddenThreshold int `mapstructure:"forbidden_threshold"`
}

// BreakerConfig configures the per-host circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// TimeoutConfig configures adaptive timeouts.
type TimeoutConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// LockConfig configures the distributed sweep lock.
type LockConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	SweepKey string        `mapstructure:"sweep_key"`
}

// CacheConfig configures the latest-observation cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// HealthConfig sets thresholds for the health checker.
type HealthConfig struct {
	StoreMaxLatency  time.Duration `mapstructure:"store_max_latency"`
	StoreMaxMemory   int64         `mapstructure:"store_max_memory_bytes"`
	HeapMaxBytes     uint64        `mapstructure:"heap_max_bytes"`
	DiskPath         string        `mapstructure:"disk_path"`
	DiskMinFreeBytes uint64        `mapstructure:"disk_min_free_bytes"`
	DNSHost          string        `mapstructure:"dns_host"`
	DNSTimeout       time.Duration `mapstructure:"dns_timeout"`
}

// MonitorConfig sizes the performance monitor ring buffers.
type MonitorConfig struct {
	Window int `mapstructure:"window"`
}

// ScheduleConfig toggles the cron-driven sweep.
type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// ExchangeRateConfig fixes the rate used to compare KR and US prices.
type ExchangeRateConfig struct {
	KRWPerUSD float64 `mapstructure:"krw_per_usd"`
}

// DisparityConfig controls how long computed disparities stay cached.
type DisparityConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// GraphConfig sets price graph retention. Entries not updated within Retention are removed
// after each scheduled sweep; 0 keeps everything.
type GraphConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// Target is one product page to price.
type Target struct {
	Product  string `mapstructure:"product"`
	Category string `mapstructure:"category"`
	Market   string `mapstructure:"market"`
	URL      string `mapstructure:"url"`
	Selector string `mapstructure:"selector"`
	Currency string `mapstructure:"currency"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "pricepulse")
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "3s")
	v.SetDefault("redis.read_timeout", "1s")
	v.SetDefault("redis.write_timeout", "1s")
	v.SetDefault("postgres.table", "price_observations")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("crawler.user_agent", "PricePulseBot/1.0 (+https://github.com/JakeFAU/price-pulse)")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.backoff_base", "1s")
	v.SetDefault("crawler.request_timeout", "30s")
	v.SetDefault("crawler.politeness_delay", "1s")
	v.SetDefault("crawler.rate_per_second", 1.0)
	v.SetDefault("crawler.rate_burst", 1)
	v.SetDefault("crawler.window_limit", 60)
	v.SetDefault("crawler.window", "1m")
	v.SetDefault("crawler.max_body_bytes", 5*1024*1024)
	v.SetDefault("crawler.forbidden_threshold", 3)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")
	v.SetDefault("breaker.half_open_max_calls", 0)
	v.SetDefault("timeout.history_size", 10)
	v.SetDefault("lock.ttl", "30m")
	v.SetDefault("lock.sweep_key", "sweep:daily")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("health.store_max_latency", "100ms")
	v.SetDefault("health.store_max_memory_bytes", 1<<30)
	v.SetDefault("health.heap_max_bytes", 500<<20)
	v.SetDefault("health.disk_path", ".")
	v.SetDefault("health.disk_min_free_bytes", 100<<20)
	v.SetDefault("health.dns_host", "google.com")
	v.SetDefault("health.dns_timeout", "5s")
	v.SetDefault("monitor.window", 100)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.cron", "0 6 * * *")
	v.SetDefault("exchange_rate.krw_per_usd", 1300.0)
	v.SetDefault("disparity.ttl", "24h")
	v.SetDefault("graph.retention", "720h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.MaxRetries <= 0 {
		return fmt.Errorf("crawler.max_retries must be > 0")
	}
	if c.Crawler.BackoffBase < 0 {
		return fmt.Errorf("crawler.backoff_base must be >= 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.WindowLimit > 0 && c.Crawler.Window <= 0 {
		return fmt.Errorf("crawler.window must be > 0 when crawler.window_limit is set")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be > 0")
	}
	if c.Breaker.HalfOpenMaxCalls < 0 {
		return fmt.Errorf("breaker.half_open_max_calls must be >= 0")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0")
	}
	if c.Cache.TTL < time.Second {
		return fmt.Errorf("cache.ttl must be >= 1s")
	}
	if c.Monitor.Window <= 0 {
		return fmt.Errorf("monitor.window must be > 0")
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron must be set when schedule is enabled")
	}
	if c.ExchangeRate.KRWPerUSD <= 0 {
		return fmt.Errorf("exchange_rate.krw_per_usd must be > 0")
	}
	if c.Disparity.TTL < time.Second {
		return fmt.Errorf("disparity.ttl must be >= 1s")
	}
	if c.Graph.Retention < 0 {
		return fmt.Errorf("graph.retention must be >= 0")
	}
	for i, t := range c.Targets {
		if err := t.validate(); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
	}
	return nil
}

func (t Target) validate() error {
	if strings.TrimSpace(t.Product) == "" {
		return fmt.Errorf("product must be set")
	}
	switch strings.ToUpper(t.Market) {
	case "KR", "US":
	default:
		return fmt.Errorf("market must be KR or US, got %q", t.Market)
	}
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", t.URL)
	}
	return nil
}
