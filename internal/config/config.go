package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Upstream timeouts must stay within these bounds.
const (
	minUpstreamTimeout = 15 * time.Second
	maxUpstreamTimeout = 20 * time.Second
)

// Stored weather readings are unique per village and clock hour, so a shorter
// window would let a second reading in the same hour through to the insert.
const minWeatherDedupWindow = time.Hour

type AppConfig struct {
	OpenWeatherAPIKey string
	OpenWeatherURL    string
	WeatherTimeout    time.Duration

	MarketAPIKey     string
	MarketAPIURL     string
	MarketLimit      int
	MarketRatePerSec float64
	MarketTimeout    time.Duration

	// Job cadence.
	WeatherInterval    time.Duration
	MarketInterval     time.Duration
	WeatherDedupWindow time.Duration
	IngestConcurrency  int
	RunOnStart         bool

	StoreDriver   string
	DatabaseURL   string
	DBMaxConns    int
	DBAutoMigrate bool

	RedisURL string // empty means in-process cache
	CacheTTL time.Duration

	EntitiesFile string

	KafkaBrokers   []string
	KafkaRunsTopic string

	Port            string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, after loading .env if present.
func Load() (*AppConfig, error) {
	// A missing .env is normal in containers.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the current environment, applies defaults
// and validates the result. All problems are reported together.
func FromEnv() (*AppConfig, error) {
	p := &parser{}
	cfg := &AppConfig{
		OpenWeatherAPIKey: os.Getenv("OPENWEATHER_API_KEY"),
		OpenWeatherURL:    getenvDefault("OPENWEATHER_URL", "https://api.openweathermap.org/data/3.0/onecall"),
		WeatherTimeout:    p.duration("WEATHER_TIMEOUT", 15*time.Second),

		MarketAPIKey:     os.Getenv("MARKET_API_KEY"),
		MarketAPIURL:     getenvDefault("MARKET_API_URL", "https://api.data.gov.in/resource/35985678-0d79-46b4-9ed6-6f13308a1d24"),
		MarketLimit:      p.int("MARKET_LIMIT", 10),
		MarketRatePerSec: p.float("MARKET_RATE_PER_SEC", 2),
		MarketTimeout:    p.duration("MARKET_TIMEOUT", 20*time.Second),

		WeatherInterval:    p.duration("WEATHER_INTERVAL", 15*time.Minute),
		MarketInterval:     p.duration("MARKET_INTERVAL", 60*time.Minute),
		WeatherDedupWindow: p.duration("WEATHER_DEDUP_WINDOW", time.Hour),
		IngestConcurrency:  p.int("INGEST_CONCURRENCY", 4),
		RunOnStart:         p.bool("RUN_ON_START", false),

		StoreDriver:   strings.ToLower(getenvDefault("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DBMaxConns:    p.int("DB_MAX_CONNS", 4),
		DBAutoMigrate: p.bool("DB_AUTO_MIGRATE", false),

		RedisURL: os.Getenv("REDIS_URL"),
		CacheTTL: p.duration("CACHE_TTL", time.Hour),

		EntitiesFile: getenvDefault("ENTITIES_FILE", "entities.yaml"),

		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaRunsTopic: getenvDefault("KAFKA_RUNS_TOPIC", "ingestion-runs"),

		Port:            getenvDefault("PORT", "8080"),
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
		LogFormat:       getenvDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	p.errs = append(p.errs, cfg.validate()...)
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(p.errs...))
	}
	return cfg, nil
}

func (c *AppConfig) validate() []error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"WEATHER_INTERVAL", c.WeatherInterval},
		{"MARKET_INTERVAL", c.MarketInterval},
		{"WEATHER_DEDUP_WINDOW", c.WeatherDedupWindow},
		{"CACHE_TTL", c.CacheTTL},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.WeatherDedupWindow > 0 && c.WeatherDedupWindow < minWeatherDedupWindow {
		errs = append(errs, fmt.Errorf("WEATHER_DEDUP_WINDOW must be at least %s", minWeatherDedupWindow))
	}
	if !withinTimeoutBounds(c.WeatherTimeout) {
		errs = append(errs, fmt.Errorf("WEATHER_TIMEOUT must be between %s and %s", minUpstreamTimeout, maxUpstreamTimeout))
	}
	if !withinTimeoutBounds(c.MarketTimeout) {
		errs = append(errs, fmt.Errorf("MARKET_TIMEOUT must be between %s and %s", minUpstreamTimeout, maxUpstreamTimeout))
	}
	if c.MarketLimit <= 0 {
		errs = append(errs, errors.New("MARKET_LIMIT must be positive"))
	}
	if c.MarketRatePerSec < 0 {
		errs = append(errs, errors.New("MARKET_RATE_PER_SEC must not be negative"))
	}
	if c.IngestConcurrency <= 0 {
		errs = append(errs, errors.New("INGEST_CONCURRENCY must be positive"))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q", DriverPostgres, DriverMemory))
	}
	if c.EntitiesFile == "" {
		errs = append(errs, errors.New("ENTITIES_FILE must not be empty"))
	}
	return errs
}

func withinTimeoutBounds(d time.Duration) bool {
	return d >= minUpstreamTimeout && d <= maxUpstreamTimeout
}

// WeatherEnabled reports whether the weather job has credentials.
func (c *AppConfig) WeatherEnabled() bool { return c.OpenWeatherAPIKey != "" }

// MarketEnabled reports whether the market job has credentials.
func (c *AppConfig) MarketEnabled() bool { return c.MarketAPIKey != "" }

// KafkaEnabled reports whether run events are published.
func (c *AppConfig) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// parser collects parse errors so they can be reported together.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
