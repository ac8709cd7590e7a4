package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration, loaded from YAML with secrets
// overlaid from the environment.
type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Feed      FeedConfig      `yaml:"feed"`
	Cache     CacheConfig     `yaml:"cache"`
	Runner    RunnerConfig    `yaml:"runner"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []VoteProvider  `yaml:"vote_providers"`
}

// PostgresConfig locates the ledger database.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig locates the hot quote/cache tier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FeedConfig locates the live market-data stream and the historical
// REST endpoint behind it.
type FeedConfig struct {
	URL       string   `yaml:"url"`
	RestURL   string   `yaml:"rest_url"`
	APIKey    string   `yaml:"api_key"`
	Symbols   []string `yaml:"symbols"`
	Timeframe string   `yaml:"timeframe"`
}

// Duration parses YAML strings like "5m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CacheConfig tunes the tiered market-data cache.
type CacheConfig struct {
	ColdPath     string   `yaml:"cold_path"`
	MaxBars      int      `yaml:"max_bars"`
	RefreshEvery Duration `yaml:"refresh_every"`
}

// RunnerConfig carries paper-runner knobs that vary per deployment.
type RunnerConfig struct {
	HolidayCalendar   string   `yaml:"holiday_calendar"`
	GatesTable        string   `yaml:"gates_table"`
	TickSize          float64  `yaml:"tick_size"`
	PointValue        float64  `yaml:"point_value"`
	FeePerSide        float64  `yaml:"fee_per_side"`
	SessionCheckEvery Duration `yaml:"session_check_every"`
}

// TelemetryConfig locates the HTTP surface.
type TelemetryConfig struct {
	Addr string `yaml:"addr"`
}

// VoteProvider configures one ensemble endpoint. API keys come from the
// environment via KeyEnv, never from the YAML file.
type VoteProvider struct {
	Name       string  `yaml:"name"`
	URL        string  `yaml:"url"`
	KeyEnv     string  `yaml:"key_env"`
	APIKey     string  `yaml:"-"`
	BaseWeight float64 `yaml:"base_weight"`
	RPS        float64 `yaml:"rps"`
}

// Load reads the YAML file, overlays environment secrets (a .env file
// is honored when present), and validates. Invalid configuration is a
// startup error, never a runtime surprise.
func Load(path string) (*Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", errs)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETRUN_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("FLEETRUN_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FLEETRUN_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("FLEETRUN_FEED_API_KEY"); v != "" {
		c.Feed.APIKey = v
	}
	for i := range c.Providers {
		if c.Providers[i].KeyEnv != "" {
			c.Providers[i].APIKey = os.Getenv(c.Providers[i].KeyEnv)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Feed.Timeframe == "" {
		c.Feed.Timeframe = "1m"
	}
	if c.Cache.MaxBars == 0 {
		c.Cache.MaxBars = 1000
	}
	if c.Cache.RefreshEvery == 0 {
		c.Cache.RefreshEvery = Duration(5 * time.Minute)
	}
	if c.Runner.TickSize == 0 {
		c.Runner.TickSize = 0.25
	}
	if c.Runner.PointValue == 0 {
		c.Runner.PointValue = 5
	}
	if c.Runner.FeePerSide == 0 {
		c.Runner.FeePerSide = 1.24
	}
	if c.Runner.SessionCheckEvery == 0 {
		c.Runner.SessionCheckEvery = Duration(30 * time.Second)
	}
	if c.Telemetry.Addr == "" {
		c.Telemetry.Addr = ":8090"
	}
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() []string {
	var errs []string
	if c.Postgres.DSN == "" {
		errs = append(errs, "postgres.dsn is required")
	}
	if c.Feed.URL == "" {
		errs = append(errs, "feed.url is required")
	}
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed.symbols must list at least one symbol")
	}
	if c.Runner.TickSize <= 0 {
		errs = append(errs, "runner.tick_size must be positive")
	}
	if c.Runner.PointValue <= 0 {
		errs = append(errs, "runner.point_value must be positive")
	}
	for _, p := range c.Providers {
		if p.Name == "" || p.URL == "" {
			errs = append(errs, "vote_providers entries need name and url")
			continue
		}
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("vote provider %s has no API key (set %s)", p.Name, p.KeyEnv))
		}
	}
	return errs
}
