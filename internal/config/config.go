// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Filename      string `yaml:"filename"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"-"` // Loaded from environment
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// RefundTier grants Percent of the paid total when cancelling at least
// MinHoursBefore hours ahead of the first slot.
type RefundTier struct {
	MinHoursBefore float64 `yaml:"min_hours_before"`
	Percent        int     `yaml:"percent"`
}

type BookingConfig struct {
	HoldMinutes          int          `yaml:"hold_minutes"`
	MaxOccurrences       int          `yaml:"max_occurrences"`
	DefaultTimezone      string       `yaml:"default_timezone"`
	DefaultOpeningTime   string       `yaml:"default_opening_time"`
	DefaultClosingTime   string       `yaml:"default_closing_time"`
	DefaultPaymentMethod string       `yaml:"default_payment_method"`
	RefundTiers          []RefundTier `yaml:"refund_tiers"`
}

func (b BookingConfig) HoldDuration() time.Duration {
	return time.Duration(b.HoldMinutes) * time.Minute
}

type AvailabilityConfig struct {
	DefaultRangeDays       int `yaml:"default_range_days"`
	MaxRangeDays           int `yaml:"max_range_days"`
	DefaultDurationMinutes int `yaml:"default_duration_minutes"`
	DefaultLimit           int `yaml:"default_limit"`
	UnfilteredFacilityCap  int `yaml:"unfiltered_facility_cap"`
}

type SchedulerConfig struct {
	SweepCron        string        `yaml:"sweep_cron"`
	ReconcileHorizon time.Duration `yaml:"reconcile_horizon"`
}

type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	HoldsPerUser int           `yaml:"holds_per_user"`
	HoldsPerIP   int           `yaml:"holds_per_ip"`
	Window       time.Duration `yaml:"window"`
	CleanupEvery time.Duration `yaml:"cleanup_every"`
	// TrustProxy honours X-Forwarded-For when resolving client IPs.
	TrustProxy bool `yaml:"trust_proxy"`
}

type Config struct {
	App struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
		Port        int    `yaml:"port"`
		BaseURL     string `yaml:"base_url"`
		SecretKey   string `yaml:"-"` // Loaded from environment
	} `yaml:"app"`

	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Booking      BookingConfig      `yaml:"booking"`
	Availability AvailabilityConfig `yaml:"availability"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`

	Features struct {
		EnableDebug     bool `yaml:"enable_debug"`
		EnableReconcile bool `yaml:"enable_reconcile"`
		EnableMatches   bool `yaml:"enable_matches"`
	} `yaml:"features"`
}

// Load loads both .env and yaml configuration
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Load sensitive values from environment
	cfg.App.SecretKey = os.Getenv("APP_SECRET_KEY")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every optional setting filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.App.Name = "courtbook"
	cfg.App.Environment = "development"
	cfg.App.Port = 8080
	cfg.Database = DatabaseConfig{
		Driver:        "sqlite",
		Filename:      "data/courtbook.db",
		BusyTimeoutMS: 5000,
	}
	cfg.Redis = RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	cfg.Booking = BookingConfig{
		HoldMinutes:          10,
		MaxOccurrences:       50,
		DefaultTimezone:      "UTC",
		DefaultOpeningTime:   "06:00",
		DefaultClosingTime:   "23:00",
		DefaultPaymentMethod: "pay_at_club",
		RefundTiers: []RefundTier{
			{MinHoursBefore: 24, Percent: 100},
			{MinHoursBefore: 2, Percent: 50},
		},
	}
	cfg.Availability = AvailabilityConfig{
		DefaultRangeDays:       10,
		MaxRangeDays:           31,
		DefaultDurationMinutes: 60,
		DefaultLimit:           50,
		UnfilteredFacilityCap:  5,
	}
	cfg.Scheduler = SchedulerConfig{
		SweepCron:        "* * * * *",
		ReconcileHorizon: 48 * time.Hour,
	}
	cfg.RateLimit = RateLimitConfig{
		Enabled:      true,
		HoldsPerUser: 20,
		HoldsPerIP:   60,
		Window:       time.Hour,
		CleanupEvery: 10 * time.Minute,
	}
	cfg.Features.EnableReconcile = true
	cfg.Features.EnableMatches = true
	return cfg
}

func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.App.Port == 0 {
		return fmt.Errorf("app port is required")
	}
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Filename == "" {
			return fmt.Errorf("database filename is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Booking.HoldMinutes <= 0 {
		return fmt.Errorf("booking hold_minutes must be positive")
	}
	if c.Booking.MaxOccurrences <= 0 {
		return fmt.Errorf("booking max_occurrences must be positive")
	}
	if _, err := time.LoadLocation(c.Booking.DefaultTimezone); err != nil {
		return fmt.Errorf("booking default_timezone: %w", err)
	}
	for _, v := range []string{c.Booking.DefaultOpeningTime, c.Booking.DefaultClosingTime} {
		if _, err := time.Parse("15:04", v); err != nil && v != "24:00" {
			return fmt.Errorf("invalid default operating time %q", v)
		}
	}
	for i, tier := range c.Booking.RefundTiers {
		if tier.Percent < 0 || tier.Percent > 100 {
			return fmt.Errorf("refund tier %d: percent must be between 0 and 100", i)
		}
		if tier.MinHoursBefore < 0 {
			return fmt.Errorf("refund tier %d: min_hours_before must not be negative", i)
		}
	}
	if c.Availability.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("availability default_duration_minutes must be positive")
	}
	if c.Availability.MaxRangeDays <= 0 {
		return fmt.Errorf("availability max_range_days must be positive")
	}
	if c.Availability.DefaultLimit <= 0 || c.Availability.UnfilteredFacilityCap <= 0 {
		return fmt.Errorf("availability limits must be positive")
	}
	if c.Scheduler.SweepCron == "" {
		return fmt.Errorf("scheduler sweep_cron is required")
	}

	return nil
}
