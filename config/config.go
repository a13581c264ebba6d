/*
Package config loads engagement-engine settings with viper.

SOURCES (later wins):
  1. Defaults below
  2. Optional YAML file (--config)
  3. Environment, prefixed ENGAGEMENT_ with dots as underscores:
       decline.suspend_after  ->  ENGAGEMENT_DECLINE_SUSPEND_AFTER

Keys mirror the component they configure, so a reader of the YAML file can
find the consuming package by the first segment.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "ENGAGEMENT"

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Membership MembershipConfig `mapstructure:"membership"`
	Decline    DeclineConfig    `mapstructure:"decline"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	Offers     OffersConfig     `mapstructure:"offers"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type HTTPConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the persistence backend: "memory" or "sqlite".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MembershipConfig struct {
	// CatalogPath points to a JSON tier catalog; empty uses the built-in one.
	CatalogPath string `mapstructure:"catalog_path"`
}

type DeclineConfig struct {
	Window             time.Duration `mapstructure:"window"`
	HighValueThreshold string        `mapstructure:"high_value_threshold"`
	SuspendAfter       int           `mapstructure:"suspend_after"`
	SuspensionDuration time.Duration `mapstructure:"suspension_duration"`
}

// CreditsConfig selects the throttle backend: "store" or "redis".
type CreditsConfig struct {
	Backend     string `mapstructure:"backend"`
	WeeklyQuota int64  `mapstructure:"weekly_quota"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type OffersConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type SchedulerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CreditReset string `mapstructure:"credit_reset"`
	OfferSweep  string `mapstructure:"offer_sweep"`
}

type NotifyConfig struct {
	Buffer int `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "engagement.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("membership.catalog_path", "")
	v.SetDefault("decline.window", 7*24*time.Hour)
	v.SetDefault("decline.high_value_threshold", "10000")
	v.SetDefault("decline.suspend_after", 5)
	v.SetDefault("decline.suspension_duration", 24*time.Hour)
	v.SetDefault("credits.backend", "store")
	v.SetDefault("credits.weekly_quota", 1)
	v.SetDefault("credits.redis_prefix", "credits")
	v.SetDefault("offers.ttl", 48*time.Hour)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.credit_reset", "0 0 * * 1") // Monday 00:00
	v.SetDefault("scheduler.offer_sweep", "*/5 * * * *")
	v.SetDefault("notify.buffer", 256)
}

// New returns a viper instance with defaults and env binding applied.
// Callers may bind cobra flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}
	switch c.Credits.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("credits.backend must be store or redis, got %q", c.Credits.Backend)
	}
	if c.Credits.WeeklyQuota <= 0 {
		return fmt.Errorf("credits.weekly_quota must be positive, got %d", c.Credits.WeeklyQuota)
	}
	if c.Decline.Window <= 0 || c.Decline.SuspensionDuration <= 0 {
		return fmt.Errorf("decline.window and decline.suspension_duration must be positive")
	}
	if c.Decline.SuspendAfter <= 0 {
		return fmt.Errorf("decline.suspend_after must be positive, got %d", c.Decline.SuspendAfter)
	}
	if _, err := c.HighValueThreshold(); err != nil {
		return err
	}
	if c.Offers.TTL <= 0 {
		return fmt.Errorf("offers.ttl must be positive, got %s", c.Offers.TTL)
	}
	return nil
}

// HighValueThreshold parses decline.high_value_threshold.
func (c Config) HighValueThreshold() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Decline.HighValueThreshold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decline.high_value_threshold: %w", err)
	}
	return d, nil
}
