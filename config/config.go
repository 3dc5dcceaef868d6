/*
config.go - Service configuration

PURPOSE:
  Loads server, database, auth, logging, commission and reconciler settings
  from an optional YAML file and REFERRAL_* environment variables. Every key
  has a default, so the service starts with no file at all.

ENVIRONMENT:
  Nested keys map to upper-case names with "." replaced by "_":
    database.dsn          -> REFERRAL_DATABASE_DSN
    commission.min_amount -> REFERRAL_COMMISSION_MIN_AMOUNT

SEE ALSO:
  - cmd/server/main.go: Flags that override these values
  - referral/config.go: Commission parameters consumed by the engine
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/referral-engine/referral"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
	Commission CommissionConfig `mapstructure:"commission"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres | memory
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	AdminToken string        `mapstructure:"admin_token"`
}

type LogConfig struct {
	Production bool `mapstructure:"production"`
}

// CommissionConfig keeps amounts as strings so no value passes through
// float64.
type CommissionConfig struct {
	MaxDirectReferrals int    `mapstructure:"max_direct_referrals"`
	MinAmount          string `mapstructure:"min_amount"`
	Level1Percentage   string `mapstructure:"level1_percentage"`
	Level2Percentage   string `mapstructure:"level2_percentage"`
	CurrencyScale      int32  `mapstructure:"currency_scale"`
	MaxConflictRetries int    `mapstructure:"max_conflict_retries"`
}

type ReconcileConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

type NotifyConfig struct {
	Workers int `mapstructure:"workers"`
	Buffer  int `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "referral.db")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("auth.jwt_secret", "change-me")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.admin_token", "")

	v.SetDefault("log.production", false)

	def := referral.DefaultConfig()
	v.SetDefault("commission.max_direct_referrals", def.MaxDirectReferrals)
	v.SetDefault("commission.min_amount", def.MinPurchaseAmount.String())
	v.SetDefault("commission.level1_percentage", def.Level1Percentage.String())
	v.SetDefault("commission.level2_percentage", def.Level2Percentage.String())
	v.SetDefault("commission.currency_scale", def.CurrencyScale)
	v.SetDefault("commission.max_conflict_retries", def.MaxConflictRetries)

	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.max_attempts", 10)
	v.SetDefault("reconcile.stale_after", 5*time.Minute)

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.buffer", 16)
}

// Load reads path (optional) and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REFERRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if _, err := cfg.Commission.Engine(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Engine converts the commission section into engine parameters.
func (c CommissionConfig) Engine() (referral.Config, error) {
	minAmount, err := decimal.NewFromString(c.MinAmount)
	if err != nil {
		return referral.Config{}, fmt.Errorf("commission.min_amount: %w", err)
	}
	l1, err := decimal.NewFromString(c.Level1Percentage)
	if err != nil {
		return referral.Config{}, fmt.Errorf("commission.level1_percentage: %w", err)
	}
	l2, err := decimal.NewFromString(c.Level2Percentage)
	if err != nil {
		return referral.Config{}, fmt.Errorf("commission.level2_percentage: %w", err)
	}
	cfg := referral.Config{
		MaxDirectReferrals: c.MaxDirectReferrals,
		MinPurchaseAmount:  minAmount,
		Level1Percentage:   l1,
		Level2Percentage:   l2,
		CurrencyScale:      c.CurrencyScale,
		MaxConflictRetries: c.MaxConflictRetries,
	}
	if err := cfg.Validate(); err != nil {
		return referral.Config{}, err
	}
	return cfg, nil
}
