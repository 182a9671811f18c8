// Package config loads this module's configuration the way the teacher
// does: viper over a YAML file, environment overrides, and a
// validator/v10 pass, trimmed to the sections this core actually wires
// (no Auth, Kafka producer, Sentry, DynamoDB, Temporal, Webhook or
// Secrets sections — those back the HTTP/RPC surface this module
// excludes).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Configuration is the root config tree.
type Configuration struct {
	Deployment DeploymentConfig `mapstructure:"deployment" validate:"required"`
	Logging    LoggingConfig    `mapstructure:"logging" validate:"required"`
	Postgres   PostgresConfig   `mapstructure:"postgres" validate:"required"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" validate:"omitempty"`
	Cache      CacheConfig      `mapstructure:"cache" validate:"omitempty"`
	Billing    BillingConfig    `mapstructure:"billing" validate:"omitempty"`
	S3         S3Config         `mapstructure:"s3" validate:"omitempty"`
	FX         FXConfig         `mapstructure:"fx" validate:"omitempty"`
}

type DeploymentConfig struct {
	Mode string `mapstructure:"mode" validate:"required"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required"`
}

type PostgresConfig struct {
	Host                   string `mapstructure:"host" validate:"required"`
	Port                   int    `mapstructure:"port" validate:"required"`
	User                   string `mapstructure:"user" validate:"required"`
	Password               string `mapstructure:"password"`
	DBName                 string `mapstructure:"dbname" validate:"required"`
	SSLMode                string `mapstructure:"sslmode" validate:"required"`
	MaxOpenConns           int    `mapstructure:"max_open_conns" default:"10"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns" default:"5"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes" default:"60"`
}

func (c PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
		c.User, c.Password, c.DBName, c.Host, c.Port, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Address  string `mapstructure:"address"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

type CacheConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	DefaultTTLSeconds int  `mapstructure:"default_ttl_seconds" default:"300"`
}

// BillingConfig holds the engine-level knobs not derivable from a
// subscription row: which tax engine variant is active tenant-wide and
// the grace period, in days, for slot activation.
type BillingConfig struct {
	TaxEngine              string `mapstructure:"tax_engine" default:"NONE"`
	SlotActivationGraceDays int   `mapstructure:"slot_activation_grace_days" default:"0"`
}

type S3Config struct {
	Enabled             bool         `mapstructure:"enabled"`
	Region              string       `mapstructure:"region"`
	InvoiceBucketConfig BucketConfig `mapstructure:"invoice"`
}

type BucketConfig struct {
	Bucket                string `mapstructure:"bucket"`
	PresignExpiryDuration string `mapstructure:"presign_expiry_duration" default:"15m"`
	KeyPrefix             string `mapstructure:"key_prefix"`
}

// FXConfig is the historical-rate client's source and refresh window.
type FXConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	RefreshHours   int    `mapstructure:"refresh_hours" default:"24"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds" default:"10"`
}

// NewConfig loads config.yaml (searched under ./internal/config then
// ./config), overridden by SUB001_-prefixed environment variables. It
// does not validate the result; Validate runs the struct-tag checks.
func NewConfig() (*Configuration, error) {
	v := viper.New()

	_ = godotenv.Load()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SUB001")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// GetDefaultConfig returns a minimal configuration for local development
// and the cmd/billingctl harness.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Deployment: DeploymentConfig{Mode: "local"},
		Logging:    LoggingConfig{Level: "debug"},
		Postgres: PostgresConfig{
			Host: "localhost", Port: 5432, User: "postgres", DBName: "sub001", SSLMode: "disable",
		},
		Cache:   CacheConfig{Enabled: true, DefaultTTLSeconds: 300},
		Billing: BillingConfig{TaxEngine: "NONE"},
	}
}

// Validate runs struct-tag validation over the loaded configuration.
func (c Configuration) Validate() error {
	return validator.New().Struct(c)
}
