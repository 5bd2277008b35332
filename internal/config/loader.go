package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "SCHEDULER"

// Config captures the settings of the scheduler service.
type Config struct {
	HTTPPort      int    `mapstructure:"http_port" validate:"min=1,max=65535"`
	StorageDriver string `mapstructure:"storage_driver" validate:"oneof=sqlite memory"`
	SQLitePath    string `mapstructure:"sqlite_path" validate:"required_if=StorageDriver sqlite"`

	TokenSecret string        `mapstructure:"token_secret" validate:"required,min=16"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" validate:"gt=0"`

	LockTTL          time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	LateCancelWindow time.Duration `mapstructure:"late_cancel_window" validate:"gt=0"`
	MaxOccurrences   int           `mapstructure:"max_occurrences" validate:"min=1,max=1000"`
	MaxMonths        int           `mapstructure:"max_months" validate:"min=1,max=36"`

	RedisURL     string `mapstructure:"redis_url" validate:"omitempty,url"`
	RedisChannel string `mapstructure:"redis_channel" validate:"required_with=RedisURL"`
	NodeID       string `mapstructure:"node_id"`

	AMQPURL      string `mapstructure:"amqp_url" validate:"omitempty,url"`
	AMQPExchange string `mapstructure:"amqp_exchange" validate:"required_with=AMQPURL"`

	CORSOrigins []string `mapstructure:"cors_origins"`
	RateLimit   float64  `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst   int      `mapstructure:"rate_burst" validate:"gte=0"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`
}

// Options controls where Load looks for settings.
type Options struct {
	// File is an optional YAML file. Environment variables win over it.
	File string
	// DotEnv lists .env files to preload. Missing files are ignored. Variables already set in
	// the process environment are never overwritten.
	DotEnv []string
}

var defaults = map[string]any{
	"http_port":          8080,
	"storage_driver":     "sqlite",
	"sqlite_path":        "scheduler.db",
	"token_ttl":          12 * time.Hour,
	"lock_ttl":           30 * time.Second,
	"sweep_interval":     5 * time.Second,
	"late_cancel_window": 24 * time.Hour,
	"max_occurrences":    52,
	"max_months":         12,
	"redis_channel":      "scheduler:events",
	"amqp_exchange":      "scheduler.events",
	"cors_origins":       []string{},
	"rate_limit":         20.0,
	"rate_burst":         40,
	"log_level":          "info",
	"log_format":         "json",
	"token_secret":       "",
	"redis_url":          "",
	"node_id":            "",
	"amqp_url":           "",
}

// Load reads configuration from the environment, an optional YAML file and .env files.
// Every missing or invalid value is reported in one error.
func Load(opts Options) (Config, error) {
	if opts.DotEnv == nil {
		opts.DotEnv = []string{".env"}
	}
	for _, file := range opts.DotEnv {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", file, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", opts.File, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.NodeID == "" {
		cfg.NodeID, _ = os.Hostname()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvKey returns the environment variable name for a config key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// Validate checks the struct tags and reports every offending variable.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config: %w", err)
	}
	var missing, invalid []string
	for _, fe := range fieldErrs {
		name := EnvKey(fe.Field())
		switch fe.Tag() {
		case "required", "required_if", "required_with":
			missing = append(missing, name)
		default:
			invalid = append(invalid, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(invalid)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required settings: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid settings: "+strings.Join(invalid, ", "))
	}
	return errors.New("config: " + strings.Join(parts, "; "))
}

var configValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("mapstructure")
	})
	return v
}()

// splitList accepts both a YAML list and a comma separated environment value.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
