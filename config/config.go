/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults below
  2. Config file (YAML, TOML or JSON; --config flag or ./staffdesk.yaml)
  3. STAFFDESK_* environment variables (dots become underscores,
     e.g. STAFFDESK_DB_PATH)
  4. Command-line flags bound by cmd/server

KEYS:
  port                  HTTP port
  db.path               SQLite path, ":memory:" for a throwaway database
  log.level             debug | info | warn | error
  log.format            text | json
  cors.allowed_origins  Origins allowed by the CORS middleware
  demo                  Load demo data on startup
  shutdown_timeout      Grace period for in-flight requests
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "STAFFDESK"

// Config is the server configuration.
type Config struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	DB              DBConfig      `mapstructure:"db"`
	Log             LogConfig     `mapstructure:"log"`
	CORS            CORSConfig    `mapstructure:"cors"`
	Demo            bool          `mapstructure:"demo"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

type DBConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" validate:"dive,required"`
}

// SlogLevel maps Log.Level to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var validate = validator.New()

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("db.path", "staffdesk.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("demo", false)
	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// Load reads configuration from v. An empty file means: look for
// staffdesk.{yaml,toml,json} in the working directory, and carry on without
// one if none exists.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("staffdesk")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field rule.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: rule %q (value: %v)", e.Namespace(), e.Tag(), e.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
