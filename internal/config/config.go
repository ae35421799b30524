// internal/config/config.go

// Package config loads settings for the goodies daemon and CLI from a
// YAML file and GOODIES_* environment variables. Precedence is
// defaults < file < environment; flags that override individual values
// are applied by the commands themselves.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// Auth modes accepted by the server section.
const (
	AuthModeNone   = "none"
	AuthModeStatic = "static"
	AuthModeJWT    = "jwt"
)

// Config is the root of the configuration tree shared by goodiesd and
// the goodies CLI. Each binary reads only its own section plus log.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures the goodiesd daemon.
type ServerConfig struct {
	// Listen is the HTTP bind address.
	Listen string `mapstructure:"listen"`
	// Driver and DSN select the backing database; sqlite3 file paths
	// and postgres connection strings are both accepted.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// DeviceID is the server's sync identity; empty mints one on
	// first start and persists it in the store.
	DeviceID string `mapstructure:"device_id"`
	// ResolutionStrategy picks the conflict policy: last_write_wins,
	// manual, or field_merge.
	ResolutionStrategy string `mapstructure:"resolution_strategy"`
	// MaxBatch caps changes per sync request.
	MaxBatch int `mapstructure:"max_batch"`
	// MaxClockSkew is the future-timestamp ceiling for incoming
	// versions; negative disables the check.
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`
	// RequestTimeout bounds one request end to end; 0 disables it.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RateLimit is sync requests per second per device; 0 disables.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// ShutdownGrace bounds the in-flight drain on SIGTERM.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Auth          AuthConfig    `mapstructure:"auth"`
}

// AuthConfig selects how bearer tokens on /api/v1 are checked.
type AuthConfig struct {
	// Mode is none, static, or jwt.
	Mode string `mapstructure:"mode"`
	// Tokens maps bearer token to principal name for mode static.
	Tokens map[string]string `mapstructure:"tokens"`
	// JWTSecret is the HS256 key for mode jwt.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ClientConfig configures a goodies replica.
type ClientConfig struct {
	// ServerURL is the goodiesd base URL.
	ServerURL string `mapstructure:"server_url"`
	// Token is sent as Authorization: Bearer on every request.
	Token  string `mapstructure:"token"`
	Driver string `mapstructure:"driver"`
	// DSN is the replica database path.
	DSN string `mapstructure:"dsn"`
	// DeviceID is the replica identity; empty mints one on first run.
	DeviceID string `mapstructure:"device_id"`
	// UserID stamps versions authored on this replica.
	UserID string `mapstructure:"user_id"`
	// MaxBatch caps changes pushed per request; keep it at or below
	// the server's max_batch or pushes come back BatchTooLarge.
	MaxBatch int `mapstructure:"max_batch"`
	// MaxAttempts, BaseBackoff and MaxFailures shape the retry
	// policy: attempts per request, first backoff step, and the
	// consecutive-failure budget before pending rows are parked.
	MaxFailures int           `mapstructure:"max_failures"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	// HTTPTimeout bounds one HTTP exchange.
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is a zerolog level name: trace through fatal.
	Level string `mapstructure:"level"`
	// Format is console or json.
	Format string `mapstructure:"format"`
}

// Load reads configuration from path; an empty path searches for
// goodies.yaml in the working directory and /etc/goodies, and missing
// files are fine there. Environment variables override file values,
// GOODIES_SERVER_LISTEN for server.listen and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOODIES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("goodies")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/goodies")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without meaningful defaults still get registered with an
	// empty value: viper only honors env overrides for known keys.
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.driver", "sqlite3")
	v.SetDefault("server.dsn", "goodiesd.db")
	v.SetDefault("server.device_id", "")
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.resolution_strategy", string(inbetweenies.StrategyLastWriteWins))
	v.SetDefault("server.max_batch", inbetweenies.DefaultMaxChanges)
	v.SetDefault("server.max_clock_skew", 5*time.Minute)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.shutdown_grace", 10*time.Second)
	v.SetDefault("server.auth.mode", AuthModeNone)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.driver", "sqlite3")
	v.SetDefault("client.dsn", "goodies.db")
	v.SetDefault("client.device_id", "")
	v.SetDefault("client.user_id", "local")
	v.SetDefault("client.max_batch", inbetweenies.DefaultMaxChanges)
	v.SetDefault("client.max_attempts", 4)
	v.SetDefault("client.base_backoff", 500*time.Millisecond)
	v.SetDefault("client.max_failures", 5)
	v.SetDefault("client.http_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate rejects values the daemon or CLI could not start with.
func (c *Config) Validate() error {
	switch inbetweenies.ResolutionStrategy(c.Server.ResolutionStrategy) {
	case inbetweenies.StrategyLastWriteWins, inbetweenies.StrategyManual, inbetweenies.StrategyFieldMerge:
	default:
		return fmt.Errorf("config: unknown resolution strategy %q", c.Server.ResolutionStrategy)
	}
	switch c.Server.Auth.Mode {
	case AuthModeNone, AuthModeStatic, AuthModeJWT:
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Server.Auth.Mode)
	}
	if c.Server.Auth.Mode == AuthModeJWT && c.Server.Auth.JWTSecret == "" {
		return errors.New("config: auth mode jwt needs auth.jwt_secret")
	}
	if c.Server.Auth.Mode == AuthModeStatic && len(c.Server.Auth.Tokens) == 0 {
		return errors.New("config: auth mode static needs at least one token")
	}
	if c.Server.MaxBatch < 0 || c.Client.MaxBatch < 0 {
		return errors.New("config: max_batch cannot be negative")
	}
	if c.Client.ServerURL == "" {
		return errors.New("config: client.server_url is required")
	}
	return nil
}
