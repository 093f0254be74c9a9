// Package config loads runtime settings for the chat relay from defaults, an
// optional config file and the environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name, so the key
// rate_limit.burst is read from CHATRELAY_RATE_LIMIT_BURST.
const EnvPrefix = "CHATRELAY"

// Supported values for Database.Driver.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

// DatabaseConfig selects and configures the message store.
type DatabaseConfig struct {
	Driver  string
	URL     string
	Migrate bool
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// Config holds the server configuration settings including security controls.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	HistoryLimit    int
	JWT             JWTConfig
	Database        DatabaseConfig
	Log             LogConfig
	ShutdownTimeout time.Duration
}

// legacyEnv maps keys to the unprefixed variable names older deployments set.
var legacyEnv = map[string]string{
	"listen_addr":                "SERVER_PORT",
	"allowed_origins":            "ALLOWED_ORIGINS",
	"max_message_size":           "MAX_MESSAGE_SIZE",
	"rate_limit.burst":           "RATE_LIMIT_BURST",
	"rate_limit.refill_interval": "RATE_LIMIT_REFILL_INTERVAL",
	"jwt.secret":                 "JWT_SECRET",
	"database.url":               "DATABASE_URL",
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		HistoryLimit: 50,
		JWT: JWTConfig{
			TTL: 5 * time.Hour,
		},
		Database: DatabaseConfig{
			Migrate: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_message_size", d.MaxMessageSize)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval.String())
	v.SetDefault("history_limit", d.HistoryLimit)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", d.JWT.TTL.String())
	v.SetDefault("database.driver", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", d.Database.Migrate)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout.String())
}

// Load reads the configuration. path names an optional YAML, TOML or JSON
// file; an empty path uses defaults and the environment only. The result is
// sanitized and validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return Config{}, err
	}
	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (Config, error) {
	refill, err := parseDuration(v.GetString("rate_limit.refill_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: rate_limit.refill_interval: %w", ErrInvalid, err)
	}
	ttl, err := parseDuration(v.GetString("jwt.ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: jwt.ttl: %w", ErrInvalid, err)
	}
	shutdown, err := parseDuration(v.GetString("shutdown_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: shutdown_timeout: %w", ErrInvalid, err)
	}

	return Config{
		ListenAddr:     v.GetString("listen_addr"),
		AllowedOrigins: originsValue(v.Get("allowed_origins")),
		MaxMessageSize: v.GetInt64("max_message_size"),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt("rate_limit.burst"),
			RefillInterval: refill,
		},
		HistoryLimit: v.GetInt("history_limit"),
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			TTL:    ttl,
		},
		Database: DatabaseConfig{
			Driver:  v.GetString("database.driver"),
			URL:     v.GetString("database.url"),
			Migrate: v.GetBool("database.migrate"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		ShutdownTimeout: shutdown,
	}, nil
}

// Sanitize replaces zero or negative values with their defaults and infers
// the database driver from the presence of a URL.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	// A bare port from SERVER_PORT=8080 binds every interface, as ":8080" does.
	if _, err := strconv.Atoi(cfg.ListenAddr); err == nil {
		cfg.ListenAddr = ":" + cfg.ListenAddr
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = d.HistoryLimit
	}

	if cfg.JWT.TTL <= 0 {
		cfg.JWT.TTL = d.JWT.TTL
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverMemory
		if cfg.Database.URL != "" {
			cfg.Database.Driver = DriverPostgres
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}

	return cfg
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("%w: jwt.secret is required", ErrInvalid)
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database.url is required for the %s driver", ErrInvalid, DriverPostgres)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", ErrInvalid, c.Database.Driver)
	}
	return nil
}

// originsValue accepts both a list from a config file and the comma
// separated form used in ALLOWED_ORIGINS.
func originsValue(raw any) []string {
	switch value := raw.(type) {
	case string:
		return parseOrigins(value)
	case []string:
		return append([]string(nil), value...)
	case []any:
		origins := make([]string, 0, len(value))
		for _, item := range value {
			origins = append(origins, fmt.Sprint(item))
		}
		return origins
	default:
		return nil
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseDuration accepts Go duration strings and, for RATE_LIMIT_REFILL_INTERVAL
// compatibility, a bare integer number of seconds.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}
