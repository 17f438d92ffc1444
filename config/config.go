package config

import (
	"errors"
	"log/slog"
	"net"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/sticky-lb/internal/strategy"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	RouteByHost     = "host"
	RouteByListener = "listener"
)

const (
	StrategyRandom     = strategy.TypeRandom
	StrategyRoundRobin = strategy.TypeRoundRobin
	StrategyLeastConn  = strategy.TypeLeastConn
)

const maxEventLoops = 64

type ListenerConfig struct {
	Address string `mapstructure:"address"`
	RouteBy string `mapstructure:"route_by"`
}

type ServerConfig struct {
	Environment  string           `mapstructure:"environment"`
	EventLoops   int              `mapstructure:"event_loops"`
	AdminAddress string           `mapstructure:"admin_address"`
	Listeners    []ListenerConfig `mapstructure:"listeners"`
}

type BufferPoolConfig struct {
	Count int `mapstructure:"count"`
	Size  int `mapstructure:"size"`
}

type HistoryConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxEntries int  `mapstructure:"max_entries"`
	Stripes    int  `mapstructure:"stripes"`
}

type StrategyConfig struct {
	Type string `mapstructure:"type"`
}

type RouteConfig struct {
	Key      string   `mapstructure:"key"`
	Backends []string `mapstructure:"backends"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	BufferPool BufferPoolConfig `mapstructure:"buffer_pool"`
	History    HistoryConfig    `mapstructure:"history"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Routes     []RouteConfig    `mapstructure:"routes"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Load reads config.yaml from ./config or the working directory, applies
// environment overrides and validates the result. A missing file is not an
// error: defaults and environment variables are used instead.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	return decode(v)
}

// LoadFile reads the configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		slog.Error("failed to read config file",
			slog.String("file", path),
			slog.String("error", err.Error()))
		return nil, err
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.event_loops", 1)
	v.SetDefault("server.admin_address", ":9090")
	v.SetDefault("server.listeners", []map[string]any{
		{"address": ":8080", "route_by": RouteByHost},
	})
	v.SetDefault("buffer_pool.count", 512)
	v.SetDefault("buffer_pool.size", 32*1024)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.max_entries", 1<<20)
	v.SetDefault("history.stripes", 64)
	v.SetDefault("strategy.type", StrategyRandom)
	v.SetDefault("logging.level", LogLevelInfo)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.BufferPool),
		validation.Field(&c.History),
		validation.Field(&c.Strategy),
		validation.Field(&c.Routes,
			validation.Required,
			validation.Length(1, 0),
		),
		validation.Field(&c.Logging),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&s.EventLoops,
			validation.Required,
			validation.Min(1),
			validation.Max(maxEventLoops),
		),
		validation.Field(&s.AdminAddress,
			validation.By(validateHostPort),
		),
		validation.Field(&s.Listeners,
			validation.Required,
			validation.Length(1, 0),
		),
	)
}

func (l ListenerConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Address,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&l.RouteBy,
			validation.Required,
			validation.In(RouteByHost, RouteByListener),
		),
	)
}

func (b BufferPoolConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Count,
			validation.Required,
			validation.Min(1),
		),
		validation.Field(&b.Size,
			validation.Required,
			// each buffer is split into one pipe per direction
			validation.Min(2),
		),
	)
}

func (h HistoryConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.MaxEntries,
			validation.Required,
			validation.Min(1),
		),
		validation.Field(&h.Stripes,
			validation.Required,
			validation.Min(1),
		),
	)
}

func (s StrategyConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Type,
			validation.Required,
			validation.In(StrategyRandom, StrategyRoundRobin, StrategyLeastConn),
		),
	)
}

func (r RouteConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Key,
			validation.Required,
		),
		validation.Field(&r.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendAddress)),
		),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	// port 0 binds an ephemeral port
	if port != "0" {
		if err := is.Port.Validate(port); err != nil {
			return validation.NewError("validation_invalid_port", "invalid port")
		}
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateBackendAddress(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if host == "" {
		return validation.NewError("validation_missing_host", "backend address must have a host")
	}

	if port == "0" {
		return validation.NewError("validation_invalid_port", "backend port cannot be 0")
	}

	return validateHostPort(addr)
}
