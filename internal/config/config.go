// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EngineConfig holds the clustering thresholds. Distances are meters.
type EngineConfig struct {
	NearbyRadiusM float64 `yaml:"nearby_radius_m" mapstructure:"nearby_radius_m"`
	FormRadiusM   float64 `yaml:"form_radius_m" mapstructure:"form_radius_m"`
	LeaveRadiusM  float64 `yaml:"leave_radius_m" mapstructure:"leave_radius_m"`
	JoinRadiusM   float64 `yaml:"join_radius_m" mapstructure:"join_radius_m"`

	// FreshnessWindowMins bounds how old a presence may be and still count
	// toward forming a new ripple.
	FreshnessWindowMins int `yaml:"freshness_window_mins" mapstructure:"freshness_window_mins"`
}

// FreshnessWindow returns the window as a duration.
func (c EngineConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowMins) * time.Minute
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RIPPLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. database_url defaults empty so viper knows the key and
	// AutomaticEnv can fill it without a config file.
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.nearby_radius_m", 5000)
	v.SetDefault("engine.form_radius_m", 30)
	v.SetDefault("engine.leave_radius_m", 150)
	v.SetDefault("engine.join_radius_m", 200)
	v.SetDefault("engine.freshness_window_mins", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
