// Package config defines the gateway's runtime configuration and its
// Viper-backed loader, grounded on the teacher's config.Config +
// cli/cmd_configurator.go pattern (YAML file, env var, and pflag
// binding through mapstructure tags).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every option spec.md §6 lists as core-relevant, plus
// the resilience-fabric tuning spec.md §4.8/§9 requires but doesn't
// assign a home in the external-config table.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Performance  PerformanceConfig  `mapstructure:"performance"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Cursor       CursorConfig       `mapstructure:"cursor"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	GracefulTimeout   time.Duration `mapstructure:"graceful_timeout"`
	ForceTimeout      time.Duration `mapstructure:"force_timeout"`
}

type DatabaseConfig struct {
	ConnectionString    string        `mapstructure:"connection_string"`
	PoolSize            int           `mapstructure:"pool_size"`
	MaxLifetime         time.Duration `mapstructure:"max_lifetime"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	ConnectionTimeout   time.Duration `mapstructure:"connection_timeout"`
	StatementCacheSize  int           `mapstructure:"statement_cache_size"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout"`
}

type PerformanceConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type RateLimitingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

type CircuitBreakerConfig struct {
	VolumeThreshold  int           `mapstructure:"volume_threshold"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	SleepWindow      time.Duration `mapstructure:"sleep_window"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type CursorConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Format string `mapstructure:"format"`
	Debug  bool   `mapstructure:"debug"`
}

// Default returns the configuration the gateway starts from before
// any file/env/flag overrides are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              27018,
			MaxConnections:    1000,
			ConnectionTimeout: 30 * time.Second,
			KeepAlive:         60 * time.Second,
			GracefulTimeout:   15 * time.Second,
			ForceTimeout:      30 * time.Second,
		},
		Database: DatabaseConfig{
			PoolSize:           20,
			MaxLifetime:        30 * time.Minute,
			IdleTimeout:        5 * time.Minute,
			ConnectionTimeout:  5 * time.Second,
			StatementCacheSize: 100,
			QueryTimeout:       10 * time.Second,
		},
		Performance: PerformanceConfig{BatchSize: 101},
		RateLimiting: RateLimitingConfig{
			Enabled:           true,
			RequestsPerSecond: 1000,
			BurstSize:         2000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			VolumeThreshold:  20,
			FailureThreshold: 10,
			SuccessThreshold: 3,
			SleepWindow:      5 * time.Second,
			Timeout:          10 * time.Second,
		},
		Cursor: CursorConfig{Timeout: 10 * time.Minute},
		Logging: LoggingConfig{Format: "console"},
	}
}

// Load binds flags, environment, and an optional YAML file into a
// Config, following the teacher's BindPFlags + AddConfigPath +
// Unmarshal sequence in cli/cmd_configurator.go.
func Load(flags *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
