// Package config loads lucid-rpc settings from a config file and LUCID_* env vars.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lucid-rpc/logger"
)

// ServerConfig controls the dispatch engine.
type ServerConfig struct {
	Network         string        `mapstructure:"network"`
	Address         string        `mapstructure:"address"`
	Workers         int           `mapstructure:"workers"`        // 0 = unbounded
	MaxFrameSize    uint32        `mapstructure:"max_frame_size"` // 0 = unlimited
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests/sec, 0 = off
	RateBurst       int           `mapstructure:"rate_burst"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"` // 0 = off
	WebSocketPath   string        `mapstructure:"websocket_path"`  // "" = off
	WebSocketAddr   string        `mapstructure:"websocket_address"`
}

// ClientConfig controls the pooled client.
type ClientConfig struct {
	Network      string        `mapstructure:"network"`
	Address      string        `mapstructure:"address"`
	PoolSize     int           `mapstructure:"pool_size"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"` // 0 = unbounded
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxFrameSize uint32        `mapstructure:"max_frame_size"`
	Balancer     string        `mapstructure:"balancer"`  // round_robin | least_pending
	Heartbeat    time.Duration `mapstructure:"heartbeat"` // 0 = off
}

// Config is the full configuration tree.
type Config struct {
	Server ServerConfig  `mapstructure:"server"`
	Client ClientConfig  `mapstructure:"client"`
	Log    logger.Config `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.network", "tcp")
	v.SetDefault("server.address", "127.0.0.1:5000")
	v.SetDefault("server.workers", 0)
	v.SetDefault("server.max_frame_size", 0)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 0)
	v.SetDefault("server.handler_timeout", 0)
	v.SetDefault("server.websocket_path", "")
	v.SetDefault("server.websocket_address", "127.0.0.1:5001")

	v.SetDefault("client.network", "tcp")
	v.SetDefault("client.address", "127.0.0.1:5000")
	v.SetDefault("client.pool_size", 1)
	v.SetDefault("client.call_timeout", 0)
	v.SetDefault("client.dial_timeout", 5*time.Second)
	v.SetDefault("client.max_frame_size", 0)
	v.SetDefault("client.balancer", "round_robin")
	v.SetDefault("client.heartbeat", 0)

	d := logger.DefaultConfig()
	v.SetDefault("log.level", d.Level)
	v.SetDefault("log.format", d.Format)
	v.SetDefault("log.time_format", d.TimeFormat)
	v.SetDefault("log.output", d.Output)
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	cfg, _ := decode(newViper())
	return cfg
}

// Load reads the config file at path, or searches the working directory for
// lucid.{yaml,json,toml} when path is empty. A missing file is not an error
// in search mode. LUCID_* env vars override file values, e.g.
// LUCID_SERVER_ADDRESS=0.0.0.0:7000.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lucid")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LUCID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	switch cfg.Server.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("server.network %q not supported", cfg.Server.Network)
	}
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address required")
	}
	if cfg.Server.Workers < 0 {
		return fmt.Errorf("server.workers must be >= 0")
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = 1
	}
	if cfg.Server.WebSocketPath != "" && !strings.HasPrefix(cfg.Server.WebSocketPath, "/") {
		return fmt.Errorf("server.websocket_path must start with '/'")
	}
	if cfg.Client.PoolSize <= 0 {
		cfg.Client.PoolSize = 1
	}
	switch cfg.Client.Balancer {
	case "round_robin", "least_pending":
	default:
		return fmt.Errorf("client.balancer %q not supported", cfg.Client.Balancer)
	}
	if cfg.Client.CallTimeout < 0 {
		return fmt.Errorf("client.call_timeout must be >= 0")
	}
	return nil
}
