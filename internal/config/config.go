package config

import "time"

// Config holds server configuration values. Port is the one required CLI
// argument; everything else has a default and may come from the config
// file or environment.
type Config struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	DataDir         string        `mapstructure:"data_dir" yaml:"data_dir"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	WSAddr          string        `mapstructure:"ws_addr" yaml:"ws_addr"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns configuration with reasonable starter defaults. The
// WebSocket gateway stays off until an address is configured.
func Default() Config {
	return Config{
		DataDir:         ".",
		Workers:         4,
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.Workers != 0 {
		c.Workers = other.Workers
	}
	if other.WSAddr != "" {
		c.WSAddr = other.WSAddr
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
}
