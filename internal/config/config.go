// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Device configuration
	Device DeviceConfig `mapstructure:"device"`

	// IPC configuration
	IPC IPCConfig `mapstructure:"ipc"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// DeviceConfig contains display-device settings
type DeviceConfig struct {
	Path          string `mapstructure:"path"`           // DRM device node, e.g. /dev/dri/card0
	DisableAtomic bool   `mapstructure:"disable_atomic"` // Force legacy mode setting
	DrainTimeout  int    `mapstructure:"drain_timeout"`  // Seconds to wait for pending flips on shutdown
}

// IPCConfig contains control-socket settings
type IPCConfig struct {
	SocketPath string `mapstructure:"socket_path"` // Empty means the per-user default
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Device: DeviceConfig{
			Path:          "/dev/dri/card0",
			DisableAtomic: false,
			DrainTimeout:  30,
		},
		IPC: IPCConfig{
			SocketPath: "",
		},
		Logging: LoggingConfig{
			LogLevel: "",
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("scanout")
	viper.SetConfigType("toml")

	// If a specific path is set, use only that
	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/scanout")
		if home := os.Getenv("HOME"); home != "" && home != "/root" {
			viper.AddConfigPath(filepath.Join(home, ".config", "scanout"))
		}
		viper.AddConfigPath(".")
	}

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("device.path", DefaultConfig.Device.Path)
	viper.SetDefault("device.disable_atomic", DefaultConfig.Device.DisableAtomic)
	viper.SetDefault("device.drain_timeout", DefaultConfig.Device.DrainTimeout)

	viper.SetDefault("ipc.socket_path", DefaultConfig.IPC.SocketPath)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	if os.Getuid() == 0 {
		return "/etc/scanout/scanout.toml"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/scanout/scanout.toml"
	}

	return filepath.Join(home, ".config", "scanout", "scanout.toml")
}

// Save saves the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
