// Package config handles tool-wide configuration using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// CacheMode selects which cache backend the executor attaches to one-shot
// executions.
type CacheMode string

const (
	// CacheModeLocal restores and persists outputs from a directory under
	// the package tree.
	CacheModeLocal CacheMode = "local"
	// CacheModeNone disables output restoration; fingerprint freshness is
	// still honored.
	CacheModeNone CacheMode = "none"
)

// Config holds process-wide engine settings. None of these values affect
// fingerprint identity; they only tune scheduling and cache behavior.
type Config struct {
	// Parallelism bounds the worker-slot pool. 0 means use the platform
	// heuristic (NumCPU).
	Parallelism int `toml:"parallelism" mapstructure:"parallelism"`
	// Cache selects the cache backend attached to the executor.
	Cache CacheMode `toml:"cache" mapstructure:"cache"`
	// CacheDir overrides the local cache backend's root directory. Empty
	// means ".scriptrun/cache" under the invocation directory.
	CacheDir string `toml:"cache_dir" mapstructure:"cache_dir"`
}

const (
	// AppName is the configuration directory name.
	AppName = "scriptrun"
	// ConfigFileName is the name of the config file, without extension.
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "toml"
)

var (
	globalConfig *Config
	configPath   string
)

// DefaultConfig returns the compiled-in configuration used when no config
// file is present.
func DefaultConfig() *Config {
	return &Config{
		Parallelism: 0,
		Cache:       CacheModeLocal,
		CacheDir:    "",
	}
}

// ConfigDir returns the platform configuration directory for scriptrun.
func ConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// Load reads and parses the configuration file, searching the platform
// config directory and the invocation directory, and caches the result.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType(ConfigFileExt)

	cfgDir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	v.AddConfigPath(cfgDir)
	v.AddConfigPath(".")
	v.AddConfigPath("./.scriptrun")

	defaults := DefaultConfig()
	v.SetDefault("parallelism", defaults.Parallelism)
	v.SetDefault("cache", string(defaults.Cache))
	v.SetDefault("cache_dir", defaults.CacheDir)

	v.SetEnvPrefix("scriptrun")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	configPath = v.ConfigFileUsed()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// Get returns the currently loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			return DefaultConfig()
		}
		return cfg
	}
	return globalConfig
}

// ConfigFilePath returns the path the active configuration was loaded from,
// empty if defaults are in effect.
func ConfigFilePath() string {
	return configPath
}

// CreateDefaultConfig writes a default config file if none exists yet.
func CreateDefaultConfig() error {
	cfgDir, err := ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)

	if _, err := os.Stat(cfgPath); err == nil {
		return nil
	}

	defaults := DefaultConfig()
	data, err := toml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	header := []byte("# scriptrun configuration file\n\n")

	if err := os.WriteFile(cfgPath, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Reset clears the cached configuration. Used by tests.
func Reset() {
	globalConfig = nil
	configPath = ""
}
