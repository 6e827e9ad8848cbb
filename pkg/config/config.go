// Package config loads skystream configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (SKYSTREAM_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/marmos91/skystream/internal/bytesize"
	"github.com/marmos91/skystream/internal/logger"
)

// Config captures the static configuration of the skystream tool.
type Config struct {
	// Logging controls log output behavior.
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	// Portals lists the portal base URLs to spread transfers across.
	// Empty means the built-in public portal set.
	Portals []string `mapstructure:"portals" validate:"dive,url" yaml:"portals"`

	// Pool sizes the portal worker pool and its bandwidth budgets.
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// MaxBlockSize bounds a single upload flush; the per-stream upload
	// queue is capped at twice this.
	MaxBlockSize bytesize.ByteSize `mapstructure:"max_block_size" validate:"required" yaml:"max_block_size"`

	// CacheDir enables the local badger block cache when non-empty.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`

	// MetricsListen serves /metrics and /healthz when non-empty, e.g.
	// "127.0.0.1:9090".
	MetricsListen string `mapstructure:"metrics_listen" yaml:"metrics_listen"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	DownloadWorkers   int               `mapstructure:"download_workers"   validate:"gt=0"       yaml:"download_workers"`
	UploadWorkers     int               `mapstructure:"upload_workers"     validate:"gt=0"       yaml:"upload_workers"`
	DownloadBandwidth bytesize.ByteSize `mapstructure:"download_bandwidth" validate:"required" yaml:"download_bandwidth"`
	UploadBandwidth   bytesize.ByteSize `mapstructure:"upload_bandwidth"   validate:"required" yaml:"upload_bandwidth"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: logger.Config{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Pool: PoolConfig{
			DownloadWorkers:   4,
			UploadWorkers:     4,
			DownloadBandwidth: 8 * bytesize.MiB,
			UploadBandwidth:   8 * bytesize.MiB,
		},
		MaxBlockSize: 128 * bytesize.MiB,
	}
}

// DefaultPath returns the default config file location,
// $XDG_CONFIG_HOME/skystream/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "skystream", "config.yaml")
}

// Load reads configuration from path (or DefaultPath when empty), applies
// SKYSTREAM_* environment overrides, and validates the result. A missing
// file is not an error; defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SKYSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return Config{}, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(bytesizeDecodeHook())); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers the default values so env-only overrides work
// without a config file.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("portals", cfg.Portals)
	v.SetDefault("pool.download_workers", cfg.Pool.DownloadWorkers)
	v.SetDefault("pool.upload_workers", cfg.Pool.UploadWorkers)
	v.SetDefault("pool.download_bandwidth", cfg.Pool.DownloadBandwidth.String())
	v.SetDefault("pool.upload_bandwidth", cfg.Pool.UploadBandwidth.String())
	v.SetDefault("max_block_size", cfg.MaxBlockSize.String())
	v.SetDefault("cache_dir", cfg.CacheDir)
	v.SetDefault("metrics_listen", cfg.MetricsListen)
}
