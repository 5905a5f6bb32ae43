// Package config provides configuration loading for stylefang: the tool
// configuration read by the CLI and the per-project style options looked up
// next to each compiled asset.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = "stylefang"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for stylefang settings.
const envPrefix = "STYLEFANG"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

const (
	logFormatJSON = "json"
	logFormatText = "text"
	maxRatio      = 1.0
)

// Sentinel validation errors.
var (
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidExtension   = errors.New("resolver extensions must start with a dot")
	ErrInvalidSampleRatio = errors.New("sample ratio must be between 0 and 1")
)

// Config holds the stylefang tool configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Output    OutputConfig    `mapstructure:"output"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds tracing and metrics export configuration.
type TelemetryConfig struct {
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	MetricsTextfile string  `mapstructure:"metrics_textfile"`
	SampleRatio     float64 `mapstructure:"sample_ratio"`
	OTLPInsecure    bool    `mapstructure:"otlp_insecure"`
}

// ResolverConfig holds module resolution configuration.
type ResolverConfig struct {
	RootDir    string   `mapstructure:"root_dir"`
	Extensions []string `mapstructure:"extensions"`
}

// OutputConfig holds defaults applied to every compiled asset.
type OutputConfig struct {
	PublicURL string `mapstructure:"public_url"`
	Minify    bool   `mapstructure:"minify"`
	Strict    bool   `mapstructure:"strict"`

	// CacheDir enables the build cache when set.
	CacheDir string `mapstructure:"cache_dir"`
}

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD, ./config and $HOME/.config.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home + "/.config")
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.format", DefaultLogFormat)

	viperCfg.SetDefault("telemetry.otlp_endpoint", DefaultOTLPEndpoint)
	viperCfg.SetDefault("telemetry.otlp_insecure", DefaultOTLPInsecure)
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("telemetry.metrics_textfile", DefaultMetricsTextfile)

	viperCfg.SetDefault("resolver.extensions", DefaultExtensions)
	viperCfg.SetDefault("resolver.root_dir", "")

	viperCfg.SetDefault("output.public_url", DefaultPublicURL)
	viperCfg.SetDefault("output.minify", DefaultMinify)
	viperCfg.SetDefault("output.strict", DefaultStrict)
	viperCfg.SetDefault("output.cache_dir", DefaultCacheDir)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}

	switch c.Logging.Format {
	case logFormatJSON, logFormatText:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	for _, ext := range c.Resolver.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("%w: %q", ErrInvalidExtension, ext)
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > maxRatio {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, c.Telemetry.SampleRatio)
	}

	return nil
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(l.Level))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}

	return level, nil
}

// JSON reports whether logs are written as JSON.
func (l LoggingConfig) JSON() bool {
	return l.Format == logFormatJSON
}
