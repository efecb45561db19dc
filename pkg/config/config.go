// Package config loads, defaults and validates the server configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (MEDIAVAULT_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mediavault/mediavault/internal/bytesize"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/drive"
)

// Config is the full server configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Catalog configures the relational catalog (SQLite or PostgreSQL).
	Catalog catalog.Config `mapstructure:"catalog" yaml:"catalog"`

	// ObjectStore configures the remote folder-and-blob store.
	ObjectStore drive.Config `mapstructure:"object_store" yaml:"object_store"`

	// Spool configures the chunked-upload receiver.
	Spool SpoolConfig `mapstructure:"spool" yaml:"spool"`

	// Pipeline tunes the worker pools.
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`

	// Stream tunes the range-streaming egress.
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`

	// API contains the HTTP server configuration.
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Auth contains token signing and lifetime settings.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Metrics contains Prometheus metrics configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// SpoolConfig configures the chunked-upload receiver.
type SpoolConfig struct {
	// Dir is the directory spool files and their metadata live under.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// TTL bounds how long an untouched upload is retained.
	// Default: 24h.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// ChunkCap is the maximum size of a single uploaded chunk.
	// Default: 10Mi.
	ChunkCap bytesize.ByteSize `mapstructure:"chunk_cap" yaml:"chunk_cap"`

	// MaxUploadSize caps the cumulative size of one upload.
	// Default: 10Gi.
	MaxUploadSize bytesize.ByteSize `mapstructure:"max_upload_size" yaml:"max_upload_size"`
}

// PipelineConfig tunes the worker pools.
type PipelineConfig struct {
	// TranscodeWorkers is the transcode pool size.
	// Default: max(1, min(4, cpu_count/2)).
	TranscodeWorkers int `mapstructure:"transcode_workers" validate:"omitempty,min=1" yaml:"transcode_workers"`

	// QueueDepth bounds the transcode job queue. Default: 128.
	QueueDepth int `mapstructure:"queue_depth" validate:"omitempty,min=1" yaml:"queue_depth"`

	// DownloadConcurrency bounds simultaneous downloads per chat batch.
	// Default: 3.
	DownloadConcurrency int `mapstructure:"download_concurrency" validate:"omitempty,min=1" yaml:"download_concurrency"`

	// DBWriterWorkers sizes the catalog writer pool. Default: 2.
	DBWriterWorkers int `mapstructure:"db_writer_workers" validate:"omitempty,min=1" yaml:"db_writer_workers"`

	// MaxPDFSize caps chat-downloaded PDF attachments. Default: 500Mi.
	MaxPDFSize bytesize.ByteSize `mapstructure:"max_pdf_size" yaml:"max_pdf_size"`

	// TempDir receives intermediate transcode outputs. Defaults to the
	// system temp directory.
	TempDir string `mapstructure:"temp_dir" yaml:"temp_dir,omitempty"`
}

// StreamConfig tunes the range-streaming egress.
type StreamConfig struct {
	// InitialRangeCap caps the first open-ended range response so playback
	// starts fast. Default: 2Mi.
	InitialRangeCap bytesize.ByteSize `mapstructure:"initial_range_cap" yaml:"initial_range_cap"`
}

// APIConfig contains the HTTP server configuration.
type APIConfig struct {
	// Host is the listen address. Default: empty (all interfaces).
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Port is the HTTP listen port. Default: 8080.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadHeaderTimeout bounds request header reads. Default: 10s.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`

	// IdleTimeout closes idle keep-alive connections. Default: 60s.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// AuthConfig contains token signing and lifetime settings. Token issuance is
// handled by the identity collaborator; the TTLs here only parameterize
// cookie max-ages on responses that set them.
type AuthConfig struct {
	// Secret is the HMAC key bearer tokens are verified with.
	// Override: MEDIAVAULT_AUTH_SECRET.
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`

	// AccessTokenTTL is the access token lifetime. Default: 1h.
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" yaml:"access_token_ttl"`

	// RefreshTokenTTL is the refresh token lifetime. Default: 720h.
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl" yaml:"refresh_token_ttl"`
}

// MetricsConfig configures Prometheus metrics. When Enabled is false no
// metrics are collected and /metrics is not mounted.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
// configPath empty uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  mediavault init\n\n"+
				"Or specify a custom config file:\n"+
				"  mediavault <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  mediavault init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML form.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may carry database passwords and the auth secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable and config file handling.
// Environment variables use the MEDIAVAULT_ prefix with underscores, e.g.
// MEDIAVAULT_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("MEDIAVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if present. A missing file is not an
// error; defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom decode hooks: human-readable byte
// sizes and durations.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can say "10Gi", "500Mi" or a plain byte count.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64.
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// say "30s", "5m", "24h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/mediavault, falling back to
// ~/.config/mediavault, or "." when no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mediavault")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mediavault")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
