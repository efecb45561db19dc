package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mediavault/mediavault/internal/bytesize"
	"github.com/mediavault/mediavault/pkg/transcode"
)

// ApplyDefaults fills in any unset configuration field. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	cfg.Catalog.ApplyDefaults()
	applySpoolDefaults(&cfg.Spool)
	applyPipelineDefaults(&cfg.Pipeline)
	applyStreamDefaults(&cfg.Stream)
	applyAPIDefaults(&cfg.API)
	applyAuthDefaults(&cfg.Auth)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applySpoolDefaults(cfg *SpoolConfig) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "mediavault-spool")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ChunkCap == 0 {
		cfg.ChunkCap = 10 * bytesize.MiB
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 10 * bytesize.GiB
	}
}

func applyPipelineDefaults(cfg *PipelineConfig) {
	if cfg.TranscodeWorkers == 0 {
		cfg.TranscodeWorkers = transcode.DefaultWorkers()
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 128
	}
	if cfg.DownloadConcurrency == 0 {
		cfg.DownloadConcurrency = 3
	}
	if cfg.DBWriterWorkers == 0 {
		cfg.DBWriterWorkers = 2
	}
	if cfg.MaxPDFSize == 0 {
		cfg.MaxPDFSize = 500 * bytesize.MiB
	}
}

func applyStreamDefaults(cfg *StreamConfig) {
	if cfg.InitialRangeCap == 0 {
		cfg.InitialRangeCap = 2 * bytesize.MiB
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 720 * time.Hour
	}
}

// GetDefaultConfig returns a Config with every default applied. Used to
// generate the sample configuration file and by tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
