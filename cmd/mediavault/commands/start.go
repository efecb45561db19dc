package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/api"
	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/chat"
	"github.com/mediavault/mediavault/pkg/config"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/metrics"
	"github.com/mediavault/mediavault/pkg/pipeline"
	"github.com/mediavault/mediavault/pkg/reconcile"
	"github.com/mediavault/mediavault/pkg/spool"
	"github.com/mediavault/mediavault/pkg/stream"
	"github.com/mediavault/mediavault/pkg/transcode"

	// Import prometheus metrics to register init() functions
	_ "github.com/mediavault/mediavault/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the MediaVault server",
	Long: `Start the MediaVault server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/mediavault/config.yaml.

Examples:
  # Start with default config location
  mediavault start

  # Start with custom config
  mediavault start --config /etc/mediavault/config.yaml

  # Start with environment variable overrides
  MEDIAVAULT_LOGGING_LEVEL=DEBUG mediavault start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics before anything that creates collectors.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled")
	} else {
		logger.Info("Metrics collection disabled")
	}
	m := metrics.NewPipelineMetrics()

	store, err := catalog.Open(&cfg.Catalog)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("catalog close error", "error", err)
		}
	}()
	logger.Info("Catalog opened", "type", cfg.Catalog.Type)

	dr, err := drive.New(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("failed to connect to object store: %w", err)
	}
	logger.Info("Object store connected", "root_folder_id", cfg.ObjectStore.RootFolderID)

	receiver, err := spool.NewReceiver(spool.Config{
		Dir:           cfg.Spool.Dir,
		TTL:           cfg.Spool.TTL,
		MaxUploadSize: cfg.Spool.MaxUploadSize.Int64(),
	})
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}
	defer func() {
		if err := receiver.Close(); err != nil {
			logger.Error("spool close error", "error", err)
		}
	}()
	logger.Info("Spool ready", "dir", cfg.Spool.Dir, "ttl", cfg.Spool.TTL)

	ctrl := pipeline.NewController(store, pipeline.Config{DBWriters: cfg.Pipeline.DBWriterWorkers})
	defer ctrl.Close()

	engine := transcode.New(store, dr, ctrl, transcode.NewProcessor("", ""), m, transcode.Config{
		Workers:    cfg.Pipeline.TranscodeWorkers,
		QueueDepth: cfg.Pipeline.QueueDepth,
		TempDir:    cfg.Pipeline.TempDir,
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transcode engine: %w", err)
	}
	defer engine.Stop()

	// The chat provider binding is established out of process; until one is
	// wired in, chat endpoints answer 503.
	downloader, err := chat.NewDownloader(chat.Disabled{}, store, dr, engine, ctrl, m, chat.Config{
		Concurrency: cfg.Pipeline.DownloadConcurrency,
		SpoolDir:    cfg.Spool.Dir,
		MaxPDFSize:  cfg.Pipeline.MaxPDFSize.Int64(),
	})
	if err != nil {
		return fmt.Errorf("failed to create chat downloader: %w", err)
	}
	defer downloader.Close()

	reconciler := reconcile.New(store, dr, engine, m, reconcile.Config{})

	handler := api.NewHandler(api.Deps{
		Store:      store,
		Drive:      dr,
		Spool:      receiver,
		Engine:     engine,
		Downloader: downloader,
		Streamer:   stream.New(store, dr, m, stream.Config{InitialRangeCap: cfg.Stream.InitialRangeCap.Int64()}),
		Reconciler: reconciler,
		Controller: ctrl,
		Metrics:    m,
		ChunkCap:   cfg.Spool.ChunkCap,
	})

	srv, err := api.NewServer(cfg.API, cfg.Auth, handler)
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}
