package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediavault/mediavault/pkg/catalog"
	"github.com/mediavault/mediavault/pkg/config"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/reconcile"
)

var (
	reconcileOwner string
	reconcilePath  string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the catalog against the object store",
	Long: `Compare catalog rows with the object store and repair drift: rows
whose stored object is gone are removed, objects with no row are imported.

Runs against every hierarchy path the owner has rows under, or a single
path with --path.

Metadata backfill for imported artifacts is left to the running server;
this command only aligns rows with stored objects.

Examples:
  mediavault reconcile --owner alice
  mediavault reconcile --owner alice --path math/algebra`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileOwner, "owner", "", "Owner whose artifacts to reconcile (required)")
	reconcileCmd.Flags().StringVar(&reconcilePath, "path", "", "Restrict to a single hierarchy path")
	_ = reconcileCmd.MarkFlagRequired("owner")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx := context.Background()

	store, err := catalog.Open(&cfg.Catalog)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = store.Close() }()

	dr, err := drive.New(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("failed to connect to object store: %w", err)
	}

	r := reconcile.New(store, dr, nil, nil, reconcile.Config{})

	var counters reconcile.Counters
	var pathErrors map[string]string
	if reconcilePath != "" {
		counters, err = r.ReconcilePath(ctx, reconcileOwner, reconcilePath)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", reconcilePath, err)
		}
	} else {
		result, err := r.ReconcileAll(ctx, reconcileOwner)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		counters, pathErrors = result.Counters, result.PathErrors
	}

	fmt.Printf("videos: %d added, %d removed\n", counters.VideosAdded, counters.VideosRemoved)
	fmt.Printf("pdfs:   %d added, %d removed\n", counters.PDFsAdded, counters.PDFsRemoved)
	for path, msg := range pathErrors {
		fmt.Printf("error: %s: %s\n", path, msg)
	}
	if len(pathErrors) > 0 {
		return fmt.Errorf("%d path(s) failed", len(pathErrors))
	}
	return nil
}
