// Package commands implements the mediavault CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediavault/mediavault/pkg/config"
)

// Build metadata, set by main from ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "mediavault",
	Short: "Media ingest, transcode and streaming server",
	Long: `MediaVault ingests videos through chunked uploads and chat channel
batches, transcodes them with ffmpeg, stores the results in a remote
object store, and streams them back with byte-range support.

Configuration is read from $XDG_CONFIG_HOME/mediavault/config.yaml by
default; every key can be overridden with MEDIAVAULT_<SECTION>_<KEY>
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mediavault %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to config file (default: "+config.GetDefaultConfigPath()+")")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the --config flag value, empty for the default
// location.
func GetConfigFile() string {
	return configFile
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
