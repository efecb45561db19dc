package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediavault/mediavault/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a configuration file populated with defaults.

Examples:
  # Initialize at the default location
  mediavault init

  # Initialize elsewhere
  mediavault init --config /etc/mediavault/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	var err error
	if path != "" {
		err = config.InitConfigToPath(path, initForce)
	} else {
		path, err = config.InitConfig(initForce)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set object_store.credentials_path and object_store.root_folder_id")
	fmt.Println("  2. Set auth.secret (or export MEDIAVAULT_AUTH_SECRET)")
	fmt.Println("  3. Start the server with: mediavault start")
	return nil
}
