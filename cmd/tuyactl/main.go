// Tuyactl talks to Tuya-protocol devices on the local network.
//
// It listens for discovery broadcasts, keeps a registry of device keys and
// addresses, and reads or writes data points over the LAN protocol without
// any cloud round trip.
//
// Usage:
//
//	tuyactl [command] [flags]
//
// See 'tuyactl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/tuyalan/internal/config"
	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/version"
)

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	configPath string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "tuyactl",
	Short: "Local control for Tuya-protocol devices",
	Long: `Discover, query and control Tuya-protocol smart plugs, bulbs and
switches over the local network (protocol 3.1, 3.3 and 3.4).

Device keys and addresses live in a YAML registry, by default
~/.config/tuyalan/devices.yaml (override with --config or TUYALAN_CONFIG).`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Registry file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); silent when unset")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tuyactl %s (%s)\n", version.Full(), version.Platform())
	},
}

// loadRegistry honours --config before the default location
func loadRegistry() (*config.Registry, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.LoadRegistry()
}
