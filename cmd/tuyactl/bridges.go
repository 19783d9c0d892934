package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/ui"
)

var bridgesTimeout time.Duration

var bridgesCmd = &cobra.Command{
	Use:   "bridges",
	Short: "Find tuyalan-server instances on the network via mDNS",
	Args:  cobra.NoArgs,
	RunE:  runBridges,
}

func init() {
	bridgesCmd.Flags().DurationVar(&bridgesTimeout, "timeout", discovery.DefaultBrowseTimeout, "Browse timeout")
	rootCmd.AddCommand(bridgesCmd)
}

func runBridges(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bridges, err := discovery.BrowseBridges(ctx, bridgesTimeout)
	if err != nil {
		return fmt.Errorf("mDNS browse failed: %w", err)
	}
	if jsonOutput {
		return printJSON(bridges)
	}
	if len(bridges) == 0 {
		fmt.Println("No bridges found.")
		return nil
	}

	rows := make([][]string, 0, len(bridges))
	for _, b := range bridges {
		rows = append(rows, []string{b.Instance, b.BaseURL(), b.GetMetadata("version"), b.GetMetadata("devices")})
	}
	fmt.Println(ui.Table([]string{"INSTANCE", "API", "VERSION", "DEVICES"}, rows))
	return nil
}
