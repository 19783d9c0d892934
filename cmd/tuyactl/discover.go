package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/ui"
)

var (
	discoverTimeout time.Duration
	discoverIDs     []string
	discoverKnown   bool
	discoverSave    bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Listen for device broadcasts on UDP 6666 and 6667",
	Long: `Listen for the announcements devices broadcast every few seconds.

Devices on protocol 3.1 announce in clear text on port 6666; newer firmware
encrypts announcements on port 6667. Both ports are bound.

With --id or --known the command returns as soon as every listed device
has been seen instead of waiting for the full timeout.`,
	Example: `  # Listen for the default 10 seconds
  tuyactl discover

  # Wait only until two devices are seen
  tuyactl discover --id bf1234567890abcdef --id bf0987654321fedcba

  # Record the addresses of registered devices
  tuyactl discover --known --save`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 0, "How long to listen (default: registry preference, 10s)")
	discoverCmd.Flags().StringSliceVar(&discoverIDs, "id", nil, "Stop once these device ids are seen")
	discoverCmd.Flags().BoolVar(&discoverKnown, "known", false, "Stop once every registered device is seen")
	discoverCmd.Flags().BoolVar(&discoverSave, "save", false, "Store discovered addresses and versions in the registry")

	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	timeout := discoverTimeout
	if timeout <= 0 {
		timeout = reg.DiscoverTimeout()
	}
	ids := discoverIDs
	if discoverKnown {
		ids = append(ids, reg.DeviceIDs()...)
	}

	if !jsonOutput {
		params := []ui.Param{
			{Key: "Ports", Value: fmt.Sprintf("%d (clear), %d (encrypted)", discovery.PlainPort, discovery.EncryptedPort)},
			{Key: "Timeout", Value: timeout.String()},
		}
		if len(ids) > 0 {
			params = append(params, ui.Param{Key: "Waiting for", Value: fmt.Sprintf("%d device(s)", len(ids))})
		}
		fmt.Println(ui.NewHeader("Discovery", cmd.CommandPath(), params...).Render())
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	records, err := discovery.Discover(ctx, discovery.DefaultConfig(), ids, timeout)
	if err != nil && len(records) == 0 {
		return fmt.Errorf("discovery failed: %w", err)
	}

	if discoverSave {
		changed := 0
		for _, rec := range records {
			if reg.RecordDiscovery(rec) {
				changed++
			}
		}
		if changed > 0 {
			if err := reg.Save(); err != nil {
				return err
			}
		}
		if !jsonOutput {
			fmt.Printf("Updated %d registry entr%s in %s\n\n", changed, plural(changed, "y", "ies"), reg.Path())
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println(ui.RenderFailure("No devices found", nil,
			"Devices only broadcast while not connected to another local client",
			"UDP 6666/6667 must not be blocked by a firewall",
			"The host must be on the same subnet as the devices",
			"Try a longer --timeout",
		))
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		known := ""
		if reg.GetDevice(rec.ID) != nil {
			known = "yes"
		}
		rows = append(rows, []string{rec.ID, rec.IP, rec.Version(), rec.ProductKey(), encryptedLabel(rec.Encrypted), known})
	}
	fmt.Println(ui.Table([]string{"ID", "IP", "VERSION", "PRODUCT KEY", "PORT", "REGISTERED"}, rows))

	if missing := missingIDs(ids, records); len(missing) > 0 {
		fmt.Printf("\nNot seen: %v\n", missing)
	}
	return nil
}

func encryptedLabel(encrypted bool) string {
	if encrypted {
		return fmt.Sprint(discovery.EncryptedPort)
	}
	return fmt.Sprint(discovery.PlainPort)
}

func missingIDs(ids []string, records []*discovery.Record) []string {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	return missing
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
