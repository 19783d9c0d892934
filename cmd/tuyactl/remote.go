package main

import (
	"context"
	"fmt"

	"github.com/muurk/tuyalan/internal/apiclient"
	"github.com/muurk/tuyalan/internal/protocol"
	"github.com/muurk/tuyalan/internal/ui"
)

// bridgeURL routes devices, get and set through a running tuyalan-server
var bridgeURL string

func init() {
	rootCmd.PersistentFlags().StringVar(&bridgeURL, "bridge", "", "Use the tuyalan-server at this URL instead of connecting directly")
}

func remoteDevices(ctx context.Context) error {
	devices, err := apiclient.NewClient(bridgeURL).Devices(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(devices)
	}
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{d.ID, d.Name, d.IP, d.Version, ui.Status(d.Connected), ui.FormatDPS(d.State)})
	}
	fmt.Println(ui.Table([]string{"ID", "NAME", "IP", "VERSION", "STATUS", "STATE"}, rows))
	return nil
}

func remoteGet(ctx context.Context, id string) error {
	d, err := apiclient.NewClient(bridgeURL).Device(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(d.State)
	}
	rows := make([][]string, 0, len(d.State))
	for _, k := range ui.SortedKeys(d.State) {
		rows = append(rows, []string{k, ui.FormatValue(d.State[k])})
	}
	fmt.Println(ui.NewHeader(d.ID, "via "+bridgeURL,
		ui.Param{Key: "Address", Value: d.IP},
		ui.Param{Key: "Status", Value: ui.Status(d.Connected)},
	).Render())
	fmt.Println(ui.Table([]string{"DP", "VALUE"}, rows))
	return nil
}

func remoteSet(ctx context.Context, id string, dps protocol.DPS) error {
	if err := apiclient.NewClient(bridgeURL).SetDPS(ctx, id, dps); err != nil {
		if apiclient.IsNotConnected(err) && !jsonOutput {
			fmt.Println(ui.RenderFailure("Bridge has no session to "+id, err,
				"The bridge reconnects on its own; try again shortly",
				"tuyactl --bridge "+bridgeURL+" devices shows the connection state",
			))
		}
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"sent": dps})
	}
	fmt.Println(ui.RenderSuccess("Update sent via bridge",
		ui.Param{Key: "Device", Value: id},
		ui.Param{Key: "Sent", Value: ui.FormatDPS(dps)},
	))
	return nil
}
