package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/server"
	"github.com/muurk/tuyalan/internal/ui"
)

var (
	opTimeout  time.Duration
	waitReport time.Duration
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

var getCmd = &cobra.Command{
	Use:   "get <device-id>",
	Short: "Print the data points of a device",
	Example: `  tuyactl get bf1234567890abcdef
  tuyactl get bf1234567890abcdef --json`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var setCmd = &cobra.Command{
	Use:   "set <device-id> <dp>=<value>...",
	Short: "Write data points to a device",
	Long: `Write one or more data points. Values are parsed as JSON where possible,
so true, 25 and "25" send a boolean, a number and a string respectively.
Anything that is not valid JSON is sent as a string.`,
	Example: `  # Switch a plug on
  tuyactl set bf1234567890abcdef 1=true

  # Brightness and colour mode on a bulb
  tuyactl set bf1234567890abcdef 22=500 21=white`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSet,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor [device-id...]",
	Short: "Stream connection and data point events until interrupted",
	Long: `Keep sessions open to the given devices (default: every registered
device) and print each connect, change and disconnect event. Sessions
reconnect on their own; stop with Ctrl-C.`,
	RunE: runMonitor,
}

func init() {
	for _, cmd := range []*cobra.Command{getCmd, setCmd} {
		cmd.Flags().DurationVar(&opTimeout, "timeout", 15*time.Second, "Give up connecting after this long")
	}
	setCmd.Flags().DurationVar(&waitReport, "wait", 5*time.Second, "How long to wait for the device to report the new values")

	rootCmd.AddCommand(devicesCmd, getCmd, setCmd, monitorCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	if bridgeURL != "" {
		return remoteDevices(cmd.Context())
	}
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(reg.Devices)
	}

	ids := reg.DeviceIDs()
	if len(ids) == 0 {
		fmt.Printf("No devices registered in %s\n", reg.Path())
		fmt.Println("Run 'tuyactl discover --save' and add each device's local key.")
		return nil
	}

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		d := reg.GetDevice(id)
		version := d.Version
		if d.Fake {
			version = "fake"
		}
		lastSeen := ""
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Local().Format(time.DateTime)
		}
		key := "missing"
		if d.Key != "" {
			key = "set"
		}
		rows = append(rows, []string{id, d.Name, d.IP, version, key, lastSeen})
	}
	fmt.Println(ui.Table([]string{"ID", "NAME", "IP", "VERSION", "KEY", "LAST SEEN"}, rows))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	if bridgeURL != "" {
		ctx, cancel := withTimeout(opTimeout)
		defer cancel()
		return remoteGet(ctx, args[0])
	}
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(opTimeout)
	defer cancel()

	cfg, err := resolveConfig(ctx, reg, args[0])
	if err != nil {
		return err
	}
	sess, events, closeFn, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := awaitConnect(ctx, events); err != nil {
		return connectFailure(cfg, err)
	}
	// the intro query answers with the full state
	if _, err := awaitChange(ctx, events, nil); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	state := sess.State()
	if jsonOutput {
		return printJSON(state)
	}

	rows := make([][]string, 0, len(state))
	for _, k := range ui.SortedKeys(state) {
		rows = append(rows, []string{k, ui.FormatValue(state[k])})
	}
	title := cfg.ID
	if cfg.Name != "" {
		title = cfg.Name + " (" + cfg.ID + ")"
	}
	fmt.Println(ui.NewHeader(title, cmd.CommandPath()+" "+cfg.ID,
		ui.Param{Key: "Address", Value: cfg.Addr()},
		ui.Param{Key: "Protocol", Value: string(sess.Version())},
	).Render())
	if len(rows) == 0 {
		fmt.Println("The device reported no data points.")
		return nil
	}
	fmt.Println(ui.Table([]string{"DP", "VALUE"}, rows))
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	dps, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	if bridgeURL != "" {
		ctx, cancel := withTimeout(opTimeout)
		defer cancel()
		return remoteSet(ctx, args[0], dps)
	}
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(opTimeout)
	defer cancel()

	cfg, err := resolveConfig(ctx, reg, args[0])
	if err != nil {
		return err
	}
	sess, events, closeFn, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := awaitConnect(ctx, events); err != nil {
		return connectFailure(cfg, err)
	}
	if !sess.Update(dps) {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, cfg.ID)
	}

	keys := ui.SortedKeys(dps)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), waitReport)
	defer waitCancel()
	ev, err := awaitChange(waitCtx, events, keys)

	if jsonOutput {
		out := map[string]any{"sent": dps, "state": sess.State(), "confirmed": err == nil}
		return printJSON(out)
	}
	if err != nil {
		fmt.Println(ui.NewSuccessResult("Update sent",
			ui.Param{Key: "Device", Value: cfg.ID},
			ui.Param{Key: "Sent", Value: ui.FormatDPS(dps)},
			ui.Param{Key: "Note", Value: "no report from the device; the value may already have been set"},
		).Render())
		return nil
	}
	fmt.Println(ui.NewSuccessResult("Update confirmed",
		ui.Param{Key: "Device", Value: cfg.ID},
		ui.Param{Key: "Changed", Value: ui.FormatDPS(ev.Changes)},
		ui.Param{Key: "State", Value: ui.FormatDPS(ev.State)},
	).Render())
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	ids := args
	if len(ids) == 0 {
		ids = reg.DeviceIDs()
	}
	if len(ids) == 0 {
		return fmt.Errorf("no devices registered in %s", reg.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := device.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe(0)
	defer unsubscribe()

	for _, id := range ids {
		cfg, err := resolveConfig(ctx, reg, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", id, err)
			continue
		}
		if _, err := hub.Add(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", id, err)
		}
	}
	if len(hub.Sessions()) == 0 {
		return errors.New("no device could be monitored")
	}

	if !jsonOutput {
		fmt.Println(ui.NewHeader("Monitor", cmd.CommandPath(),
			ui.Param{Key: "Devices", Value: fmt.Sprint(len(hub.Sessions()))},
			ui.Param{Key: "Stop", Value: "Ctrl-C"},
		).Render())
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if jsonOutput {
				if err := printJSONLine(server.MessageFromEvent(ev)); err != nil {
					return err
				}
				continue
			}
			fmt.Println(formatEvent(ev))
		case <-ctx.Done():
			return nil
		}
	}
}

func formatEvent(ev device.Event) string {
	at := ev.Time.Local().Format(time.TimeOnly)
	switch ev.Kind {
	case device.EventConnect:
		return fmt.Sprintf("%s  %s  %s", at, ev.DeviceID, ui.OnlineStyle.Render(ui.StatusOnline))
	case device.EventChange:
		return fmt.Sprintf("%s  %s  %s", at, ev.DeviceID, ui.FormatDPS(ev.Changes))
	case device.EventDisconnect:
		reason := "closed"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		return fmt.Sprintf("%s  %s  %s  %s (retry in %s)", at, ev.DeviceID,
			ui.OfflineStyle.Render(ui.StatusOffline), reason, ev.RetryIn)
	}
	return fmt.Sprintf("%s  %s  %s", at, ev.DeviceID, ev.Kind)
}

func connectFailure(cfg device.Config, err error) error {
	if jsonOutput {
		return fmt.Errorf("connecting to %s at %s: %w", cfg.ID, cfg.Addr(), err)
	}
	fmt.Println(ui.RenderFailure("Could not connect to "+cfg.ID, err,
		"Check the address "+cfg.Addr()+" (tuyactl discover --save refreshes it)",
		"Check the local key and protocol version in the registry",
		"Devices accept one local connection; close the vendor app or other clients",
	))
	return fmt.Errorf("connecting to %s: %w", cfg.ID, err)
}
