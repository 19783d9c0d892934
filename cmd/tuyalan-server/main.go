// Tuyalan-server keeps sessions open to every registered device and exposes
// them over HTTP, a WebSocket event stream and optionally MQTT.
//
// Usage:
//
//	tuyalan-server serve [flags]
//
// See 'tuyalan-server serve --help' for available options.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/tuyalan/internal/config"
	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/discovery"
	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/mqttpub"
	"github.com/muurk/tuyalan/internal/server"
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

var rootCmd = &cobra.Command{
	Use:   "tuyalan-server",
	Short: "Tuya LAN bridge",
	Long: `A long-running bridge between Tuya-protocol devices on the local network
and HTTP, WebSocket and MQTT clients.

Devices are read from the registry managed by 'tuyactl'.`,
	Version:      version.Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Serve flags
var (
	configPath  string
	listen      string
	certPath    string
	keyPath     string
	logLevel    string
	noMDNS      bool
	noDiscovery bool
	mqttBroker  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Open a session to every usable device in the registry and serve the API.

Devices without a local key are skipped with a warning. With discovery
enabled the UDP listener keeps running, and a device that shows up at a new
address is reconnected there and the registry updated.`,
	Example: `  # Serve on the registry's listen address (default :8080)
  tuyalan-server serve

  # Publish to a local broker as well
  tuyalan-server serve --mqtt tcp://localhost:1883

  # HTTPS with debug logging
  tuyalan-server serve --cert cert.pem --key key.pem --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Registry file (default: platform config dir)")
	serveCmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides the registry)")
	serveCmd.Flags().StringVar(&certPath, "cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&keyPath, "key", "", "TLS private key file")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "Do not advertise over mDNS")
	serveCmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "Do not run the UDP discovery listener")
	serveCmd.Flags().StringVar(&mqttBroker, "mqtt", "", "MQTT broker URL (overrides the registry)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if (certPath == "") != (keyPath == "") {
		return errors.New("both --cert and --key must be provided together")
	}
	if err := logging.Initialize(logLevel); err != nil {
		return err
	}

	var (
		reg *config.Registry
		err error
	)
	if configPath != "" {
		reg, err = config.LoadFile(configPath)
	} else {
		reg, err = config.LoadRegistry()
	}
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	settings := *reg.Server
	if listen != "" {
		settings.Listen = listen
	}
	if noMDNS {
		settings.MDNS = false
	}
	if noDiscovery {
		settings.Discovery = false
	}
	if mqttBroker != "" {
		m := config.MQTT{}
		if settings.MQTT != nil {
			m = *settings.MQTT
		}
		m.Broker = mqttBroker
		settings.MQTT = &m
	}

	hub := device.NewHub()
	defer hub.Close()

	cfgs, skipped := reg.DeviceConfigs()
	for id, err := range skipped {
		logging.Warn("Skipping device", zap.String("device_id", id), zap.Error(err))
	}
	for _, cfg := range cfgs {
		if _, err := hub.Add(cfg); err != nil {
			logging.Warn("Skipping device", zap.String("device_id", cfg.ID), zap.Error(err))
		}
	}
	logging.Info("Sessions started",
		zap.Int("devices", len(cfgs)),
		zap.Int("skipped", len(skipped)),
		zap.String("registry", reg.Path()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var listener *discovery.Listener
	if settings.Discovery {
		listener = discovery.NewListener(discovery.DefaultConfig())
		defer listener.Close()
		follower := newFollower(reg, hub)
		events, unsubscribe := listener.Subscribe(0)
		defer unsubscribe()
		listener.Start(discovery.Options{})
		g.Go(func() error {
			follower.run(ctx, events)
			return nil
		})
	}

	srv, err := server.New(server.Config{
		Listen:   settings.Listen,
		CertPath: certPath,
		KeyPath:  keyPath,
		MDNS:     settings.MDNS,
		Version:  version.Version,
	}, hub)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return srv.Run(ctx, listener)
	})

	if settings.MQTT != nil && settings.MQTT.Broker != "" {
		bridge, err := mqttpub.New(mqttpub.Config{
			Broker:      settings.MQTT.Broker,
			ClientID:    settings.MQTT.ClientID,
			TopicPrefix: settings.MQTT.TopicPrefix,
			Username:    settings.MQTT.Username,
			Password:    settings.MQTT.Password,
		}, hub)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return bridge.Run(ctx)
		})
	}

	err = g.Wait()
	logging.Info("Bridge stopped")
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tuyalan-server %s (%s)\n", version.Full(), version.Platform())
	},
}
