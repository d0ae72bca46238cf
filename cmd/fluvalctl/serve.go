package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/chaz8081/fluvalctl/internal/ble"
	"github.com/chaz8081/fluvalctl/internal/device"
	"github.com/chaz8081/fluvalctl/internal/server"
)

const scanRetryDelay = 5 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Manage fixtures and serve the HTTP and websocket API",
	Long: `Scan continuously and keep a link to every configured fixture that
advertises. With no devices configured, every Fluval fixture in range is
managed.

Endpoints:
  GET /api/devices               all fixtures
  GET /api/devices/{mac}         one fixture
  GET /api/devices/{mac}/{attr}  one attribute
  PUT /api/devices/{mac}/{attr}  {"value": ...}
  GET /ws                        websocket stream of attribute changes

Under systemd (Type=notify) readiness and watchdog pings are sent.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "listen address (default: server.listen from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	adapter, err := newAdapter()
	if err != nil {
		return err
	}
	listen := cfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	ctx, stop := signalContext()
	defer stop()

	registry := device.NewRegistry(ctx, device.NewFactory(adapter, cfg.ClientOptions()))
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Warn("[SERVER] closing devices", "error", err)
		}
	}()

	srv := server.New(registry)

	go watchAdvertisements(ctx, adapter, registry)
	go watchdog(ctx)

	slog.Info("[SERVER] starting", "devices", len(cfg.Devices), "listen", listen)
	err = srv.ListenAndServe(ctx, listen, func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			slog.Debug("[SERVER] sd_notify ready", "error", err)
		}
	})
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// watchAdvertisements feeds configured fixtures into the registry until ctx
// is cancelled, restarting the scan if the adapter drops it.
func watchAdvertisements(ctx context.Context, adapter ble.Adapter, registry *device.Registry) {
	for {
		err := ble.WatchAdvertisements(ctx, adapter, func(adv ble.Advertisement) {
			name := ""
			if len(cfg.Devices) > 0 {
				entry, ok := cfg.FindDevice(adv.MAC)
				if !ok {
					return
				}
				name = entry.Name
			}
			if _, _, err := registry.Advertise(name, adv); err != nil {
				slog.Warn("[SERVER] register fixture", "mac", adv.MAC, "error", err)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("[SERVER] scan stopped, retrying", "error", err, "delay", scanRetryDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(scanRetryDelay):
		}
	}
}

// watchdog pings systemd at half the configured watchdog interval.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
