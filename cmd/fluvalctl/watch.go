package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/chaz8081/fluvalctl/internal/device"
)

var (
	watchMAC  string
	watchJSON bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to a fixture and print its state as it changes",
	Long: `Open a link to one fixture and print every attribute change until
interrupted. The link is kept up with the same keepalive cycle "serve" uses.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchMAC, "mac", "m", "", "fixture address (default: first configured device)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print one JSON object per change")
	rootCmd.AddCommand(watchCmd)
}

// resolveMAC picks the --mac flag or the first configured device.
func resolveMAC(flag string) (string, error) {
	if flag != "" {
		return strings.ToUpper(strings.TrimSpace(flag)), nil
	}
	if len(cfg.Devices) > 0 {
		return cfg.Devices[0].MAC, nil
	}
	return "", fmt.Errorf("no --mac given and no devices configured; run \"fluvalctl scan\" to find one")
}

func runWatch(cmd *cobra.Command, args []string) error {
	mac, err := resolveMAC(watchMAC)
	if err != nil {
		return err
	}
	adapter, err := newAdapter()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	d, err := device.New(ctx, deviceName(mac), mac, adapter, cfg.ClientOptions())
	if err != nil {
		return err
	}
	defer d.Close()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	for _, key := range device.Keys() {
		d.Subscribe(key, func(group string) {
			attr, err := d.Attribute(group)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if watchJSON {
				data, err := json.Marshal(attr)
				if err != nil {
					slog.Warn("encode attribute", "error", err)
					return
				}
				fmt.Fprintln(out, string(data))
				return
			}
			fmt.Fprintln(out, formatAttribute(attr))
		})
	}

	slog.Info("watching fixture, Ctrl+C to quit", "mac", mac)
	<-ctx.Done()
	return nil
}

// formatAttribute renders an attribute as "key: value".
func formatAttribute(a device.Attribute) string {
	switch {
	case a.Extra != nil:
		state := "disconnected"
		if a.IsOn != nil && *a.IsOn {
			state = "connected"
		}
		s := fmt.Sprintf("%s: %s (rssi %d)", a.Key, state, a.Extra.RSSI)
		if a.Extra.LastError != "" {
			s += " last error: " + a.Extra.LastError
		}
		return s
	case a.Options != nil:
		return fmt.Sprintf("%s: %s", a.Key, a.Current)
	case a.IsOn != nil:
		if *a.IsOn {
			return a.Key + ": on"
		}
		return a.Key + ": off"
	case a.Value != nil:
		return fmt.Sprintf("%s: %d", a.Key, *a.Value)
	}
	return a.Key
}
