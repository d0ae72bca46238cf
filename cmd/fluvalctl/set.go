package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/fluvalctl/internal/ble/protocol"
	"github.com/chaz8081/fluvalctl/internal/device"
)

var (
	setMAC      string
	setMode     string
	setPower    string
	setChannels []string
	setTimeout  time.Duration
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Change mode, power or channel levels on a fixture",
	Long: `Connect to a fixture, wait for its current state, apply the requested
changes and wait until the fixture has acknowledged them.

Channels are numbered 1-4 and take values from 0 to 1000. They can only be
set in manual mode; add --mode manual if the fixture is in another mode.

Examples:
  fluvalctl set --mac AA:BB:CC:DD:EE:FF --power on
  fluvalctl set --mode manual --channel 1=500 --channel 3=1000`,
	RunE: runSet,
}

func init() {
	setCmd.Flags().StringVarP(&setMAC, "mac", "m", "", "fixture address (default: first configured device)")
	setCmd.Flags().StringVar(&setMode, "mode", "", "manual, automatic or professional")
	setCmd.Flags().StringVar(&setPower, "power", "", "on or off")
	setCmd.Flags().StringArrayVar(&setChannels, "channel", nil, "channel level as N=VALUE (repeatable)")
	setCmd.Flags().DurationVar(&setTimeout, "timeout", time.Minute, "give up after this long")
	rootCmd.AddCommand(setCmd)
}

// write is one attribute change, applied in order.
type write struct {
	key   string
	value int
}

// planWrites turns the set flags into attribute writes. Mode goes first so
// channel values are encoded against the requested mode.
func planWrites(mode, power string, channels []string) ([]write, error) {
	var writes []write

	if mode != "" {
		m, err := protocol.ParseMode(mode)
		if err != nil {
			return nil, err
		}
		writes = append(writes, write{device.KeyMode, int(m)})
	}

	if power != "" {
		on, err := parsePower(power)
		if err != nil {
			return nil, err
		}
		v := 0
		if on {
			v = 1
		}
		writes = append(writes, write{device.KeyPower, v})
	}

	levels, err := parseChannels(channels)
	if err != nil {
		return nil, err
	}
	ns := make([]int, 0, len(levels))
	for n := range levels {
		ns = append(ns, n)
	}
	sort.Ints(ns)
	for _, n := range ns {
		writes = append(writes, write{device.ChannelKey(n), levels[n]})
	}

	if len(writes) == 0 {
		return nil, errors.New("nothing to set; use --mode, --power or --channel")
	}
	return writes, nil
}

func parsePower(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("power must be on or off, got %q", s)
}

// parseChannels parses N=VALUE pairs. Later pairs for the same channel win.
func parseChannels(args []string) (map[int]int, error) {
	levels := make(map[int]int, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("channel %q: want N=VALUE", arg)
		}
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || n < 1 || n > protocol.ChannelCount {
			return nil, fmt.Errorf("channel %q: number must be 1-%d", arg, protocol.ChannelCount)
		}
		value, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("channel %q: value must be an integer", arg)
		}
		if value < device.ChannelMin || value > device.ChannelMax {
			return nil, fmt.Errorf("channel %q: value must be %d-%d", arg, device.ChannelMin, device.ChannelMax)
		}
		levels[n] = value
	}
	return levels, nil
}

func runSet(cmd *cobra.Command, args []string) error {
	writes, err := planWrites(setMode, setPower, setChannels)
	if err != nil {
		return err
	}
	mac, err := resolveMAC(setMAC)
	if err != nil {
		return err
	}
	adapter, err := newAdapter()
	if err != nil {
		return err
	}

	sigCtx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, setTimeout)
	defer cancel()

	d, err := device.New(ctx, deviceName(mac), mac, adapter, cfg.ClientOptions())
	if err != nil {
		return err
	}
	defer d.Close()

	slog.Info("waiting for fixture state", "mac", mac)
	select {
	case <-d.Reported():
	case <-ctx.Done():
		return fmt.Errorf("no report from %s: %w", mac, ctx.Err())
	}

	for _, w := range writes {
		if err := d.RequestWrite(w.key, w.value); err != nil {
			return err
		}
	}

	if err := waitDrained(ctx, d); err != nil {
		return fmt.Errorf("write to %s not acknowledged: %w", mac, err)
	}

	for _, w := range writes {
		attr, err := d.Attribute(w.key)
		if err != nil {
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatAttribute(attr))
	}
	return nil
}

// drainer is satisfied by *device.Device.
type drainer interface {
	Pending() bool
}

// waitDrained polls until no write is pending.
func waitDrained(ctx context.Context, d drainer) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for d.Pending() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
