package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/fluvalctl/internal/ble"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List Fluval fixtures in range",
	Long: `Scan for Bluetooth LE advertisements carrying the Fluval manufacturer ID
and print each fixture once, strongest signal first.

On macOS the address column is the CoreBluetooth UUID; use it wherever a
--mac flag or config entry asks for an address.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVarP(&scanTimeout, "timeout", "t", 10*time.Second, "how long to scan")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	adapter, err := newAdapter()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", scanTimeout)
	devices, err := ble.ScanForDevices(adapter, scanTimeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(os.Stderr, "No Fluval fixtures found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tCONFIGURED")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.MAC, d.Name, d.RSSI, deviceName(d.MAC))
	}
	return w.Flush()
}
