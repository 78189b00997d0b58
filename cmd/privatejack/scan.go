package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/privatejack/internal/ble"
	"github.com/chaz8081/privatejack/internal/config"
)

var (
	scanTimeout time.Duration
	scanKeys    bool
	scanYAML    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find power stations in range",
	Long: `Scan for Jackery stations and decode their beacons.

For each station the serial number, model, battery level and a fingerprint
of the derived session key are shown. --yaml prints a devices: block ready
to paste into the config file.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVarP(&scanTimeout, "timeout", "t", 0, "scan duration (default: ble.scan_timeout)")
	scanCmd.Flags().BoolVar(&scanKeys, "show-keys", false, "print full session keys instead of fingerprints")
	scanCmd.Flags().BoolVar(&scanYAML, "yaml", false, "print a config devices block")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	timeout := cfg.BLE.ScanTimeout
	if scanTimeout > 0 {
		timeout = scanTimeout
	}

	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", timeout)
	found, err := ble.Discover(cmd.Context(), s.adapter, timeout)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No stations found.")
		return nil
	}

	if scanYAML {
		return printDeviceYAML(found)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tMODEL\tKIND\tSERIAL\tBATTERY\tKEY")
	for _, d := range found {
		serial, battery, key := "-", "-", "-"
		if d.Beacon != nil {
			serial = d.Beacon.Serial
			battery = fmt.Sprintf("%d%%", d.Beacon.Battery)
		}
		switch {
		case d.Key == nil && d.Err != nil:
			key = "(" + d.Err.Error() + ")"
		case scanKeys:
			key = d.Key.String()
		case d.Key != nil:
			key = d.Key.Fingerprint()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			d.Address, d.Name, d.RSSI, d.Profile.Model, d.Profile.Kind, serial, battery, key)
	}
	return w.Flush()
}

func printDeviceYAML(found []ble.Discovered) error {
	devices := make([]config.DeviceConfig, 0, len(found))
	for _, d := range found {
		dc := config.DeviceConfig{
			Name:    d.Name,
			Address: d.Address,
			Kind:    d.Profile.Kind.String(),
		}
		if d.Beacon != nil {
			dc.ModelCode = uint16(d.Beacon.Model)
		}
		if d.Key != nil {
			dc.EncryptionKey = d.Key.String()
		}
		devices = append(devices, dc)
	}
	out, err := yaml.Marshal(map[string]any{"devices": devices})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
