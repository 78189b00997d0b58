package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chaz8081/privatejack/internal/ble/protocol"
)

var setCmd = &cobra.Command{
	Use:   "set <device> <setting> <value>",
	Short: "Change a setting and read it back",
	Long: `Send one control, wait for the station to settle, then refresh.

Settings: ac, dc, usb, car, ups, super-charge, light, charge-mode,
battery-save, energy-saving, screen-timeout. Values are on/off, a named
choice such as sos or 8h, or a number. Run "privatejack models" to see
which settings each model accepts.`,
	Args: cobra.ExactArgs(3),
	RunE: runSet,
}

var boundaryCmd = &cobra.Command{
	Use:   "boundary <device> <discharge%> <charge%> <backup%>",
	Short: "Set the battery discharge and charge limits",
	Args:  cobra.ExactArgs(4),
	RunE:  runBoundary,
}

var wifiCmd = &cobra.Command{
	Use:   "wifi <device> <ssid>",
	Short: "Join the station to a Wi-Fi network",
	Long: `Hand Wi-Fi credentials to the station. The password is read from the
PRIVATEJACK_WIFI_PASSWORD environment variable, or prompted for.`,
	Args: cobra.ExactArgs(2),
	RunE: runWifi,
}

func init() {
	rootCmd.AddCommand(setCmd, boundaryCmd, wifiCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctl, err := parseControl(args[1], args[2])
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	// Fail before touching the radio when the model is known to lack it.
	if t.Profile.Model.Known() {
		if err := ctl.Check(t.Profile.Model); err != nil {
			return err
		}
	}

	c, err := s.client(t)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	if err := c.Connect(ctx); err != nil {
		return err
	}
	ack, snap, err := c.SendAndRefresh(ctx, ctl)
	if err != nil {
		return err
	}
	fmt.Printf("%s sent (%s)\n", ack.Control, ack.Envelope)
	if v, ok := snap.Props.Int(ctl.Setting.Key()); ok {
		fmt.Printf("%s now %d\n", ctl.Setting, v)
	}
	return nil
}

func runBoundary(cmd *cobra.Command, args []string) error {
	var limits [3]int
	for i, a := range args[1:] {
		v, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid percentage %q", a)
		}
		limits[i] = v
	}
	f, err := protocol.BatteryBoundary(limits[0], limits[1], limits[2])
	if err != nil {
		return err
	}
	return writeFrame(cmd, args[0], f)
}

func runWifi(cmd *cobra.Command, args []string) error {
	password, err := wifiPassword()
	if err != nil {
		return err
	}
	f, err := protocol.WifiConnect(args[1], password)
	if err != nil {
		return err
	}
	return writeFrame(cmd, args[0], f)
}

// writeFrame sends a prebuilt frame and refreshes after the settle delay.
func writeFrame(cmd *cobra.Command, device string, f protocol.Frame) error {
	ctx := cmd.Context()
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.connect(ctx, device)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	if err := c.Write(ctx, f); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.BLE.CommandSettle):
	}
	snap, err := c.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Print(formatSnapshot(snap))
	return nil
}

func wifiPassword() (string, error) {
	if p := os.Getenv("PRIVATEJACK_WIFI_PASSWORD"); p != "" {
		return p, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("set PRIVATEJACK_WIFI_PASSWORD or run from a terminal")
	}
	fmt.Fprint(os.Stderr, "Wi-Fi password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
