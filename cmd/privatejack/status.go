package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	statusRaw  bool
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status [device]",
	Short: "Read telemetry once",
	Long: `Connect, read the full property set and disconnect.

The device is a configured name or address, or the address of a station in
range. It may be omitted when exactly one device is configured.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusRaw, "raw", false, "also print every raw property")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw properties as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.resolve(ctx, firstArg(args))
	if err != nil {
		return err
	}
	c, err := s.client(t)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	snap, err := c.Refresh(ctx)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Props)
	}
	fmt.Print(formatSnapshot(snap))
	if statusRaw {
		fmt.Print(formatProps(snap.Props))
	}
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
