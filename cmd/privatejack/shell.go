package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/chaz8081/privatejack/internal/ble"
	"github.com/chaz8081/privatejack/internal/config"
)

var shellCmd = &cobra.Command{
	Use:   "shell [device]",
	Short: "Interactive session that keeps the link open",
	Long: `Open a prompt for one station. The link stays up between commands, so
repeated reads and writes skip the connect and key exchange.

Type help at the prompt for the command list.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// shell is the interactive command loop.
type shell struct {
	s      *session
	rl     *readline.Instance
	out    io.Writer
	client *ble.Client
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "jack> ",
		HistoryFile:     filepath.Join(config.DefaultConfigDir(), "history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("scan"),
			readline.PcItem("use"),
			readline.PcItem("status"),
			readline.PcItem("raw"),
			readline.PcItem("set"),
			readline.PcItem("settings"),
			readline.PcItem("state"),
			readline.PcItem("disconnect"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	// Route logs through readline so they do not clobber the prompt.
	logger = slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	sh := &shell{s: s, rl: rl, out: rl.Stdout()}
	defer sh.disconnect(context.WithoutCancel(ctx))

	if len(args) == 1 {
		sh.use(ctx, args[0])
	}
	sh.printHelp()
	return sh.run(ctx)
}

func (sh *shell) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := sh.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "help", "?":
			sh.printHelp()
		case "scan":
			sh.scan(ctx)
		case "use", "u":
			if len(args) != 1 {
				fmt.Fprintln(sh.out, "usage: use <device>")
				continue
			}
			sh.use(ctx, args[0])
		case "status", "s":
			sh.status(ctx, false)
		case "raw":
			sh.status(ctx, true)
		case "set":
			if len(args) != 2 {
				fmt.Fprintln(sh.out, "usage: set <setting> <value>")
				continue
			}
			sh.set(ctx, args[0], args[1])
		case "settings":
			if sh.client == nil {
				fmt.Fprintln(sh.out, "no device selected")
				continue
			}
			fmt.Fprint(sh.out, formatSettings(sh.client.Profile().Model))
		case "state":
			if sh.client == nil {
				fmt.Fprintln(sh.out, "no device selected")
				continue
			}
			fmt.Fprintf(sh.out, "%s %s\n", sh.client.Address(), sh.client.State())
		case "disconnect", "d":
			sh.disconnect(ctx)
		case "exit", "quit", "q":
			return nil
		default:
			fmt.Fprintf(sh.out, "unknown command %q, try help\n", cmd)
		}
	}
}

func (sh *shell) printHelp() {
	fmt.Fprintln(sh.out, `Commands:
  scan                    list stations in range
  use <device>            select a device by name or address
  status | s              refresh and show telemetry
  raw                     refresh and show every property
  set <setting> <value>   send a control, then refresh
  settings                list the settings the device accepts
  state                   show the link state
  disconnect | d          close the link
  exit                    leave`)
}

func (sh *shell) scan(ctx context.Context) {
	found, err := ble.Discover(ctx, sh.s.adapter, cfg.BLE.ScanTimeout)
	if err != nil {
		fmt.Fprintf(sh.out, "scan failed: %v\n", err)
		return
	}
	if len(found) == 0 {
		fmt.Fprintln(sh.out, "no stations found")
	}
	for _, d := range found {
		fmt.Fprintln(sh.out, d)
	}
}

func (sh *shell) use(ctx context.Context, query string) {
	sh.disconnect(ctx)
	t, err := sh.s.resolve(ctx, query)
	if err != nil {
		fmt.Fprintf(sh.out, "%v\n", err)
		return
	}
	c, err := sh.s.client(t)
	if err != nil {
		fmt.Fprintf(sh.out, "%v\n", err)
		return
	}
	sh.client = c
	sh.rl.SetPrompt(fmt.Sprintf("jack %s> ", displayName(t)))
	fmt.Fprintf(sh.out, "using %s (%s)\n", t.Address, t.Profile.Model)
}

func displayName(t ble.Target) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

func (sh *shell) status(ctx context.Context, raw bool) {
	if sh.client == nil {
		fmt.Fprintln(sh.out, "no device selected")
		return
	}
	snap, err := sh.client.Refresh(ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "refresh failed: %v\n", err)
		return
	}
	fmt.Fprint(sh.out, formatSnapshot(snap))
	if raw {
		fmt.Fprint(sh.out, formatProps(snap.Props))
	}
}

func (sh *shell) set(ctx context.Context, name, value string) {
	if sh.client == nil {
		fmt.Fprintln(sh.out, "no device selected")
		return
	}
	ctl, err := parseControl(name, value)
	if err != nil {
		fmt.Fprintf(sh.out, "%v\n", err)
		return
	}
	if err := sh.client.Connect(ctx); err != nil {
		fmt.Fprintf(sh.out, "connect failed: %v\n", err)
		return
	}
	ack, snap, err := sh.client.SendAndRefresh(ctx, ctl)
	if err != nil {
		fmt.Fprintf(sh.out, "%s failed: %v\n", ctl, err)
		return
	}
	fmt.Fprintf(sh.out, "%s sent\n", ack.Control)
	if v, ok := snap.Props.Int(ctl.Setting.Key()); ok {
		fmt.Fprintf(sh.out, "%s now %d\n", ctl.Setting, v)
	}
}

func (sh *shell) disconnect(ctx context.Context) {
	if sh.client == nil {
		return
	}
	if err := sh.client.Close(ctx); err != nil {
		fmt.Fprintf(sh.out, "disconnect: %v\n", err)
	}
}
