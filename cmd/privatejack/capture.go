package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/privatejack/internal/ble/keys"
	"github.com/chaz8081/privatejack/internal/ble/protocol"
	"github.com/chaz8081/privatejack/internal/capture"
)

var (
	viewSession string
	viewAddress string
	viewDir     string
	viewKind    string
	viewAction  uint8
	viewSince   time.Duration
	viewKey     string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Inspect recorded BLE traffic",
}

var captureViewCmd = &cobra.Command{
	Use:   "view [file]",
	Short: "Print a capture log",
	Long: `Print the events in a capture log (default: capture.path).

With --key every frame, outbound ones included, is opened again offline
with that session key and its header and body are shown, which checks the
codec against captured traffic.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCaptureView,
}

func init() {
	f := captureViewCmd.Flags()
	f.StringVar(&viewSession, "session", "", "only this session ID")
	f.StringVar(&viewAddress, "address", "", "only this device address")
	f.StringVar(&viewDir, "dir", "", "only in or out")
	f.StringVar(&viewKind, "kind", "", "only frame, state or error")
	f.Uint8Var(&viewAction, "action", 0, "only this action ID")
	f.DurationVar(&viewSince, "since", 0, "only events newer than this")
	f.StringVar(&viewKey, "key", "", "base64 session key to decode frames with")
	captureCmd.AddCommand(captureViewCmd)
	rootCmd.AddCommand(captureCmd)
}

func runCaptureView(cmd *cobra.Command, args []string) error {
	path := cfg.Capture.Path
	if len(args) == 1 {
		path = args[0]
	}

	filter, err := viewFilter()
	if err != nil {
		return err
	}

	var codec *protocol.Codec
	if viewKey != "" {
		k, err := keys.ParseSessionKey(viewKey)
		if err != nil {
			return err
		}
		codec, err = protocol.NewCodecWith([]protocol.Envelope{
			protocol.EnvelopeRC4, protocol.EnvelopePortableAES, protocol.EnvelopeBoxAES,
		}, k)
		if err != nil {
			return err
		}
	}

	r, err := capture.Open(path, filter)
	if err != nil {
		return err
	}
	defer r.Close()

	n := 0
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Println(formatEvent(e, codec))
		n++
	}
	fmt.Fprintf(os.Stderr, "%d events\n", n)
	return nil
}

func viewFilter() (capture.Filter, error) {
	f := capture.Filter{
		Session: viewSession,
		Address: viewAddress,
		Action:  viewAction,
	}
	switch strings.ToLower(viewDir) {
	case "":
	case "in":
		d := capture.In
		f.Direction = &d
	case "out":
		d := capture.Out
		f.Direction = &d
	default:
		return f, fmt.Errorf("--dir must be in or out, got %q", viewDir)
	}
	switch strings.ToLower(viewKind) {
	case "":
	case "frame":
		k := capture.KindFrame
		f.Kind = &k
	case "state":
		k := capture.KindState
		f.Kind = &k
	case "error":
		k := capture.KindError
		f.Kind = &k
	default:
		return f, fmt.Errorf("--kind must be frame, state or error, got %q", viewKind)
	}
	if viewSince > 0 {
		f.Since = time.Now().Add(-viewSince)
	}
	return f, nil
}

// formatEvent renders one event. With a codec, frames are opened again.
func formatEvent(e capture.Event, codec *protocol.Codec) string {
	head := fmt.Sprintf("%s %.8s %-17s", e.Timestamp.Format("15:04:05.000"), e.Session, e.Address)
	switch e.Kind {
	case capture.KindState:
		return fmt.Sprintf("%s state %s -> %s", head, e.From, e.To)
	case capture.KindError:
		return fmt.Sprintf("%s error %s", head, e.Err)
	}

	line := fmt.Sprintf("%s %-3s %-12s %x", head, e.Direction, e.Envelope, e.Wire)
	if e.Err != "" {
		line += " dropped: " + e.Err
	}
	if codec != nil {
		f, err := codec.Decode(e.Wire)
		if err != nil {
			return line + "\n    decode: " + err.Error()
		}
		return line + "\n    " + formatFrame(f)
	}
	if len(e.Plain) > len(protocol.PrefixPortable) {
		if f, err := protocol.UnmarshalPayload(e.Plain[len(protocol.PrefixPortable):]); err == nil {
			return line + "\n    " + formatFrame(f)
		}
	}
	return line
}

func formatFrame(f protocol.Frame) string {
	s := fmt.Sprintf("%s type=%d", f.Action, f.Type)
	if f.Fragmented() {
		s += fmt.Sprintf(" part %d/%d", f.Seq, f.Total)
	}
	switch {
	case len(f.Body) == 0:
	case json.Valid(f.Body):
		s += " " + string(f.Body)
	default:
		s += fmt.Sprintf(" %x", f.Body)
	}
	return s
}
