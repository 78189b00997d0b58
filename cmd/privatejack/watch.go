package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chaz8081/privatejack/internal/poller"
)

var watchPlain bool

var watchCmd = &cobra.Command{
	Use:   "watch [device...]",
	Short: "Poll stations and show live telemetry",
	Long: `Refresh every named device (all configured devices by default) each
poll_interval and show the latest values. A device that fails a refresh is
shown as unavailable until the next successful one.

On a terminal this is a full-screen dashboard; press q to quit. Otherwise,
or with --plain, one line is printed per update.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print updates as lines even on a terminal")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	queries := args
	if len(queries) == 0 {
		for _, d := range cfg.Devices {
			queries = append(queries, d.Address)
		}
	}
	if len(queries) == 0 {
		return errors.New("no devices: name some or add them to the config")
	}

	tui := !watchPlain && term.IsTerminal(int(os.Stdout.Fd()))
	if tui {
		// Log lines would tear the dashboard.
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	targets, err := s.resolveAll(ctx, queries)
	if err != nil {
		return err
	}

	var publish func(poller.Update)
	pollers := make([]*poller.Poller, 0, len(targets))
	names := make(map[string]string, len(targets))
	for _, t := range targets {
		c, err := s.client(t)
		if err != nil {
			return err
		}
		names[strings.ToUpper(t.Address)] = t.Name
		pollers = append(pollers, poller.New(c, poller.Options{
			Interval: cfg.PollInterval,
			Settle:   cfg.BLE.CommandSettle,
			Logger:   logger,
			OnUpdate: func(u poller.Update) { publish(u) },
		}))
	}
	group := poller.NewGroup(pollers...)

	if !tui {
		publish = func(u poller.Update) { fmt.Println(formatUpdate(names, u)) }
		return group.Run(ctx)
	}

	prog := tea.NewProgram(newWatchModel(targetsOrder(pollers), names), tea.WithAltScreen())
	publish = func(u poller.Update) { prog.Send(updateMsg(u)) }

	errc := make(chan error, 1)
	go func() { errc <- group.Run(ctx) }()
	go func() {
		<-ctx.Done()
		prog.Quit()
	}()

	_, err = prog.Run()
	cancel()
	if gerr := <-errc; err == nil {
		err = gerr
	}
	return err
}

func targetsOrder(ps []*poller.Poller) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = strings.ToUpper(p.Address())
	}
	return out
}

// formatUpdate renders an update as one line.
func formatUpdate(names map[string]string, u poller.Update) string {
	label := u.Address
	if n := names[strings.ToUpper(u.Address)]; n != "" {
		label = n
	}
	ts := u.At.Format(time.TimeOnly)
	if !u.Available {
		return fmt.Sprintf("%s %s unavailable: %v", ts, label, u.Err)
	}
	parts := make([]string, 0, 8)
	for _, f := range fields(u.Snapshot) {
		parts = append(parts, f.label+"="+f.value)
	}
	return fmt.Sprintf("%s %s %s", ts, label, strings.Join(parts, " "))
}

type updateMsg poller.Update

type deviceView struct {
	name   string
	update poller.Update
	seen   bool
}

type watchModel struct {
	order   []string
	devices map[string]*deviceView
	spinner spinner.Model
	width   int
}

func newWatchModel(order []string, names map[string]string) watchModel {
	devices := make(map[string]*deviceView, len(order))
	for _, a := range order {
		name := names[a]
		if name == "" {
			name = a
		}
		devices[a] = &deviceView{name: name}
	}
	return watchModel{
		order:   order,
		devices: devices,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case updateMsg:
		if d, ok := m.devices[strings.ToUpper(msg.Address)]; ok {
			d.update = poller.Update(msg)
			d.seen = true
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("privatejack"))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  every %s · q to quit", cfg.PollInterval)))
	b.WriteString("\n\n")

	for _, a := range m.order {
		b.WriteString(m.renderDevice(m.devices[a]))
		b.WriteString("\n")
	}
	return b.String()
}

func (m watchModel) renderDevice(d *deviceView) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(d.name))
	b.WriteString("\n")

	switch {
	case !d.seen:
		b.WriteString(m.spinner.View() + " connecting...")
	case !d.update.Available:
		b.WriteString(errorStyle.Render("unavailable"))
		if d.update.Err != nil {
			b.WriteString(" " + mutedStyle.Render(d.update.Err.Error()))
		}
	default:
		snap := d.update.Snapshot
		b.WriteString(mutedStyle.Render(fmt.Sprintf("%s [%s]", snap.Profile.Model, snap.Envelope)))
		fs := fields(snap)
		width := 0
		for _, f := range fs {
			width = max(width, len(f.label))
		}
		for _, f := range fs {
			b.WriteString("\n" + labelStyle.Render(fmt.Sprintf("%-*s", width, f.label)) + "  " + valueStyle.Render(f.value))
		}
	}
	if d.seen {
		b.WriteString("\n" + mutedStyle.Render("updated "+d.update.At.Format(time.TimeOnly)))
	}

	style := boxStyle
	if m.width > 4 {
		style = style.Width(min(m.width-4, 72))
	}
	return style.Render(b.String())
}
