package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chaz8081/privatejack/internal/ble"
	"github.com/chaz8081/privatejack/internal/ble/protocol"
	"github.com/chaz8081/privatejack/internal/model"
)

// field is one labelled telemetry value.
type field struct {
	label string
	value string
}

var lightModes = []string{"off", "low", "high", "sos"}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func choice(names []string, v int) string {
	if v >= 0 && v < len(names) {
		return names[v]
	}
	return fmt.Sprintf("%d", v)
}

// fields lays a snapshot out for display. Box units have a smaller set.
func fields(s *ble.Snapshot) []field {
	if s.Profile.Kind == model.Box {
		b := s.Props.Box()
		return []field{
			{"Battery", fmt.Sprintf("%d%%", b.Battery)},
			{"Input", fmt.Sprintf("%d W", b.InputPower)},
			{"Output", fmt.Sprintf("%d W", b.OutputPower)},
			{"Runtime", fmt.Sprintf("%d", b.OutputTime)},
			{"UPS", onOff(b.UPS)},
			{"Enabled", onOff(b.Enabled)},
		}
	}

	t := s.Telemetry()
	out := []field{
		{"Battery", fmt.Sprintf("%d%% (%.1f °C)", t.Battery, t.BatteryTemp)},
		{"Input", fmt.Sprintf("%d W (AC %d W, DC %d W)", t.InputPower, t.ACInputPower, t.DCInputPower)},
		{"Output", fmt.Sprintf("%d W (AC %d W)", t.OutputPower, t.ACOutputPower)},
		{"AC out", fmt.Sprintf("%s %.1f V %d Hz", onOff(t.AC), t.ACVoltage, t.ACFrequency)},
	}
	m := s.Profile.Model
	if m.Has(model.SplitDC) {
		out = append(out, field{"USB / Car", onOff(t.USB) + " / " + onOff(t.Car)})
	} else {
		out = append(out, field{"DC out", onOff(t.DC)})
	}
	if m.Has(model.UPS) {
		out = append(out, field{"UPS", onOff(t.UPS)})
	}
	if m.Has(model.SuperCharge) {
		out = append(out, field{"Super charge", onOff(t.SuperCharge)})
	}
	if m.Has(model.Light) {
		out = append(out, field{"Light", choice(lightModes, t.LightMode)})
	}
	out = append(out,
		field{"Limits", fmt.Sprintf("discharge %d%%, charge %d%%", t.DischargeLimit, t.ChargeLimit)},
		field{"Time left", fmt.Sprintf("in %d, out %d", t.InputTime, t.OutputTime)},
	)
	if t.ErrorCode != 0 {
		out = append(out, field{"Error", fmt.Sprintf("%d", t.ErrorCode)})
	}
	if t.WifiName != "" {
		out = append(out, field{"Wi-Fi", fmt.Sprintf("%s %s (%d)", t.WifiName, t.WifiIP, t.WifiSignal)})
	}
	return out
}

// formatSnapshot renders a snapshot as an aligned block of text.
func formatSnapshot(s *ble.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  [%s]\n", s.Address, s.Profile.Model, s.Envelope)
	fs := fields(s)
	width := 0
	for _, f := range fs {
		width = max(width, len(f.label))
	}
	for _, f := range fs {
		fmt.Fprintf(&b, "  %-*s  %s\n", width, f.label, f.value)
	}
	return b.String()
}

// formatProps lists every raw property, sorted by key.
func formatProps(p protocol.Properties) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%v\n", k, p[k])
	}
	return b.String()
}

// formatSettings lists the controls a model accepts and their named values.
func formatSettings(m model.Model) string {
	var b strings.Builder
	for _, s := range protocol.Settings() {
		if c := s.Capability(); c != 0 && !m.Has(c) {
			continue
		}
		fmt.Fprintf(&b, "  %-15s %s\n", s, strings.Join(s.Choices(), "|"))
	}
	return b.String()
}

// parseControl builds a control from a setting name and a value.
func parseControl(name, value string) (protocol.Control, error) {
	s, err := protocol.ParseSetting(name)
	if err != nil {
		return protocol.Control{}, err
	}
	v, err := s.ParseValue(value)
	if err != nil {
		return protocol.Control{}, err
	}
	ctl := protocol.Control{Setting: s, Value: v}
	return ctl, ctl.Validate()
}
