package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/chaz8081/privatejack/internal/model"
)

// Setting is a logical, model-independent control.
type Setting uint8

const (
	SetACOutput Setting = iota + 1
	SetDCOutput
	SetUSBOutput
	SetCarOutput
	SetUPS
	SetSuperCharge
	SetLightMode
	SetChargeMode
	SetBatterySave
	SetEnergySaving
	SetScreenTimeout
)

// Light modes.
const (
	LightOff = iota
	LightLow
	LightHigh
	LightSOS
)

// EnergySavingMinutes lists the auto-shutdown timeouts the firmware accepts.
var EnergySavingMinutes = []int{0, 120, 480, 720, 1440}

type settingSpec struct {
	name    string
	key     string
	action  ActionID
	cap     model.Capability
	choices map[string]int
	valid   func(int) bool
}

func between(lo, hi int) func(int) bool {
	return func(v int) bool { return v >= lo && v <= hi }
}

var onOff = map[string]int{"off": 0, "on": 1}

var settings = map[Setting]settingSpec{
	SetACOutput:      {"ac", "oac", ActionOutputAC, model.AC, onOff, between(0, 1)},
	SetDCOutput:      {"dc", "odc", ActionOutputDC, model.DC, onOff, between(0, 1)},
	SetUSBOutput:     {"usb", "odcu", ActionOutputUSB, model.SplitDC, onOff, between(0, 1)},
	SetCarOutput:     {"car", "odcc", ActionOutputCar, model.SplitDC, onOff, between(0, 1)},
	SetUPS:           {"ups", "ups", ActionUPS, model.UPS, onOff, between(0, 1)},
	SetSuperCharge:   {"super-charge", "sfc", ActionSuperCharge, model.SuperCharge, onOff, between(0, 1)},
	SetLightMode:     {"light", "lm", ActionLightMode, model.Light, map[string]int{"off": LightOff, "low": LightLow, "high": LightHigh, "sos": LightSOS}, between(LightOff, LightSOS)},
	SetChargeMode:    {"charge-mode", "cs", ActionChargeMode, 0, map[string]int{"fast": 0, "silent": 1, "custom": 2}, between(0, 2)},
	SetBatterySave:   {"battery-save", "lps", ActionBatteryMode, 0, map[string]int{"full": 0, "save": 1, "custom": 2}, between(0, 2)},
	SetEnergySaving:  {"energy-saving", "pm", ActionPowerMode, 0, map[string]int{"never": 0, "2h": 120, "8h": 480, "12h": 720, "24h": 1440}, func(v int) bool { return slices.Contains(EnergySavingMinutes, v) }},
	SetScreenTimeout: {"screen-timeout", "slt", ActionScreenTime, 0, map[string]int{"always": 0}, between(0, 1440)},
}

// stateKeys holds the settings whose reported property differs from the
// key they are written with.
var stateKeys = map[Setting]string{
	SetScreenTimeout: "sltb",
}

func (s Setting) spec() (settingSpec, bool) {
	sp, ok := settings[s]
	return sp, ok
}

func (s Setting) String() string {
	if sp, ok := s.spec(); ok {
		return sp.name
	}
	return fmt.Sprintf("setting(%d)", uint8(s))
}

// Key returns the telemetry property that reflects the setting.
func (s Setting) Key() string {
	if k, ok := stateKeys[s]; ok {
		return k
	}
	sp, _ := s.spec()
	return sp.key
}

// Capability returns the model capability the setting needs, or 0.
func (s Setting) Capability() model.Capability {
	sp, _ := s.spec()
	return sp.cap
}

// Settings returns every setting in declaration order.
func Settings() []Setting {
	out := make([]Setting, 0, len(settings))
	for s := SetACOutput; s <= SetScreenTimeout; s++ {
		out = append(out, s)
	}
	return out
}

// ParseSetting looks a setting up by its name.
func ParseSetting(name string) (Setting, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, sp := range settings {
		if sp.name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown setting %q", name)
}

// ParseValue accepts a number or a named choice such as "on", "sos" or "8h".
func (s Setting) ParseValue(v string) (int, error) {
	sp, ok := s.spec()
	if !ok {
		return 0, fmt.Errorf("protocol: unknown setting %d", s)
	}
	v = strings.ToLower(strings.TrimSpace(v))
	if n, ok := sp.choices[v]; ok {
		return n, nil
	}
	switch v {
	case "true", "yes":
		if sp.valid(1) {
			return 1, nil
		}
	case "false", "no":
		if sp.valid(0) {
			return 0, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("protocol: %s: invalid value %q", sp.name, v)
	}
	return n, nil
}

// Choices returns the named values of s, sorted.
func (s Setting) Choices() []string {
	sp, _ := s.spec()
	out := make([]string, 0, len(sp.choices))
	for k := range sp.choices {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Control is a logical command such as "set AC output on".
type Control struct {
	Setting Setting
	Value   int
}

// Switch builds an on/off control.
func Switch(s Setting, on bool) Control {
	c := Control{Setting: s}
	if on {
		c.Value = 1
	}
	return c
}

func (c Control) String() string { return fmt.Sprintf("%s=%d", c.Setting, c.Value) }

// Validate checks the value range for the setting.
func (c Control) Validate() error {
	sp, ok := c.Setting.spec()
	if !ok {
		return fmt.Errorf("protocol: unknown setting %d", c.Setting)
	}
	if !sp.valid(c.Value) {
		return fmt.Errorf("protocol: %s: value %d out of range", sp.name, c.Value)
	}
	return nil
}

// Check returns a model.UnsupportedError when m lacks the capability c needs.
func (c Control) Check(m model.Model) error {
	return m.Require(c.Setting.Capability())
}

// Frame builds the set-control frame for c.
func (c Control) Frame() (Frame, error) {
	if err := c.Validate(); err != nil {
		return Frame{}, err
	}
	sp, _ := c.Setting.spec()
	body, err := compactJSON(map[string]int{sp.key: c.Value})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Action: sp.action, Type: MsgSetControl, Body: body}, nil
}

// Build checks c against m and encodes it.
func Build(c Control, m model.Model) (Frame, error) {
	if err := c.Check(m); err != nil {
		return Frame{}, err
	}
	return c.Frame()
}

// StatusQuery asks for the full property set.
func StatusQuery() Frame {
	return Frame{Action: ActionDeviceProperty, Type: MsgDeviceProperty}
}

// TimeSync sets the device clock to t. The UTC offset is taken from t's zone.
func TimeSync(t time.Time) Frame {
	_, offset := t.Zone()
	body, _ := compactJSON(struct {
		TS int64 `json:"ts"`
		UO int   `json:"uo"`
	}{t.Unix(), offset})
	return Frame{Action: ActionTimeSync, Type: MsgTimeSync, Body: body}
}

// BatteryBoundary sets the discharge limit, charge limit and backup capacity in percent.
func BatteryBoundary(discharge, charge, backup int) (Frame, error) {
	for _, v := range []int{discharge, charge, backup} {
		if v < 0 || v > 100 {
			return Frame{}, fmt.Errorf("protocol: battery boundary %d out of range", v)
		}
	}
	if discharge >= charge {
		return Frame{}, fmt.Errorf("protocol: discharge limit %d must be below charge limit %d", discharge, charge)
	}
	body, err := compactJSON(struct {
		DL int `json:"dl"`
		CL int `json:"cl"`
		BC int `json:"bc"`
	}{discharge, charge, backup})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Action: ActionBatteryBoundary, Type: MsgSetControl, Body: body}, nil
}

// WifiConnect hands Wi-Fi credentials to the device.
func WifiConnect(ssid, password string) (Frame, error) {
	if ssid == "" {
		return Frame{}, fmt.Errorf("protocol: empty ssid")
	}
	body, err := compactJSON(struct {
		S string `json:"s"`
		P string `json:"p"`
	}{ssid, password})
	if err != nil {
		return Frame{}, err
	}
	if len(body) > MaxBody {
		return Frame{}, fmt.Errorf("protocol: wifi credentials too long")
	}
	return Frame{Action: ActionWifiConnect, Type: MsgSetWifi, Body: body}, nil
}

func compactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("protocol: encode body: %w", err)
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites every non-ASCII rune as a \uXXXX escape, with
// surrogate pairs above the BMP, the way the vendor app encodes bodies.
// Non-ASCII bytes only occur inside JSON strings, so this is always valid.
func escapeNonASCII(b []byte) []byte {
	if !slices.ContainsFunc(b, func(c byte) bool { return c >= utf8.RuneSelf }) {
		return b
	}
	out := make([]byte, 0, len(b)+16)
	for len(b) > 0 {
		r, n := utf8.DecodeRune(b)
		b = b[n:]
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, `\u%04x\u%04x`, r1, r2)
			continue
		}
		out = fmt.Appendf(out, `\u%04x`, r)
	}
	return out
}
