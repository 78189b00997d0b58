// Package model holds the static table of power station models: what each
// model code can do and which cipher family its firmware speaks.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the model identifier broadcast in the advertisement beacon.
type Code uint16

// Capability is a single controllable feature of a model.
type Capability uint8

const (
	DC Capability = 1 << iota
	SplitDC
	AC
	UPS
	Light
	SuperCharge
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{DC, "dc"},
	{SplitDC, "split-dc"},
	{AC, "ac"},
	{UPS, "ups"},
	{Light, "light"},
	{SuperCharge, "super-charge"},
}

func (c Capability) String() string {
	var parts []string
	for _, n := range capabilityNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Cipher selects the frame encryption family.
type Cipher uint8

const (
	// CipherAuto is used for unknown models: the codec tries RC4, then AES.
	CipherAuto Cipher = iota
	CipherRC4
	CipherAES
)

func (c Cipher) String() string {
	switch c {
	case CipherRC4:
		return "rc4"
	case CipherAES:
		return "aes"
	default:
		return "auto"
	}
}

// Kind separates portable stations from stationary box units, which use a
// different frame prefix and padding suffix.
type Kind uint8

const (
	Portable Kind = iota
	Box
)

func (k Kind) String() string {
	if k == Box {
		return "box"
	}
	return "portable"
}

// ParseKind accepts "portable" or "box" (case-insensitive). Empty means portable.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "portable":
		return Portable, nil
	case "box":
		return Box, nil
	}
	return Portable, fmt.Errorf("model: unknown device kind %q", s)
}

// Model is one immutable row of the model table.
type Model struct {
	Code   Code
	Name   string
	Caps   Capability
	Cipher Cipher
}

// Has reports whether the model supports every capability in c.
func (m Model) Has(c Capability) bool { return m.Caps&c == c }

// Known reports whether m came from the table.
func (m Model) Known() bool { return m.Name != "" && m.Code != 0 }

func (m Model) String() string {
	if m.Name == "" {
		return fmt.Sprintf("model %d", m.Code)
	}
	return fmt.Sprintf("%s (%d)", m.Name, m.Code)
}

const (
	classic = DC | AC | Light
	plus    = SplitDC | AC | UPS | Light | SuperCharge
	pro     = DC | AC | Light | SuperCharge
)

// Codes 20 and 21 are the only portables whose firmware uses AES.
var table = [...]Model{
	{1, "Explorer 240", classic, CipherRC4},
	{2, "Explorer 300", classic, CipherRC4},
	{3, "Explorer 500", classic, CipherRC4},
	{4, "Explorer 1000", classic, CipherRC4},
	{5, "Explorer 1000 Plus", plus, CipherRC4},
	{6, "Explorer 1000 Pro", pro, CipherRC4},
	{7, "Explorer 1500", classic, CipherRC4},
	{8, "Explorer 1500 Pro", pro, CipherRC4},
	{9, "Explorer 2000 Plus", plus, CipherRC4},
	{10, "Explorer 2000 Pro", pro, CipherRC4},
	{11, "Explorer 3000 Pro", pro | UPS, CipherRC4},
	{12, "Explorer 300 Plus", SplitDC | AC | Light, CipherRC4},
	{13, "Explorer 600 Plus", plus, CipherRC4},
	{14, "Explorer 700 Plus", plus, CipherRC4},
	{15, "Explorer 1000 v2", DC | AC | UPS | Light | SuperCharge, CipherRC4},
	{16, "Explorer 100 Plus", SplitDC, CipherRC4},
	{17, "Explorer 5000 Plus", plus, CipherRC4},
	{18, "Explorer 240 v2", DC | AC | UPS | Light, CipherRC4},
	{19, "Explorer 1500 Plus", plus, CipherRC4},
	{20, "HP3600", plus, CipherAES},
	{21, "Explorer 1500 v2", DC | AC | UPS | Light | SuperCharge, CipherAES},
	{22, "Explorer 2000 v2", DC | AC | UPS | Light | SuperCharge, CipherRC4},
}

// Lookup returns the table row for code.
func Lookup(code Code) (Model, bool) {
	if code == 0 || int(code) > len(table) {
		return Model{}, false
	}
	return table[code-1], true
}

// All returns a copy of the model table in code order.
func All() []Model {
	out := make([]Model, len(table))
	copy(out, table[:])
	return out
}

// Unknown describes a device whose code is not in the table. Every
// portable capability is allowed and the cipher is detected on the wire.
func Unknown(code Code) Model {
	return Model{Code: code, Caps: DC | SplitDC | AC | UPS | Light | SuperCharge, Cipher: CipherAuto}
}

// Profile is the per-connection view of a device: its model row and its kind.
type Profile struct {
	Model Model
	Kind  Kind
}

// Classify builds the profile for an advertised device. A name containing
// "BOX" marks a box unit, which always uses AES.
func Classify(name string, code Code) Profile {
	m, ok := Lookup(code)
	if !ok {
		m = Unknown(code)
	}
	kind := Portable
	if strings.Contains(strings.ToUpper(name), "BOX") {
		kind = Box
	}
	return Profile{Model: m, Kind: kind}
}

// FrameCipher returns the cipher family the profile's frames use.
func (p Profile) FrameCipher() Cipher {
	if p.Kind == Box {
		return CipherAES
	}
	return p.Model.Cipher
}

// ErrUnsupportedCapability is matched by every UnsupportedError.
var ErrUnsupportedCapability = errors.New("model: unsupported capability")

// UnsupportedError reports a request the model cannot honour.
type UnsupportedError struct {
	Model      Model
	Capability Capability
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("model: %s does not support %s", e.Model, e.Capability)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupportedCapability }

// Require returns an UnsupportedError if m lacks c.
func (m Model) Require(c Capability) error {
	if c == 0 || m.Has(c) {
		return nil
	}
	return &UnsupportedError{Model: m, Capability: c}
}
