// Package protocol implements the application frames exchanged with the
// power station over its data characteristics.
//
// A plain frame is
//
//	prefix(2) flags(1) action(1) msgType(1) len(1) body
//
// where the body is compact JSON. Fragments of a multi-packet response set
// flags to 0x80 and carry seq(2) total(2) before the body. The plain frame is
// then wrapped in one of three envelopes (see Codec) before it hits the air.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ActionID is the opcode of a frame.
type ActionID uint8

const (
	ActionOutputDC        ActionID = 1
	ActionOutputUSB       ActionID = 2
	ActionOutputCar       ActionID = 3
	ActionOutputAC        ActionID = 4
	ActionInputAC         ActionID = 5
	ActionInputDC         ActionID = 6
	ActionLightMode       ActionID = 7
	ActionScreenTime      ActionID = 8
	ActionAutoShutdown    ActionID = 9
	ActionChargeMode      ActionID = 10
	ActionBatteryMode     ActionID = 11
	ActionPowerMode       ActionID = 12
	ActionSuperCharge     ActionID = 13
	ActionUPS             ActionID = 14
	ActionTimeSync        ActionID = 15
	ActionQueryStrategy   ActionID = 16
	ActionInsertStrategy  ActionID = 17
	ActionUpdateStrategy  ActionID = 18
	ActionDeleteStrategy  ActionID = 19
	ActionQueryCurrent    ActionID = 20
	ActionDeviceType      ActionID = 21
	ActionDeviceEnable    ActionID = 22
	ActionBatteryBoundary ActionID = 23
	ActionOutputACTime    ActionID = 24
	ActionOutputDCTime    ActionID = 25
	ActionOutputUSBTime   ActionID = 26
	ActionOutputCarTime   ActionID = 27
	ActionChargeSchedule  ActionID = 28
	ActionPowerPackList   ActionID = 248
	ActionElectricityData ActionID = 249
	ActionWifiList        ActionID = 251
	ActionDeviceProperty  ActionID = 252
	ActionWifiConnect     ActionID = 253
	ActionOTAVersion      ActionID = 254
)

var actionNames = map[ActionID]string{
	ActionOutputDC:        "output-dc",
	ActionOutputUSB:       "output-usb",
	ActionOutputCar:       "output-car",
	ActionOutputAC:        "output-ac",
	ActionInputAC:         "input-ac",
	ActionInputDC:         "input-dc",
	ActionLightMode:       "light-mode",
	ActionScreenTime:      "screen-time",
	ActionAutoShutdown:    "auto-shutdown",
	ActionChargeMode:      "charge-mode",
	ActionBatteryMode:     "battery-mode",
	ActionPowerMode:       "power-mode",
	ActionSuperCharge:     "super-charge",
	ActionUPS:             "ups",
	ActionTimeSync:        "time-sync",
	ActionQueryStrategy:   "query-strategy",
	ActionInsertStrategy:  "insert-strategy",
	ActionUpdateStrategy:  "update-strategy",
	ActionDeleteStrategy:  "delete-strategy",
	ActionQueryCurrent:    "query-current",
	ActionDeviceType:      "device-type",
	ActionDeviceEnable:    "device-enable",
	ActionBatteryBoundary: "battery-boundary",
	ActionOutputACTime:    "output-ac-time",
	ActionOutputDCTime:    "output-dc-time",
	ActionOutputUSBTime:   "output-usb-time",
	ActionOutputCarTime:   "output-car-time",
	ActionChargeSchedule:  "charge-schedule",
	ActionPowerPackList:   "power-pack-list",
	ActionElectricityData: "electricity-data",
	ActionWifiList:        "wifi-list",
	ActionDeviceProperty:  "device-property",
	ActionWifiConnect:     "wifi-connect",
	ActionOTAVersion:      "ota-version",
}

// Known reports whether a is in the action catalogue.
func (a ActionID) Known() bool {
	_, ok := actionNames[a]
	return ok
}

func (a ActionID) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// MsgType is the second header byte.
type MsgType uint8

const (
	MsgQuery          MsgType = 1
	MsgSetWifi        MsgType = 2
	MsgDeviceProperty MsgType = 3
	MsgSetControl     MsgType = 4
	MsgFirmwareInfo   MsgType = 5
	MsgFirmwarePage   MsgType = 6
	MsgPowerPack      MsgType = 7
	MsgTimeSync       MsgType = 8
)

// Frame prefixes.
var (
	PrefixPortable = [2]byte{0xDF, 0xEC}
	PrefixBox      = [2]byte{0xDF, 0xED}
)

const (
	flagSingle   = 0x00
	flagFragment = 0x80

	headerLen         = 4
	fragmentHeaderLen = 8

	// MaxBody is the largest body a single header can describe.
	MaxBody = 0xFF
)

var (
	// ErrIntegrity reports a frame that failed its checksum or magic check.
	ErrIntegrity = errors.New("protocol: integrity check failed")
	// ErrMalformed reports a frame that passed integrity checks but whose
	// header cannot be parsed.
	ErrMalformed = errors.New("protocol: malformed frame")
)

// Frame is one plain application frame without prefix or envelope.
type Frame struct {
	Action ActionID
	Type   MsgType
	Body   []byte

	// Seq and Total number the fragments of a multi-packet response from 1.
	// Both are zero for an unfragmented frame.
	Seq   uint16
	Total uint16
}

// Fragmented reports whether f is one part of a multi-packet response.
func (f Frame) Fragmented() bool { return f.Total > 0 }

// MarshalPayload encodes f without its prefix.
func (f Frame) MarshalPayload() ([]byte, error) {
	if len(f.Body) > MaxBody {
		return nil, fmt.Errorf("protocol: body of %d bytes exceeds %d", len(f.Body), MaxBody)
	}
	if !f.Fragmented() {
		buf := make([]byte, 0, headerLen+len(f.Body))
		buf = append(buf, flagSingle, byte(f.Action), byte(f.Type), byte(len(f.Body)))
		return append(buf, f.Body...), nil
	}
	if f.Seq == 0 || f.Seq > f.Total {
		return nil, fmt.Errorf("protocol: fragment %d of %d out of range", f.Seq, f.Total)
	}
	buf := make([]byte, fragmentHeaderLen, fragmentHeaderLen+len(f.Body))
	buf[0], buf[1], buf[2], buf[3] = flagFragment, byte(f.Action), byte(f.Type), byte(len(f.Body))
	binary.BigEndian.PutUint16(buf[4:6], f.Seq)
	binary.BigEndian.PutUint16(buf[6:8], f.Total)
	return append(buf, f.Body...), nil
}

// UnmarshalPayload decodes a frame from the bytes that follow the prefix.
// The length byte is informational; the envelope already delimits the body.
func UnmarshalPayload(p []byte) (Frame, error) {
	if len(p) < headerLen {
		return Frame{}, fmt.Errorf("%w: %d byte header", ErrMalformed, len(p))
	}
	f := Frame{Action: ActionID(p[1]), Type: MsgType(p[2])}
	body := p[headerLen:]
	if p[0]&flagFragment != 0 {
		if len(p) < fragmentHeaderLen {
			return Frame{}, fmt.Errorf("%w: %d byte fragment header", ErrMalformed, len(p))
		}
		f.Seq = binary.BigEndian.Uint16(p[4:6])
		f.Total = binary.BigEndian.Uint16(p[6:8])
		if f.Seq == 0 || f.Seq > f.Total {
			return Frame{}, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, f.Seq, f.Total)
		}
		body = p[fragmentHeaderLen:]
	}
	if len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}
	return f, nil
}
