// Package keys recovers the per-device session key from the data a power
// station broadcasts in its BLE advertisement.
//
// The manufacturer data carries the serial number. The service data carries
// a 14-byte beacon encrypted with RC4 under a key built from the serial; it
// decodes to the model code, a 6-byte GUID, the battery level and a reset
// mark. The session key is the serial suffix, the GUID and a fixed salt.
package keys

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/privatejack/internal/ble/crc"
	"github.com/chaz8081/privatejack/internal/ble/crypto"
	"github.com/chaz8081/privatejack/internal/model"
)

// ServiceDataUUID is the 128-bit UUID the beacon is published under.
const ServiceDataUUID = "0000bdee-0000-1000-8000-00805f9b34fb"

const (
	SerialLen  = 15
	GUIDLen    = 6
	BeaconLen  = 14
	SessionLen = 22

	bootstrapSalt = "LYx*G!6u9#"
	sessionSalt   = "6*SY1c5B9@"
)

// ErrDerivation is matched by every DerivationError.
var ErrDerivation = errors.New("keys: derivation failed")

// DerivationError reports an advertisement that lacks or garbles a field
// needed to derive the key. Re-scanning may succeed.
type DerivationError struct {
	Field  string
	Reason string
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("keys: %s: %s", e.Field, e.Reason)
}

func (e *DerivationError) Is(target error) bool { return target == ErrDerivation }

// SessionKey is the raw key material for one device. RC4 uses all of it,
// AES uses its 16-byte reduction.
type SessionKey []byte

// Derive builds the session key from a serial number and beacon GUID.
func Derive(serial string, guid []byte) (SessionKey, error) {
	if len(serial) < 6 {
		return nil, &DerivationError{Field: "serial", Reason: fmt.Sprintf("too short (%d chars)", len(serial))}
	}
	if len(guid) != GUIDLen {
		return nil, &DerivationError{Field: "guid", Reason: fmt.Sprintf("want %d bytes, got %d", GUIDLen, len(guid))}
	}
	k := make(SessionKey, 0, 6+GUIDLen+len(sessionSalt))
	k = append(k, serial[len(serial)-6:]...)
	k = append(k, guid...)
	k = append(k, sessionSalt...)
	return k, nil
}

// ParseSessionKey decodes a base64 key as stored in configuration.
func ParseSessionKey(s string) (SessionKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: decode session key: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("keys: empty session key")
	}
	return SessionKey(b), nil
}

// String returns the base64 form of the key.
func (k SessionKey) String() string { return base64.StdEncoding.EncodeToString(k) }

// Block returns the AES-128 key.
func (k SessionKey) Block() []byte { return crypto.BlockKey(k) }

// Fingerprint identifies the key in logs.
func (k SessionKey) Fingerprint() string { return crypto.Fingerprint(k) }

// Beacon is the decoded advertisement payload.
type Beacon struct {
	Serial    string
	AppType   uint8
	Model     model.Code
	GUID      [GUIDLen]byte
	Battery   uint8
	ResetMark uint16
}

// Serial reassembles the serial number. The high byte of the manufacturer
// ID is its first character, the manufacturer data holds the rest.
func Serial(mfrID uint16, mfrData []byte) (string, uint8, error) {
	raw := append([]byte{byte(mfrID >> 8)}, mfrData...)
	if len(raw) != SerialLen {
		return "", 0, &DerivationError{Field: "manufacturer data", Reason: fmt.Sprintf("serial has %d chars, want %d", len(raw), SerialLen)}
	}
	for _, b := range raw {
		if b < 0x20 || b > 0x7E {
			return "", 0, &DerivationError{Field: "manufacturer data", Reason: "serial is not printable ASCII"}
		}
	}
	return string(raw), uint8(mfrID), nil
}

func bootstrapKey(serial string) []byte {
	return []byte(serial[:3] + serial[len(serial)-5:] + bootstrapSalt)
}

// ParseBeacon decodes the manufacturer and service data of one advertisement.
// The service data must be exactly BeaconLen bytes.
func ParseBeacon(mfrID uint16, mfrData, svcData []byte) (*Beacon, error) {
	serial, appType, err := Serial(mfrID, mfrData)
	if err != nil {
		return nil, err
	}
	if len(svcData) != BeaconLen {
		return nil, &DerivationError{Field: "service data", Reason: fmt.Sprintf("%d bytes, want %d", len(svcData), BeaconLen)}
	}

	plain, err := crypto.RC4(bootstrapKey(serial), svcData)
	if err != nil {
		return nil, fmt.Errorf("keys: decrypt beacon: %w", err)
	}
	if !crc.Verify(plain) {
		return nil, &DerivationError{Field: "service data", Reason: "beacon checksum mismatch"}
	}

	xk := plain[11]
	d := make([]byte, 11)
	for i := range d {
		d[i] = plain[i] ^ xk
	}

	b := &Beacon{
		Serial:    serial,
		AppType:   appType,
		Model:     model.Code(binary.BigEndian.Uint16(d[0:2])),
		Battery:   d[8],
		ResetMark: binary.BigEndian.Uint16(d[9:11]),
	}
	copy(b.GUID[:], d[2:8])
	return b, nil
}

// SessionKey derives the session key for the beacon's device.
func (b *Beacon) SessionKey() SessionKey {
	k, _ := Derive(b.Serial, b.GUID[:])
	return k
}

// FromAdvertisement parses a beacon and derives its session key in one step.
func FromAdvertisement(mfrID uint16, mfrData, svcData []byte) (*Beacon, SessionKey, error) {
	b, err := ParseBeacon(mfrID, mfrData, svcData)
	if err != nil {
		return nil, nil, err
	}
	return b, b.SessionKey(), nil
}
