// Package capture records BLE traffic for offline protocol analysis.
//
// Events are appended to a file as a stream of CBOR items with integer keys,
// so a capture can be replayed with Reader while the device is still being
// polled.
package capture

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Event is one recorded occurrence on a device link.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Session   string    `cbor:"2,keyasint"`
	Address   string    `cbor:"3,keyasint,omitempty"`
	Direction Direction `cbor:"4,keyasint,omitempty"`
	Kind      Kind      `cbor:"5,keyasint"`

	// Frame events.
	Envelope string `cbor:"6,keyasint,omitempty"`
	Wire     []byte `cbor:"7,keyasint,omitempty"`
	Plain    []byte `cbor:"8,keyasint,omitempty"`
	Action   uint8  `cbor:"9,keyasint,omitempty"`

	// State events.
	From string `cbor:"10,keyasint,omitempty"`
	To   string `cbor:"11,keyasint,omitempty"`

	Err string `cbor:"12,keyasint,omitempty"`
}

// Direction is the flow of a frame relative to this host. State and error
// events are Local.
type Direction uint8

const (
	Local Direction = iota
	In
	Out
)

func (d Direction) String() string {
	switch d {
	case Local:
		return "-"
	case In:
		return "IN"
	case Out:
		return "OUT"
	}
	return "UNKNOWN"
}

// Kind classifies an event.
type Kind uint8

const (
	KindFrame Kind = iota
	KindState
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindState:
		return "state"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Recorder receives events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Recorder interface {
	Record(Event)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Record(Event) {}

// Multi fans an event out to several recorders.
type Multi []Recorder

func (m Multi) Record(e Event) {
	for _, r := range m {
		if r != nil {
			r.Record(e)
		}
	}
}

// NewSessionID returns an identifier grouping the events of one connection.
func NewSessionID() string { return uuid.NewString() }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor decoder: %v", err))
	}
}

// Marshal encodes a single event.
func Marshal(e Event) ([]byte, error) { return encMode.Marshal(e) }

// Unmarshal decodes a single event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }
func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }

var (
	_ Recorder = Noop{}
	_ Recorder = Multi(nil)
)
