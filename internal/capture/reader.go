package capture

import (
	"errors"
	"io"
	"os"
	"time"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Session   string
	Address   string
	Direction *Direction
	Kind      *Kind
	Action    uint8
	Since     time.Time
	Until     time.Time
}

func (f Filter) match(e Event) bool {
	switch {
	case f.Session != "" && e.Session != f.Session:
		return false
	case f.Address != "" && e.Address != f.Address:
		return false
	case f.Direction != nil && e.Direction != *f.Direction:
		return false
	case f.Kind != nil && e.Kind != *f.Kind:
		return false
	case f.Action != 0 && e.Action != f.Action:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !e.Timestamp.Before(f.Until):
		return false
	}
	return true
}

// Reader streams events back out of a capture.
type Reader struct {
	c      io.Closer
	dec    interface{ Decode(any) error }
	filter Filter
}

// Open opens a capture file for reading.
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{c: f, dec: newDecoder(f), filter: filter}, nil
}

// NewReader reads events from r.
func NewReader(r io.Reader, filter Filter) *Reader {
	return &Reader{dec: newDecoder(r), filter: filter}
}

// Next returns the next matching event, or io.EOF.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		if err := r.dec.Decode(&e); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// a truncated trailing record from an interrupted writer
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.match(e) {
			return e, nil
		}
	}
}

// All drains the reader.
func (r *Reader) All() ([]Event, error) {
	var out []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}
