package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// File appends events to a capture file.
type File struct {
	mu     sync.Mutex
	f      *os.File
	enc    *cbor.Encoder
	closed bool
	errs   int
}

// Create opens path for appending, creating it and its parent directory.
func Create(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &File{f: f, enc: newEncoder(f)}, nil
}

// Record writes e. Write errors are counted, not returned; a failing capture
// must not take the device link down with it.
func (r *File) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.enc.Encode(e); err != nil {
		r.errs++
	}
}

// Errors returns how many events failed to encode.
func (r *File) Errors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}

// Close closes the file. Later Record calls are dropped.
func (r *File) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

var _ Recorder = (*File)(nil)
