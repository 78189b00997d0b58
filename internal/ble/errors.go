package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is matched by every TransportError.
	ErrTransport = errors.New("ble: transport failure")
	// ErrNotConnected rejects a request made outside Connected or Polling.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrTimeout reports that no correlated response arrived in time.
	ErrTimeout = errors.New("ble: response timeout")
	// ErrNoKey means no session key could be found or derived for a device.
	ErrNoKey = errors.New("ble: no session key")
	// ErrBudgetSpent means a shared attempt budget ran out before this call.
	ErrBudgetSpent = errors.New("ble: connect attempts spent")
)

// TransportError wraps a failure of the underlying BLE central.
type TransportError struct {
	Op      string // enable, connect, discover, subscribe, write, disconnect
	Address string
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("ble: %s %s (attempt %d): %v", e.Op, e.Address, e.Attempt, e.Err)
	}
	return fmt.Sprintf("ble: %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }
