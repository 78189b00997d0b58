package ble

import "fmt"

// State is the lifecycle position of one device link.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateKeyDeriving
	StateConnected
	StatePolling
	StateDisconnecting
	StateError
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateConnecting:    "connecting",
	StateKeyDeriving:   "key-deriving",
	StateConnected:     "connected",
	StatePolling:       "polling",
	StateDisconnecting: "disconnecting",
	StateError:         "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Linked reports whether commands may be sent in s.
func (s State) Linked() bool { return s == StateConnected || s == StatePolling }

var transitions = map[State][]State{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateKeyDeriving, StateDisconnecting, StateError},
	StateKeyDeriving:   {StateConnected, StateDisconnecting, StateError},
	StateConnected:     {StatePolling, StateDisconnecting, StateError},
	StatePolling:       {StateConnected, StateDisconnecting, StateError},
	StateDisconnecting: {StateIdle, StateError},
	StateError:         {StateConnecting, StateDisconnecting, StateIdle},
}

// CanTransition reports whether the link may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
