package engine

import "fmt"

// CallState is the signaling state of an outbound call as reported by the engine.
type CallState int

const (
	// StateNull is a call object that has not sent anything yet.
	StateNull CallState = iota
	// StateCalling is after the INVITE was sent.
	StateCalling
	// StateEarly is after a provisional response (180/183).
	StateEarly
	// StateConnecting is after the 2xx, before the ACK is out.
	StateConnecting
	// StateConfirmed is an established dialog.
	StateConfirmed
	// StateDisconnected is terminal.
	StateDisconnected
)

// String returns the string representation of the state
func (s CallState) String() string {
	switch s {
	case StateNull:
		return "Null"
	case StateCalling:
		return "Calling"
	case StateEarly:
		return "Early"
	case StateConnecting:
		return "Connecting"
	case StateConfirmed:
		return "Confirmed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[CallState][]CallState{
	StateNull:         {StateCalling, StateDisconnected},
	StateCalling:      {StateEarly, StateConnecting, StateConfirmed, StateDisconnected},
	StateEarly:        {StateEarly, StateConnecting, StateConfirmed, StateDisconnected},
	StateConnecting:   {StateConfirmed, StateDisconnected},
	StateConfirmed:    {StateDisconnected},
	StateDisconnected: {},
}

// CanTransitionTo checks if a transition from s to next is valid.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s CallState) IsTerminal() bool {
	return s == StateDisconnected
}

// MediaState is the state of the call's audio stream.
type MediaState int

const (
	// MediaNone means no media has been negotiated.
	MediaNone MediaState = iota
	// MediaActive means RTP is flowing and the call slot can be connected.
	MediaActive
	// MediaError means negotiation or the socket failed.
	MediaError
)

// String returns the string representation of the media state
func (m MediaState) String() string {
	switch m {
	case MediaNone:
		return "None"
	case MediaActive:
		return "Active"
	case MediaError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}
