package models

// ConnState is the observable lifecycle state of the live connection.
// Transitions are driven by the transport manager only; UI code observes
// via subscription and never mutates the state directly.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	// StateError is entered after the reconnect budget is exhausted or an
	// irrecoverable failure; leaving it requires an explicit Connect call.
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
