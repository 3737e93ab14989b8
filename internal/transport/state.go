package transport

// State tracks the connection lifecycle of a dialog session. Valid
// transitions:
//
//	disconnected -> connecting -> authenticating -> ready
//	ready <-> degraded (heartbeat loss / recovery)
//	any -> closing -> disconnected
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateDegraded
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
