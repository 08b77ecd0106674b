package transport

// State tracks the session lifecycle:
// Disconnected -> Connecting -> Connected -> Reconnecting -> Disconnected.
// Subscriptions survive Connected <-> Reconnecting transparently and the
// engine is never notified of transient disconnects, so State is only
// useful for introspection and tests, not as a callback surface.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
