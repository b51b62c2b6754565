package realtime

// ConnectionState is the coarse-grained, client-observable connection
// lifecycle. There is exactly one current state at any time and it only
// changes through the Client state machine.
type ConnectionState int

const (
	// StateDisconnected means no requester holds the connection. Initial
	// and final state.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the socket is open and heartbeats are flowing.
	StateConnected

	// StateReconnecting means the socket dropped and a reconnect is
	// scheduled after the current backoff delay.
	StateReconnecting
)

func (s ConnectionState) String() string {
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
