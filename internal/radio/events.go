package radio

import "time"

// SessionState tracks the device session lifecycle.
type SessionState string

const (
	StateDisconnected     SessionState = "disconnected"
	StateConnecting       SessionState = "connecting"
	StateConfiguring      SessionState = "configuring"
	StateConnected        SessionState = "connected"
	StateRebooting        SessionState = "rebooting"
	StateUserDisconnected SessionState = "user-disconnected"
)

// ConnStatus is the bus event published on every session state change.
type ConnStatus struct {
	State            SessionState `json:"state"`
	Err              string       `json:"error,omitempty"`
	TransportName    string       `json:"transport"`
	Timestamp        time.Time    `json:"timestamp"`
	UserDisconnected bool         `json:"userDisconnected"`
}

// AckTimeout is published when an outbound packet's ACK deadline elapses.
type AckTimeout struct {
	PacketID uint32
}

// Origin distinguishes user-initiated sends from automation job sends so
// job commands can be cancelled on disconnect without touching user ones.
type Origin int

const (
	OriginUser Origin = iota
	OriginJob
)
