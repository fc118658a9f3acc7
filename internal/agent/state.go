package agent

import (
	"fmt"
	"time"

	"github.com/orbanhq/orban-agent/internal/auth"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateRegistering
	StateReady
	StateReconnecting
)

var stateNames = map[State]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateRegistering:    "registering",
	StateReady:          "ready",
	StateReconnecting:   "reconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateSnapshot is an immutable view of the connection. Attempt and Delay
// are only meaningful in StateReconnecting: Attempt counts consecutive
// failures since the last Ready and Delay is the wait before the next dial.
type StateSnapshot struct {
	State   State
	Attempt int
	Delay   time.Duration
	Since   time.Time
	Session *auth.Session
	Err     error
}

func (s StateSnapshot) String() string {
	if s.State == StateReconnecting {
		return fmt.Sprintf("reconnecting(attempt=%d, delay=%v)", s.Attempt, s.Delay)
	}
	return s.State.String()
}

// Ready reports whether outbound messages are accepted.
func (s StateSnapshot) Ready() bool {
	return s.State == StateReady
}
