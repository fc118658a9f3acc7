package agent

import (
	"errors"
	"net"

	"github.com/orbanhq/orban-agent/internal/auth"
)

var (
	// ErrAuthFailed is returned by Run when the platform rejects the agent.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrRetriesExhausted is returned by Run when MaxReconnectAttempts is reached.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotReady is returned by Send outside the Ready state.
	ErrNotReady = errors.New("connection not ready")
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrStalled means a downstream consumer did not accept a message in time.
	ErrStalled = errors.New("dispatch stalled")
	// ErrHeartbeatTimeout means nothing, not even a pong, arrived within PongWait.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrProtocol is a handshake-level protocol violation.
	ErrProtocol = errors.New("protocol violation")
)

// IsFatal reports whether err ends the session without retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, auth.ErrKeyUnavailable) ||
		errors.Is(err, ErrRetriesExhausted)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
