package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// link is one authenticated connection and its outbound queue.
type link struct {
	conn Transport
	out  chan protocol.Envelope

	mu     sync.Mutex
	closed bool
	failed *protocol.Envelope

	drain   chan struct{}
	drained chan struct{}
}

func newLink(conn Transport, queueSize int) *link {
	return &link{
		conn:    conn,
		out:     make(chan protocol.Envelope, queueSize),
		drain:   make(chan struct{}),
		drained: make(chan struct{}),
	}
}

func (l *link) enqueue(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrNotReady
	}
	select {
	case l.out <- env:
		return nil
	default:
		debug.Warning("Outbound channel full, dropping message of type %s", env.Type)
		return ErrQueueFull
	}
}

func (l *link) enqueueMessage(msgType protocol.MessageType, payload interface{}) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return l.enqueue(env)
}

// close stops further enqueues. Queued messages stay until drained.
func (l *link) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// undelivered empties the queue; only valid once the write pump has exited.
func (l *link) undelivered() []protocol.Envelope {
	var envs []protocol.Envelope
	l.mu.Lock()
	if l.failed != nil {
		envs = append(envs, *l.failed)
		l.failed = nil
	}
	l.mu.Unlock()
	for {
		select {
		case env := <-l.out:
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func (m *Manager) write(l *link, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		debug.Error("Failed to marshal %s: %v", env.Type, err)
		return nil
	}
	_ = l.conn.SetWriteDeadline(m.opts.Now().Add(m.opts.WriteWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.mu.Lock()
		l.failed = &env
		l.mu.Unlock()
		return fmt.Errorf("failed to send message type %s: %w", env.Type, err)
	}
	debug.Debug("Successfully sent message type: %s", env.Type)
	return nil
}

// writePump is the only writer on the connection once Ready.
func (m *Manager) writePump(ctx context.Context, l *link) error {
	ticker := time.NewTicker(m.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-l.out:
			if err := m.write(l, env); err != nil {
				return err
			}

		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(m.opts.Now().Add(m.opts.WriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("failed to send ping: %w", err)
			}

		case <-l.drain:
			defer close(l.drained)
			for {
				select {
				case env := <-l.out:
					if err := m.write(l, env); err != nil {
						return err
					}
				default:
					_ = l.conn.SetWriteDeadline(m.opts.Now().Add(m.opts.WriteWait))
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown")
					if err := l.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
						debug.Debug("Failed to send close frame: %v", err)
					}
					return nil
				}
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// readPump reads frames until the connection fails. Every frame and pong
// extends the read deadline; missing both for PongWait is a heartbeat timeout.
func (m *Manager) readPump(ctx context.Context, l *link) error {
	conn := l.conn
	conn.SetReadLimit(m.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(m.opts.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(m.opts.Now().Add(m.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				return fmt.Errorf("%w: %v", ErrHeartbeatTimeout, err)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("unexpected close: %w", err)
			}
			return fmt.Errorf("connection closed: %w", err)
		}
		_ = conn.SetReadDeadline(m.opts.Now().Add(m.opts.PongWait))

		env, err := protocol.Decode(data)
		if err != nil {
			debug.Warning("Dropping inbound message: %v", err)
			continue
		}
		if err := m.dispatch(ctx, l, env); err != nil {
			return err
		}
	}
}
