package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/orbanhq/orban-agent/internal/auth"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// maxEarlyMessages bounds what is held back while the handshake completes.
const maxEarlyMessages = 64

// handshake authenticates and registers on a fresh transport. Each new
// connection runs a full challenge/response; tokens are never reused.
// Non-handshake messages received during registration are returned so
// they can be dispatched once Ready.
func (m *Manager) handshake(ctx context.Context, conn Transport) (*auth.Session, []protocol.Envelope, error) {
	var (
		sess  *auth.Session
		early []protocol.Envelope
	)

	for sess == nil {
		env, err := m.readHandshake(ctx, conn)
		if err != nil {
			return nil, nil, err
		}
		switch env.Type {
		case protocol.TypeAuthChallenge:
			var ch protocol.AuthChallenge
			if err := env.DecodePayload(&ch); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			resp, err := m.signer.BuildAuthResponse(ch.Challenge)
			if errors.Is(err, auth.ErrKeyUnavailable) {
				return nil, nil, err
			}
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if err := m.writeHandshake(conn, protocol.TypeAuthResponse, resp); err != nil {
				return nil, nil, err
			}
			debug.Debug("Answered auth challenge as %s", resp.AgentID)

		case protocol.TypeAuthSuccess:
			var ok protocol.AuthSuccess
			if err := env.DecodePayload(&ok); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			sess = auth.NewSession(ok.Token, ok.ExpiresIn, m.opts.Now())

		case protocol.TypeAuthFailure:
			var fail protocol.AuthFailure
			_ = env.DecodePayload(&fail)
			return nil, nil, fmt.Errorf("%w: %s", ErrAuthFailed, fail.Message)

		case protocol.TypeError:
			return nil, nil, fmt.Errorf("%w: platform error during authentication: %s", ErrProtocol, string(env.Payload))

		default:
			debug.Warning("Ignoring %s before authentication", env.Type)
		}
	}

	m.transition(StateSnapshot{State: StateRegistering, Session: sess})
	reg, err := m.register(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build registration: %w", err)
	}
	if err := m.writeHandshake(conn, protocol.TypeAgentRegister, reg); err != nil {
		return nil, nil, err
	}

	for {
		env, err := m.readHandshake(ctx, conn)
		if err != nil {
			return nil, nil, err
		}
		switch env.Type {
		case protocol.TypeRegisterAck:
			var ack protocol.RegisterAck
			if err := env.DecodePayload(&ack); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if status := strings.ToLower(ack.Status); status == "rejected" || status == "error" {
				return nil, nil, fmt.Errorf("%w: registration %s", ErrProtocol, ack.Status)
			}
			debug.Info("Registered with platform (status=%s)", ack.Status)
			return sess, early, nil

		case protocol.TypeAuthFailure:
			var fail protocol.AuthFailure
			_ = env.DecodePayload(&fail)
			return nil, nil, fmt.Errorf("%w: %s", ErrAuthFailed, fail.Message)

		default:
			if len(early) >= maxEarlyMessages {
				return nil, nil, fmt.Errorf("%w: too many messages before REGISTER_ACK", ErrProtocol)
			}
			early = append(early, env)
		}
	}
}

func (m *Manager) readHandshake(ctx context.Context, conn Transport) (protocol.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Envelope{}, err
		}
		_ = conn.SetReadDeadline(m.opts.Now().Add(m.opts.HandshakeTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("handshake read failed: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			debug.Warning("Dropping inbound message during handshake: %v", err)
			continue
		}
		return env, nil
	}
}

func (m *Manager) writeHandshake(conn Transport, msgType protocol.MessageType, payload interface{}) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(m.opts.Now().Add(m.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}
