/*
 * Package protocol defines the wire messages exchanged between the agent
 * and the platform.
 *
 * Framing:
 *   - One JSON object per WebSocket text frame
 *   - Every object is an Envelope: message_id, type, timestamp, payload
 *   - timestamp is epoch milliseconds (UTC)
 *
 * Decoding:
 *   - Unknown type tags yield ErrUnknownType
 *   - Anything that is not a well-formed envelope yields ErrMalformed
 *   - Payloads are decoded lazily by the component that owns the tag
 */
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the tag carried in every envelope.
type MessageType string

const (
	TypeAuthChallenge      MessageType = "AUTH_CHALLENGE"
	TypeAuthResponse       MessageType = "AUTH_RESPONSE"
	TypeAuthSuccess        MessageType = "AUTH_SUCCESS"
	TypeAuthFailure        MessageType = "AUTH_FAILURE"
	TypeAgentRegister      MessageType = "AGENT_REGISTER"
	TypeRegisterAck        MessageType = "REGISTER_ACK"
	TypeTaskAssign         MessageType = "TASK_ASSIGN"
	TypeTaskAccept         MessageType = "TASK_ACCEPT"
	TypeTaskReject         MessageType = "TASK_REJECT"
	TypeTaskProgress       MessageType = "TASK_PROGRESS"
	TypeTaskComplete       MessageType = "TASK_COMPLETE"
	TypeTaskFailed         MessageType = "TASK_FAILED"
	TypeHeartbeat          MessageType = "HEARTBEAT"
	TypeMetricsBatch       MessageType = "METRICS_BATCH"
	TypeEarningsRecord     MessageType = "EARNINGS_RECORD"
	TypePayoutNotification MessageType = "PAYOUT_NOTIFICATION"
	TypePowChallenge       MessageType = "POW_CHALLENGE"
	TypePowResponse        MessageType = "POW_RESPONSE"
	TypeStateSync          MessageType = "STATE_SYNC"
	TypeError              MessageType = "ERROR"
)

var knownTypes = map[MessageType]struct{}{
	TypeAuthChallenge: {}, TypeAuthResponse: {}, TypeAuthSuccess: {}, TypeAuthFailure: {},
	TypeAgentRegister: {}, TypeRegisterAck: {},
	TypeTaskAssign: {}, TypeTaskAccept: {}, TypeTaskReject: {}, TypeTaskProgress: {},
	TypeTaskComplete: {}, TypeTaskFailed: {},
	TypeHeartbeat: {}, TypeMetricsBatch: {},
	TypeEarningsRecord: {}, TypePayoutNotification: {},
	TypePowChallenge: {}, TypePowResponse: {},
	TypeStateSync: {}, TypeError: {},
}

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

var (
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for envelopes whose tag is not recognized.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the framing shared by every message.
type Envelope struct {
	MessageID string          `json:"message_id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// NewEnvelope wraps payload in an envelope with a fresh message id.
func NewEnvelope(msgType MessageType, payload interface{}) (Envelope, error) {
	env := Envelope{
		MessageID: uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	env.Payload = data
	return env, nil
}

// Encode builds an envelope for payload and serializes it.
func Encode(msgType MessageType, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a frame into an envelope without decoding its payload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !env.Type.Known() {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}
