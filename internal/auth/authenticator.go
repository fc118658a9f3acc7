// Package auth holds the agent identity and answers platform auth challenges.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

// ErrEmptyChallenge is returned for an AUTH_CHALLENGE without challenge
// material. It is a protocol fault, not a key problem.
var ErrEmptyChallenge = errors.New("empty challenge")

// Authenticator signs challenge material with the agent key. It holds no
// mutable state and is safe for concurrent use.
type Authenticator struct {
	identity *Identity
}

// NewAuthenticator wraps a loaded identity.
func NewAuthenticator(id *Identity) (*Authenticator, error) {
	if id == nil || len(id.privateKey) != ed25519.PrivateKeySize {
		return nil, ErrKeyUnavailable
	}
	return &Authenticator{identity: id}, nil
}

// AgentID returns the identity's agent id.
func (a *Authenticator) AgentID() string {
	return a.identity.AgentID
}

// PublicKey returns the base64-encoded public key.
func (a *Authenticator) PublicKey() string {
	return base64.StdEncoding.EncodeToString(a.identity.PublicKey)
}

// Sign returns the raw signature over challenge.
func (a *Authenticator) Sign(challenge []byte) []byte {
	return ed25519.Sign(a.identity.privateKey, challenge)
}

// ChallengeBytes returns the bytes that get signed for a wire challenge.
// Base64 challenges are decoded; anything else is signed as-is.
func ChallengeBytes(challenge string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(challenge); err == nil && len(decoded) > 0 {
		return decoded
	}
	return []byte(challenge)
}

// BuildAuthResponse answers an AUTH_CHALLENGE.
func (a *Authenticator) BuildAuthResponse(challenge string) (protocol.AuthResponse, error) {
	if a == nil || a.identity == nil {
		return protocol.AuthResponse{}, ErrKeyUnavailable
	}
	if challenge == "" {
		return protocol.AuthResponse{}, ErrEmptyChallenge
	}
	sig := a.Sign(ChallengeBytes(challenge))
	return protocol.AuthResponse{
		AgentID:   a.identity.AgentID,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: a.PublicKey(),
	}, nil
}

// Verify checks a base64 signature over challenge against a base64 public key.
func Verify(publicKey, challenge, signature string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), ChallengeBytes(challenge), sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
