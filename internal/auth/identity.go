package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orbanhq/orban-agent/pkg/debug"
	"golang.org/x/crypto/ssh"
)

const (
	KeyFile   = "agent.key"
	FilePerms = 0600 // Read/write for owner only
	DirPerms  = 0700
)

// ErrKeyUnavailable means the key material is missing or unusable. It is fatal.
var ErrKeyUnavailable = errors.New("agent key unavailable")

// Identity is the agent's long-lived keypair and id. It never changes after load.
type Identity struct {
	AgentID   string
	PublicKey ed25519.PublicKey

	privateKey ed25519.PrivateKey
}

// DeriveAgentID returns "agent-" followed by the first 16 bytes of sha256(pub) in hex.
func DeriveAgentID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "agent-" + hex.EncodeToString(sum[:16])
}

func newIdentity(priv ed25519.PrivateKey, agentID string) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	if agentID == "" {
		agentID = DeriveAgentID(pub)
	}
	return &Identity{AgentID: agentID, PublicKey: pub, privateKey: priv}
}

// GenerateIdentity creates a fresh keypair.
func GenerateIdentity(agentID string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newIdentity(priv, agentID), nil
}

// IdentityFromSeed builds an identity from a 32-byte ed25519 seed.
func IdentityFromSeed(seed []byte, agentID string) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrKeyUnavailable, ed25519.SeedSize, len(seed))
	}
	return newIdentity(ed25519.NewKeyFromSeed(seed), agentID), nil
}

// LoadIdentity reads a key file. Accepted formats are a raw 32-byte seed,
// a raw 64-byte private key, or an OpenSSH PEM private key.
func LoadIdentity(path, agentID string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read key file: %v", ErrKeyUnavailable, err)
	}

	switch len(data) {
	case ed25519.SeedSize:
		return IdentityFromSeed(data, agentID)
	case ed25519.PrivateKeySize:
		return newIdentity(ed25519.PrivateKey(data), agentID), nil
	}

	if block, _ := pem.Decode(data); block == nil {
		return nil, fmt.Errorf("%w: unrecognized key file format (%d bytes)", ErrKeyUnavailable, len(data))
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse key: %v", ErrKeyUnavailable, err)
	}
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		return newIdentity(k, agentID), nil
	case *ed25519.PrivateKey:
		return newIdentity(*k, agentID), nil
	default:
		return nil, fmt.Errorf("%w: key type %T is not ed25519", ErrKeyUnavailable, raw)
	}
}

// Save writes the identity's seed with restricted permissions.
func (id *Identity) Save(path string) error {
	return writeKeyFile(path, id.privateKey.Seed())
}

// SaveOpenSSH writes the private key in OpenSSH PEM format.
func (id *Identity) SaveOpenSSH(path string) error {
	block, err := ssh.MarshalPrivateKey(id.privateKey, id.AgentID)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	return writeKeyFile(path, pem.EncodeToMemory(block))
}

func writeKeyFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPerms); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, FilePerms); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	debug.Info("Saved agent key file to: %s", path)
	return nil
}

// LoadOrCreate loads the key at path, generating and saving one if the file
// does not exist. Any other load error is returned unchanged.
func LoadOrCreate(path, agentID string) (*Identity, bool, error) {
	id, err := LoadIdentity(path, agentID)
	if err == nil {
		return id, false, nil
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = GenerateIdentity(agentID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if err := id.Save(path); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return id, true, nil
}
