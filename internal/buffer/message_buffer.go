// Package buffer keeps terminal task reports that could not be sent while
// the connection was down, so they survive a restart and are replayed on
// the next session.
package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

const (
	// FileName is the buffer file inside the data directory.
	FileName = "message_buffer.json"
	// MaxMessages bounds the buffer; the oldest reports are evicted first.
	MaxMessages = 1000
)

// MessageBuffer is a disk-backed FIFO of undeliverable task reports.
type MessageBuffer struct {
	mu       sync.RWMutex
	pending  []protocol.Envelope
	path     string
	capacity int
}

// NewMessageBuffer opens the buffer stored in dataDir. A missing or
// unreadable file starts an empty buffer.
func NewMessageBuffer(dataDir string) (*MessageBuffer, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	mb := &MessageBuffer{
		path:     filepath.Join(dataDir, FileName),
		capacity: MaxMessages,
	}
	if err := mb.load(); err != nil {
		debug.Warning("Discarding unreadable report buffer %s: %v", mb.path, err)
	}
	return mb, nil
}

// Spool wraps payload in a new envelope and buffers it. Only terminal task
// reports are accepted.
func (mb *MessageBuffer) Spool(msgType protocol.MessageType, payload interface{}) error {
	if !IsCriticalMessage(msgType) {
		return fmt.Errorf("refusing to buffer %s", msgType)
	}
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return mb.Add(env)
}

// Add appends env and persists the buffer. An envelope already buffered
// under the same message id is ignored.
func (mb *MessageBuffer) Add(env protocol.Envelope) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for _, m := range mb.pending {
		if m.MessageID == env.MessageID {
			return nil
		}
	}

	prev := mb.pending
	next := append(append([]protocol.Envelope(nil), prev...), env)
	if over := len(next) - mb.capacity; over > 0 {
		for _, dropped := range next[:over] {
			debug.Warning("Report buffer full, evicting %s %s", dropped.Type, dropped.MessageID)
		}
		next = next[over:]
	}

	mb.pending = next
	if err := mb.persistLocked(); err != nil {
		mb.pending = prev
		return fmt.Errorf("failed to persist report buffer: %w", err)
	}

	debug.Info("Buffered %s %s (%d pending)", env.Type, env.MessageID, len(mb.pending))
	return nil
}

// AddUndelivered buffers the critical envelopes among envs and returns
// how many were kept.
func (mb *MessageBuffer) AddUndelivered(envs []protocol.Envelope) int {
	kept := 0
	for _, env := range envs {
		if !IsCriticalMessage(env.Type) {
			debug.Debug("Dropping undelivered %s", env.Type)
			continue
		}
		if err := mb.Add(env); err != nil {
			debug.Error("Failed to buffer undelivered %s: %v", env.Type, err)
			continue
		}
		kept++
	}
	return kept
}

// Pending returns a copy of the buffered envelopes, oldest first.
func (mb *MessageBuffer) Pending() []protocol.Envelope {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return append([]protocol.Envelope(nil), mb.pending...)
}

// Replay hands every buffered envelope to send in order and removes the
// ones accepted. It stops at the first error, keeping the rest.
func (mb *MessageBuffer) Replay(send func(protocol.Envelope) error) (int, error) {
	pending := mb.Pending()
	if len(pending) == 0 {
		return 0, nil
	}

	var (
		sent    []string
		sendErr error
	)
	for _, env := range pending {
		if err := send(env); err != nil {
			sendErr = fmt.Errorf("failed to replay %s %s: %w", env.Type, env.MessageID, err)
			break
		}
		sent = append(sent, env.MessageID)
	}
	if len(sent) > 0 {
		if err := mb.Remove(sent); err != nil {
			return len(sent), err
		}
		debug.Info("Replayed %d buffered report(s)", len(sent))
	}
	return len(sent), sendErr
}

// Clear drops everything and deletes the file.
func (mb *MessageBuffer) Clear() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.pending = nil
	return mb.persistLocked()
}

// Remove drops the envelopes with the given message ids.
func (mb *MessageBuffer) Remove(ids []string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	kept := mb.pending[:0:0]
	for _, env := range mb.pending {
		if _, ok := drop[env.MessageID]; !ok {
			kept = append(kept, env)
		}
	}
	mb.pending = kept
	return mb.persistLocked()
}

// Count returns the number of buffered envelopes.
func (mb *MessageBuffer) Count() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.pending)
}

func (mb *MessageBuffer) load() error {
	data, err := os.ReadFile(mb.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}

	var pending []protocol.Envelope
	if err := json.Unmarshal(data, &pending); err != nil {
		return err
	}
	if len(pending) > mb.capacity {
		pending = pending[len(pending)-mb.capacity:]
	}

	mb.mu.Lock()
	mb.pending = pending
	mb.mu.Unlock()
	debug.Info("Loaded %d buffered report(s) from %s", len(pending), mb.path)
	return nil
}

// persistLocked rewrites the file atomically; an empty buffer removes it.
// mb.mu must be held.
func (mb *MessageBuffer) persistLocked() error {
	if len(mb.pending) == 0 {
		if err := os.Remove(mb.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	data, err := json.Marshal(mb.pending)
	if err != nil {
		return err
	}
	tmp := mb.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, mb.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// IsCriticalMessage reports whether msgType is a terminal task report.
func IsCriticalMessage(msgType protocol.MessageType) bool {
	switch msgType {
	case protocol.TypeTaskComplete,
		protocol.TypeTaskFailed,
		protocol.TypeTaskReject:
		return true
	default:
		return false
	}
}
