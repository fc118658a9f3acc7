package buffer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

func failed(taskID string) protocol.TaskFailed {
	return protocol.TaskFailed{
		TaskID: taskID,
		Error:  protocol.TaskError{Code: protocol.ReasonTimeout, Message: "deadline exceeded"},
	}
}

func TestMessageBuffer(t *testing.T) {
	tempDir := t.TempDir()

	mb, err := NewMessageBuffer(tempDir)
	if err != nil {
		t.Fatalf("Failed to create message buffer: %v", err)
	}

	t.Run("SpoolMessages", func(t *testing.T) {
		if err := mb.Spool(protocol.TypeTaskFailed, failed("task-1")); err != nil {
			t.Errorf("Failed to spool message: %v", err)
		}
		if mb.Count() != 1 {
			t.Errorf("Expected 1 message, got %d", mb.Count())
		}

		complete := protocol.TaskComplete{TaskID: "task-2", Result: protocol.TaskResult{OutputHash: "abc"}}
		if err := mb.Spool(protocol.TypeTaskComplete, complete); err != nil {
			t.Errorf("Failed to spool second message: %v", err)
		}
		if mb.Count() != 2 {
			t.Errorf("Expected 2 messages, got %d", mb.Count())
		}
	})

	t.Run("RejectsNonTerminal", func(t *testing.T) {
		if err := mb.Spool(protocol.TypeHeartbeat, protocol.Heartbeat{}); err == nil {
			t.Error("Expected heartbeat to be refused")
		}
		if mb.Count() != 2 {
			t.Errorf("Expected 2 messages, got %d", mb.Count())
		}
	})

	t.Run("Persistence", func(t *testing.T) {
		mb2, err := NewMessageBuffer(tempDir)
		if err != nil {
			t.Fatalf("Failed to create second buffer: %v", err)
		}

		messages := mb2.Pending()
		if len(messages) != 2 {
			t.Fatalf("Expected 2 messages after loading, got %d", len(messages))
		}
		if messages[0].Type != protocol.TypeTaskFailed {
			t.Errorf("Expected first message type %s, got %s", protocol.TypeTaskFailed, messages[0].Type)
		}

		var payload protocol.TaskFailed
		if err := messages[0].DecodePayload(&payload); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if payload.TaskID != "task-1" || payload.Error.Code != protocol.ReasonTimeout {
			t.Errorf("Unexpected payload after reload: %+v", payload)
		}
	})

	t.Run("DuplicateEnvelopeIgnored", func(t *testing.T) {
		env := mb.Pending()[0]
		if err := mb.Add(env); err != nil {
			t.Errorf("Failed to add duplicate: %v", err)
		}
		if mb.Count() != 2 {
			t.Errorf("Expected duplicate to be ignored, got %d messages", mb.Count())
		}
	})

	t.Run("Remove", func(t *testing.T) {
		messages := mb.Pending()
		if err := mb.Remove([]string{messages[0].MessageID}); err != nil {
			t.Errorf("Failed to remove message: %v", err)
		}
		if mb.Count() != 1 {
			t.Errorf("Expected 1 message after removal, got %d", mb.Count())
		}
		if mb.Pending()[0].MessageID != messages[1].MessageID {
			t.Error("Wrong message was removed")
		}
	})

	t.Run("Clear", func(t *testing.T) {
		if err := mb.Clear(); err != nil {
			t.Errorf("Failed to clear buffer: %v", err)
		}
		if mb.Count() != 0 {
			t.Errorf("Expected 0 messages after clear, got %d", mb.Count())
		}
		if _, err := os.Stat(filepath.Join(tempDir, FileName)); !os.IsNotExist(err) {
			t.Error("Buffer file should be removed after clear")
		}
	})
}

func TestReplay(t *testing.T) {
	mb, err := NewMessageBuffer(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := mb.Spool(protocol.TypeTaskFailed, failed(id)); err != nil {
			t.Fatalf("Failed to spool: %v", err)
		}
	}

	var order []string
	calls := 0
	n, err := mb.Replay(func(env protocol.Envelope) error {
		calls++
		if calls == 3 {
			return errors.New("queue full")
		}
		var p protocol.TaskFailed
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		order = append(order, p.TaskID)
		return nil
	})
	if err == nil {
		t.Error("Expected replay error from third send")
	}
	if n != 2 {
		t.Errorf("Expected 2 replayed, got %d", n)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("Unexpected replay order: %v", order)
	}
	if mb.Count() != 1 {
		t.Fatalf("Expected 1 message kept, got %d", mb.Count())
	}

	n, err = mb.Replay(func(protocol.Envelope) error { return nil })
	if err != nil || n != 1 {
		t.Errorf("Expected final replay of 1, got %d, %v", n, err)
	}
	if mb.Count() != 0 {
		t.Errorf("Expected empty buffer, got %d", mb.Count())
	}
}

func TestAddUndelivered(t *testing.T) {
	mb, err := NewMessageBuffer(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	hb, _ := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.Heartbeat{AgentID: "agent-x"})
	progress, _ := protocol.NewEnvelope(protocol.TypeTaskProgress, protocol.TaskProgress{TaskID: "t"})
	reject, _ := protocol.NewEnvelope(protocol.TypeTaskReject, protocol.TaskReject{TaskID: "t", Reason: protocol.ReasonAtCapacity})
	done, _ := protocol.NewEnvelope(protocol.TypeTaskComplete, protocol.TaskComplete{TaskID: "u"})

	kept := mb.AddUndelivered([]protocol.Envelope{hb, progress, reject, done})
	if kept != 2 {
		t.Errorf("Expected 2 kept, got %d", kept)
	}
	messages := mb.Pending()
	if len(messages) != 2 || messages[0].Type != protocol.TypeTaskReject || messages[1].Type != protocol.TypeTaskComplete {
		t.Errorf("Unexpected buffered messages: %+v", messages)
	}
}

func TestBufferCorruption(t *testing.T) {
	tempDir := t.TempDir()
	bufferPath := filepath.Join(tempDir, FileName)

	if err := os.WriteFile(bufferPath, []byte(`{"invalid json`), 0600); err != nil {
		t.Fatalf("Failed to write corrupted file: %v", err)
	}

	mb, err := NewMessageBuffer(tempDir)
	if err != nil {
		t.Fatalf("Should handle corrupted buffer gracefully: %v", err)
	}
	if mb.Count() != 0 {
		t.Errorf("Expected empty buffer after corruption, got %d messages", mb.Count())
	}
}

func TestConcurrentAccess(t *testing.T) {
	mb, err := NewMessageBuffer(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	done := make(chan bool, 3)

	go func() {
		for i := 0; i < 10; i++ {
			mb.Spool(protocol.TypeTaskFailed, failed("w1"))
			time.Sleep(time.Millisecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 10; i++ {
			mb.Spool(protocol.TypeTaskComplete, protocol.TaskComplete{TaskID: "w2"})
			time.Sleep(time.Millisecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 20; i++ {
			_ = mb.Pending()
			_ = mb.Count()
			time.Sleep(time.Millisecond)
		}
		done <- true
	}()

	for i := 0; i < 3; i++ {
		<-done
	}

	if mb.Count() != 20 {
		t.Errorf("Expected 20 messages after concurrent access, got %d", mb.Count())
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	tempDir := t.TempDir()
	mb, err := NewMessageBuffer(tempDir)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	mb.capacity = 2

	for _, id := range []string{"a", "b", "c"} {
		if err := mb.Spool(protocol.TypeTaskFailed, failed(id)); err != nil {
			t.Fatalf("Failed to spool: %v", err)
		}
	}
	if mb.Count() != 2 {
		t.Fatalf("Expected 2 messages, got %d", mb.Count())
	}

	var first protocol.TaskFailed
	if err := mb.Pending()[0].DecodePayload(&first); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if first.TaskID != "b" {
		t.Errorf("Expected oldest report evicted, first is %s", first.TaskID)
	}

	reloaded, err := NewMessageBuffer(tempDir)
	if err != nil {
		t.Fatalf("Failed to reload buffer: %v", err)
	}
	if reloaded.Count() != 2 {
		t.Errorf("Expected 2 messages after reload, got %d", reloaded.Count())
	}
}
