package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

func openTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndList(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, Event{
		MessageID:  "m-1",
		Kind:       protocol.TypeEarningsRecord,
		ReceivedAt: base,
		Payload:    json.RawMessage(`{"task_id":"t-1","amount":"0.42"}`),
	}))
	require.NoError(t, l.Record(ctx, Event{
		MessageID:  "m-2",
		Kind:       protocol.TypePayoutNotification,
		ReceivedAt: base.Add(time.Hour),
		Payload:    json.RawMessage(`{"payout_id":"p-1"}`),
	}))

	events, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "m-2", events[0].MessageID)
	assert.Equal(t, protocol.TypePayoutNotification, events[0].Kind)
	assert.Equal(t, base.Add(time.Hour), events[0].ReceivedAt)
	assert.JSONEq(t, `{"task_id":"t-1","amount":"0.42"}`, string(events[1].Payload))

	limited, err := l.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "m-2", limited[0].MessageID)
}

func TestRecordIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	ev := Event{MessageID: "dup", Kind: protocol.TypeEarningsRecord, ReceivedAt: time.Now(), Payload: json.RawMessage(`{"a":1}`)}

	require.NoError(t, l.Record(ctx, ev))
	ev.Payload = json.RawMessage(`{"a":2}`)
	require.NoError(t, l.Record(ctx, ev))

	events, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"a":1}`, string(events[0].Payload))
}

func TestRecordRequiresMessageID(t *testing.T) {
	l := openTestLedger(t)
	assert.Error(t, l.Record(context.Background(), Event{Kind: protocol.TypeEarningsRecord}))
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := NewSQLiteLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), Event{MessageID: "m", Kind: protocol.TypeEarningsRecord, ReceivedAt: time.Now()}))
	require.NoError(t, l.Close())

	l, err = NewSQLiteLedger(path)
	require.NoError(t, err)
	defer l.Close()
	events, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "null", string(events[0].Payload))
}

func TestForwarder(t *testing.T) {
	l := openTestLedger(t)
	f := NewForwarder(l, 2)
	ctx := context.Background()

	env, err := protocol.NewEnvelope(protocol.TypeEarningsRecord, map[string]string{"task_id": "t-9"})
	require.NoError(t, err)
	require.NoError(t, f.Submit(ctx, env))

	other, err := protocol.NewEnvelope(protocol.TypePayoutNotification, map[string]string{"payout_id": "p"})
	require.NoError(t, err)
	require.NoError(t, f.Submit(ctx, other))

	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Run(runCtx))

	events, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestForwarderFullQueueWaits(t *testing.T) {
	l := openTestLedger(t)
	f := NewForwarder(l, 1)

	first, err := protocol.NewEnvelope(protocol.TypeEarningsRecord, map[string]string{"task_id": "t-1"})
	require.NoError(t, err)
	require.NoError(t, f.Submit(context.Background(), first))

	second, err := protocol.NewEnvelope(protocol.TypePayoutNotification, map[string]string{"payout_id": "p-1"})
	require.NoError(t, err)
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Submit(short, second), context.DeadlineExceeded, "a full queue is reported, not dropped silently")

	submitted := make(chan error, 1)
	go func() { submitted <- f.Submit(context.Background(), second) }()

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(runCtx) }()

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submit never went through")
	}
	require.Eventually(t, func() bool {
		events, err := l.List(context.Background(), 0)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}

func TestForwarderRecordsWhileRunning(t *testing.T) {
	l := openTestLedger(t)
	f := NewForwarder(l, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	env, err := protocol.NewEnvelope(protocol.TypeEarningsRecord, map[string]string{"task_id": "t-1"})
	require.NoError(t, err)
	require.NoError(t, f.Submit(context.Background(), env))

	require.Eventually(t, func() bool {
		events, err := l.List(context.Background(), 0)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
