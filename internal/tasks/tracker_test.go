package tasks

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

const waitTimeout = 3 * time.Second

type sentMessage struct {
	Type    protocol.MessageType
	Payload interface{}
}

type fakeSender struct {
	mu    sync.Mutex
	ready bool
	sent  []sentMessage
}

func newFakeSender() *fakeSender {
	return &fakeSender{ready: true}
}

func (f *fakeSender) Send(msgType protocol.MessageType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return errors.New("connection not ready")
	}
	f.sent = append(f.sent, sentMessage{Type: msgType, Payload: payload})
	return nil
}

func (f *fakeSender) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeSender) ofType(msgType protocol.MessageType) []sentMessage {
	var out []sentMessage
	for _, m := range f.messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) waitFor(t *testing.T, msgType protocol.MessageType) sentMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.ofType(msgType)) > 0 }, waitTimeout, 5*time.Millisecond,
		"no %s sent", msgType)
	return f.ofType(msgType)[0]
}

type fakeSpool struct {
	mu    sync.Mutex
	items []sentMessage
}

func (f *fakeSpool) Spool(msgType protocol.MessageType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, sentMessage{Type: msgType, Payload: payload})
	return nil
}

func (f *fakeSpool) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type fakeEngine struct {
	assess  func(ctx context.Context, a protocol.TaskAssign) error
	execute func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error)
}

func (e *fakeEngine) Assess(ctx context.Context, a protocol.TaskAssign) error {
	if e.assess == nil {
		return nil
	}
	return e.assess(ctx, a)
}

func (e *fakeEngine) Execute(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
	if e.execute == nil {
		<-ctx.Done()
		return protocol.TaskResult{}, ctx.Err()
	}
	return e.execute(ctx, a, r)
}

func testOptions() Options {
	return Options{
		AgentID:          "agent-test",
		MaxConcurrent:    2,
		GraceFactor:      1.5,
		MinTimeout:       time.Minute,
		ProgressInterval: 20 * time.Millisecond,
	}
}

func startTracker(t *testing.T, opts Options, engine Engine, sender Sender, spool Spooler) *Tracker {
	t.Helper()
	tr := NewTracker(opts, engine, sender, spool)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr
}

func waitState(t *testing.T, tr *Tracker, taskID string, state State) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		r, ok := tr.Snapshot().Get(taskID)
		rec = r
		return ok && r.State == state
	}, waitTimeout, 5*time.Millisecond, "task %s never reached %s", taskID, state)
	return rec
}

func TestInsufficientVRAMRejected(t *testing.T) {
	sender := newFakeSender()
	engine := &fakeEngine{assess: func(ctx context.Context, a protocol.TaskAssign) error {
		return CheckRequirements(a.Requirements, Resources{FreeVRAMGB: 8})
	}}
	tr := startTracker(t, testOptions(), engine, sender, nil)

	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{
		TaskID:       "t-1",
		Requirements: protocol.TaskRequirements{MinVRAMGB: 12},
	}))

	msg := sender.waitFor(t, protocol.TypeTaskReject)
	reject := msg.Payload.(protocol.TaskReject)
	assert.Equal(t, "t-1", reject.TaskID)
	assert.Equal(t, protocol.ReasonInsufficientVRAM, reject.Reason)

	require.Eventually(t, func() bool { return len(tr.Snapshot().Tasks) == 0 }, waitTimeout, 5*time.Millisecond)
	assert.Empty(t, sender.ofType(protocol.TypeTaskAccept))
}

func TestDuplicateAssignIgnored(t *testing.T) {
	sender := newFakeSender()
	tr := startTracker(t, testOptions(), &fakeEngine{}, sender, nil)
	assign := protocol.TaskAssign{TaskID: "t-1", JobID: "j-1", EstimatedDurationSec: 600}

	require.NoError(t, tr.HandleAssign(context.Background(), assign))
	waitState(t, tr, "t-1", StateExecuting)
	before := len(sender.messages())

	require.NoError(t, tr.HandleAssign(context.Background(), assign))
	_, err := tr.Resync(context.Background())
	require.NoError(t, err)

	assert.Len(t, tr.Snapshot().Tasks, 1)
	assert.Len(t, sender.messages(), before, "re-delivery must not produce outbound messages")
	assert.Len(t, sender.ofType(protocol.TypeTaskAccept), 1)
}

func TestAcceptThenComplete(t *testing.T) {
	sender := newFakeSender()
	engine := &fakeEngine{execute: func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
		return protocol.TaskResult{OutputHash: "abc", ExecutionTimeSec: 1.5}, nil
	}}
	tr := startTracker(t, testOptions(), engine, sender, nil)

	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-1", EstimatedDurationSec: 10}))

	done := sender.waitFor(t, protocol.TypeTaskComplete).Payload.(protocol.TaskComplete)
	assert.Equal(t, "abc", done.Result.OutputHash)
	accept := sender.ofType(protocol.TypeTaskAccept)[0].Payload.(protocol.TaskAccept)
	assert.Equal(t, "agent-test", accept.AgentID)
	assert.NotZero(t, accept.EstimatedCompletion)

	require.Eventually(t, func() bool { return tr.Snapshot().Completed == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Empty(t, tr.Snapshot().Tasks)

	// a finished id is remembered and not run again
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-1"}))
	_, err := tr.Resync(context.Background())
	require.NoError(t, err)
	assert.Len(t, sender.ofType(protocol.TypeTaskAccept), 1)
}

func TestProgressMonotonicAndCoalesced(t *testing.T) {
	sender := newFakeSender()
	release := make(chan struct{})
	engine := &fakeEngine{execute: func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
		for _, p := range []float64{0.1, 0.2, 0.5, 0.3, 0.6} {
			r.Progress(p, "inference", nil)
		}
		<-release
		return protocol.TaskResult{}, nil
	}}
	tr := startTracker(t, testOptions(), engine, sender, nil)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-1", EstimatedDurationSec: 60}))

	rec := waitState(t, tr, "t-1", StateExecuting)
	require.Eventually(t, func() bool {
		rec, _ = tr.Snapshot().Get("t-1")
		return rec.Progress == 0.6
	}, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		msgs := sender.ofType(protocol.TypeTaskProgress)
		return len(msgs) > 0 && msgs[len(msgs)-1].Payload.(protocol.TaskProgress).Progress == 0.6
	}, waitTimeout, 5*time.Millisecond, "coalesced progress is flushed")

	close(release)
	sender.waitFor(t, protocol.TypeTaskComplete)

	var last float64
	progress := sender.ofType(protocol.TypeTaskProgress)
	assert.Less(t, len(progress), 5, "updates faster than the interval are coalesced")
	for _, m := range progress {
		p := m.Payload.(protocol.TaskProgress).Progress
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
}

func TestNonFiniteProgressDropped(t *testing.T) {
	sender := newFakeSender()
	release := make(chan struct{})
	accepted := make(chan []bool, 1)
	engine := &fakeEngine{execute: func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
		var got []bool
		for _, p := range []float64{0.6, math.NaN(), math.Inf(1), math.Inf(-1), 0.1, 0.65} {
			got = append(got, r.Progress(p, "inference", nil))
		}
		accepted <- got
		<-release
		return protocol.TaskResult{}, nil
	}}
	tr := startTracker(t, testOptions(), engine, sender, nil)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-1", EstimatedDurationSec: 60}))

	got := <-accepted
	assert.Equal(t, []bool{true, false, false, false, true, true}, got)

	require.Eventually(t, func() bool {
		rec, _ := tr.Snapshot().Get("t-1")
		return rec.Progress == 0.65
	}, waitTimeout, 5*time.Millisecond)

	state, err := tr.Resync(context.Background())
	require.NoError(t, err)
	require.Len(t, state.ActiveTasks, 1)
	assert.Equal(t, 0.65, state.ActiveTasks[0].Progress)

	close(release)
	sender.waitFor(t, protocol.TypeTaskComplete)
	var last float64
	for _, m := range sender.ofType(protocol.TypeTaskProgress) {
		p := m.Payload.(protocol.TaskProgress).Progress
		assert.False(t, math.IsNaN(p))
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
}

func TestTimeoutFailsOnce(t *testing.T) {
	sender := newFakeSender()
	engine := &fakeEngine{execute: func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
		<-ctx.Done()
		r.Progress(0.9, "late", nil)
		return protocol.TaskResult{}, ctx.Err()
	}}
	opts := testOptions()
	opts.GraceFactor = 0.05
	tr := startTracker(t, opts, engine, sender, nil)

	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-1", EstimatedDurationSec: 1}))

	failed := sender.waitFor(t, protocol.TypeTaskFailed).Payload.(protocol.TaskFailed)
	assert.Equal(t, protocol.ReasonTimeout, failed.Error.Code)

	time.Sleep(100 * time.Millisecond)
	msgs := sender.messages()
	assert.Len(t, sender.ofType(protocol.TypeTaskFailed), 1)
	assert.Equal(t, protocol.TypeTaskFailed, msgs[len(msgs)-1].Type, "nothing follows the timeout report")
	assert.Equal(t, int64(1), tr.Snapshot().Failed)
}

func TestResyncListsActiveProgress(t *testing.T) {
	sender := newFakeSender()
	engine := &fakeEngine{execute: func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
		r.Progress(0.6, "inference", nil)
		<-ctx.Done()
		return protocol.TaskResult{}, ctx.Err()
	}}
	tr := startTracker(t, testOptions(), engine, sender, nil)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-2", JobID: "j-2", EstimatedDurationSec: 600}))

	require.Eventually(t, func() bool {
		rec, ok := tr.Snapshot().Get("t-2")
		return ok && rec.Progress == 0.6
	}, waitTimeout, 5*time.Millisecond)

	sync, err := tr.Resync(context.Background())
	require.NoError(t, err)
	require.Len(t, sync.ActiveTasks, 1)
	assert.Equal(t, "t-2", sync.ActiveTasks[0].TaskID)
	assert.Equal(t, 0.6, sync.ActiveTasks[0].Progress)
	assert.Equal(t, "executing", sync.ActiveTasks[0].State)
	assert.Empty(t, sync.FinishedTasks)
}

func TestResyncIncludesAssignedTasks(t *testing.T) {
	sender := newFakeSender()
	block := make(chan struct{})
	defer close(block)
	engine := &fakeEngine{assess: func(ctx context.Context, a protocol.TaskAssign) error {
		<-block
		return nil
	}}
	tr := startTracker(t, testOptions(), engine, sender, nil)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-3"}))
	waitState(t, tr, "t-3", StateAssigned)

	sync, err := tr.Resync(context.Background())
	require.NoError(t, err)
	require.Len(t, sync.ActiveTasks, 1)
	assert.Equal(t, "assigned", sync.ActiveTasks[0].State)
}

func TestTerminalReportHeldUntilResync(t *testing.T) {
	sender := newFakeSender()
	spool := &fakeSpool{}
	finish := make(chan struct{})
	engine := &fakeEngine{execute: func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
		<-finish
		return protocol.TaskResult{OutputHash: "h"}, nil
	}}
	tr := startTracker(t, testOptions(), engine, sender, spool)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-4", EstimatedDurationSec: 60}))
	waitState(t, tr, "t-4", StateExecuting)

	sender.setReady(false)
	close(finish)
	waitState(t, tr, "t-4", StateCompleted)
	assert.Equal(t, 1, spool.count())
	assert.Empty(t, sender.ofType(protocol.TypeTaskComplete))

	sync, err := tr.Resync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sync.ActiveTasks)
	require.Len(t, sync.FinishedTasks, 1)
	assert.Equal(t, "completed", sync.FinishedTasks[0].State)

	sync, err = tr.Resync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sync.FinishedTasks, "finished tasks are listed in one STATE_SYNC only")
	assert.Empty(t, tr.Snapshot().Tasks)
}

func TestAtCapacityRejected(t *testing.T) {
	sender := newFakeSender()
	opts := testOptions()
	opts.MaxConcurrent = 1
	tr := startTracker(t, opts, &fakeEngine{}, sender, nil)

	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "a", EstimatedDurationSec: 60}))
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "b", EstimatedDurationSec: 60}))

	reject := sender.waitFor(t, protocol.TypeTaskReject).Payload.(protocol.TaskReject)
	assert.Equal(t, "b", reject.TaskID)
	assert.Equal(t, protocol.ReasonAtCapacity, reject.Reason)
	waitState(t, tr, "a", StateExecuting)
}

func TestCancelFailsTask(t *testing.T) {
	sender := newFakeSender()
	tr := startTracker(t, testOptions(), &fakeEngine{}, sender, nil)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-5", EstimatedDurationSec: 60}))
	waitState(t, tr, "t-5", StateExecuting)

	require.NoError(t, tr.Cancel(context.Background(), "t-5", protocol.ReasonPlatformCancelled, "job withdrawn"))
	failed := sender.waitFor(t, protocol.TypeTaskFailed).Payload.(protocol.TaskFailed)
	assert.Equal(t, protocol.ReasonPlatformCancelled, failed.Error.Code)

	err := tr.Cancel(context.Background(), "t-5", protocol.ReasonPlatformCancelled, "again")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestShutdownFailsExecuting(t *testing.T) {
	sender := newFakeSender()
	tr := startTracker(t, testOptions(), &fakeEngine{}, sender, nil)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-6", EstimatedDurationSec: 60}))
	waitState(t, tr, "t-6", StateExecuting)

	require.NoError(t, tr.Shutdown(context.Background()))
	failed := sender.ofType(protocol.TypeTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, protocol.ReasonShutdown, failed[0].Payload.(protocol.TaskFailed).Error.Code)

	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "t-7"}))
	reject := sender.waitFor(t, protocol.TypeTaskReject).Payload.(protocol.TaskReject)
	assert.Equal(t, protocol.ReasonShutdown, reject.Reason)
}

func TestEngineErrorMapping(t *testing.T) {
	sender := newFakeSender()
	engine := &fakeEngine{execute: func(ctx context.Context, a protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error) {
		if a.TaskID == "oom" {
			return protocol.TaskResult{}, Errorf(protocol.ReasonOutOfMemory, "CUDA out of memory")
		}
		return protocol.TaskResult{}, errors.New("segfault")
	}}
	tr := startTracker(t, testOptions(), engine, sender, nil)
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "oom"}))
	require.NoError(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "crash"}))

	require.Eventually(t, func() bool { return len(sender.ofType(protocol.TypeTaskFailed)) == 2 }, waitTimeout, 5*time.Millisecond)
	codes := map[string]string{}
	for _, m := range sender.ofType(protocol.TypeTaskFailed) {
		f := m.Payload.(protocol.TaskFailed)
		codes[f.TaskID] = f.Error.Code
	}
	assert.Equal(t, protocol.ReasonOutOfMemory, codes["oom"])
	assert.Equal(t, protocol.ReasonExecutionError, codes["crash"])
}

func TestStoppedTracker(t *testing.T) {
	tr := NewTracker(testOptions(), &fakeEngine{}, newFakeSender(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Run(ctx))

	assert.ErrorIs(t, tr.HandleAssign(context.Background(), protocol.TaskAssign{TaskID: "x"}), ErrStopped)
	_, err := tr.Resync(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
