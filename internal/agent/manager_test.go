package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbanhq/orban-agent/internal/auth"
	"github.com/orbanhq/orban-agent/internal/mocks"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type recordingHandler struct {
	mu          sync.Mutex
	readies     []bool
	undelivered []protocol.Envelope
	linkDowns   int

	messages chan protocol.Envelope
	onReady  func(resync bool, enqueue Enqueue) error
	handle   func(ctx context.Context, env protocol.Envelope) error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{messages: make(chan protocol.Envelope, 64)}
}

func (h *recordingHandler) OnReady(ctx context.Context, resync bool, enqueue Enqueue) error {
	h.mu.Lock()
	h.readies = append(h.readies, resync)
	h.mu.Unlock()
	if h.onReady != nil {
		return h.onReady(resync, enqueue)
	}
	return nil
}

func (h *recordingHandler) HandleMessage(ctx context.Context, env protocol.Envelope) error {
	if h.handle != nil {
		return h.handle(ctx, env)
	}
	h.messages <- env
	return nil
}

func (h *recordingHandler) OnLinkDown(undelivered []protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linkDowns++
	h.undelivered = append(h.undelivered, undelivered...)
}

func (h *recordingHandler) readyFlags() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.readies...)
}

// sleepRecorder returns immediately. After stopAt delays it reports
// cancellation, which ends Run.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	stopAt int
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	s.mu.Unlock()
	if s.stopAt > 0 && n >= s.stopAt {
		return context.Canceled
	}
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// flakyDialer fails the first n dials, then delegates.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     Dialer
}

func (d *flakyDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures || d.next == nil
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return d.next.Dial(ctx)
}

func testSigner(t *testing.T) *auth.Authenticator {
	t.Helper()
	id, err := auth.GenerateIdentity("")
	require.NoError(t, err)
	a, err := auth.NewAuthenticator(id)
	require.NoError(t, err)
	return a
}

func testRegistrar(ctx context.Context) (protocol.AgentRegister, error) {
	return protocol.AgentRegister{
		Version:      "test",
		Hardware:     protocol.HardwareInfo{GPUs: []protocol.GPUInfo{{Index: 0, Model: "RTX 4090", VRAMGB: 24}}},
		Capabilities: protocol.Capabilities{MaxConcurrentTasks: 1},
	}, nil
}

func testOptions(sleeper *sleepRecorder) Options {
	opts := DefaultOptions()
	opts.HandshakeTimeout = 2 * time.Second
	opts.WriteWait = time.Second
	opts.PongWait = 3 * time.Second
	opts.PingPeriod = time.Second
	opts.DispatchTimeout = 200 * time.Millisecond
	opts.SendQueueSize = 16
	opts.Sleep = sleeper.Sleep
	return opts
}

type harness struct {
	mgr         *Manager
	handler     *recordingHandler
	sleeper     *sleepRecorder
	transitions chan StateSnapshot
	cancel      context.CancelFunc
	done        chan error
}

func startManager(t *testing.T, dialer Dialer, handler *recordingHandler, sleeper *sleepRecorder, mutate func(*Options)) *harness {
	t.Helper()
	opts := testOptions(sleeper)
	if mutate != nil {
		mutate(&opts)
	}
	h := &harness{
		mgr:         New(dialer, testSigner(t), testRegistrar, handler, opts),
		handler:     handler,
		sleeper:     sleeper,
		transitions: make(chan StateSnapshot, 256),
		done:        make(chan error, 1),
	}
	h.mgr.OnTransition(func(s StateSnapshot) {
		select {
		case h.transitions <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Error("manager did not stop")
		}
	})
	return h
}

func (h *harness) waitFor(t *testing.T, state State) StateSnapshot {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-h.transitions:
			if s.State == state {
				return s
			}
		case <-deadline:
			t.Fatalf("state %s not reached, current %s", state, h.mgr.State())
			return StateSnapshot{}
		}
	}
}

func TestConnectAuthenticateRegister(t *testing.T) {
	platform := mocks.NewPlatform(t)
	handler := newRecordingHandler()
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), handler, &sleepRecorder{}, nil)

	conn := platform.WaitConn(waitTimeout)
	ready := h.waitFor(t, StateReady)

	assert.Equal(t, 0, ready.Attempt)
	require.NotNil(t, ready.Session)
	assert.Equal(t, "t1", ready.Session.Token)
	assert.Equal(t, "RTX 4090", conn.Registration.Hardware.GPUs[0].Model)
	assert.NotEmpty(t, conn.AgentID)
	assert.Equal(t, []bool{false}, handler.readyFlags())
	assert.True(t, h.mgr.State().Ready())
}

func TestBackoffDelays(t *testing.T) {
	sleeper := &sleepRecorder{stopAt: 3}
	h := startManager(t, &flakyDialer{failures: 1 << 30}, newRecordingHandler(), sleeper, nil)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("manager did not stop")
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.Delays())
	assert.Equal(t, StateDisconnected, h.mgr.State().State)
}

func TestBackoffResetsAfterReady(t *testing.T) {
	platform := mocks.NewPlatform(t)
	dialer := &flakyDialer{failures: 2, next: NewWSDialer(platform.URL(), nil, time.Second, 4096)}
	handler := newRecordingHandler()
	h := startManager(t, dialer, handler, &sleepRecorder{}, nil)

	first := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.Delays())

	first.Close()
	reconnecting := h.waitFor(t, StateReconnecting)
	assert.Equal(t, 1, reconnecting.Attempt)
	assert.Equal(t, time.Second, reconnecting.Delay)

	platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, h.sleeper.Delays())
	assert.Equal(t, []bool{true, true}, handler.readyFlags())
}

func TestAuthFailureIsFatal(t *testing.T) {
	platform := mocks.NewPlatform(t)
	platform.FailAuth("unknown agent")
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), newRecordingHandler(), &sleepRecorder{}, nil)

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrAuthFailed)
		assert.True(t, IsFatal(err))
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("manager kept running after auth failure")
	}
	assert.Equal(t, StateDisconnected, h.mgr.State().State)
	assert.Empty(t, h.sleeper.Delays())
	assert.Equal(t, 1, platform.Connections())
}

func TestMaxReconnectAttempts(t *testing.T) {
	h := startManager(t, &flakyDialer{failures: 1 << 30}, newRecordingHandler(), &sleepRecorder{}, func(o *Options) {
		o.MaxReconnectAttempts = 2
	})

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.True(t, IsFatal(err))
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("manager kept retrying")
	}
	assert.Len(t, h.sleeper.Delays(), 2)
}

func TestSendRequiresReady(t *testing.T) {
	m := New(&flakyDialer{}, testSigner(t), testRegistrar, newRecordingHandler(), DefaultOptions())
	err := m.Send(protocol.TypeHeartbeat, protocol.Heartbeat{})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestResyncIsFirstMessageAfterReconnect(t *testing.T) {
	platform := mocks.NewPlatform(t)
	handler := newRecordingHandler()
	handler.onReady = func(resync bool, enqueue Enqueue) error {
		if !resync {
			return nil
		}
		return enqueue(protocol.TypeStateSync, protocol.StateSync{
			ActiveTasks: []protocol.SyncedTask{{TaskID: "t-2", State: "executing", Progress: 0.6}},
		})
	}
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), handler, &sleepRecorder{}, nil)

	first := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)
	require.NoError(t, h.mgr.Send(protocol.TypeHeartbeat, protocol.Heartbeat{Status: protocol.StatusWorking}))
	first.Expect(t, protocol.TypeHeartbeat, waitTimeout)

	first.Close()
	second := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)
	require.NoError(t, h.mgr.Send(protocol.TypeHeartbeat, protocol.Heartbeat{Status: protocol.StatusWorking}))

	env, ok := second.Next(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeStateSync, env.Type)
	var sync protocol.StateSync
	require.NoError(t, env.DecodePayload(&sync))
	require.Len(t, sync.ActiveTasks, 1)
	assert.Equal(t, "t-2", sync.ActiveTasks[0].TaskID)
	assert.Equal(t, 0.6, sync.ActiveTasks[0].Progress)

	env, ok = second.Next(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeHeartbeat, env.Type)
}

func TestDispatchDropsMalformedAndContinues(t *testing.T) {
	platform := mocks.NewPlatform(t)
	handler := newRecordingHandler()
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), handler, &sleepRecorder{}, nil)

	conn := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)

	conn.SendRaw([]byte("{not json"))
	conn.SendRaw([]byte(`{"message_id":"x","type":"BOGUS","payload":{}}`))
	conn.Send(protocol.TypeTaskAssign, protocol.TaskAssign{TaskID: "t-1"})

	select {
	case env := <-handler.messages:
		assert.Equal(t, protocol.TypeTaskAssign, env.Type)
	case <-time.After(waitTimeout):
		t.Fatal("TASK_ASSIGN not dispatched")
	}
	assert.True(t, h.mgr.State().Ready())
}

func TestEmptyChallengeDuringHandshakeReconnects(t *testing.T) {
	platform := mocks.NewPlatform(t)
	platform.SetChallenge("")
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), newRecordingHandler(), &sleepRecorder{stopAt: 1}, nil)

	s := h.waitFor(t, StateReconnecting)
	assert.ErrorIs(t, s.Err, ErrProtocol)
	assert.False(t, IsFatal(s.Err))

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("manager did not stop after the first backoff")
	}
}

func TestEmptyChallengeWhileReadyDropped(t *testing.T) {
	platform := mocks.NewPlatform(t)
	handler := newRecordingHandler()
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), handler, &sleepRecorder{}, nil)

	conn := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)

	conn.Send(protocol.TypeAuthChallenge, protocol.AuthChallenge{Challenge: ""})
	conn.Send(protocol.TypeTaskAssign, protocol.TaskAssign{TaskID: "t-1"})

	select {
	case env := <-handler.messages:
		assert.Equal(t, protocol.TypeTaskAssign, env.Type)
	case <-time.After(waitTimeout):
		t.Fatal("TASK_ASSIGN not dispatched after bad challenge")
	}
	assert.True(t, h.mgr.State().Ready())
	select {
	case err := <-h.done:
		t.Fatalf("manager stopped: %v", err)
	default:
	}
	assert.Equal(t, 1, platform.Connections())
}

func TestSendRefusedUntilReadyHookReturns(t *testing.T) {
	platform := mocks.NewPlatform(t)
	handler := newRecordingHandler()
	var h *harness
	hookSend := make(chan error, 4)
	handler.onReady = func(resync bool, enqueue Enqueue) error {
		if !resync {
			return nil
		}
		// A reader holding a stale Ready snapshot must still be refused.
		h.mgr.transition(StateSnapshot{State: StateReady})
		hookSend <- h.mgr.Send(protocol.TypeHeartbeat, protocol.Heartbeat{})
		return enqueue(protocol.TypeStateSync, protocol.StateSync{})
	}
	h = startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), handler, &sleepRecorder{}, nil)

	first := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)
	first.Close()

	second := platform.WaitConn(waitTimeout)
	select {
	case err := <-hookSend:
		assert.ErrorIs(t, err, ErrNotReady)
	case <-time.After(waitTimeout):
		t.Fatal("ready hook not run on reconnect")
	}
	require.Eventually(t, func() bool {
		return h.mgr.Send(protocol.TypeHeartbeat, protocol.Heartbeat{}) == nil
	}, waitTimeout, 5*time.Millisecond)

	env, ok := second.Next(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeStateSync, env.Type)
	env, ok = second.Next(waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeHeartbeat, env.Type)
}

func TestTokenRefreshSupersedesSession(t *testing.T) {
	platform := mocks.NewPlatform(t)
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), newRecordingHandler(), &sleepRecorder{}, nil)

	conn := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)
	original := h.mgr.Session()
	require.NotNil(t, original)

	conn.Send(protocol.TypeAuthSuccess, protocol.AuthSuccess{Token: "t2", ExpiresIn: 60})
	refreshed := h.waitFor(t, StateReady)

	assert.Equal(t, "t2", refreshed.Session.Token)
	assert.Equal(t, "t1", original.Token, "old session is replaced, not mutated")
}

func TestStalledDispatchTriggersReconnect(t *testing.T) {
	platform := mocks.NewPlatform(t)
	handler := newRecordingHandler()
	handler.handle = func(ctx context.Context, env protocol.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), handler, &sleepRecorder{}, nil)

	conn := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)
	conn.Send(protocol.TypeTaskAssign, protocol.TaskAssign{TaskID: "t-1"})

	s := h.waitFor(t, StateReconnecting)
	assert.ErrorIs(t, s.Err, ErrStalled)
	platform.WaitConn(waitTimeout)
}

func TestGracefulShutdownDrainsQueue(t *testing.T) {
	platform := mocks.NewPlatform(t)
	h := startManager(t, NewWSDialer(platform.URL(), nil, time.Second, 4096), newRecordingHandler(), &sleepRecorder{}, nil)

	conn := platform.WaitConn(waitTimeout)
	h.waitFor(t, StateReady)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.mgr.Send(protocol.TypeTaskFailed, protocol.TaskFailed{TaskID: "t", Error: protocol.TaskError{Code: protocol.ReasonShutdown}}))
	}
	h.cancel()

	for i := 0; i < 5; i++ {
		conn.Expect(t, protocol.TypeTaskFailed, waitTimeout)
	}
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, StateDisconnected, h.mgr.State().State)
	assert.ErrorIs(t, h.mgr.Send(protocol.TypeHeartbeat, nil), ErrNotReady)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// silentTransport never delivers a frame; reads fail once the deadline passes.
type silentTransport struct {
	mu       sync.Mutex
	deadline time.Time
	written  [][]byte
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newSilentTransport() *silentTransport {
	return &silentTransport{closed: make(chan struct{})}
}

func (s *silentTransport) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	d := s.deadline
	s.mu.Unlock()
	select {
	case <-time.After(time.Until(d)):
		return 0, nil, timeoutError{}
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *silentTransport) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, data)
	return nil
}

func (s *silentTransport) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

func (s *silentTransport) SetWriteDeadline(time.Time) error  { return nil }
func (s *silentTransport) SetReadLimit(int64)                {}
func (s *silentTransport) SetPongHandler(func(string) error) {}
func (s *silentTransport) Close() error                      { s.once.Do(func() { close(s.closed) }); return nil }

func TestReadPumpHeartbeatTimeout(t *testing.T) {
	opts := testOptions(&sleepRecorder{})
	opts.PongWait = 50 * time.Millisecond
	m := New(&flakyDialer{}, testSigner(t), testRegistrar, newRecordingHandler(), opts)
	l := newLink(newSilentTransport(), 4)

	err := m.readPump(context.Background(), l)
	assert.ErrorIs(t, err, ErrHeartbeatTimeout)
}

func TestUndeliveredIncludesFailedWrite(t *testing.T) {
	conn := newSilentTransport()
	conn.writeErr = errors.New("broken pipe")
	m := New(&flakyDialer{}, testSigner(t), testRegistrar, newRecordingHandler(), testOptions(&sleepRecorder{}))
	l := newLink(conn, 4)

	require.NoError(t, l.enqueueMessage(protocol.TypeTaskComplete, protocol.TaskComplete{TaskID: "a"}))
	require.NoError(t, l.enqueueMessage(protocol.TypeTaskFailed, protocol.TaskFailed{TaskID: "b"}))

	err := m.writePump(context.Background(), l)
	require.Error(t, err)
	l.close()

	undelivered := l.undelivered()
	require.Len(t, undelivered, 2)
	assert.Equal(t, protocol.TypeTaskComplete, undelivered[0].Type)
	assert.Equal(t, protocol.TypeTaskFailed, undelivered[1].Type)
	assert.ErrorIs(t, l.enqueueMessage(protocol.TypeHeartbeat, nil), ErrNotReady)
}

func TestQueueFull(t *testing.T) {
	l := newLink(newSilentTransport(), 1)
	require.NoError(t, l.enqueueMessage(protocol.TypeHeartbeat, nil))
	assert.ErrorIs(t, l.enqueueMessage(protocol.TypeHeartbeat, nil), ErrQueueFull)
}

func TestStateSnapshotString(t *testing.T) {
	s := StateSnapshot{State: StateReconnecting, Attempt: 3, Delay: 4 * time.Second}
	assert.Equal(t, "reconnecting(attempt=3, delay=4s)", s.String())
	assert.Equal(t, "ready", StateSnapshot{State: StateReady}.String())
	assert.Equal(t, "state(42)", State(42).String())
}
