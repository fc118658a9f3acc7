/*
 * Package agent owns the single platform connection.
 *
 * Lifecycle:
 *   Disconnected -> Connecting -> Authenticating -> Registering -> Ready
 *   Any transport failure moves to Reconnecting(attempt, delay), then back
 *   to Connecting once the delay elapses. AUTH_FAILURE is fatal.
 *
 * Ordering:
 *   - One writer goroutine drains a FIFO queue per connection
 *   - One reader goroutine dispatches inbound messages in arrival order
 *   - On every Ready after a failure the Handler queues its resync
 *     messages before Send is allowed, so they go out first
 */
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbanhq/orban-agent/internal/auth"
	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/internal/reconnect"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Signer answers authentication challenges.
type Signer interface {
	BuildAuthResponse(challenge string) (protocol.AuthResponse, error)
}

// Registrar produces the AGENT_REGISTER payload for a new session.
type Registrar func(ctx context.Context) (protocol.AgentRegister, error)

// Enqueue places a message on the current connection's outbound queue.
type Enqueue func(msgType protocol.MessageType, payload interface{}) error

// Handler receives connection events. HandleMessage runs on the read
// goroutine and must return before ctx expires.
type Handler interface {
	// OnReady is called on every transition into Ready, before any other
	// component may send. resync is true when the transition follows a
	// failure. Messages passed to enqueue precede all later sends.
	OnReady(ctx context.Context, resync bool, enqueue Enqueue) error
	// HandleMessage dispatches an inbound message by tag.
	HandleMessage(ctx context.Context, env protocol.Envelope) error
	// OnLinkDown receives messages that were queued but never written.
	OnLinkDown(undelivered []protocol.Envelope)
}

// Options tunes timing and queueing.
type Options struct {
	HandshakeTimeout     time.Duration
	WriteWait            time.Duration
	PongWait             time.Duration
	PingPeriod           time.Duration
	DispatchTimeout      time.Duration
	MaxMessageSize       int64
	SendQueueSize        int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	// Sleep waits out a reconnect delay. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultOptions matches config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default(""))
}

// OptionsFromConfig copies the network settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	n := cfg.Network
	return Options{
		HandshakeTimeout:     n.HandshakeTimeout.Std(),
		WriteWait:            n.WriteWait.Std(),
		PongWait:             n.PongWait.Std(),
		PingPeriod:           n.PingPeriod.Std(),
		DispatchTimeout:      n.DispatchTimeout.Std(),
		MaxMessageSize:       n.MaxMessageSize,
		SendQueueSize:        n.SendQueueSize,
		ReconnectBase:        n.ReconnectBase.Std(),
		ReconnectCap:         n.ReconnectCap.Std(),
		MaxReconnectAttempts: n.MaxReconnectAttempts,
	}
}

// Manager drives the connection state machine. Run must be called once.
type Manager struct {
	dialer   Dialer
	signer   Signer
	register Registrar
	handler  Handler
	opts     Options

	counter *reconnect.Counter

	state   atomic.Pointer[StateSnapshot]
	mu      sync.RWMutex
	link    *link
	session *auth.Session

	listeners []func(StateSnapshot)
}

// New creates a manager in StateDisconnected.
func New(dialer Dialer, signer Signer, register Registrar, handler Handler, opts Options) *Manager {
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	m := &Manager{
		dialer:   dialer,
		signer:   signer,
		register: register,
		handler:  handler,
		opts:     opts,
		counter:  reconnect.NewCounter(opts.ReconnectBase, opts.ReconnectCap, opts.MaxReconnectAttempts),
	}
	m.state.Store(&StateSnapshot{State: StateDisconnected, Since: opts.Now()})
	return m
}

// OnTransition registers fn to observe every state change. It must be
// called before Run; fn runs on the manager goroutine and must not block.
func (m *Manager) OnTransition(fn func(StateSnapshot)) {
	m.listeners = append(m.listeners, fn)
}

// State returns the current snapshot.
func (m *Manager) State() StateSnapshot {
	return *m.state.Load()
}

// Ready reports whether Send currently accepts messages.
func (m *Manager) Ready() bool {
	return m.State().Ready()
}

// Session returns the current session or nil.
func (m *Manager) Session() *auth.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Manager) transition(next StateSnapshot) {
	prev := m.state.Load()
	next.Since = m.opts.Now()
	if next.Session == nil && next.State == StateReady {
		next.Session = m.Session()
	}
	m.state.Store(&next)
	if prev.State != next.State || next.State == StateReconnecting {
		debug.Info("Connection state: %s -> %s", prev, next)
	}
	for _, fn := range m.listeners {
		fn(next)
	}
}

// Send queues a message for the platform. It never blocks.
func (m *Manager) Send(msgType protocol.MessageType, payload interface{}) error {
	m.mu.RLock()
	l := m.link
	m.mu.RUnlock()
	if l == nil || !m.State().Ready() {
		return ErrNotReady
	}
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return l.enqueue(env)
}

// Run connects and keeps the session alive until ctx is cancelled or a
// fatal error occurs. Cancellation is a clean exit and returns nil.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			m.transition(StateSnapshot{State: StateDisconnected})
			return nil
		}

		err := m.connectOnce(ctx)
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, auth.ErrKeyUnavailable) {
			debug.Error("Authentication failed, not retrying: %v", err)
			m.transition(StateSnapshot{State: StateDisconnected, Err: err})
			return err
		}
		if ctx.Err() != nil {
			m.transition(StateSnapshot{State: StateDisconnected})
			return nil
		}

		delay, ok := m.counter.Next()
		if !ok {
			err = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.counter.Attempt(), err)
			debug.Error("%v", err)
			m.transition(StateSnapshot{State: StateDisconnected, Err: err})
			return err
		}
		debug.Warning("Connection lost: %v", err)
		m.transition(StateSnapshot{State: StateReconnecting, Attempt: m.counter.Attempt(), Delay: delay, Err: err})

		if err := m.opts.Sleep(ctx, delay); err != nil {
			m.transition(StateSnapshot{State: StateDisconnected})
			return nil
		}
	}
}

// connectOnce runs one connection from dial to teardown.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.transition(StateSnapshot{State: StateConnecting})
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	m.transition(StateSnapshot{State: StateAuthenticating})
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sess, early, err := m.handshake(ctx, conn)
	stop()
	if err != nil {
		conn.Close()
		return err
	}
	return m.serve(ctx, conn, sess, early)
}

// serve runs the pumps for an established session until the link fails
// or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn Transport, sess *auth.Session, early []protocol.Envelope) error {
	l := newLink(conn, m.opts.SendQueueSize)

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	resync := m.counter.Attempt() > 0
	m.counter.Reset()

	// The link stays private until the ready hook has queued its messages,
	// so nothing sent through Send can get ahead of STATE_SYNC.
	if err := m.handler.OnReady(ctx, resync, l.enqueueMessage); err != nil {
		l.close()
		conn.Close()
		m.teardown(l)
		return fmt.Errorf("ready hook failed: %w", err)
	}
	m.mu.Lock()
	m.link = l
	m.mu.Unlock()
	m.transition(StateSnapshot{State: StateReady, Session: sess})

	linkCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- m.writePump(linkCtx, l)
	}()
	go func() {
		defer wg.Done()
		for _, env := range early {
			if err := m.dispatch(linkCtx, l, env); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- m.readPump(linkCtx, l)
	}()

	var err error
	select {
	case err = <-errCh:
		l.close()
	case <-ctx.Done():
		debug.Info("Shutting down connection, draining %d queued messages", len(l.out))
		l.close()
		close(l.drain)
		select {
		case <-l.drained:
		case <-time.After(2 * m.opts.WriteWait):
			debug.Warning("Timed out draining outbound queue")
		}
	}

	cancel()
	conn.Close()
	wg.Wait()
	m.teardown(l)
	return err
}

// teardown detaches the link and reports anything it failed to write.
func (m *Manager) teardown(l *link) {
	m.mu.Lock()
	if m.link == l {
		m.link = nil
	}
	m.session = nil
	m.mu.Unlock()

	if undelivered := l.undelivered(); len(undelivered) > 0 {
		debug.Warning("%d queued messages were not delivered", len(undelivered))
		m.handler.OnLinkDown(undelivered)
	} else {
		m.handler.OnLinkDown(nil)
	}
}

// dispatch routes one inbound message. Session-level tags are handled
// here; everything else goes to the handler within DispatchTimeout.
func (m *Manager) dispatch(ctx context.Context, l *link, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeAuthSuccess:
		var ok protocol.AuthSuccess
		if err := env.DecodePayload(&ok); err != nil {
			debug.Warning("Dropping AUTH_SUCCESS: %v", err)
			return nil
		}
		sess := auth.NewSession(ok.Token, ok.ExpiresIn, m.opts.Now())
		m.mu.Lock()
		m.session = sess
		m.mu.Unlock()
		m.transition(StateSnapshot{State: StateReady, Session: sess})
		debug.Info("Session token refreshed, expires %v", sess.ExpiresAt)
		return nil
	case protocol.TypeAuthFailure:
		var fail protocol.AuthFailure
		_ = env.DecodePayload(&fail)
		return fmt.Errorf("%w: %s", ErrAuthFailed, fail.Message)
	case protocol.TypeAuthChallenge:
		var ch protocol.AuthChallenge
		if err := env.DecodePayload(&ch); err != nil {
			debug.Warning("Dropping AUTH_CHALLENGE: %v", err)
			return nil
		}
		resp, err := m.signer.BuildAuthResponse(ch.Challenge)
		if errors.Is(err, auth.ErrKeyUnavailable) {
			return err
		}
		if err != nil {
			debug.Warning("Dropping AUTH_CHALLENGE %s: %v", env.MessageID, err)
			return nil
		}
		return l.enqueueMessage(protocol.TypeAuthResponse, resp)
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.DispatchTimeout)
	defer cancel()
	err := m.handler.HandleMessage(dctx, env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%w: %s not consumed within %v", ErrStalled, env.Type, m.opts.DispatchTimeout)
	default:
		debug.Warning("Failed to handle %s message %s: %v", env.Type, env.MessageID, err)
		return nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
