// Package mocks provides test doubles for the platform and the agent's
// external collaborators.
package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orbanhq/orban-agent/internal/auth"
	"github.com/orbanhq/orban-agent/internal/protocol"
)

// Platform is an in-process platform speaking the agent protocol over a
// real WebSocket. By default every connection gets a full handshake.
type Platform struct {
	t        testing.TB
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	challenge string
	token     string
	authFail  string
	connCount int
	reject    bool

	conns chan *PlatformConn
}

// NewPlatform starts a fake platform that is closed with the test.
func NewPlatform(t testing.TB) *Platform {
	p := &Platform{
		t:         t,
		challenge: "abc",
		token:     "t1",
		conns:     make(chan *PlatformConn, 16),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.server.Close)
	return p
}

// URL is the ws:// address agents dial.
func (p *Platform) URL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/agent/v1/connect"
}

// SetToken changes the token handed out by AUTH_SUCCESS.
func (p *Platform) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

// SetChallenge changes the challenge sent to new connections.
func (p *Platform) SetChallenge(challenge string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenge = challenge
}

// FailAuth makes subsequent handshakes end with AUTH_FAILURE.
func (p *Platform) FailAuth(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authFail = message
}

// RejectConnections makes the HTTP upgrade fail.
func (p *Platform) RejectConnections(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = reject
}

// Connections counts upgrade attempts that reached the handler.
func (p *Platform) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connCount
}

// WaitConn returns the next connection that completed the handshake.
func (p *Platform) WaitConn(timeout time.Duration) *PlatformConn {
	p.t.Helper()
	select {
	case c := <-p.conns:
		return c
	case <-time.After(timeout):
		p.t.Fatalf("no agent connection within %v", timeout)
		return nil
	}
}

func (p *Platform) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.connCount++
	reject := p.reject
	challenge, token, authFail := p.challenge, p.token, p.authFail
	p.mu.Unlock()

	if reject {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &PlatformConn{ws: ws, inbox: make(chan protocol.Envelope, 256), done: make(chan struct{})}
	go c.readLoop()

	c.Send(protocol.TypeAuthChallenge, protocol.AuthChallenge{Challenge: challenge, Timestamp: time.Now().UnixMilli()})
	resp, ok := c.nextOf(5*time.Second, protocol.TypeAuthResponse)
	if !ok {
		c.Close()
		return
	}
	var ar protocol.AuthResponse
	if err := resp.DecodePayload(&ar); err != nil || auth.Verify(ar.PublicKey, challenge, ar.Signature) != nil {
		c.Send(protocol.TypeAuthFailure, protocol.AuthFailure{Code: "AUTH_FAILED", Message: "bad signature"})
		c.Close()
		return
	}
	c.AgentID = ar.AgentID

	if authFail != "" {
		c.Send(protocol.TypeAuthFailure, protocol.AuthFailure{Code: "AUTH_FAILED", Message: authFail})
		c.Close()
		return
	}
	c.Send(protocol.TypeAuthSuccess, protocol.AuthSuccess{Token: token, ExpiresIn: 86400})

	reg, ok := c.nextOf(5*time.Second, protocol.TypeAgentRegister)
	if !ok {
		c.Close()
		return
	}
	_ = reg.DecodePayload(&c.Registration)
	c.Send(protocol.TypeRegisterAck, protocol.RegisterAck{AgentID: c.AgentID, Status: "active"})

	p.conns <- c
}

// PlatformConn is the server side of one agent connection.
type PlatformConn struct {
	AgentID      string
	Registration protocol.AgentRegister

	ws      *websocket.Conn
	writeMu sync.Mutex
	inbox   chan protocol.Envelope
	done    chan struct{}
	once    sync.Once
}

func (c *PlatformConn) readLoop() {
	defer close(c.inbox)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.inbox <- env
	}
}

// Send writes a message to the agent.
func (c *PlatformConn) Send(msgType protocol.MessageType, payload interface{}) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	c.SendRaw(data)
}

// SendRaw writes an arbitrary frame.
func (c *PlatformConn) SendRaw(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

// Next returns the next message from the agent.
func (c *PlatformConn) Next(timeout time.Duration) (protocol.Envelope, bool) {
	select {
	case env, ok := <-c.inbox:
		return env, ok
	case <-time.After(timeout):
		return protocol.Envelope{}, false
	}
}

// nextOf skips messages until one of the given types arrives.
func (c *PlatformConn) nextOf(timeout time.Duration, types ...protocol.MessageType) (protocol.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for {
		env, ok := c.Next(time.Until(deadline))
		if !ok {
			return env, false
		}
		for _, t := range types {
			if env.Type == t {
				return env, true
			}
		}
	}
}

// Expect returns the next message of msgType, skipping anything else.
func (c *PlatformConn) Expect(t testing.TB, msgType protocol.MessageType, timeout time.Duration) protocol.Envelope {
	t.Helper()
	env, ok := c.nextOf(timeout, msgType)
	if !ok {
		t.Fatalf("no %s from agent within %v", msgType, timeout)
	}
	return env
}

// Close drops the connection without a close handshake.
func (c *PlatformConn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
