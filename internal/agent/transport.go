package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Transport is the subset of *websocket.Conn the manager uses.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a new transport to the platform.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer dials the platform WebSocket endpoint.
type WSDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWSDialer builds a dialer for url. tlsConfig may be nil for plain ws://.
func NewWSDialer(url string, tlsConfig *tls.Config, handshakeTimeout time.Duration, bufferSize int) *WSDialer {
	return &WSDialer{
		URL:    url,
		Header: http.Header{},
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   bufferSize,
			WriteBufferSize:  bufferSize,
			TLSClientConfig:  tlsConfig,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	debug.Info("Attempting WebSocket connection to: %s", d.URL)
	ws, resp, err := d.Dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			debug.Debug("Response body: %s", string(body))
			return nil, fmt.Errorf("failed to connect to platform (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to platform: %w", err)
	}
	debug.Info("Successfully established WebSocket connection")
	return ws, nil
}

// NewTLSConfig returns the client TLS settings. caFile, when set, replaces
// the system roots with the PEM bundle it contains.
func NewTLSConfig(caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	}
	if insecureSkipVerify {
		debug.Warning("TLS certificate verification is disabled")
	}
	if caFile == "" {
		return cfg, nil
	}

	certData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certData) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	cfg.RootCAs = pool
	debug.Info("Loaded CA certificate from %s", caFile)
	return cfg, nil
}
