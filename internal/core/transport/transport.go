package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultReadTimeout is the idle limit on the read side. Every frame and
// every pong extends it.
const DefaultReadTimeout = 60 * time.Second

// ErrNonText is returned by Recv for binary frames.
var ErrNonText = errors.New("transport: non-text frame")

// Conn is a websocket connection carrying text frames.
type Conn interface {
	// Send writes one text frame.
	Send(ctx context.Context, text string) error
	// Recv blocks until a text frame arrives or the connection fails.
	Recv(ctx context.Context) (string, error)
	// Ping sends a websocket-level ping frame.
	Ping() error
	// CloseWrite sends a close frame without tearing down the socket.
	CloseWrite() error
	// Close closes the underlying connection.
	Close() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer opens websocket connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsConn struct {
	ws          *websocket.Conn
	mu          sync.Mutex // protects writes
	readTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, readTimeout time.Duration) *wsConn {
	c := &wsConn{ws: ws, readTimeout: readTimeout}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	return c
}

func (c *wsConn) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(_ context.Context) (string, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("transport: read: %w", err)
	}
	if msgType != websocket.TextMessage {
		return "", fmt.Errorf("%w: type %d", ErrNonText, msgType)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	return string(data), nil
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
}

func (c *wsConn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// IsClosed reports whether err is a normal websocket close.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}

// HandshakeError is a websocket upgrade rejected with an HTTP status.
type HandshakeError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: dial %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// WSDialer dials the video server's socket endpoint.
type WSDialer struct {
	// InsecureSkipVerify disables certificate checks for wss.
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	ReadTimeout        time.Duration
	Log                *slog.Logger
}

// Dial connects to url.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 15 * time.Second
	}
	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
		Proxy:            http.ProxyFromEnvironment,
	}
	if d.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // user opted out of verification
	}

	log.Debug("dialing socket", "url", redact(url))
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{URL: redact(url), StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("transport: dial %s: %w", redact(url), err)
	}
	return newWSConn(ws, readTimeout), nil
}

// redact drops the query string, which may carry credentials.
func redact(url string) string {
	for i := 0; i < len(url); i++ {
		if url[i] == '?' {
			return url[:i]
		}
	}
	return url
}
