// Package stream is the persistent socket.io event client of the video
// server. One Run call services one connection: it reads frames in order,
// answers the protocol's heartbeats, subscribes to the known monitors and
// turns detector events into typed notifications.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/core/transport"
	"github.com/trymwestin/shinobi/internal/core/trigger"
	"github.com/trymwestin/shinobi/internal/metrics"
)

// DefaultCloseGrace is how long Terminate waits after the close frame
// before dropping the socket.
const DefaultCloseGrace = time.Second

// Detection is a detector trigger as pushed by the server, whatever the
// reason.
type Detection struct {
	// Name is "shinobi.<reason>".
	Name        string    `json:"name"`
	MonitorID   string    `json:"monitor_id"`
	GroupID     string    `json:"group_id"`
	Reason      string    `json:"reason"`
	PlugName    string    `json:"plug_name,omitempty"`
	TriggerName string    `json:"trigger_name,omitempty"`
	At          time.Time `json:"at"`
}

// MonitorStatus is a pushed monitor status change.
type MonitorStatus struct {
	MonitorID string `json:"monitor_id"`
	GroupID   string `json:"group_id"`
	Code      int    `json:"code"`
	Status    string `json:"status"`
}

// Callbacks are invoked from the Run goroutine, except StatusChanged which
// fires from whichever goroutine caused the transition. Any may be nil.
type Callbacks struct {
	StatusChanged func(status.Status)
	Detection     func(Detection)
	MonitorStatus func(MonitorStatus)
}

// Options configures a Client.
type Options struct {
	// URL is the websocket base, e.g. ws://host:8080/.
	URL       string
	Dialer    transport.Dialer
	Triggers  *trigger.Engine
	Callbacks Callbacks
	Log       *slog.Logger

	CloseGrace time.Duration
	Now        func() time.Time
}

// Client is the streaming event client for one server.
type Client struct {
	baseURL  string
	dialer   transport.Dialer
	triggers *trigger.Engine
	cb       Callbacks
	log      *slog.Logger
	grace    time.Duration
	now      func() time.Time
	tracker  *status.Tracker

	mu         sync.Mutex
	session    api.Session
	monitorIDs []string
	conn       transport.Conn
	// awaitingReady is the pending first-log branch; cleared once the ready
	// signal has been handled on the current connection.
	awaitingReady bool
	watched       map[string]bool
}

// NewClient creates a client in Disconnected.
func NewClient(opts Options) *Client {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.WSDialer{Log: opts.Log}
	}
	c := &Client{
		baseURL:  opts.URL,
		dialer:   opts.Dialer,
		triggers: opts.Triggers,
		cb:       opts.Callbacks,
		log:      opts.Log.With("component", "stream"),
		grace:    opts.CloseGrace,
		now:      opts.Now,
	}
	c.tracker = status.NewTracker("stream", status.Disconnected, c.log, func(s status.Status) {
		metrics.RecordStatus("stream", int(s), s.String())
		if c.cb.StatusChanged != nil {
			c.cb.StatusChanged(s)
		}
	})
	return c
}

// Status returns the current connectivity status.
func (c *Client) Status() status.Status {
	return c.tracker.Get()
}

// UpdateSession replaces the session copy used for the next connection.
func (c *Client) UpdateSession(sess api.Session) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
}

// SetMonitors replaces the set of monitor ids subscribed on ready.
func (c *Client) SetMonitors(ids []string) {
	c.mu.Lock()
	c.monitorIDs = append([]string(nil), ids...)
	c.mu.Unlock()
}

// WatchMonitor adds a monitor id. When the current connection is already
// past its ready signal, the subscription is sent right away.
func (c *Client) WatchMonitor(ctx context.Context, id string) error {
	c.mu.Lock()
	known := false
	for _, m := range c.monitorIDs {
		if m == id {
			known = true
			break
		}
	}
	if !known {
		c.monitorIDs = append(c.monitorIDs, id)
	}
	conn, sess := c.conn, c.session
	live := conn != nil && !c.awaitingReady && !c.watched[id]
	if live {
		c.watched[id] = true
	}
	c.mu.Unlock()

	if !live {
		return nil
	}
	return c.sendWatch(ctx, conn, sess, id)
}

// URL is the socket endpoint for a protocol version.
func (c *Client) URL(version int) string {
	if version == 0 {
		version = api.SocketProtocolV3
	}
	q := url.Values{}
	q.Set("EIO", fmt.Sprint(version))
	q.Set("transport", "websocket")
	return c.baseURL + "socket.io/?" + q.Encode()
}

// Run connects and services the connection until it is lost, the session
// becomes invalid, or ctx is cancelled. A cancelled context ends in
// Disconnected and returns nil; a lost connection ends in NotConnected and
// returns an error wrapping status.ErrNotConnected. Dial failures end in
// Failed, or NotFound when the server answers 404.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session.Clone()
	c.mu.Unlock()
	if !sess.Valid() {
		c.tracker.Set(status.NotConnected)
		return fmt.Errorf("stream: no valid session: %w", status.ErrNotConnected)
	}

	c.tracker.Set(status.Connecting)
	conn, err := c.dialer.Dial(ctx, c.URL(sess.SocketProtocolVersion))
	if err != nil {
		if ctx.Err() != nil {
			c.tracker.Set(status.Disconnected)
			return nil
		}
		next := status.Failed
		if isNotFound(err) {
			next = status.NotFound
		}
		c.tracker.Set(next)
		return fmt.Errorf("stream: connect: %w: %v", next.Err(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.awaitingReady = true
	c.watched = map[string]bool{}
	c.mu.Unlock()
	c.tracker.Set(status.Connected)

	closed := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(closed)
		c.tracker.Set(status.Disconnected)
		c.closeConn(conn)
	})
	defer func() {
		if !stop() {
			<-closed
		}
	}()

	err = c.listen(ctx, conn, sess)
	if ctx.Err() != nil || c.tracker.Get() == status.Disconnected {
		c.tracker.Set(status.Disconnected)
		return nil
	}
	c.tracker.Set(status.NotConnected)
	c.closeConn(conn)
	c.log.Warn("stream connection lost", "error", err)
	return fmt.Errorf("stream: %w: %v", status.ErrNotConnected, err)
}

func (c *Client) listen(ctx context.Context, conn transport.Conn, sess api.Session) error {
	for {
		text, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if err := c.handleFrame(ctx, conn, sess, text); err != nil {
			return err
		}
		c.mu.Lock()
		valid := c.session.Valid()
		c.mu.Unlock()
		if !valid {
			return errors.New("session invalidated")
		}
	}
}

// SendHeartbeat keeps the connection alive: a "2" text frame on protocol
// v3, a websocket ping on v4. Without a live connection it only corrects
// the status to NotConnected.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	conn, version := c.conn, c.session.SocketProtocolVersion
	c.mu.Unlock()

	if conn == nil || c.tracker.Get() != status.Connected {
		c.tracker.Update(func(cur status.Status) status.Status {
			if cur == status.Disconnected || cur == status.Connecting || cur.IsTerminal() {
				return cur
			}
			return status.NotConnected
		})
		return nil
	}

	var err error
	if version == api.SocketProtocolV4 {
		err = conn.Ping()
	} else {
		err = conn.Send(ctx, "2")
	}
	if err != nil {
		c.tracker.Set(status.NotConnected)
		c.closeConn(conn)
		return fmt.Errorf("stream: heartbeat: %w", err)
	}
	return nil
}

// Terminate closes the connection and moves to Disconnected. It waits the
// close grace before discarding the socket.
func (c *Client) Terminate() {
	c.tracker.Set(status.Disconnected)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.closeConn(conn)
	}
}

// closeConn sends a close frame, waits the grace period, and closes conn.
// Only the first caller for a given conn does the work.
func (c *Client) closeConn(conn transport.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	if err := conn.CloseWrite(); err == nil {
		time.Sleep(c.grace)
	}
	if err := conn.Close(); err != nil {
		c.log.Debug("close socket", "error", err)
	}
}

func (c *Client) send(ctx context.Context, conn transport.Conn, text string) error {
	if err := conn.Send(ctx, text); err != nil {
		return fmt.Errorf("stream: send: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var herr *transport.HandshakeError
	return errors.As(err, &herr) && (herr.StatusCode == 404 || herr.StatusCode == 405)
}
