// Package api is the REST client of the Shinobi video server. It performs
// the login handshake, tracks connectivity, and gates every endpoint on the
// current status so that a partial session is never used for protected
// resources.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/metrics"
)

const maxResponseBytes = 16 << 20

// HTTPError is a non-2xx response. 404 and 405 unwrap to status.ErrNotFound,
// everything else to status.ErrTransport.
type HTTPError struct {
	Endpoint   Endpoint
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api: %s: http %d", e.Endpoint, e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusMethodNotAllowed {
		return status.ErrNotFound
	}
	return status.ErrTransport
}

// Callbacks are the outbound notifications of the client. Any may be nil.
type Callbacks struct {
	StatusChanged     func(status.Status)
	MonitorDiscovered func(Monitor)
	MonitorUpdated    func(Monitor)
}

// Options configures a Client.
type Options struct {
	Config     Config
	HTTPClient *http.Client
	Callbacks  Callbacks
	Log        *slog.Logger

	// RequestTimeout applies when HTTPClient is nil.
	RequestTimeout time.Duration
	// RequestsPerSecond limits outbound requests; zero disables the limit.
	RequestsPerSecond float64
	// VideoRefresh is the minimum age of the video list before Update
	// fetches it again.
	VideoRefresh time.Duration
	Repair       RepairOptions
}

// Client is the REST client for one server. It is safe for concurrent use.
type Client struct {
	cfg          Config
	http         *http.Client
	cb           Callbacks
	log          *slog.Logger
	tracker      *status.Tracker
	breaker      *gobreaker.CircuitBreaker[[]byte]
	limiter      *rate.Limiter
	videoRefresh time.Duration
	repairOpts   RepairOptions

	mu       sync.RWMutex
	session  Session
	monitors map[string]Monitor
	videos   []VideoRecord
	videosAt time.Time

	repairMu  sync.Mutex
	repairing map[string]struct{}
}

// NewClient creates a client in NotConnected. Call Initialize to log in.
func NewClient(opts Options) *Client {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.HTTPClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Config.SSL && !opts.Config.VerifySSL {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // user opted out of verification
		}
		opts.HTTPClient = &http.Client{Timeout: timeout, Transport: tr}
	}

	c := &Client{
		cfg:          opts.Config,
		http:         opts.HTTPClient,
		cb:           opts.Callbacks,
		log:          opts.Log.With("component", "api"),
		videoRefresh: opts.VideoRefresh,
		repairOpts:   opts.Repair.withDefaults(),
		monitors:     make(map[string]Monitor),
		repairing:    make(map[string]struct{}),
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	c.breaker = newBreaker(c.log)
	c.tracker = status.NewTracker("api", status.NotConnected, c.log, func(s status.Status) {
		metrics.RecordStatus("api", int(s), s.String())
		if c.cb.StatusChanged != nil {
			c.cb.StatusChanged(s)
		}
	})
	c.session = Session{BaseURL: c.cfg.BaseURL()}
	return c
}

// Status returns the current connectivity status.
func (c *Client) Status() status.Status {
	return c.tracker.Get()
}

// Session returns a copy of the current session.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Clone()
}

// Config returns the connection configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// MonitorStreamURL is the stream exposed for m: its original source when
// use_original_stream is set and known, otherwise the server stream.
func (c *Client) MonitorStreamURL(m Monitor) string {
	return m.StreamURL(c.cfg.BaseURL(), c.cfg.UseOriginalStream)
}

// Initialize resets the session and logs in. It is safe to call again after
// Failed.
func (c *Client) Initialize(ctx context.Context) status.Status {
	c.mu.Lock()
	c.session = Session{BaseURL: c.cfg.BaseURL()}
	c.mu.Unlock()

	c.tracker.Set(status.Connecting)
	return c.Login(ctx)
}

type loginRequest struct {
	Mail string `json:"mail"`
	Pass string `json:"pass"`
}

type loginResponse struct {
	User *struct {
		OK        bool       `json:"ok"`
		GroupID   flexString `json:"ke"`
		AuthToken flexString `json:"auth_token"`
		UserID    flexString `json:"uid"`
	} `json:"$user"`
}

type keyListResponse struct {
	OK   bool `json:"ok"`
	Keys []struct {
		UserID flexString `json:"uid"`
		Code   flexString `json:"code"`
	} `json:"keys"`
}

// Login performs the credential handshake and the permanent key lookup.
// Failures are reported through the returned status and the status
// callback, never as errors.
func (c *Client) Login(ctx context.Context) status.Status {
	body, err := json.Marshal(loginRequest{Mail: c.cfg.Username, Pass: c.cfg.Password})
	if err != nil {
		return c.loginFailed(fmt.Errorf("api: login: %w", err))
	}
	data, err := c.request(ctx, http.MethodPost, EndpointLogin, params{}, "application/json", body)
	if err != nil {
		return c.loginFailed(err)
	}

	var resp loginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return c.loginFailed(fmt.Errorf("api: login: %w: %v", status.ErrParse, err))
	}
	if resp.User == nil || !resp.User.OK {
		c.clearKey()
		c.log.Error("login rejected", "username", c.cfg.Username)
		c.tracker.Set(status.InvalidCredentials)
		return status.InvalidCredentials
	}

	c.mu.Lock()
	c.session.GroupID = string(resp.User.GroupID)
	c.session.UserID = string(resp.User.UserID)
	c.session.APIKey = string(resp.User.AuthToken)
	c.mu.Unlock()
	c.tracker.Set(status.TemporaryConnected)

	c.probeCapabilities(ctx)
	return c.loadPermanentKey(ctx)
}

func (c *Client) loadPermanentKey(ctx context.Context) status.Status {
	data, err := c.request(ctx, http.MethodGet, EndpointAPIKeys, params{}, "", nil)
	if err != nil {
		return c.loginFailed(err)
	}
	var resp keyListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return c.loginFailed(fmt.Errorf("api: key list: %w: %v", status.ErrParse, err))
	}

	c.mu.Lock()
	userID := c.session.UserID
	key := ""
	for _, k := range resp.Keys {
		if string(k.UserID) == userID && k.Code != "" {
			key = string(k.Code)
			break
		}
	}
	c.session.APIKey = key
	c.mu.Unlock()

	if key == "" {
		c.log.Error("no permanent api key provisioned for user", "user_id", userID)
		c.tracker.Set(status.MissingAPIKey)
		return status.MissingAPIKey
	}
	c.tracker.Set(status.Connected)
	return status.Connected
}

func (c *Client) probeCapabilities(ctx context.Context) {
	version := SocketProtocolV3
	if c.probe(ctx, EndpointSocketIOProbe) {
		version = SocketProtocolV4
	}
	videoBrowser := c.probe(ctx, EndpointVideoBrowserProbe)

	c.mu.Lock()
	c.session.SocketProtocolVersion = version
	c.session.SupportsVideoBrowserAPI = videoBrowser
	c.mu.Unlock()
	c.log.Debug("server capabilities", "socket_protocol", version, "video_browser", videoBrowser)
}

// probe reports whether the endpoint answers 2xx. The body is ignored.
func (c *Client) probe(ctx context.Context, ep Endpoint) bool {
	_, err := c.request(ctx, http.MethodGet, ep, params{}, "", nil)
	if err != nil {
		c.log.Debug("probe failed", "endpoint", ep.String(), "error", err)
		return false
	}
	return true
}

// loginFailed classifies a login error. NotFound is sticky; validation
// errors leave the status alone.
func (c *Client) loginFailed(err error) status.Status {
	c.clearKey()
	if errors.Is(err, status.ErrValidation) {
		c.log.Warn("login not attempted", "error", err)
		return c.tracker.Get()
	}
	next, _ := c.tracker.Update(func(cur status.Status) status.Status {
		if cur == status.NotFound || errors.Is(err, status.ErrNotFound) {
			return status.NotFound
		}
		return status.Failed
	})
	c.log.Error("login failed", "status", next.String(), "error", err)
	return next
}

// degrade classifies an error from a Connected operation.
func (c *Client) degrade(err error) {
	switch {
	case errors.Is(err, status.ErrValidation), errors.Is(err, context.Canceled):
		return
	case errors.Is(err, status.ErrNotFound):
		c.tracker.Set(status.NotFound)
	case errors.Is(err, status.ErrTransport):
		c.tracker.Update(func(cur status.Status) status.Status {
			if cur == status.Connected {
				return status.Failed
			}
			return cur
		})
	}
}

func (c *Client) clearKey() {
	c.mu.Lock()
	c.session.APIKey = ""
	c.mu.Unlock()
}

// Update re-initializes after Failed, or refreshes monitors and, when
// stale, videos while Connected.
func (c *Client) Update(ctx context.Context) {
	switch c.tracker.Get() {
	case status.Failed:
		c.log.Info("retrying login")
		c.Initialize(ctx)
	case status.Connected:
		if _, err := c.LoadMonitors(ctx); err != nil {
			c.log.Warn("monitor poll failed", "error", err)
			c.degrade(err)
			return
		}
		if c.videosStale() {
			if err := c.LoadVideos(ctx); err != nil {
				c.log.Warn("video poll failed", "error", err)
				c.degrade(err)
			}
		}
	}
}

// Terminate drops the session and closes idle connections. The client
// ends in Disconnected; Initialize brings it back.
func (c *Client) Terminate() {
	c.clearKey()
	c.tracker.Set(status.Disconnected)
	c.http.CloseIdleConnections()
}

// Monitors returns the cached monitors ordered by id.
func (c *Client) Monitors() []Monitor {
	c.mu.RLock()
	out := make([]Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Monitor returns one cached monitor.
func (c *Client) Monitor(id string) (Monitor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[id]
	return m, ok
}

// ApplyMonitorStatus folds a pushed status change into the cached monitor
// and returns the result. A negative code keeps the cached code.
func (c *Client) ApplyMonitorStatus(id string, code int, text string) (Monitor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.monitors[id]
	if !ok {
		return Monitor{}, false
	}
	if code >= 0 {
		m.StatusCode = code
		if text == "" {
			text = StatusCodeName(code)
		}
	}
	if text != "" {
		m.Status = text
	}
	c.monitors[id] = m
	return m, true
}

// request validates the endpoint against the current status before any
// I/O, then sends through the limiter and the circuit breaker.
func (c *Client) request(ctx context.Context, method string, ep Endpoint, p params, contentType string, body []byte) ([]byte, error) {
	if st := c.tracker.Get(); !ep.Allowed(st) {
		metrics.APIRequests.WithLabelValues(ep.String(), "invalid").Inc()
		return nil, fmt.Errorf("api: %s not allowed while %s: %w", ep, st, status.ErrValidation)
	}

	c.mu.RLock()
	target := ep.resolve(c.cfg.BaseURL(), c.session, p)
	c.mu.RUnlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("api: %s: %w", ep, err)
		}
	}

	start := time.Now()
	data, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, method, ep, target, contentType, body)
	})
	metrics.APIRequestDuration.WithLabelValues(ep.String()).Observe(time.Since(start).Seconds())

	var herr *HTTPError
	switch {
	case err == nil:
		metrics.APIRequests.WithLabelValues(ep.String(), "ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.APIRequests.WithLabelValues(ep.String(), "rejected").Inc()
		return nil, fmt.Errorf("api: %s: %w: %v", ep, status.ErrTransport, err)
	case errors.As(err, &herr):
		metrics.APIRequests.WithLabelValues(ep.String(), "http_error").Inc()
	default:
		metrics.APIRequests.WithLabelValues(ep.String(), "transport_error").Inc()
	}
	return data, err
}

func (c *Client) do(ctx context.Context, method string, ep Endpoint, target, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("api: %s: build request: %w", ep, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("api: %s: %w", ep, ctx.Err())
		}
		return nil, fmt.Errorf("api: %s: %w: %v", ep, status.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("api: %s: read body: %w: %v", ep, status.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Endpoint: ep, StatusCode: resp.StatusCode}
	}
	return data, nil
}
