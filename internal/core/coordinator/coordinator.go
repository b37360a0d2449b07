// Package coordinator runs one video server connection end to end. It logs
// in over REST, keeps the streaming client connected while the session is
// healthy, polls monitors, sends heartbeats and restarts monitors that stop
// recording. All outbound notifications land in a state.Store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/state"
	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/core/stream"
	"github.com/trymwestin/shinobi/internal/core/transport"
	"github.com/trymwestin/shinobi/internal/core/trigger"
	"github.com/trymwestin/shinobi/internal/metrics"
)

// Defaults for Options.
const (
	DefaultUpdateInterval      = 10 * time.Second
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultReconnectBackoff    = time.Second
	DefaultMaxReconnectBackoff = 2 * time.Minute
	DefaultRetryBackoff        = 30 * time.Second
)

var (
	errSessionLost = errors.New("coordinator: rest session lost")
	errStreamDown  = errors.New("coordinator: stream connect failed")
)

// Options configures a Coordinator.
type Options struct {
	// API configures the REST client. Its callbacks are replaced.
	API    api.Options
	Dialer transport.Dialer

	TriggerDurations map[trigger.EventType]time.Duration
	SweepInterval    time.Duration

	UpdateInterval      time.Duration
	HeartbeatInterval   time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	RetryBackoff        time.Duration
	CloseGrace          time.Duration
	RepairEnabled       bool

	Store *state.Store
	Log   *slog.Logger
}

// Coordinator owns the REST client, the streaming client and the trigger
// engine of one server. It implements suture.Service.
type Coordinator struct {
	api      *api.Client
	stream   *stream.Client
	engine   *trigger.Engine
	store    *state.Store
	log      *slog.Logger
	opts     Options
	wakeCh   chan struct{}
	repairCh chan struct{}
	streamUp atomic.Bool
}

// New wires the clients and the trigger engine to store.
func New(opts Options) *Coordinator {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = state.NewStore(state.NewEventBus(opts.Log), opts.Log)
	}
	setDefault(&opts.UpdateInterval, DefaultUpdateInterval)
	setDefault(&opts.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&opts.ReconnectBackoff, DefaultReconnectBackoff)
	setDefault(&opts.MaxReconnectBackoff, DefaultMaxReconnectBackoff)
	setDefault(&opts.RetryBackoff, DefaultRetryBackoff)

	c := &Coordinator{
		store:    opts.Store,
		log:      opts.Log.With("component", "coordinator"),
		opts:     opts,
		wakeCh:   make(chan struct{}, 1),
		repairCh: make(chan struct{}, 1),
	}

	c.engine = trigger.NewEngine(trigger.EngineOptions{
		Durations:     opts.TriggerDurations,
		SweepInterval: opts.SweepInterval,
		OnChange:      c.onTrigger,
		Log:           opts.Log.With("component", "trigger"),
	})

	apiOpts := opts.API
	apiOpts.Log = opts.Log
	apiOpts.Callbacks = api.Callbacks{
		StatusChanged:     func(s status.Status) { c.store.SetStatus(state.ClientAPI, s) },
		MonitorDiscovered: c.store.UpsertMonitor,
		MonitorUpdated:    c.store.UpsertMonitor,
	}
	c.api = api.NewClient(apiOpts)

	c.stream = stream.NewClient(stream.Options{
		URL:      apiOpts.Config.StreamURL(),
		Dialer:   opts.Dialer,
		Triggers: c.engine,
		Callbacks: stream.Callbacks{
			StatusChanged: func(s status.Status) {
				if s == status.Connected {
					c.streamUp.Store(true)
				}
				c.store.SetStatus(state.ClientStream, s)
			},
			Detection:     c.store.RecordDetection,
			MonitorStatus: c.onMonitorStatus,
		},
		Log:        opts.Log,
		CloseGrace: opts.CloseGrace,
	})
	return c
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// API returns the REST client, for commands.
func (c *Coordinator) API() *api.Client { return c.api }

// Stream returns the streaming client.
func (c *Coordinator) Stream() *stream.Client { return c.stream }

// Store returns the state store.
func (c *Coordinator) Store() *state.Store { return c.store }

// Wake skips the current retry or reconnect wait.
func (c *Coordinator) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Serve runs until ctx is cancelled or the server reports a status that
// needs reconfiguration, in which case it returns suture.ErrDoNotRestart.
func (c *Coordinator) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.engine.Run(gctx) })
	g.Go(func() error {
		defer c.shutdown()
		return c.run(gctx)
	})
	err := g.Wait()
	if errors.Is(err, suture.ErrDoNotRestart) {
		return suture.ErrDoNotRestart
	}
	return err
}

func (c *Coordinator) String() string {
	return "coordinator(" + c.api.Config().BaseURL() + ")"
}

func (c *Coordinator) run(ctx context.Context) error {
	for {
		c.log.Info("connecting to video server", "base_url", c.api.Config().BaseURL())
		st := c.api.Initialize(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if st == status.Connected {
			c.store.SetSession(c.api.Session())
			if c.store.MarkServerDiscovered() {
				c.log.Info("video server discovered", "group_id", c.api.Session().GroupID)
			}
			err := c.session(ctx)
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("session ended", "error", err)
			st = c.api.Status()
		}

		c.stream.Terminate()
		if st.IsTerminal() {
			c.log.Error("video server needs reconfiguration, giving up", "status", st.String())
			return suture.ErrDoNotRestart
		}

		c.log.Info("retrying video server", "status", st.String(), "retry_in", c.opts.RetryBackoff)
		if !c.wait(ctx, c.opts.RetryBackoff) {
			return nil
		}
	}
}

// session runs the stream, poll and heartbeat loops until one of them
// ends the session.
func (c *Coordinator) session(ctx context.Context) error {
	c.syncStream(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.streamLoop(gctx) })
	g.Go(func() error { return c.pollLoop(gctx, g) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	return g.Wait()
}

func (c *Coordinator) streamLoop(ctx context.Context) error {
	backoff := c.opts.ReconnectBackoff
	for {
		c.streamUp.Store(false)
		err := c.stream.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		switch c.stream.Status() {
		case status.NotFound:
			c.log.Error("streaming endpoint not found, events disabled", "error", err)
			<-ctx.Done()
			return nil
		case status.Failed:
			return fmt.Errorf("%w: %v", errStreamDown, err)
		}

		if c.streamUp.Load() {
			backoff = c.opts.ReconnectBackoff
		}
		metrics.StreamReconnects.Inc()
		c.log.Warn("stream disconnected", "error", err, "retry_in", backoff)
		if !c.wait(ctx, backoff) {
			return nil
		}
		backoff = time.Duration(math.Min(float64(backoff)*2, float64(c.opts.MaxReconnectBackoff)))
	}
}

func (c *Coordinator) pollLoop(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(c.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		c.api.Update(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if st := c.api.Status(); st != status.Connected {
			return fmt.Errorf("%w: %s", errSessionLost, st)
		}
		c.syncStream(ctx)
		if c.opts.RepairEnabled {
			c.dispatchRepairs(ctx, g)
		}

	idle:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.repairCh:
				if c.opts.RepairEnabled {
					c.dispatchRepairs(ctx, g)
				}
			case <-ticker.C:
				break idle
			}
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.stream.SendHeartbeat(ctx); err != nil {
				c.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// syncStream hands the current session and monitor list to the stream
// client.
func (c *Coordinator) syncStream(ctx context.Context) {
	sess := c.api.Session()
	c.store.SetSession(sess)
	c.stream.UpdateSession(sess)
	for _, m := range c.api.Monitors() {
		if err := c.stream.WatchMonitor(ctx, m.ID); err != nil {
			c.log.Warn("watch monitor failed", "monitor_id", m.ID, "error", err)
		}
	}
}

func (c *Coordinator) dispatchRepairs(ctx context.Context, g *errgroup.Group) {
	for _, m := range c.api.Monitors() {
		if !m.ShouldRepair() || c.api.Repairing(m.ID) {
			continue
		}
		id := m.ID
		c.log.Warn("monitor not recording, starting repair", "monitor_id", id, "status", m.Status)
		g.Go(func() error {
			res, err := c.api.RepairMonitor(ctx, id)
			switch {
			case errors.Is(err, api.ErrRepairInProgress):
			case err != nil:
				c.log.Warn("repair failed", "monitor_id", id, "error", err)
			default:
				c.log.Info("repair finished", "monitor_id", id, "outcome", res.Outcome, "attempts", res.Attempts)
			}
			return nil
		})
	}
}

// onMonitorStatus folds a pushed status into the REST cache and the store,
// and asks the poll loop for a repair check when the monitor stopped
// recording.
func (c *Coordinator) onMonitorStatus(ms stream.MonitorStatus) {
	m, ok := c.api.ApplyMonitorStatus(ms.MonitorID, ms.Code, ms.Status)
	if ok {
		ms.Status = m.Status
	}
	c.store.ApplyMonitorStatus(ms)
	if !ok || !c.opts.RepairEnabled || !m.ShouldRepair() {
		return
	}
	select {
	case c.repairCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) onTrigger(ch trigger.Change) {
	metrics.TriggerEdges.WithLabelValues(string(ch.Key.Type), metrics.BoolState(ch.Record.IsOn)).Inc()
	c.store.ApplyTrigger(ch)
}

// wait sleeps d, returning false when ctx ends first. Wake cuts it short.
func (c *Coordinator) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.wakeCh:
		c.log.Info("wake signal received, retrying immediately")
		return true
	case <-timer.C:
		return true
	}
}

// shutdown drops both connections. A terminal REST status is kept so it
// stays visible.
func (c *Coordinator) shutdown() {
	c.stream.Terminate()
	if !c.api.Status().IsTerminal() {
		c.api.Terminate()
	}
}
