package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often on-records are checked for expiry.
const DefaultSweepInterval = time.Second

// EngineOptions configures an Engine.
type EngineOptions struct {
	Durations     map[EventType]time.Duration
	SweepInterval time.Duration
	// OnChange receives every edge, from the engine goroutine.
	OnChange func(Change)
	Now      func() time.Time
	Log      *slog.Logger
}

type command struct {
	event *Event
}

// Engine owns a Table. Triggers and sweeps are serialized through its Run
// goroutine.
type Engine struct {
	table    *Table
	interval time.Duration
	onChange func(Change)
	now      func() time.Time
	log      *slog.Logger

	cmds    chan command
	running atomic.Bool
}

// NewEngine creates an engine. Call Run to start it.
func NewEngine(opts EngineOptions) *Engine {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Engine{
		table:    NewTable(opts.Durations),
		interval: opts.SweepInterval,
		onChange: opts.OnChange,
		now:      opts.Now,
		log:      opts.Log,
		cmds:     make(chan command, 64),
	}
}

// Run processes triggers and sweeps until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("trigger: engine already running")
	}
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.cmds:
			e.apply(cmd)
		case <-ticker.C:
			for _, ch := range e.table.Sweep(e.now()) {
				e.log.Debug("trigger expired", "monitor_id", ch.Key.MonitorID, "event_type", ch.Key.Type)
				e.emit(ch)
			}
		}
	}
}

func (e *Engine) apply(cmd command) {
	if cmd.event == nil {
		return
	}
	ev := *cmd.event
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if ch, ok := e.table.Trigger(ev); ok {
		e.log.Debug("trigger activated", "monitor_id", ev.MonitorID, "event_type", ev.Type, "reason", ev.Reason)
		e.emit(ch)
	}
}

func (e *Engine) emit(ch Change) {
	if e.onChange != nil {
		e.onChange(ch)
	}
}

// Trigger queues a detection for the engine goroutine.
func (e *Engine) Trigger(ctx context.Context, ev Event) error {
	select {
	case e.cmds <- command{event: &ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
