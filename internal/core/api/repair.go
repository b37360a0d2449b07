package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/metrics"
)

// Repair defaults.
const (
	DefaultRepairSettle   = 5 * time.Second
	DefaultRepairInterval = 10 * time.Second
	DefaultRepairAttempts = 12
)

// ErrRepairInProgress is returned when a repair of the same monitor is
// already running.
var ErrRepairInProgress = errors.New("api: repair already in progress")

// RepairOptions bounds the repair cycle.
type RepairOptions struct {
	Settle   time.Duration
	Interval time.Duration
	Attempts int
}

func (o RepairOptions) withDefaults() RepairOptions {
	if o.Settle <= 0 {
		o.Settle = DefaultRepairSettle
	}
	if o.Interval <= 0 {
		o.Interval = DefaultRepairInterval
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultRepairAttempts
	}
	return o
}

// RepairOutcome is how a repair cycle ended.
type RepairOutcome string

const (
	RepairNotNeeded RepairOutcome = "not_needed"
	RepairRecovered RepairOutcome = "recovered"
	RepairExhausted RepairOutcome = "exhausted"
	RepairAborted   RepairOutcome = "aborted"
)

// RepairResult reports a finished repair cycle.
type RepairResult struct {
	Outcome  RepairOutcome
	Attempts int
}

// RepairMonitor restarts recording on a monitor that should record but
// does not: stop, settle, record, then poll until it reports recording or
// the attempts run out. Exhaustion is logged, not returned as an error.
func (c *Client) RepairMonitor(ctx context.Context, id string) (RepairResult, error) {
	c.repairMu.Lock()
	if _, busy := c.repairing[id]; busy {
		c.repairMu.Unlock()
		return RepairResult{}, fmt.Errorf("%w: %s", ErrRepairInProgress, id)
	}
	c.repairing[id] = struct{}{}
	c.repairMu.Unlock()
	defer func() {
		c.repairMu.Lock()
		delete(c.repairing, id)
		c.repairMu.Unlock()
	}()

	res, err := c.repair(ctx, id)
	if err == nil {
		metrics.RepairRuns.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

// Repairing reports whether a repair of id is running.
func (c *Client) Repairing(id string) bool {
	c.repairMu.Lock()
	defer c.repairMu.Unlock()
	_, ok := c.repairing[id]
	return ok
}

func (c *Client) repair(ctx context.Context, id string) (RepairResult, error) {
	m, ok := c.Monitor(id)
	if !ok {
		return RepairResult{}, fmt.Errorf("api: repair %q: %w", id, status.ErrNotFound)
	}
	if !m.ShouldRepair() {
		return RepairResult{Outcome: RepairNotNeeded}, nil
	}

	opts := c.repairOpts
	log := c.log.With("monitor_id", id)
	log.Warn("monitor should be recording, restarting", "status", m.Status, "status_code", m.StatusCode)

	if err := c.SetMonitorMode(ctx, id, ModeStop); err != nil {
		return RepairResult{}, fmt.Errorf("api: repair %q: stop: %w", id, err)
	}
	if err := sleep(ctx, opts.Settle); err != nil {
		return RepairResult{}, err
	}
	if err := c.SetMonitorMode(ctx, id, ModeRecord); err != nil {
		return RepairResult{}, fmt.Errorf("api: repair %q: record: %w", id, err)
	}

	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := sleep(ctx, opts.Interval); err != nil {
			return RepairResult{Attempts: attempt - 1}, err
		}
		if st := c.tracker.Get(); st != status.Connected {
			log.Warn("repair aborted, connection lost", "status", st.String(), "attempt", attempt)
			return RepairResult{Outcome: RepairAborted, Attempts: attempt - 1}, nil
		}
		m, err := c.FetchMonitor(ctx, id)
		if err != nil {
			log.Warn("repair poll failed", "attempt", attempt, "error", err)
			continue
		}
		if !m.ShouldRepair() {
			log.Info("monitor recovered", "attempt", attempt, "mode", m.Mode, "status", m.Status)
			return RepairResult{Outcome: RepairRecovered, Attempts: attempt}, nil
		}
		log.Debug("monitor not recording yet", "attempt", attempt, "status", m.Status)
	}

	log.Error("monitor repair exhausted", "attempts", opts.Attempts)
	return RepairResult{Outcome: RepairExhausted, Attempts: opts.Attempts}, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
