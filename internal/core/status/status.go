// Package status defines the connectivity states shared by the REST and
// streaming clients, their log severity and error mapping, and a Tracker
// that deduplicates transitions.
package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Status is the connectivity state of one client instance.
type Status int

const (
	NotConnected Status = iota
	Connecting
	Connected
	TemporaryConnected
	Failed
	InvalidCredentials
	MissingAPIKey
	Disconnected
	NotFound
)

var names = [...]string{
	NotConnected:       "not_connected",
	Connecting:         "connecting",
	Connected:          "connected",
	TemporaryConnected: "temporary_connected",
	Failed:             "failed",
	InvalidCredentials: "invalid_credentials",
	MissingAPIKey:      "missing_api_key",
	Disconnected:       "disconnected",
	NotFound:           "not_found",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(names) {
		return "unknown"
	}
	return names[s]
}

// MarshalText lets statuses appear by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sentinel errors, one per failure class.
var (
	ErrTransport          = errors.New("transport error")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingAPIKey      = errors.New("missing permanent api key")
	ErrNotFound           = errors.New("endpoint not found")
	ErrValidation         = errors.New("request not allowed in current state")
	ErrParse              = errors.New("malformed payload")
	ErrNotConnected       = errors.New("not connected")
)

// Err maps a status to the error class it represents. Healthy and
// in-progress statuses map to nil.
func (s Status) Err() error {
	switch s {
	case Failed:
		return ErrTransport
	case InvalidCredentials:
		return ErrInvalidCredentials
	case MissingAPIKey:
		return ErrMissingAPIKey
	case NotFound:
		return ErrNotFound
	case NotConnected, Disconnected:
		return ErrNotConnected
	default:
		return nil
	}
}

// LogLevel is the severity used when logging a transition into s.
func (s Status) LogLevel() slog.Level {
	switch s {
	case Connected, TemporaryConnected, Connecting:
		return slog.LevelInfo
	case NotConnected, Disconnected:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// IsTerminal reports statuses that need reconfiguration before any retry.
func (s Status) IsTerminal() bool {
	switch s {
	case InvalidCredentials, MissingAPIKey, NotFound:
		return true
	}
	return false
}

// Tracker holds the current status of a client. Transitions are
// deduplicated and the change callback fires once per actual change, in
// transition order.
type Tracker struct {
	name     string
	log      *slog.Logger
	onChange func(Status)

	notifyMu sync.Mutex // serializes transition + notification
	mu       sync.RWMutex
	cur      Status
}

// NewTracker returns a tracker starting at initial. onChange may be nil.
// onChange must not call Set or Update on the same tracker.
func NewTracker(name string, initial Status, log *slog.Logger, onChange func(Status)) *Tracker {
	return &Tracker{name: name, cur: initial, log: log, onChange: onChange}
}

// Get returns the current status.
func (t *Tracker) Get() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// Set moves to next and reports whether the status changed.
func (t *Tracker) Set(next Status) bool {
	_, changed := t.Update(func(Status) Status { return next })
	return changed
}

// Update derives the next status from the current one atomically.
func (t *Tracker) Update(fn func(cur Status) Status) (Status, bool) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	prev := t.cur
	next := fn(prev)
	t.cur = next
	t.mu.Unlock()

	if next == prev {
		return next, false
	}

	if t.log != nil {
		t.log.Log(context.Background(), next.LogLevel(), "connectivity status changed",
			"client", t.name, "from", prev.String(), "to", next.String())
	}
	if t.onChange != nil {
		t.onChange(next)
	}
	return next, true
}
