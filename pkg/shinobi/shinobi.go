// Package shinobi provides a public facade re-exporting core types
// for external consumers of this module.
package shinobi

import (
	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/coordinator"
	"github.com/trymwestin/shinobi/internal/core/state"
	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/core/stream"
	"github.com/trymwestin/shinobi/internal/core/transport"
	"github.com/trymwestin/shinobi/internal/core/trigger"
)

// Re-export core types for external use.
type (
	// Config is the server connection configuration.
	Config = api.Config
	// Session is the REST login state.
	Session = api.Session
	// Monitor is a camera channel on the server.
	Monitor = api.Monitor
	// MonitorMode is the configured operating mode of a monitor.
	MonitorMode = api.MonitorMode
	// VideoRecord is one recording listed by the server.
	VideoRecord = api.VideoRecord
	// RepairResult reports the outcome of a repair cycle.
	RepairResult = api.RepairResult
	// APIClient is the REST client.
	APIClient = api.Client
	// StreamClient is the streaming event client.
	StreamClient = stream.Client
	// Detection is a raw detector event pushed by the server.
	Detection = stream.Detection
	// MonitorStatus is a pushed monitor status change.
	MonitorStatus = stream.MonitorStatus
	// Status is a client connectivity status.
	Status = status.Status
	// TriggerType identifies a debounced sensor class.
	TriggerType = trigger.EventType
	// TriggerState is the debounced sensor state of one monitor.
	TriggerState = state.TriggerState
	// State is a snapshot of all server state.
	State = state.State
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Coordinator runs the REST and streaming clients of one server.
	Coordinator = coordinator.Coordinator
	// CoordinatorOptions configures a Coordinator.
	CoordinatorOptions = coordinator.Options
	// Dialer creates websocket connections to the server.
	Dialer = transport.Dialer
	// Conn represents a websocket connection.
	Conn = transport.Conn
)

// NewCoordinator wires a Coordinator.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	return coordinator.New(opts)
}

// Monitor modes.
const (
	ModeStop   = api.ModeStop
	ModeStart  = api.ModeStart
	ModeRecord = api.ModeRecord
)

// Connectivity statuses.
const (
	StatusNotConnected       = status.NotConnected
	StatusConnecting         = status.Connecting
	StatusConnected          = status.Connected
	StatusTemporaryConnected = status.TemporaryConnected
	StatusFailed             = status.Failed
	StatusInvalidCredentials = status.InvalidCredentials
	StatusMissingAPIKey      = status.MissingAPIKey
	StatusDisconnected       = status.Disconnected
	StatusNotFound           = status.NotFound
)

// Trigger types.
const (
	TriggerMotion = trigger.Motion
	TriggerSound  = trigger.Sound
)

// Event type constants.
const (
	EventStatusChanged     = state.EventStatusChanged
	EventServerDiscovered  = state.EventServerDiscovered
	EventMonitorDiscovered = state.EventMonitorDiscovered
	EventMonitorUpdated    = state.EventMonitorUpdated
	EventTriggerChanged    = state.EventTriggerChanged
	EventDetection         = state.EventDetection
	EventMonitorStatus     = state.EventMonitorStatus
)
