package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/core/stream"
	"github.com/trymwestin/shinobi/internal/core/trigger"
)

// Client names used in status events.
const (
	ClientAPI    = "api"
	ClientStream = "stream"
)

// TriggerState is the debounced sensor state of one monitor and event type.
type TriggerState struct {
	MonitorID string            `json:"monitor_id"`
	EventType trigger.EventType `json:"event_type"`
	trigger.Record
}

// State is a snapshot of everything known about the server.
type State struct {
	APIStatus        status.Status               `json:"api_status"`
	StreamStatus     status.Status               `json:"stream_status"`
	ServerDiscovered bool                        `json:"server_discovered"`
	Session          api.Session                 `json:"session"`
	Monitors         []api.Monitor               `json:"monitors"`
	Triggers         []TriggerState              `json:"triggers"`
	LastDetections   map[string]stream.Detection `json:"last_detections,omitempty"`
}

// EventType identifies event categories.
type EventType string

const (
	EventStatusChanged     EventType = "status_changed"
	EventServerDiscovered  EventType = "server_discovered"
	EventMonitorDiscovered EventType = "monitor_discovered"
	EventMonitorUpdated    EventType = "monitor_updated"
	EventTriggerChanged    EventType = "trigger_changed"
	EventDetection         EventType = "detection"
	EventMonitorStatus     EventType = "monitor_status"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// StatusChange is the data of EventStatusChanged.
type StatusChange struct {
	Client string        `json:"client"`
	Status status.Status `json:"status"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() State
	Monitor(id string) (api.Monitor, bool)
	Trigger(monitorID string, t trigger.EventType) (TriggerState, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed on unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- Store ---

type triggerKey struct {
	monitorID string
	eventType trigger.EventType
}

// Store holds the normalized server state and publishes every change on
// the bus.
type Store struct {
	mu               sync.RWMutex
	apiStatus        status.Status
	streamStatus     status.Status
	serverDiscovered bool
	session          api.Session
	monitors         map[string]api.Monitor
	triggers         map[triggerKey]TriggerState
	detections       map[string]stream.Detection
	bus              *EventBus
	log              *slog.Logger
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		apiStatus:    status.NotConnected,
		streamStatus: status.Disconnected,
		monitors:     make(map[string]api.Monitor),
		triggers:     make(map[triggerKey]TriggerState),
		detections:   make(map[string]stream.Detection),
		bus:          bus,
		log:          log,
	}
}

// Snapshot returns a copy of all state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	monitors := make([]api.Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].ID < monitors[j].ID })

	triggers := make([]TriggerState, 0, len(s.triggers))
	for _, t := range s.triggers {
		triggers = append(triggers, t)
	}
	sort.Slice(triggers, func(i, j int) bool {
		if triggers[i].MonitorID != triggers[j].MonitorID {
			return triggers[i].MonitorID < triggers[j].MonitorID
		}
		return triggers[i].EventType < triggers[j].EventType
	})

	detections := make(map[string]stream.Detection, len(s.detections))
	for k, v := range s.detections {
		detections[k] = v
	}

	return State{
		APIStatus:        s.apiStatus,
		StreamStatus:     s.streamStatus,
		ServerDiscovered: s.serverDiscovered,
		Session:          s.session.Clone(),
		Monitors:         monitors,
		Triggers:         triggers,
		LastDetections:   detections,
	}
}

// Monitor returns one monitor.
func (s *Store) Monitor(id string) (api.Monitor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[id]
	return m, ok
}

// Trigger returns the sensor state of one monitor and event type.
func (s *Store) Trigger(monitorID string, t trigger.EventType) (TriggerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.triggers[triggerKey{monitorID, t}]
	return ts, ok
}

// SetStatus records a connectivity transition of client.
func (s *Store) SetStatus(client string, st status.Status) {
	s.mu.Lock()
	switch client {
	case ClientAPI:
		s.apiStatus = st
	case ClientStream:
		s.streamStatus = st
	}
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventStatusChanged, Data: StatusChange{Client: client, Status: st}})
}

// SetSession stores the session shown in snapshots. The api key is never
// serialized.
func (s *Store) SetSession(sess api.Session) {
	s.mu.Lock()
	s.session = sess.Clone()
	s.mu.Unlock()
}

// MarkServerDiscovered reports true the first time it is called.
func (s *Store) MarkServerDiscovered() bool {
	s.mu.Lock()
	first := !s.serverDiscovered
	s.serverDiscovered = true
	sess := s.session.Clone()
	s.mu.Unlock()

	if first {
		s.bus.Publish(Event{Type: EventServerDiscovered, Data: sess})
	}
	return first
}

// UpsertMonitor replaces a monitor wholesale.
func (s *Store) UpsertMonitor(m api.Monitor) {
	s.mu.Lock()
	_, known := s.monitors[m.ID]
	s.monitors[m.ID] = m
	s.mu.Unlock()

	typ := EventMonitorUpdated
	if !known {
		typ = EventMonitorDiscovered
	}
	s.bus.Publish(Event{Type: typ, Data: m})
}

// ApplyMonitorStatus folds a pushed status change into the cached monitor.
func (s *Store) ApplyMonitorStatus(ms stream.MonitorStatus) {
	s.mu.Lock()
	if m, ok := s.monitors[ms.MonitorID]; ok {
		if ms.Code >= 0 {
			m.StatusCode = ms.Code
		}
		if ms.Status != "" {
			m.Status = ms.Status
		}
		s.monitors[ms.MonitorID] = m
	}
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventMonitorStatus, Data: ms})
}

// ApplyTrigger stores a debounced edge.
func (s *Store) ApplyTrigger(ch trigger.Change) {
	ts := TriggerState{MonitorID: ch.Key.MonitorID, EventType: ch.Key.Type, Record: ch.Record}
	s.mu.Lock()
	s.triggers[triggerKey{ch.Key.MonitorID, ch.Key.Type}] = ts
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventTriggerChanged, Data: ts})
}

// RecordDetection keeps the latest raw detection per monitor.
func (s *Store) RecordDetection(d stream.Detection) {
	s.mu.Lock()
	s.detections[d.MonitorID] = d
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventDetection, Data: d})
}
