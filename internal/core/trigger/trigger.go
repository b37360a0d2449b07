// Package trigger turns detector push events into binary sensor state with
// a per-type auto-off window. A Table holds the state; an Engine owns one
// Table from a single goroutine and applies triggers and sweeps in order.
package trigger

import (
	"sort"
	"strings"
	"time"
)

// EventType identifies a debounced sensor class.
type EventType string

const (
	Motion EventType = "motion"
	Sound  EventType = "sound"
)

// EventTypes lists every debounced sensor class.
var EventTypes = []EventType{Motion, Sound}

// ParseReason maps a detector trigger reason to a sensor class.
func ParseReason(reason string) (EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "motion":
		return Motion, true
	case "audio", "sound":
		return Sound, true
	}
	return "", false
}

// Key addresses one trigger record.
type Key struct {
	MonitorID string    `json:"monitor_id"`
	Type      EventType `json:"event_type"`
}

// Record is the debounced state of one (monitor, event type) pair.
type Record struct {
	IsOn        bool      `json:"is_on"`
	Reason      string    `json:"reason,omitempty"`
	PlugName    string    `json:"plug_name,omitempty"`
	TriggerName string    `json:"trigger_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is a raw detector trigger.
type Event struct {
	MonitorID   string
	Type        EventType
	Reason      string
	PlugName    string
	TriggerName string
	At          time.Time
}

// Change is an edge transition of one record.
type Change struct {
	Key    Key    `json:"key"`
	Record Record `json:"record"`
}

// Table is the trigger state map. It is not safe for concurrent use.
type Table struct {
	records   map[Key]Record
	durations map[EventType]time.Duration
}

// NewTable creates a table with the given auto-off windows. Event types
// without a window are ignored by Trigger.
func NewTable(durations map[EventType]time.Duration) *Table {
	d := make(map[EventType]time.Duration, len(durations))
	for k, v := range durations {
		d[k] = v
	}
	return &Table{records: make(map[Key]Record), durations: d}
}

// Trigger records a detection. The timestamp and metadata are always
// refreshed; a Change is returned only on an off→on edge.
func (t *Table) Trigger(ev Event) (Change, bool) {
	if _, ok := t.durations[ev.Type]; !ok {
		return Change{}, false
	}
	key := Key{MonitorID: ev.MonitorID, Type: ev.Type}
	prev := t.records[key]
	rec := Record{
		IsOn:        true,
		Reason:      ev.Reason,
		PlugName:    ev.PlugName,
		TriggerName: ev.TriggerName,
		Timestamp:   ev.At,
	}
	t.records[key] = rec
	if prev.IsOn {
		return Change{}, false
	}
	return Change{Key: key, Record: rec}, true
}

// Sweep turns off every record whose window has elapsed at now and returns
// the resulting on→off edges.
func (t *Table) Sweep(now time.Time) []Change {
	var changes []Change
	for key, rec := range t.records {
		if !rec.IsOn {
			continue
		}
		if now.Sub(rec.Timestamp) < t.durations[key.Type] {
			continue
		}
		rec.IsOn = false
		rec.Timestamp = now
		t.records[key] = rec
		changes = append(changes, Change{Key: key, Record: rec})
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Key.MonitorID != changes[j].Key.MonitorID {
			return changes[i].Key.MonitorID < changes[j].Key.MonitorID
		}
		return changes[i].Key.Type < changes[j].Key.Type
	})
	return changes
}
