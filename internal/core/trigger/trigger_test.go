package trigger

import (
	"context"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTable() *Table {
	return NewTable(map[EventType]time.Duration{
		Motion: 20 * time.Second,
		Sound:  10 * time.Second,
	})
}

func TestParseReason(t *testing.T) {
	tests := []struct {
		reason string
		want   EventType
		ok     bool
	}{
		{"motion", Motion, true},
		{"Motion", Motion, true},
		{"audio", Sound, true},
		{"sound", Sound, true},
		{"face", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseReason(tt.reason)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseReason(%q) = %q, %v; want %q, %v", tt.reason, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTableEdgeTriggered(t *testing.T) {
	tbl := newTestTable()
	key := Key{MonitorID: "m1", Type: Motion}

	ch, ok := tbl.Trigger(Event{MonitorID: "m1", Type: Motion, Reason: "motion", PlugName: "built-in", At: base})
	if !ok {
		t.Fatal("first trigger should produce an edge")
	}
	if !ch.Record.IsOn || ch.Key != key {
		t.Fatalf("unexpected change %+v", ch)
	}

	// Re-trigger inside the window refreshes the timestamp without an edge.
	if _, ok := tbl.Trigger(Event{MonitorID: "m1", Type: Motion, Reason: "motion", At: base.Add(15 * time.Second)}); ok {
		t.Error("re-trigger while on should not produce an edge")
	}
	rec := tbl.records[key]
	if !rec.Timestamp.Equal(base.Add(15 * time.Second)) {
		t.Errorf("timestamp = %v, want refreshed", rec.Timestamp)
	}

	// The refreshed timestamp keeps the sensor on past the original window.
	if changes := tbl.Sweep(base.Add(25 * time.Second)); len(changes) != 0 {
		t.Errorf("sweep before refreshed window elapsed produced %d changes", len(changes))
	}

	changes := tbl.Sweep(base.Add(35 * time.Second))
	if len(changes) != 1 {
		t.Fatalf("expected exactly one off edge, got %d", len(changes))
	}
	if changes[0].Record.IsOn {
		t.Error("sweep edge should be off")
	}
	if !changes[0].Record.Timestamp.Equal(base.Add(35 * time.Second)) {
		t.Error("sweep should stamp the off time")
	}

	if changes := tbl.Sweep(base.Add(60 * time.Second)); len(changes) != 0 {
		t.Errorf("subsequent sweeps should be silent, got %d", len(changes))
	}
}

func TestTableIndependentWindows(t *testing.T) {
	tbl := newTestTable()
	tbl.Trigger(Event{MonitorID: "m1", Type: Motion, At: base})
	tbl.Trigger(Event{MonitorID: "m1", Type: Sound, At: base})
	tbl.Trigger(Event{MonitorID: "m2", Type: Sound, At: base})

	changes := tbl.Sweep(base.Add(10 * time.Second))
	if len(changes) != 2 {
		t.Fatalf("expected both sound records to expire, got %d changes", len(changes))
	}
	if changes[0].Key.MonitorID != "m1" || changes[1].Key.MonitorID != "m2" {
		t.Errorf("changes not ordered by monitor: %+v", changes)
	}
	rec := tbl.records[Key{MonitorID: "m1", Type: Motion}]
	if !rec.IsOn {
		t.Error("motion should still be on")
	}
}

func TestTableIgnoresUnknownType(t *testing.T) {
	tbl := NewTable(map[EventType]time.Duration{Motion: time.Second})
	if _, ok := tbl.Trigger(Event{MonitorID: "m1", Type: Sound, At: base}); ok {
		t.Error("trigger of unconfigured type should be ignored")
	}
	if len(tbl.records) != 0 {
		t.Error("no record should be created")
	}
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
	notify  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{notify: make(chan struct{}, 16)}
}

func (r *changeRecorder) record(ch Change) {
	r.mu.Lock()
	r.changes = append(r.changes, ch)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *changeRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func TestEngineAutoOff(t *testing.T) {
	rec := newChangeRecorder()
	eng := NewEngine(EngineOptions{
		Durations:     map[EventType]time.Duration{Motion: 200 * time.Millisecond},
		SweepInterval: 10 * time.Millisecond,
		OnChange:      rec.record,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	if err := eng.Trigger(ctx, Event{MonitorID: "m1", Type: Motion, Reason: "motion"}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	rec.wait(t)
	if err := eng.Trigger(ctx, Event{MonitorID: "m1", Type: Motion, Reason: "motion"}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	rec.wait(t)

	if rec.count() != 2 {
		t.Fatalf("expected on and off edges only, got %d", rec.count())
	}
	rec.mu.Lock()
	first, second := rec.changes[0], rec.changes[1]
	rec.mu.Unlock()
	if !first.Record.IsOn || second.Record.IsOn {
		t.Errorf("edges = %v then %v, want on then off", first.Record.IsOn, second.Record.IsOn)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestEngineRejectsSecondRun(t *testing.T) {
	eng := NewEngine(EngineOptions{Durations: map[EventType]time.Duration{Motion: time.Second}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for !eng.running.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := eng.Run(ctx); err == nil {
		t.Error("second Run should fail")
	}
}
