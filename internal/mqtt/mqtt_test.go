package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/state"
	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/core/stream"
	"github.com/trymwestin/shinobi/internal/core/trigger"
)

type fakeToken struct{ err error }

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{}          { return closed }
func (t fakeToken) Error() error                   { return t.err }

type published struct {
	payload  string
	retained bool
}

// fakeClient records publishes and subscriptions.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	published  map[string]published
	subs       map[string]pahomqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{published: map[string]published{}, subs: map[string]pahomqtt.MessageHandler{}}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return fakeToken{err: c.connectErr}
	}
	c.connected = true
	return fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = published{payload: payload.(string), retained: retained}
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}

func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token { return fakeToken{} }

func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (c *fakeClient) get(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.published[topic]
	return p, ok
}

func (c *fakeClient) handler(topic string) pahomqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

type fakeMessage struct {
	topic   string
	payload string
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m fakeMessage) Ack()              {}

type call struct {
	op, id string
	arg    any
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeCommander) record(op, id string, arg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op, id, arg})
	return f.err
}

func (f *fakeCommander) SetMonitorMode(_ context.Context, id string, mode api.MonitorMode) error {
	return f.record("mode", id, mode)
}

func (f *fakeCommander) SetMotionDetection(_ context.Context, id string, enabled bool) error {
	return f.record("motion", id, enabled)
}

func (f *fakeCommander) SetSoundDetection(_ context.Context, id string, enabled bool) error {
	return f.record("sound", id, enabled)
}

func (f *fakeCommander) RepairMonitor(_ context.Context, id string) (api.RepairResult, error) {
	return api.RepairResult{Outcome: api.RepairRecovered, Attempts: 1}, f.record("repair", id, nil)
}

func (f *fakeCommander) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestPublisher(t *testing.T) (*HAPublisher, *fakeClient, *fakeCommander, *state.Store) {
	t.Helper()
	bus := state.NewEventBus(discard)
	store := state.NewStore(bus, discard)
	cmd := &fakeCommander{}
	client := newFakeClient()
	p := NewHAPublisher(Config{Broker: "tcp://broker:1883", DeviceID: "nvr"}, cmd, store, bus, discard)
	p.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return client }
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	t.Cleanup(func() { p.Stop(context.Background()) })
	// The connect handler is not invoked by the fake client.
	p.onConnect()
	return p, client, cmd, store
}

func waitPublished(t *testing.T, c *fakeClient, topic, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, ok := c.get(topic)
		if ok && got.payload == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s = %q (published=%v), want %q", topic, got.payload, ok, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartFailsWhenBrokerUnreachable(t *testing.T) {
	bus := state.NewEventBus(discard)
	client := newFakeClient()
	client.connectErr = errors.New("connection refused")
	p := NewHAPublisher(Config{Broker: "tcp://nowhere:1883"}, &fakeCommander{}, state.NewStore(bus, discard), bus, discard)
	p.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return client }
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded against a failing broker")
	}
}

func TestOnConnectPublishesServerEntities(t *testing.T) {
	_, client, _, _ := newTestPublisher(t)

	waitPublished(t, client, "shinobi/nvr/status", "online")
	waitPublished(t, client, "shinobi/nvr/connection/state", "OFF")
	waitPublished(t, client, "shinobi/nvr/api/status", "not_connected")
	waitPublished(t, client, "shinobi/nvr/stream/status", "disconnected")

	cfg, ok := client.get("homeassistant/binary_sensor/nvr_connection/config")
	if !ok || !cfg.retained {
		t.Fatal("connection discovery not published retained")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(cfg.payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["device_class"] != "connectivity" || payload["state_topic"] != "shinobi/nvr/connection/state" {
		t.Errorf("connection discovery = %v", payload)
	}
	for _, topic := range []string{
		"shinobi/nvr/monitors/+/mode/set",
		"shinobi/nvr/monitors/+/motion_detection/set",
		"shinobi/nvr/monitors/+/sound_detection/set",
		"shinobi/nvr/monitors/+/repair/press",
		"homeassistant/status",
	} {
		if client.handler(topic) == nil {
			t.Errorf("no subscription on %s", topic)
		}
	}
}

func TestMonitorEventsPublishEntities(t *testing.T) {
	_, client, _, store := newTestPublisher(t)

	store.UpsertMonitor(api.Monitor{ID: "m1", Name: "Porch", Mode: api.ModeRecord, Status: "Recording", HasMotionDetector: true})

	waitPublished(t, client, "shinobi/nvr/monitors/m1/mode/state", "record")
	waitPublished(t, client, "shinobi/nvr/monitors/m1/status", "Recording")
	waitPublished(t, client, "shinobi/nvr/monitors/m1/motion_detection/state", "ON")
	waitPublished(t, client, "shinobi/nvr/monitors/m1/sound_detection/state", "OFF")

	for _, topic := range []string{
		"homeassistant/binary_sensor/nvr_m1_motion/config",
		"homeassistant/binary_sensor/nvr_m1_sound/config",
		"homeassistant/select/nvr_m1_mode/config",
		"homeassistant/switch/nvr_m1_motion_detection/config",
		"homeassistant/switch/nvr_m1_sound_detection/config",
		"homeassistant/button/nvr_m1_repair/config",
		"homeassistant/sensor/nvr_m1_status/config",
	} {
		if _, ok := client.get(topic); !ok {
			t.Errorf("discovery %s not published", topic)
		}
	}
	sel, _ := client.get("homeassistant/select/nvr_m1_mode/config")
	var payload struct {
		Device struct {
			Name      string `json:"name"`
			ViaDevice string `json:"via_device"`
		} `json:"device"`
		Options []string `json:"options"`
	}
	if err := json.Unmarshal([]byte(sel.payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Device.Name != "Porch" || payload.Device.ViaDevice != "nvr" || len(payload.Options) != 3 {
		t.Errorf("select discovery = %+v", payload)
	}

	store.ApplyMonitorStatus(stream.MonitorStatus{MonitorID: "m1", Code: 5, Status: "Died"})
	waitPublished(t, client, "shinobi/nvr/monitors/m1/status", "Died")
}

func TestTriggerAndStatusEvents(t *testing.T) {
	_, client, _, store := newTestPublisher(t)

	store.ApplyTrigger(trigger.Change{Key: trigger.Key{MonitorID: "m1", Type: trigger.Motion}, Record: trigger.Record{IsOn: true}})
	waitPublished(t, client, "shinobi/nvr/monitors/m1/motion/state", "ON")
	store.ApplyTrigger(trigger.Change{Key: trigger.Key{MonitorID: "m1", Type: trigger.Motion}, Record: trigger.Record{IsOn: false}})
	waitPublished(t, client, "shinobi/nvr/monitors/m1/motion/state", "OFF")

	store.SetStatus(state.ClientAPI, status.Connected)
	waitPublished(t, client, "shinobi/nvr/connection/state", "ON")
	waitPublished(t, client, "shinobi/nvr/api/status", "connected")
	store.SetStatus(state.ClientStream, status.Failed)
	waitPublished(t, client, "shinobi/nvr/stream/status", "failed")

	store.RecordDetection(stream.Detection{Name: "shinobi.face", MonitorID: "m1", Reason: "face"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := client.get("shinobi/nvr/monitors/m1/detection"); ok {
			if got.retained {
				t.Error("detection published retained")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("detection not published")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandsRouteToCommander(t *testing.T) {
	p, client, cmd, _ := newTestPublisher(t)

	client.handler("shinobi/nvr/monitors/+/mode/set")(client, fakeMessage{"shinobi/nvr/monitors/m1/mode/set", "start"})
	client.handler("shinobi/nvr/monitors/+/mode/set")(client, fakeMessage{"shinobi/nvr/monitors/m1/mode/set", "bogus"})
	client.handler("shinobi/nvr/monitors/+/motion_detection/set")(client, fakeMessage{"shinobi/nvr/monitors/m2/motion_detection/set", "ON"})
	client.handler("shinobi/nvr/monitors/+/sound_detection/set")(client, fakeMessage{"shinobi/nvr/monitors/m2/sound_detection/set", "off"})
	client.handler("shinobi/nvr/monitors/+/repair/press")(client, fakeMessage{"shinobi/nvr/monitors/m3/repair/press", "PRESS"})
	p.wg.Wait()

	calls := cmd.snapshot()
	want := []call{
		{"mode", "m1", api.ModeStart},
		{"motion", "m2", true},
		{"sound", "m2", false},
		{"repair", "m3", nil},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestMonitorIDFromTopic(t *testing.T) {
	p := NewHAPublisher(Config{DeviceID: "nvr"}, nil, nil, nil, discard)
	tests := []struct {
		topic string
		id    string
		ok    bool
	}{
		{"shinobi/nvr/monitors/abc/mode/set", "abc", true},
		{"shinobi/nvr/monitors//mode/set", "", false},
		{"shinobi/other/monitors/abc/mode/set", "", false},
		{"shinobi/nvr/monitors/abc", "", false},
	}
	for _, tt := range tests {
		id, ok := p.monitorID(tt.topic)
		if id != tt.id || ok != tt.ok {
			t.Errorf("monitorID(%q) = %q, %v, want %q, %v", tt.topic, id, ok, tt.id, tt.ok)
		}
	}
}

func TestStopPublishesOffline(t *testing.T) {
	p, client, _, _ := newTestPublisher(t)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, _ := client.get("shinobi/nvr/status"); got.payload != "offline" {
		t.Errorf("status = %q, want offline", got.payload)
	}
	if client.IsConnected() {
		t.Error("client still connected")
	}
}

func TestRepairIgnoredAfterStop(t *testing.T) {
	p, client, cmd, _ := newTestPublisher(t)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	client.handler("shinobi/nvr/monitors/+/repair/press")(client, fakeMessage{"shinobi/nvr/monitors/m1/repair/press", "PRESS"})
	p.wg.Wait()
	if calls := cmd.snapshot(); len(calls) != 0 {
		t.Errorf("calls after stop = %+v, want none", calls)
	}
}
