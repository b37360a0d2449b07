// Package mqtt publishes the video server to Home Assistant over MQTT. The
// HAPublisher announces one device per monitor through auto-discovery,
// mirrors state changes from the EventBus onto state topics and relays
// command topics to the REST client.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/state"
	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/core/stream"
	"github.com/trymwestin/shinobi/internal/core/trigger"
)

// commandTimeout bounds mode and detector commands.
const commandTimeout = 10 * time.Second

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
	DeviceName  string
}

// MonitorCommander changes monitors on the server.
type MonitorCommander interface {
	SetMonitorMode(ctx context.Context, id string, mode api.MonitorMode) error
	SetMotionDetection(ctx context.Context, id string, enabled bool) error
	SetSoundDetection(ctx context.Context, id string, enabled bool) error
	RepairMonitor(ctx context.Context, id string) (api.RepairResult, error)
}

// HAPublisher publishes Home Assistant auto-discovery configs, relays
// commands to the server and forwards state updates from the EventBus.
type HAPublisher struct {
	cfg   Config
	cmd   MonitorCommander
	store state.StateReader
	bus   *state.EventBus
	log   *slog.Logger

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	client    pahomqtt.Client

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	// mu guards stopping against wg.Add from command callbacks.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, cmd MonitorCommander, store state.StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "shinobi"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "shinobi"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Shinobi"
	}
	return &HAPublisher{
		cfg:       cfg,
		cmd:       cmd,
		store:     store,
		bus:       bus,
		log:       log.With("component", "mqtt"),
		newClient: pahomqtt.NewClient,
	}
}

// Serve runs the publisher until ctx is cancelled.
func (p *HAPublisher) Serve(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop(context.Background())
}

func (p *HAPublisher) String() string {
	return "mqtt(" + p.cfg.Broker + ")"
}

// Start connects to the broker and starts listening on the EventBus.
// Discovery and the state snapshot are published from the connect handler,
// on every (re)connect.
func (p *HAPublisher) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("shinobi-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = p.newClient(opts)
	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		p.cancel()
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	p.listen()
	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

func (p *HAPublisher) listen() {
	evtCh, unsub := p.bus.Subscribe(256)
	p.unsub = unsub

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for evt := range evtCh {
			p.handleEvent(evt)
		}
	}()
}

// Stop publishes offline, disconnects and waits for in-flight commands.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

func (p *HAPublisher) onConnect() {
	p.publish(p.topic("status"), "online", true)
	p.publishDiscovery()
	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// --- Discovery ---

func (p *HAPublisher) serverDevice() map[string]any {
	return map[string]any{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         p.cfg.DeviceName,
		"manufacturer": "Shinobi Systems",
		"model":        "Shinobi NVR",
	}
}

func (p *HAPublisher) monitorDevice(m api.Monitor) map[string]any {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return map[string]any{
		"identifiers":  []string{p.objectID(m.ID)},
		"name":         name,
		"manufacturer": "Shinobi Systems",
		"model":        "Monitor",
		"via_device":   p.cfg.DeviceID,
	}
}

func (p *HAPublisher) objectID(parts ...string) string {
	return p.cfg.DeviceID + "_" + strings.Join(parts, "_")
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/config", component, objectID)
}

func (p *HAPublisher) publishDiscovery() {
	dev := p.serverDevice()
	avail := map[string]any{"topic": p.topic("status")}

	p.publishDiscoveryConfig("binary_sensor", p.objectID("connection"), map[string]any{
		"name":         "Connection",
		"unique_id":    p.objectID("connection"),
		"state_topic":  p.topic("connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})
	for _, client := range []string{state.ClientAPI, state.ClientStream} {
		p.publishDiscoveryConfig("sensor", p.objectID(client, "status"), map[string]any{
			"name":            strings.ToUpper(client[:1]) + client[1:] + " status",
			"unique_id":       p.objectID(client, "status"),
			"state_topic":     p.topic(client + "/status"),
			"entity_category": "diagnostic",
			"device":          dev,
			"availability":    avail,
		})
	}

	for _, m := range p.store.Snapshot().Monitors {
		p.publishMonitorDiscovery(m)
	}
}

func (p *HAPublisher) publishMonitorDiscovery(m api.Monitor) {
	dev := p.monitorDevice(m)
	avail := map[string]any{"topic": p.topic("status")}
	mid := m.ID

	for _, typ := range trigger.EventTypes {
		p.publishDiscoveryConfig("binary_sensor", p.objectID(mid, string(typ)), map[string]any{
			"name":         strings.ToUpper(string(typ)[:1]) + string(typ)[1:],
			"unique_id":    p.objectID(mid, string(typ)),
			"state_topic":  p.monitorTopic(mid, string(typ)+"/state"),
			"device_class": string(typ),
			"payload_on":   "ON",
			"payload_off":  "OFF",
			"device":       dev,
			"availability": avail,
		})
	}

	p.publishDiscoveryConfig("select", p.objectID(mid, "mode"), map[string]any{
		"name":          "Mode",
		"unique_id":     p.objectID(mid, "mode"),
		"state_topic":   p.monitorTopic(mid, "mode/state"),
		"command_topic": p.monitorTopic(mid, "mode/set"),
		"options":       []string{string(api.ModeStop), string(api.ModeStart), string(api.ModeRecord)},
		"device":        dev,
		"availability":  avail,
	})

	p.publishDiscoveryConfig("sensor", p.objectID(mid, "status"), map[string]any{
		"name":         "Status",
		"unique_id":    p.objectID(mid, "status"),
		"state_topic":  p.monitorTopic(mid, "status"),
		"device":       dev,
		"availability": avail,
	})

	for _, sw := range []struct{ objectID, name string }{
		{"motion_detection", "Motion detection"},
		{"sound_detection", "Sound detection"},
	} {
		p.publishDiscoveryConfig("switch", p.objectID(mid, sw.objectID), map[string]any{
			"name":          sw.name,
			"unique_id":     p.objectID(mid, sw.objectID),
			"state_topic":   p.monitorTopic(mid, sw.objectID+"/state"),
			"command_topic": p.monitorTopic(mid, sw.objectID+"/set"),
			"payload_on":    "ON",
			"payload_off":   "OFF",
			"device":        dev,
			"availability":  avail,
		})
	}

	p.publishDiscoveryConfig("button", p.objectID(mid, "repair"), map[string]any{
		"name":            "Repair",
		"unique_id":       p.objectID(mid, "repair"),
		"command_topic":   p.monitorTopic(mid, "repair/press"),
		"entity_category": "config",
		"device":          dev,
		"availability":    avail,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(discoveryTopic(component, objectID), string(data), true)
}

// --- Commands ---

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.monitorTopic("+", "mode/set"):             p.handleModeCmd,
		p.monitorTopic("+", "motion_detection/set"): p.handleMotionDetectionCmd,
		p.monitorTopic("+", "sound_detection/set"):  p.handleSoundDetectionCmd,
		p.monitorTopic("+", "repair/press"):         p.handleRepairCmd,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

// monitorID extracts the monitor id from {prefix}/{device}/monitors/{id}/...
func (p *HAPublisher) monitorID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.topic("monitors")+"/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (p *HAPublisher) handleModeCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	mid, ok := p.monitorID(msg.Topic())
	if !ok {
		return
	}
	mode, err := api.ParseMonitorMode(string(msg.Payload()))
	if err != nil {
		p.log.Error("invalid monitor mode", "monitor_id", mid, "payload", string(msg.Payload()), "error", err)
		return
	}
	p.log.Info("MQTT command: mode", "monitor_id", mid, "mode", mode)
	ctx, cancel := context.WithTimeout(p.context(), commandTimeout)
	defer cancel()
	if err := p.cmd.SetMonitorMode(ctx, mid, mode); err != nil {
		p.log.Error("failed to set monitor mode", "monitor_id", mid, "error", err)
	}
}

func (p *HAPublisher) handleMotionDetectionCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	p.handleDetectorCmd(msg, "motion_detection", p.cmd.SetMotionDetection)
}

func (p *HAPublisher) handleSoundDetectionCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	p.handleDetectorCmd(msg, "sound_detection", p.cmd.SetSoundDetection)
}

func (p *HAPublisher) handleDetectorCmd(msg pahomqtt.Message, name string, set func(context.Context, string, bool) error) {
	mid, ok := p.monitorID(msg.Topic())
	if !ok {
		return
	}
	on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
	p.log.Info("MQTT command: "+name, "monitor_id", mid, "enabled", on)
	ctx, cancel := context.WithTimeout(p.context(), commandTimeout)
	defer cancel()
	if err := set(ctx, mid, on); err != nil {
		p.log.Error("failed to set "+name, "monitor_id", mid, "error", err)
	}
}

// handleRepairCmd starts a repair cycle in the background; it can run for
// minutes.
func (p *HAPublisher) handleRepairCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	mid, ok := p.monitorID(msg.Topic())
	if !ok {
		return
	}
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.log.Warn("MQTT command ignored, publisher stopping", "command", "repair", "monitor_id", mid)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Info("MQTT command: repair", "monitor_id", mid)
	ctx := p.context()
	go func() {
		defer p.wg.Done()
		res, err := p.cmd.RepairMonitor(ctx, mid)
		if err != nil {
			p.log.Error("repair failed", "monitor_id", mid, "error", err)
			return
		}
		p.log.Info("repair finished", "monitor_id", mid, "outcome", res.Outcome, "attempts", res.Attempts)
	}()
}

func (p *HAPublisher) context() context.Context {
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

// --- State publishing ---

func (p *HAPublisher) publishFullState() {
	snap := p.store.Snapshot()

	p.publishStatus(state.ClientAPI, snap.APIStatus)
	p.publishStatus(state.ClientStream, snap.StreamStatus)
	for _, m := range snap.Monitors {
		p.publishMonitorState(m)
	}
	for _, ts := range snap.Triggers {
		p.publishTrigger(ts)
	}
}

func (p *HAPublisher) publishStatus(client string, st status.Status) {
	p.publish(p.topic(client+"/status"), st.String(), true)
	if client == state.ClientAPI {
		p.publish(p.topic("connection/state"), boolToOnOff(st == status.Connected), true)
	}
}

func (p *HAPublisher) publishMonitorState(m api.Monitor) {
	p.publish(p.monitorTopic(m.ID, "mode/state"), string(m.Mode), true)
	p.publish(p.monitorTopic(m.ID, "status"), m.Status, true)
	p.publish(p.monitorTopic(m.ID, "motion_detection/state"), boolToOnOff(m.HasMotionDetector), true)
	p.publish(p.monitorTopic(m.ID, "sound_detection/state"), boolToOnOff(m.HasAudioDetector), true)
}

func (p *HAPublisher) publishTrigger(ts state.TriggerState) {
	p.publish(p.monitorTopic(ts.MonitorID, string(ts.EventType)+"/state"), boolToOnOff(ts.IsOn), true)
}

func (p *HAPublisher) publishDetection(d stream.Detection) {
	data, err := json.Marshal(d)
	if err != nil {
		p.log.Error("failed to marshal detection", "error", err)
		return
	}
	p.publish(p.monitorTopic(d.MonitorID, "detection"), string(data), false)
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch data := evt.Data.(type) {
	case state.StatusChange:
		p.publishStatus(data.Client, data.Status)
	case api.Monitor:
		if evt.Type == state.EventMonitorDiscovered {
			p.publishMonitorDiscovery(data)
		}
		p.publishMonitorState(data)
	case stream.MonitorStatus:
		if m, ok := p.store.Monitor(data.MonitorID); ok {
			p.publishMonitorState(m)
		}
	case state.TriggerState:
		p.publishTrigger(data)
	case stream.Detection:
		p.publishDetection(data)
	case api.Session:
		p.log.Debug("server discovered", "group_id", data.GroupID)
	default:
		p.log.Warn("unexpected event data", "event_type", evt.Type)
	}
}

// --- Helpers ---

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

func (p *HAPublisher) monitorTopic(mid, suffix string) string {
	return p.topic("monitors/" + mid + "/" + suffix)
}

// publish publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
