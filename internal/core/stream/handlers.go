package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/transport"
	"github.com/trymwestin/shinobi/internal/core/trigger"
	"github.com/trymwestin/shinobi/internal/metrics"
)

// Log entry that marks the user socket as ready for subscriptions.
const (
	readyMonitorID = "$USER"
	readyLogType   = "Websocket Connected"
)

var errServerDisconnect = errors.New("server closed the namespace")

type eventHandler struct {
	name string
	fn   func(c *Client, ctx context.Context, conn transport.Conn, sess api.Session, data json.RawMessage) error
}

var eventHandlers = [...]eventHandler{
	eventLog:             {"log", (*Client).handleLog},
	eventDetectorTrigger: {"detector_trigger", (*Client).handleDetectorTrigger},
	eventMonitorStatus:   {"monitor_status", (*Client).handleMonitorStatus},
}

// handleFrame processes one inbound frame. A returned error ends the
// connection; handler failures are logged and swallowed.
func (c *Client) handleFrame(ctx context.Context, conn transport.Conn, sess api.Session, text string) error {
	fr := ParseFrame(text)
	metrics.StreamFrames.WithLabelValues(fr.Kind.String()).Inc()

	switch fr.Kind {
	case FrameOpen:
		c.log.Debug("socket opened", "handshake", fr.Payload)
		if sess.SocketProtocolVersion == api.SocketProtocolV4 {
			// v4 servers wait for the client's namespace connect.
			return c.send(ctx, conn, "40")
		}
	case FramePing:
		return c.send(ctx, conn, "3")
	case FramePong:
	case FrameConnect:
		return c.sendInit(ctx, conn, sess)
	case FrameDisconnect:
		return errServerDisconnect
	case FrameEvent:
		c.dispatch(ctx, conn, sess, text, fr.Payload)
	default:
		c.log.Debug("ignoring frame", "frame", truncate(text))
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, conn transport.Conn, sess api.Session, text, payload string) {
	act, err := DecodeAction(payload)
	if err != nil {
		metrics.StreamParseErrors.Inc()
		c.log.Warn("dropping unparsable frame", "frame", truncate(text), "error", err)
		return
	}

	switch act.Name {
	case actionF:
		var hdr eventHeader
		if err := json.Unmarshal(act.Data, &hdr); err != nil {
			metrics.StreamParseErrors.Inc()
			c.log.Warn("dropping event without name", "frame", truncate(text), "error", err)
			return
		}
		kind := parseEventKind(hdr.F)
		if kind == eventUnknown {
			c.log.Debug("ignoring event", "event", hdr.F)
			return
		}
		h := eventHandlers[kind]
		if err := h.fn(c, ctx, conn, sess, act.Data); err != nil {
			c.log.Error("event handler failed", "handler", h.name, "frame", truncate(text), "error", err)
		}
	case actionPing:
		frame, err := EncodeAction(actionPong, act.Data)
		if err == nil {
			err = c.send(ctx, conn, frame)
		}
		if err != nil {
			c.log.Warn("pong failed", "error", err)
		}
	default:
		c.log.Debug("ignoring action", "action", act.Name)
	}
}

func (c *Client) sendInit(ctx context.Context, conn transport.Conn, sess api.Session) error {
	frame, err := EncodeAction(actionF, initRequest{
		Auth:    sess.APIKey,
		F:       "init",
		GroupID: sess.GroupID,
		UserID:  sess.UserID,
	})
	if err != nil {
		return err
	}
	c.log.Debug("sending init", "group_id", sess.GroupID)
	return c.send(ctx, conn, frame)
}

func (c *Client) sendWatch(ctx context.Context, conn transport.Conn, sess api.Session, monitorID string) error {
	frame, err := EncodeAction(actionF, watchRequest{
		Auth:      sess.APIKey,
		F:         "monitor",
		FF:        "watch_on",
		MonitorID: monitorID,
		GroupID:   sess.GroupID,
		UserID:    sess.UserID,
	})
	if err != nil {
		return err
	}
	c.log.Debug("watching monitor", "monitor_id", monitorID)
	return c.send(ctx, conn, frame)
}

// handleLog reacts to the ready signal by subscribing every known monitor,
// once per connection. Other log entries are only traced.
func (c *Client) handleLog(ctx context.Context, conn transport.Conn, sess api.Session, data json.RawMessage) error {
	var ev logEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode log: %w", err)
	}
	if string(ev.MonitorID) != readyMonitorID || ev.Log.Type != readyLogType {
		c.log.Debug("server log", "monitor_id", string(ev.MonitorID), "type", ev.Log.Type)
		return nil
	}

	c.mu.Lock()
	if !c.awaitingReady {
		c.mu.Unlock()
		return nil
	}
	c.awaitingReady = false
	var ids []string
	for _, id := range c.monitorIDs {
		if !c.watched[id] {
			c.watched[id] = true
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	c.log.Info("stream ready, subscribing monitors", "monitors", len(ids))
	for _, id := range ids {
		if err := c.sendWatch(ctx, conn, sess, id); err != nil {
			return err
		}
	}
	return nil
}

// handleDetectorTrigger emits the generic detection event and feeds motion
// and sound reasons to the trigger engine.
func (c *Client) handleDetectorTrigger(ctx context.Context, _ transport.Conn, _ api.Session, data json.RawMessage) error {
	var ev detectorTriggerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode detector_trigger: %w", err)
	}
	monitorID := firstNonEmpty(ev.ID, ev.MonitorID)
	if monitorID == "" {
		return fmt.Errorf("detector_trigger without monitor id")
	}
	reason := strings.TrimSpace(ev.Details.Reason)
	if reason == "" {
		reason = "unknown"
	}

	det := Detection{
		Name:        "shinobi." + reason,
		MonitorID:   monitorID,
		GroupID:     string(ev.GroupID),
		Reason:      reason,
		PlugName:    ev.Details.Plug,
		TriggerName: ev.Details.Name,
		At:          c.now(),
	}
	metrics.Detections.WithLabelValues(reason).Inc()
	if c.cb.Detection != nil {
		c.cb.Detection(det)
	}

	typ, ok := trigger.ParseReason(reason)
	if !ok || c.triggers == nil {
		return nil
	}
	return c.triggers.Trigger(ctx, trigger.Event{
		MonitorID:   monitorID,
		Type:        typ,
		Reason:      reason,
		PlugName:    det.PlugName,
		TriggerName: det.TriggerName,
		At:          det.At,
	})
}

func (c *Client) handleMonitorStatus(_ context.Context, _ transport.Conn, _ api.Session, data json.RawMessage) error {
	var ev monitorStatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode monitor_status: %w", err)
	}
	monitorID := firstNonEmpty(ev.ID, ev.MonitorID)
	if monitorID == "" {
		return fmt.Errorf("monitor_status without monitor id")
	}
	code, err := strconv.Atoi(string(ev.Code))
	if err != nil {
		code = -1
	}
	if c.cb.MonitorStatus != nil {
		c.cb.MonitorStatus(MonitorStatus{
			MonitorID: monitorID,
			GroupID:   string(ev.GroupID),
			Code:      code,
			Status:    ev.Status,
		})
	}
	return nil
}

func truncate(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
