package stream

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/trymwestin/shinobi/internal/core/status"
)

// FrameKind is the engine.io/socket.io packet type of a text frame.
type FrameKind int

const (
	FrameUnknown    FrameKind = iota
	FrameOpen                 // "0"
	FramePing                 // "2"
	FramePong                 // "3"
	FrameConnect              // "40"
	FrameDisconnect           // "41"
	FrameEvent                // "42<json>"
)

var frameKindNames = [...]string{
	FrameUnknown:    "unknown",
	FrameOpen:       "open",
	FramePing:       "ping",
	FramePong:       "pong",
	FrameConnect:    "connect",
	FrameDisconnect: "disconnect",
	FrameEvent:      "event",
}

func (k FrameKind) String() string {
	if k < 0 || int(k) >= len(frameKindNames) {
		return "unknown"
	}
	return frameKindNames[k]
}

// Prefixes are matched in order; the two-character ones come first.
var framePrefixes = []struct {
	prefix string
	kind   FrameKind
}{
	{"42", FrameEvent},
	{"40", FrameConnect},
	{"41", FrameDisconnect},
	{"0", FrameOpen},
	{"2", FramePing},
	{"3", FramePong},
}

// Frame is a classified inbound text frame.
type Frame struct {
	Kind    FrameKind
	Payload string
}

// ParseFrame classifies text by its numeric prefix.
func ParseFrame(text string) Frame {
	for _, p := range framePrefixes {
		if strings.HasPrefix(text, p.prefix) {
			return Frame{Kind: p.kind, Payload: text[len(p.prefix):]}
		}
	}
	return Frame{Kind: FrameUnknown, Payload: text}
}

// The server emits a few known invalid JSON shapes. The substitutions are
// applied in order.
var jsonRepairs = []struct{ from, to string }{
	{`":,"`, `": null,"`},
	{`":.`, `": 0.`},
}

func repairJSON(s string) string {
	for _, r := range jsonRepairs {
		s = strings.ReplaceAll(s, r.from, r.to)
	}
	return s
}

// Action names.
const (
	actionF    = "f"
	actionPing = "ping"
	actionPong = "pong"
)

// Action is a decoded "42" payload: [name, data].
type Action struct {
	Name string
	Data json.RawMessage
}

// DecodeAction repairs and decodes an event frame payload.
func DecodeAction(payload string) (Action, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(repairJSON(payload)), &parts); err != nil {
		return Action{}, fmt.Errorf("stream: decode action: %w: %v", status.ErrParse, err)
	}
	if len(parts) == 0 {
		return Action{}, fmt.Errorf("stream: decode action: %w: empty array", status.ErrParse)
	}
	var act Action
	if err := json.Unmarshal(parts[0], &act.Name); err != nil {
		return Action{}, fmt.Errorf("stream: decode action name: %w: %v", status.ErrParse, err)
	}
	if len(parts) > 1 {
		act.Data = parts[1]
	}
	return act, nil
}

// EncodeAction renders an outbound event frame.
func EncodeAction(name string, data any) (string, error) {
	b, err := json.Marshal([]any{name, data})
	if err != nil {
		return "", fmt.Errorf("stream: encode action %s: %w", name, err)
	}
	return "42" + string(b), nil
}

// initRequest and watchRequest are sent as "f" actions. Field order is
// the order the server's own client uses.
type initRequest struct {
	Auth    string `json:"auth"`
	F       string `json:"f"`
	GroupID string `json:"ke"`
	UserID  string `json:"uid"`
}

type watchRequest struct {
	Auth      string `json:"auth"`
	F         string `json:"f"`
	FF        string `json:"ff"`
	MonitorID string `json:"id"`
	GroupID   string `json:"ke"`
	UserID    string `json:"uid"`
}

// eventKind is the closed set of "f" event names the client handles.
type eventKind int

const (
	eventUnknown eventKind = iota
	eventLog
	eventDetectorTrigger
	eventMonitorStatus
)

func parseEventKind(name string) eventKind {
	switch name {
	case "log":
		return eventLog
	case "detector_trigger":
		return eventDetectorTrigger
	case "monitor_status":
		return eventMonitorStatus
	}
	return eventUnknown
}

// idString accepts JSON strings and numbers.
type idString string

func (s *idString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = idString(str)
		return nil
	}
	*s = idString(strings.TrimSpace(string(b)))
	return nil
}

type eventHeader struct {
	F string `json:"f"`
}

type logEvent struct {
	MonitorID idString `json:"mid"`
	GroupID   idString `json:"ke"`
	Log       struct {
		Type string `json:"type"`
		Msg  any    `json:"msg"`
	} `json:"log"`
}

type detectorTriggerEvent struct {
	ID        idString `json:"id"`
	MonitorID idString `json:"mid"`
	GroupID   idString `json:"ke"`
	Details   struct {
		Plug   string `json:"plug"`
		Name   string `json:"name"`
		Reason string `json:"reason"`
	} `json:"details"`
}

type monitorStatusEvent struct {
	ID        idString `json:"id"`
	MonitorID idString `json:"mid"`
	GroupID   idString `json:"ke"`
	Code      idString `json:"code"`
	Status    string   `json:"status"`
}

func firstNonEmpty(vals ...idString) string {
	for _, v := range vals {
		if v != "" {
			return string(v)
		}
	}
	return ""
}
