package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Config is the connection configuration supplied by the host.
type Config struct {
	Host              string
	Port              int
	SSL               bool
	VerifySSL         bool
	Path              string
	Username          string
	Password          string
	UseOriginalStream bool
}

func (c Config) path() string {
	p := c.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// BaseURL is the REST base, always ending in "/".
func (c Config) BaseURL() string {
	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, c.path())
}

// StreamURL is the websocket base, always ending in "/".
func (c Config) StreamURL() string {
	scheme := "ws"
	if c.SSL {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, c.path())
}

// Socket.io engine protocol versions.
const (
	SocketProtocolV3 = 3
	SocketProtocolV4 = 4
)

// Session is the login state of the REST client. Copies are handed to the
// streaming client; only the REST client mutates its own.
type Session struct {
	BaseURL                 string              `json:"base_url"`
	GroupID                 string              `json:"group_id"`
	UserID                  string              `json:"user_id"`
	APIKey                  string              `json:"-"`
	SocketProtocolVersion   int                 `json:"socket_protocol_version"`
	SupportsVideoBrowserAPI bool                `json:"supports_video_browser_api"`
	RecordedDays            map[string][]string `json:"recorded_days,omitempty"`
}

// Valid reports whether the session carries an api key.
func (s Session) Valid() bool {
	return s.APIKey != "" && s.GroupID != ""
}

// Clone deep-copies the session.
func (s Session) Clone() Session {
	cp := s
	if s.RecordedDays != nil {
		cp.RecordedDays = make(map[string][]string, len(s.RecordedDays))
		for k, v := range s.RecordedDays {
			cp.RecordedDays[k] = append([]string(nil), v...)
		}
	}
	return cp
}

// MonitorMode is the configured operating mode of a monitor.
type MonitorMode string

const (
	ModeStop   MonitorMode = "stop"
	ModeStart  MonitorMode = "start"
	ModeRecord MonitorMode = "record"
)

// ParseMonitorMode validates a mode string.
func ParseMonitorMode(s string) (MonitorMode, error) {
	switch m := MonitorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStop, ModeStart, ModeRecord:
		return m, nil
	}
	return "", fmt.Errorf("api: unknown monitor mode %q", s)
}

// Monitor status codes reported by the server.
const (
	StatusCodeStopped    = 0
	StatusCodeStarting   = 1
	StatusCodeWatching   = 2
	StatusCodeRecording  = 3
	StatusCodeRestarting = 4
	StatusCodeDied       = 5
)

var statusCodeNames = map[int]string{
	StatusCodeStopped:    "Stopped",
	StatusCodeStarting:   "Starting",
	StatusCodeWatching:   "Watching",
	StatusCodeRecording:  "Recording",
	StatusCodeRestarting: "Restarting",
	StatusCodeDied:       "Died",
}

// StatusCodeName is the display name of a monitor status code, or "" when
// the code is unknown.
func StatusCodeName(code int) string {
	return statusCodeNames[code]
}

// Monitor is a camera channel as last polled from the server.
type Monitor struct {
	ID                string      `json:"id"`
	GroupID           string      `json:"group_id"`
	Name              string      `json:"name"`
	Mode              MonitorMode `json:"mode"`
	Status            string      `json:"status"`
	StatusCode        int         `json:"status_code"`
	FPS               float64     `json:"fps"`
	HasAudio          bool        `json:"has_audio"`
	HasAudioDetector  bool        `json:"has_audio_detector"`
	HasMotionDetector bool        `json:"has_motion_detector"`
	SnapshotPath      string      `json:"snapshot_path"`
	StreamPaths       []string    `json:"stream_paths"`
	OriginalStreamURL string      `json:"original_stream_url,omitempty"`
}

// Disabled reports a stopped monitor.
func (m Monitor) Disabled() bool {
	return m.Mode == ModeStop
}

// IsRecording reports whether the server says the monitor is recording.
func (m Monitor) IsRecording() bool {
	return m.StatusCode == StatusCodeRecording || strings.EqualFold(m.Status, "recording")
}

// ShouldRepair reports a monitor configured to record that is not recording.
func (m Monitor) ShouldRepair() bool {
	return m.Mode == ModeRecord && !m.IsRecording()
}

// StreamURL picks the stream to expose: the camera's original source when
// requested and known, otherwise the first server stream.
func (m Monitor) StreamURL(baseURL string, useOriginal bool) string {
	if useOriginal && m.OriginalStreamURL != "" {
		return m.OriginalStreamURL
	}
	if len(m.StreamPaths) == 0 {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(m.StreamPaths[0], "/")
}

// VideoRecord is one recording listed by the server.
type VideoRecord struct {
	MonitorID string    `json:"monitor_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ActionURL string    `json:"action_url"`
	MimeType  string    `json:"mime_type"`
}

// flexString accepts JSON strings, numbers and booleans.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

func (f flexString) int() int {
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return -1
	}
	return n
}

func (f flexString) float() float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(string(f)), 64)
	return v
}

func (f flexString) bool() bool {
	switch strings.ToLower(strings.TrimSpace(string(f))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// MonitorDetails is the typed view of the JSON-in-JSON details blob.
type MonitorDetails struct {
	Detector        flexString `json:"detector"`
	DetectorAudio   flexString `json:"detector_audio"`
	StreamAudioCode flexString `json:"stream_acodec"`
	AuthUser        flexString `json:"muser"`
	AuthPass        flexString `json:"mpass"`
}

// rawMonitor is a monitor exactly as the server encodes it.
type rawMonitor struct {
	MID      flexString   `json:"mid"`
	KE       flexString   `json:"ke"`
	Name     flexString   `json:"name"`
	Mode     flexString   `json:"mode"`
	Status   flexString   `json:"status"`
	Code     flexString   `json:"code"`
	FPS      flexString   `json:"fps"`
	Details  flexString   `json:"details"`
	Snapshot flexString   `json:"snapshot"`
	Streams  []flexString `json:"streams"`
	Protocol flexString   `json:"protocol"`
	Host     flexString   `json:"host"`
	Port     flexString   `json:"port"`
	Path     flexString   `json:"path"`
}

// decodeDetails performs the second decode pass of the details field.
func decodeDetails(raw string) (MonitorDetails, map[string]any, error) {
	var typed MonitorDetails
	fields := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return typed, fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return typed, nil, fmt.Errorf("api: decode monitor details: %w", err)
	}
	if fields == nil {
		// "null"
		fields = map[string]any{}
	}
	if err := json.Unmarshal([]byte(raw), &typed); err != nil {
		return typed, nil, fmt.Errorf("api: decode monitor details: %w", err)
	}
	return typed, fields, nil
}

func (r rawMonitor) toMonitor() (Monitor, error) {
	if r.MID == "" {
		return Monitor{}, fmt.Errorf("api: monitor without id")
	}
	details, _, err := decodeDetails(string(r.Details))
	if err != nil {
		return Monitor{}, err
	}

	mode, err := ParseMonitorMode(string(r.Mode))
	if err != nil {
		mode = ModeStop
	}

	m := Monitor{
		ID:                string(r.MID),
		GroupID:           string(r.KE),
		Name:              string(r.Name),
		Mode:              mode,
		Status:            string(r.Status),
		StatusCode:        r.Code.int(),
		FPS:               r.FPS.float(),
		HasMotionDetector: details.Detector.bool(),
		HasAudioDetector:  details.DetectorAudio.bool(),
		SnapshotPath:      string(r.Snapshot),
	}
	acodec := strings.ToLower(string(details.StreamAudioCode))
	m.HasAudio = acodec != "" && acodec != "no"
	if m.Name == "" {
		m.Name = m.ID
	}
	for _, s := range r.Streams {
		if s != "" {
			m.StreamPaths = append(m.StreamPaths, string(s))
		}
	}
	m.OriginalStreamURL = r.originalStreamURL(details)
	return m, nil
}

func (r rawMonitor) originalStreamURL(d MonitorDetails) string {
	if r.Protocol == "" || r.Host == "" {
		return ""
	}
	u := url.URL{Scheme: string(r.Protocol), Host: string(r.Host), Path: string(r.Path)}
	if r.Port != "" {
		u.Host = fmt.Sprintf("%s:%s", r.Host, r.Port)
	}
	if d.AuthUser != "" {
		u.User = url.UserPassword(string(d.AuthUser), string(d.AuthPass))
	}
	return u.String()
}
