package api

import (
	"net/url"
	"strings"

	"github.com/trymwestin/shinobi/internal/core/status"
)

// Endpoint is a REST resource of the video server.
type Endpoint int

const (
	EndpointLogin Endpoint = iota
	EndpointAPIKeys
	EndpointSocketIOProbe
	EndpointVideoBrowserProbe
	EndpointMonitors
	EndpointMonitor
	EndpointMonitorMode
	EndpointConfigureMonitor
	EndpointVideos
)

var endpointNames = [...]string{
	EndpointLogin:             "login",
	EndpointAPIKeys:           "api_keys",
	EndpointSocketIOProbe:     "socket_io_probe",
	EndpointVideoBrowserProbe: "video_browser_probe",
	EndpointMonitors:          "monitors",
	EndpointMonitor:           "monitor",
	EndpointMonitorMode:       "monitor_mode",
	EndpointConfigureMonitor:  "configure_monitor",
	EndpointVideos:            "videos",
}

// Templates are relative to the REST base URL.
var endpointTemplates = [...]string{
	EndpointLogin:             "?json=true",
	EndpointAPIKeys:           "{api_key}/api/{group_id}/list",
	EndpointSocketIOProbe:     "socket.io/socket.io.js",
	EndpointVideoBrowserProbe: "{api_key}/videoBrowser/{group_id}",
	EndpointMonitors:          "{api_key}/monitor/{group_id}",
	EndpointMonitor:           "{api_key}/monitor/{group_id}/{monitor_id}",
	EndpointMonitorMode:       "{api_key}/monitor/{group_id}/{monitor_id}/{mode}",
	EndpointConfigureMonitor:  "{api_key}/configureMonitor/{group_id}/{monitor_id}",
	EndpointVideos:            "{api_key}/videos/{group_id}/{monitor_id}",
}

func (e Endpoint) String() string {
	if e < 0 || int(e) >= len(endpointNames) {
		return "unknown"
	}
	return endpointNames[e]
}

// Allowed reports whether e may be called while the client is in s.
func (e Endpoint) Allowed(s status.Status) bool {
	switch e {
	case EndpointLogin:
		return s != status.NotConnected && s != status.Disconnected
	case EndpointAPIKeys, EndpointSocketIOProbe, EndpointVideoBrowserProbe:
		return s == status.TemporaryConnected
	case EndpointMonitors, EndpointMonitor, EndpointMonitorMode, EndpointConfigureMonitor, EndpointVideos:
		return s == status.Connected
	}
	return false
}

// params holds the per-call template values beyond the session ones.
type params struct {
	MonitorID string
	Mode      MonitorMode
}

// resolve expands the endpoint template for base and sess.
func (e Endpoint) resolve(base string, sess Session, p params) string {
	r := strings.NewReplacer(
		"{api_key}", url.PathEscape(sess.APIKey),
		"{group_id}", url.PathEscape(sess.GroupID),
		"{monitor_id}", url.PathEscape(p.MonitorID),
		"{mode}", url.PathEscape(string(p.Mode)),
	)
	return base + r.Replace(endpointTemplates[e])
}
