package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/metrics"
)

// Detector fields inside the monitor details blob.
const (
	detailMotionDetector = "detector"
	detailSoundDetector  = "detector_audio"
)

// parseMonitors decodes a list-or-object monitor payload. Monitors that
// cannot be decoded are skipped and reported in skipped.
func parseMonitors(data []byte) (monitors []Monitor, skipped []error, err error) {
	data = bytes.TrimSpace(data)
	var raws []rawMonitor
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, nil, fmt.Errorf("api: decode monitors: %w: %v", status.ErrParse, err)
		}
	} else {
		var one rawMonitor
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, nil, fmt.Errorf("api: decode monitor: %w: %v", status.ErrParse, err)
		}
		raws = []rawMonitor{one}
	}

	for _, r := range raws {
		m, err := r.toMonitor()
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		monitors = append(monitors, m)
	}
	return monitors, skipped, nil
}

// LoadMonitors polls the monitor list and replaces each polled entry in
// the cache. First sightings fire MonitorDiscovered, the rest
// MonitorUpdated.
func (c *Client) LoadMonitors(ctx context.Context) ([]Monitor, error) {
	data, err := c.request(ctx, http.MethodGet, EndpointMonitors, params{}, "", nil)
	if err != nil {
		return nil, err
	}
	monitors, skipped, err := parseMonitors(data)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		c.log.Warn("skipping monitor", "error", e)
	}
	c.store(monitors)
	return monitors, nil
}

// FetchMonitor polls a single monitor and updates the cache.
func (c *Client) FetchMonitor(ctx context.Context, id string) (Monitor, error) {
	data, err := c.request(ctx, http.MethodGet, EndpointMonitor, params{MonitorID: id}, "", nil)
	if err != nil {
		return Monitor{}, err
	}
	monitors, _, err := parseMonitors(data)
	if err != nil {
		return Monitor{}, err
	}
	for _, m := range monitors {
		if m.ID == id {
			c.store([]Monitor{m})
			return m, nil
		}
	}
	return Monitor{}, fmt.Errorf("api: monitor %q: %w", id, status.ErrNotFound)
}

func (c *Client) store(monitors []Monitor) {
	type notice struct {
		m   Monitor
		new bool
	}
	notices := make([]notice, 0, len(monitors))

	c.mu.Lock()
	for _, m := range monitors {
		_, known := c.monitors[m.ID]
		c.monitors[m.ID] = m
		notices = append(notices, notice{m: m, new: !known})
	}
	total := len(c.monitors)
	c.mu.Unlock()
	metrics.Monitors.Set(float64(total))

	for _, n := range notices {
		if n.new {
			c.log.Info("monitor discovered", "monitor_id", n.m.ID, "name", n.m.Name, "mode", n.m.Mode)
			if c.cb.MonitorDiscovered != nil {
				c.cb.MonitorDiscovered(n.m)
			}
			continue
		}
		if c.cb.MonitorUpdated != nil {
			c.cb.MonitorUpdated(n.m)
		}
	}
}

type okResponse struct {
	OK  *bool  `json:"ok"`
	Msg string `json:"msg"`
}

// checkOK treats an explicit "ok": false as a rejection. Bodies without the
// field are accepted.
func checkOK(ep Endpoint, data []byte) error {
	var r okResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	if r.OK != nil && !*r.OK {
		return fmt.Errorf("api: %s rejected: %q", ep, r.Msg)
	}
	return nil
}

// SetMonitorMode switches a monitor between stop, start and record. The
// cache is not refreshed; callers re-poll.
func (c *Client) SetMonitorMode(ctx context.Context, id string, mode MonitorMode) error {
	if _, err := ParseMonitorMode(string(mode)); err != nil {
		return fmt.Errorf("%w: %v", status.ErrValidation, err)
	}
	data, err := c.request(ctx, http.MethodGet, EndpointMonitorMode, params{MonitorID: id, Mode: mode}, "", nil)
	if err != nil {
		return err
	}
	if err := checkOK(EndpointMonitorMode, data); err != nil {
		return err
	}
	c.log.Info("monitor mode set", "monitor_id", id, "mode", mode)
	return nil
}

// SetMotionDetection toggles the motion detector of a monitor.
func (c *Client) SetMotionDetection(ctx context.Context, id string, enabled bool) error {
	return c.setDetail(ctx, id, detailMotionDetector, enabled)
}

// SetSoundDetection toggles the audio detector of a monitor.
func (c *Client) SetSoundDetection(ctx context.Context, id string, enabled bool) error {
	return c.setDetail(ctx, id, detailSoundDetector, enabled)
}

// setDetail is a read-modify-write of one details field: the monitor is
// fetched as an untyped object so fields this client does not model are
// posted back untouched.
func (c *Client) setDetail(ctx context.Context, id, field string, enabled bool) error {
	data, err := c.request(ctx, http.MethodGet, EndpointMonitor, params{MonitorID: id}, "", nil)
	if err != nil {
		return err
	}
	obj, err := rawMonitorObject(data, id)
	if err != nil {
		return err
	}

	var detailsText string
	switch d := obj["details"].(type) {
	case string:
		detailsText = d
	case map[string]any:
		b, _ := json.Marshal(d)
		detailsText = string(b)
	}
	_, details, err := decodeDetails(detailsText)
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrParse, err)
	}
	value := "0"
	if enabled {
		value = "1"
	}
	details[field] = value

	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("api: encode details: %w", err)
	}
	obj["details"] = string(encoded)
	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("api: encode monitor: %w", err)
	}

	form := url.Values{"data": {string(payload)}}
	resp, err := c.request(ctx, http.MethodPost, EndpointConfigureMonitor, params{MonitorID: id},
		"application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return err
	}
	if err := checkOK(EndpointConfigureMonitor, resp); err != nil {
		return err
	}
	c.log.Info("monitor detail updated", "monitor_id", id, "field", field, "enabled", enabled)
	return nil
}

// rawMonitorObject picks monitor id out of a list-or-object payload.
func rawMonitorObject(data []byte, id string) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	var objs []map[string]any
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &objs); err != nil {
			return nil, fmt.Errorf("api: decode monitor: %w: %v", status.ErrParse, err)
		}
	} else {
		var one map[string]any
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("api: decode monitor: %w: %v", status.ErrParse, err)
		}
		objs = []map[string]any{one}
	}
	for _, o := range objs {
		if fmt.Sprint(o["mid"]) == id {
			return o, nil
		}
	}
	return nil, fmt.Errorf("api: monitor %q: %w", id, status.ErrNotFound)
}
