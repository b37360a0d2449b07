package api

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/trymwestin/shinobi/internal/core/status"
)

var videoTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseVideoTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range videoTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("api: unparsable video time %q", s)
}

type rawVideo struct {
	MonitorID flexString `json:"mid"`
	Time      flexString `json:"time"`
	End       flexString `json:"end"`
	Href      flexString `json:"href"`
	Ext       flexString `json:"ext"`
}

type videoListResponse struct {
	Videos []rawVideo `json:"videos"`
}

func videoMimeType(ext, href string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = strings.TrimPrefix(strings.ToLower(path.Ext(href)), ".")
	}
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension("." + ext); strings.HasPrefix(t, "video/") {
		return t
	}
	return "video/" + ext
}

func (r rawVideo) toRecord(baseURL string) (VideoRecord, error) {
	if r.MonitorID == "" {
		return VideoRecord{}, fmt.Errorf("api: video without monitor id")
	}
	start, err := parseVideoTime(string(r.Time))
	if err != nil {
		return VideoRecord{}, err
	}
	end := start
	if r.End != "" {
		if end, err = parseVideoTime(string(r.End)); err != nil {
			return VideoRecord{}, err
		}
	}
	href := string(r.Href)
	action := href
	if href != "" && !strings.Contains(href, "://") {
		action = strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(href, "/")
	}
	return VideoRecord{
		MonitorID: string(r.MonitorID),
		StartTime: start,
		EndTime:   end,
		ActionURL: action,
		MimeType:  videoMimeType(string(r.Ext), href),
	}, nil
}

// ListVideos fetches the recordings of one monitor. Invalid records are
// dropped with a warning.
func (c *Client) ListVideos(ctx context.Context, monitorID string) ([]VideoRecord, error) {
	data, err := c.request(ctx, http.MethodGet, EndpointVideos, params{MonitorID: monitorID}, "", nil)
	if err != nil {
		return nil, err
	}
	var resp videoListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("api: decode videos: %w: %v", status.ErrParse, err)
	}

	base := c.cfg.BaseURL()
	out := make([]VideoRecord, 0, len(resp.Videos))
	for _, r := range resp.Videos {
		rec, err := r.toRecord(base)
		if err != nil {
			c.log.Warn("dropping invalid video record", "monitor_id", monitorID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// LoadVideos refreshes the cached video list of every known monitor and
// recomputes the session's recorded days.
func (c *Client) LoadVideos(ctx context.Context) error {
	var all []VideoRecord
	for _, m := range c.Monitors() {
		videos, err := c.ListVideos(ctx, m.ID)
		if err != nil {
			return err
		}
		all = append(all, videos...)
	}

	days := recordedDays(all)
	c.mu.Lock()
	c.videos = all
	c.videosAt = time.Now()
	c.session.RecordedDays = days
	c.mu.Unlock()
	return nil
}

// Videos returns the cached video list, newest first per monitor.
func (c *Client) Videos() []VideoRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]VideoRecord(nil), c.videos...)
}

func (c *Client) videosStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.videosAt.IsZero() || time.Since(c.videosAt) >= c.videoRefresh
}

// recordedDays maps monitor id to the sorted distinct days with recordings.
func recordedDays(videos []VideoRecord) map[string][]string {
	seen := map[string]map[string]struct{}{}
	for _, v := range videos {
		day := v.StartTime.Format("2006-01-02")
		if seen[v.MonitorID] == nil {
			seen[v.MonitorID] = map[string]struct{}{}
		}
		seen[v.MonitorID][day] = struct{}{}
	}
	out := make(map[string][]string, len(seen))
	for id, set := range seen {
		days := make([]string, 0, len(set))
		for d := range set {
			days = append(days, d)
		}
		sort.Strings(days)
		out[id] = days
	}
	return out
}
