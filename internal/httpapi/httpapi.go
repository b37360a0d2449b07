// Package httpapi is the local JSON status and control API, plus the
// Prometheus /metrics endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/state"
	"github.com/trymwestin/shinobi/internal/core/status"
	"github.com/trymwestin/shinobi/internal/core/trigger"
)

const maxBodyBytes = 1 << 16

// Controller changes monitors and lists recordings on the server.
type Controller interface {
	SetMonitorMode(ctx context.Context, id string, mode api.MonitorMode) error
	SetMotionDetection(ctx context.Context, id string, enabled bool) error
	SetSoundDetection(ctx context.Context, id string, enabled bool) error
	RepairMonitor(ctx context.Context, id string) (api.RepairResult, error)
	Repairing(id string) bool
	Videos() []api.VideoRecord
	MonitorStreamURL(m api.Monitor) string
}

// Reconnector cuts a pending reconnect or retry wait short.
type Reconnector interface {
	Wake()
}

// Server is the HTTP API server.
type Server struct {
	ctl     Controller
	rc      Reconnector
	store   state.StateReader
	addr    string
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux

	mu      sync.Mutex
	ctx     context.Context
	repairs sync.WaitGroup
}

// NewServer creates a new HTTP API server.
// rc may be nil, in which case /api/reconnect answers 501.
func NewServer(ctl Controller, rc Reconnector, store state.StateReader, addr string, corsAll bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		ctl:     ctl,
		rc:      rc,
		store:   store,
		addr:    addr,
		corsAll: corsAll,
		log:     log.With("component", "httpapi"),
		mux:     http.NewServeMux(),
		ctx:     context.Background(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("HTTP API listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("httpapi: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.repairs.Wait()
		return err
	}
}

func (s *Server) String() string {
	return "httpapi(" + s.addr + ")"
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/monitors", s.handleGetMonitors)
	s.mux.HandleFunc("GET /api/monitors/{id}", s.handleGetMonitor)
	s.mux.HandleFunc("GET /api/triggers", s.handleGetTriggers)
	s.mux.HandleFunc("GET /api/videos", s.handleGetVideos)

	s.mux.HandleFunc("POST /api/monitors/{id}/mode", s.handleSetMode)
	s.mux.HandleFunc("POST /api/monitors/{id}/motion", s.handleSetMotion)
	s.mux.HandleFunc("POST /api/monitors/{id}/sound", s.handleSetSound)
	s.mux.HandleFunc("POST /api/monitors/{id}/repair", s.handleRepair)
	s.mux.HandleFunc("POST /api/reconnect", s.handleReconnect)

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// writeCommandError maps client errors onto status codes.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, api.ErrRepairInProgress):
		code = http.StatusConflict
	case errors.Is(err, status.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, status.ErrValidation):
		code = http.StatusServiceUnavailable
	case errors.Is(err, status.ErrTransport), errors.Is(err, status.ErrParse):
		code = http.StatusBadGateway
	}
	s.writeError(w, code, err.Error())
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	APIStatus        status.Status       `json:"api_status"`
	StreamStatus     status.Status       `json:"stream_status"`
	ServerDiscovered bool                `json:"server_discovered"`
	Session          api.Session         `json:"session"`
	Monitors         int                 `json:"monitors"`
	RecordedDays     map[string][]string `json:"recorded_days,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	s.writeJSON(w, http.StatusOK, statusResponse{
		APIStatus:        snap.APIStatus,
		StreamStatus:     snap.StreamStatus,
		ServerDiscovered: snap.ServerDiscovered,
		Session:          snap.Session,
		Monitors:         len(snap.Monitors),
		RecordedDays:     snap.Session.RecordedDays,
	})
}

func (s *Server) handleGetMonitors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"monitors": s.store.Snapshot().Monitors})
}

type monitorResponse struct {
	api.Monitor
	StreamURL string                               `json:"stream_url,omitempty"`
	Triggers  map[trigger.EventType]trigger.Record `json:"triggers"`
	Repairing bool                                 `json:"repairing"`
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := s.store.Monitor(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown monitor "+id)
		return
	}
	resp := monitorResponse{
		Monitor:   m,
		StreamURL: s.ctl.MonitorStreamURL(m),
		Triggers:  map[trigger.EventType]trigger.Record{},
		Repairing: s.ctl.Repairing(id),
	}
	for _, typ := range trigger.EventTypes {
		if ts, ok := s.store.Trigger(id, typ); ok {
			resp.Triggers[typ] = ts.Record
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTriggers(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"triggers":        snap.Triggers,
		"last_detections": snap.LastDetections,
	})
}

func (s *Server) handleGetVideos(w http.ResponseWriter, r *http.Request) {
	monitorID := r.URL.Query().Get("monitor_id")
	videos := s.ctl.Videos()
	if monitorID != "" {
		filtered := videos[:0]
		for _, v := range videos {
			if v.MonitorID == monitorID {
				filtered = append(filtered, v)
			}
		}
		videos = filtered
	}
	if videos == nil {
		videos = []api.VideoRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

type modeBody struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body modeBody
	if err := s.readJSON(w, r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	mode, err := api.ParseMonitorMode(body.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctl.SetMonitorMode(r.Context(), r.PathValue("id"), mode); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetMotion(w http.ResponseWriter, r *http.Request) {
	s.handleDetector(w, r, s.ctl.SetMotionDetection)
}

func (s *Server) handleSetSound(w http.ResponseWriter, r *http.Request) {
	s.handleDetector(w, r, s.ctl.SetSoundDetection)
}

func (s *Server) handleDetector(w http.ResponseWriter, r *http.Request, set func(context.Context, string, bool) error) {
	var body enabledBody
	if err := s.readJSON(w, r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := set(r.Context(), r.PathValue("id"), *body.Enabled); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRepair starts a repair cycle in the background and answers 202.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Monitor(id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown monitor "+id)
		return
	}
	if s.ctl.Repairing(id) {
		s.writeError(w, http.StatusConflict, "repair already in progress")
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.repairs.Add(1)
	go func() {
		defer s.repairs.Done()
		res, err := s.ctl.RepairMonitor(ctx, id)
		if err != nil {
			s.log.Warn("repair failed", "monitor_id", id, "error", err)
			return
		}
		s.log.Info("repair finished", "monitor_id", id, "outcome", res.Outcome, "attempts", res.Attempts)
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	if s.rc == nil {
		s.writeError(w, http.StatusNotImplemented, "reconnect not available")
		return
	}
	s.rc.Wake()
	s.log.Info("reconnect requested")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}
