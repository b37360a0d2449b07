package api

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// stubServer is a minimal video server: login, key list, probes, monitors
// with read-modify-write, mode changes and videos.
type stubServer struct {
	*httptest.Server

	mu           sync.Mutex
	requests     int
	monitorPolls map[string]int
	modeCalls    []string

	loginStatus  int
	loginOK      bool
	keys         []map[string]string
	socketIO     bool
	videoBrowser bool
	monitors     map[string]map[string]any
	videos       map[string][]map[string]any
	asObject     bool

	// onPoll runs on every single-monitor GET with the 1-based poll count.
	onPoll func(mid string, n int, m map[string]any)
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{
		monitorPolls: map[string]int{},
		loginStatus:  http.StatusOK,
		loginOK:      true,
		keys:         []map[string]string{{"uid": "u1", "code": "perm123"}},
		socketIO:     true,
		videoBrowser: true,
		monitors:     map[string]map[string]any{},
		videos:       map[string][]map[string]any{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleLogin)
	mux.HandleFunc("GET /socket.io/socket.io.js", func(w http.ResponseWriter, r *http.Request) {
		if !s.socketIO {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "// socket.io client")
	})
	mux.HandleFunc("GET /{key}/api/{ke}/list", s.handleKeys)
	mux.HandleFunc("GET /{key}/videoBrowser/{ke}", func(w http.ResponseWriter, r *http.Request) {
		if !s.videoBrowser {
			http.NotFound(w, r)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /{key}/monitor/{ke}", s.authorized(s.handleMonitors))
	mux.HandleFunc("GET /{key}/monitor/{ke}/{mid}", s.authorized(s.handleMonitor))
	mux.HandleFunc("GET /{key}/monitor/{ke}/{mid}/{mode}", s.authorized(s.handleMode))
	mux.HandleFunc("POST /{key}/configureMonitor/{ke}/{mid}", s.authorized(s.handleConfigure))
	mux.HandleFunc("GET /{key}/videos/{ke}/{mid}", s.authorized(s.handleVideos))

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *stubServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *stubServer) polls(mid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorPolls[mid]
}

func (s *stubServer) addMonitor(mid, mode, status string, code int, details map[string]any) {
	d, _ := json.Marshal(details)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[mid] = map[string]any{
		"mid":      mid,
		"ke":       "g1",
		"name":     "Camera " + mid,
		"mode":     mode,
		"status":   status,
		"code":     strconv.Itoa(code),
		"fps":      "15",
		"details":  string(d),
		"snapshot": "/perm123/jpeg/g1/" + mid + "/s.jpg",
		"streams":  []string{"/perm123/hls/g1/" + mid + "/s.m3u8"},
	}
}

func (s *stubServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *stubServer) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("key") != "perm123" || r.PathValue("ke") != "g1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *stubServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("json") != "true" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	code, ok := s.loginStatus, s.loginOK
	s.mu.Unlock()
	if code != http.StatusOK {
		http.Error(w, http.StatusText(code), code)
		return
	}
	var creds struct {
		Mail string `json:"mail"`
		Pass string `json:"pass"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Mail != "admin@example.com" || creds.Pass != "secret" {
		ok = false
	}
	if !ok {
		s.writeJSON(w, map[string]any{"$user": map[string]any{"ok": false, "msg": "Not Authorized"}})
		return
	}
	s.writeJSON(w, map[string]any{"$user": map[string]any{"ok": true, "ke": "g1", "auth_token": "t", "uid": "u1"}})
}

func (s *stubServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("key") != "t" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	s.writeJSON(w, map[string]any{"ok": true, "keys": keys})
}

func (s *stubServer) handleMonitors(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, s.monitors[id])
	}
	asObject := s.asObject
	s.mu.Unlock()

	if asObject && len(list) == 1 {
		s.writeJSON(w, list[0])
		return
	}
	s.writeJSON(w, list)
}

func (s *stubServer) handleMonitor(w http.ResponseWriter, r *http.Request) {
	mid := r.PathValue("mid")
	s.mu.Lock()
	m, ok := s.monitors[mid]
	if ok {
		s.monitorPolls[mid]++
		if s.onPoll != nil {
			s.onPoll(mid, s.monitorPolls[mid], m)
		}
	}
	s.mu.Unlock()
	if !ok {
		s.writeJSON(w, []any{})
		return
	}
	s.writeJSON(w, []any{m})
}

func (s *stubServer) handleMode(w http.ResponseWriter, r *http.Request) {
	mid, mode := r.PathValue("mid"), r.PathValue("mode")
	s.mu.Lock()
	s.modeCalls = append(s.modeCalls, mode)
	if m, ok := s.monitors[mid]; ok {
		m["mode"] = mode
	}
	s.mu.Unlock()
	s.writeJSON(w, map[string]any{"ok": true, "cmd_at": time.Now().Format(time.RFC3339)})
}

func (s *stubServer) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(r.PostForm.Get("data")), &obj); err != nil {
		s.writeJSON(w, map[string]any{"ok": false, "msg": "bad data"})
		return
	}
	s.mu.Lock()
	s.monitors[r.PathValue("mid")] = obj
	s.mu.Unlock()
	s.writeJSON(w, map[string]any{"ok": true})
}

func (s *stubServer) handleVideos(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	videos := s.videos[r.PathValue("mid")]
	s.mu.Unlock()
	if videos == nil {
		videos = []map[string]any{}
	}
	s.writeJSON(w, map[string]any{"videos": videos})
}

func testConfig(t *testing.T, rawURL string) Config {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return Config{
		Host:     host,
		Port:     port,
		Path:     "/",
		Username: "admin@example.com",
		Password: "secret",
	}
}

func newTestClient(t *testing.T, srv *stubServer, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Config:         testConfig(t, srv.URL),
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		RequestTimeout: 5 * time.Second,
		Repair:         RepairOptions{Settle: time.Millisecond, Interval: time.Millisecond, Attempts: 5},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts)
}
