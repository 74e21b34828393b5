package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// DiskInfo is the usage of the filesystem holding DataDir.
type DiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// Health is the body of GET /api/health.
type Health struct {
	Status      string       `json:"status"`
	Service     string       `json:"service"`
	Uptime      string       `json:"uptime"`
	Nodes       []NodeInfo   `json:"nodes"`
	Stats       TrackerStats `json:"stats"`
	Disk        *DiskInfo    `json:"disk,omitempty"`
	MemUsed     float64      `json:"mem_used_percent,omitempty"`
	Subscribers int          `json:"subscribers"`
}

// Server is the admin HTTP API of the gateway.
type Server struct {
	tracker *Tracker
	hub     *Hub
	dataDir string
	started time.Time
	log     zerolog.Logger
	mux     *http.ServeMux

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	ln   net.Listener
	http *http.Server
}

// New creates a Server with all routes registered. dataDir is the directory
// whose filesystem usage is reported.
func New(tracker *Tracker, hub *Hub, dataDir string, log zerolog.Logger) *Server {
	s := &Server{
		tracker: tracker,
		hub:     hub,
		dataDir: dataDir,
		started: time.Now(),
		log:     log,
		mux:     http.NewServeMux(),
		done:    make(chan struct{}),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", HandleEvents(s.hub, s.done, s.log))
}

// handleHealth reports node reachability and local resource usage. The
// status is "degraded" while any node is offline.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.tracker.Stats()
	h := Health{
		Status:      "ok",
		Service:     "shardfs-gateway",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Nodes:       s.tracker.Nodes(),
		Stats:       stats,
		Subscribers: s.hub.Subscribers(),
	}
	if stats.NodesOnline < stats.NodesTotal {
		h.Status = "degraded"
	}
	if s.dataDir != "" {
		if du, err := disk.Usage(s.dataDir); err == nil {
			h.Disk = &DiskInfo{
				Path:        du.Path,
				Total:       du.Total,
				Used:        du.Used,
				Free:        du.Free,
				UsedPercent: du.UsedPercent,
			}
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemUsed = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, h)
}

// Listen serves the API on addr in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.ln, s.http = ln, srv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin api listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("admin api stopped")
		}
	}()
	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the API down, waiting up to two seconds for open requests.
// Websocket subscribers are hijacked by the upgrade, so they are ended
// through done rather than by Shutdown.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
