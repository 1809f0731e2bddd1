// Package health tracks per-host health state and serves it over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider exposes the running monitor set to the status server.
type StatusProvider interface {
	// IsRunning returns true once the agent has started monitoring.
	IsRunning() bool

	// Stats returns aggregate counts.
	Stats() Stats

	// Hosts returns one status per monitored host, sorted by host.
	Hosts() []HostStatus
}

// Stats contains aggregate monitoring statistics.
type Stats struct {
	HostCount      int       `json:"host_count"`
	HealthyHosts   int       `json:"healthy_hosts"`
	UnhealthyHosts int       `json:"unhealthy_hosts"`
	UnknownHosts   int       `json:"unknown_hosts"`
	FailedTasks    int       `json:"failed_tasks"`
	LastReload     time.Time `json:"last_reload"`
	LastReloadErr  string    `json:"last_reload_error,omitempty"`
}

// HostStatus is the externally visible state of one host's monitor.
type HostStatus struct {
	Host        string  `json:"host"`
	Address     string  `json:"address,omitempty"`
	State       string  `json:"state"`
	Sequence    uint64  `json:"sequence"`
	Sent        uint64  `json:"sent"`
	Received    uint64  `json:"received"`
	LossPercent float64 `json:"loss_percent"`
	MinRTTMs    float64 `json:"min_rtt_ms"`
	AvgRTTMs    float64 `json:"avg_rtt_ms"`
	MaxRTTMs    float64 `json:"max_rtt_ms"`
	LastOutcome string  `json:"last_outcome,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// ServerConfig contains status server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9090")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// MetricsHandler serves /metrics. Defaults to the global Prometheus handler.
	MetricsHandler http.Handler
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health and host status endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new status server.
func NewServer(cfg ServerConfig, provider StatusProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	metrics := cfg.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/hosts", s.handleHosts)
	mux.HandleFunc("/hosts/", s.handleHost)
	mux.Handle("/metrics", metrics)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the status server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the status server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) ready() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns aggregate stats as JSON, or 503 before monitoring starts.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	status := "healthy"
	if stats.UnhealthyHosts > 0 || stats.FailedTasks > 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            status,
		"running":           true,
		"host_count":        stats.HostCount,
		"healthy_hosts":     stats.HealthyHosts,
		"unhealthy_hosts":   stats.UnhealthyHosts,
		"unknown_hosts":     stats.UnknownHosts,
		"failed_tasks":      stats.FailedTasks,
		"last_reload":       stats.LastReload,
		"last_reload_error": stats.LastReloadErr,
	})
}

// handleReady returns 200 once monitoring has started.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// handleHosts lists every monitored host.
func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil {
		http.Error(w, "status provider not configured", http.StatusServiceUnavailable)
		return
	}

	hosts := s.provider.Hosts()
	if hosts == nil {
		hosts = []HostStatus{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

// handleHost returns the status of one host.
// URL format: /hosts/{host}
func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil {
		http.Error(w, "status provider not configured", http.StatusServiceUnavailable)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/hosts/")
	if name == "" {
		http.Error(w, "host required: /hosts/{host}", http.StatusBadRequest)
		return
	}

	for _, h := range s.provider.Hosts() {
		if h.Host == name {
			writeJSON(w, http.StatusOK, h)
			return
		}
	}
	http.Error(w, "host not monitored", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
