// Package monitoring serves the operational HTTP surface of a run: health
// probes, the Prometheus scrape endpoint, and a status page describing what
// the process is currently doing.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tom-pollak/interp-training/internal/logger"
)

// Status is the JSON body of the /status endpoint.
type Status struct {
	Status    string     `json:"status"`
	Phase     string     `json:"phase"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	System    SystemInfo `json:"system"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// Server exposes health and metrics endpoints for one run.
type Server struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu     sync.RWMutex
	phase  string
	failed bool
}

func NewServer() *Server {
	return &Server{
		startTime: time.Now(),
		log:       logger.Log.Component("monitoring"),
		phase:     "starting",
	}
}

// SetPhase records what the process is currently doing, for /status.
func (s *Server) SetPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// SetFailed flips the health status to unhealthy.
func (s *Server) SetFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// Start serves until Stop is called. Blocking; run it in a goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("monitoring server starting", "addr", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) status() Status {
	s.mu.RLock()
	phase, failed := s.phase, s.failed
	s.mu.RUnlock()

	health := "healthy"
	if failed {
		health = "unhealthy"
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Status{
		Status:    health,
		Phase:     phase,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	w.Header().Set("Content-Type", "application/json")
	if st.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    st.Status,
		"timestamp": st.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}
