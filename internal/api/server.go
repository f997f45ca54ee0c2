// Package api exposes the gateway's read-only operational surface:
// liveness, a process/routing status snapshot, and Prometheus metrics.
// There is no tenant CRUD here — routing tables are loaded once at start
// from config and never mutated at runtime (spec.md §9 Non-goals).
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tenantproxy/gateway/internal/config"
	"github.com/tenantproxy/gateway/internal/health"
	"github.com/tenantproxy/gateway/internal/metrics"
)

// Server is the ops HTTP server.
type Server struct {
	cfg        *config.Config
	checker    *health.Checker
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds an ops Server. checker may be nil if the health prober is
// disabled — /status then simply omits upstream health detail.
func NewServer(cfg *config.Config, checker *health.Checker, m *metrics.Collector) *Server {
	return &Server{
		cfg:       cfg,
		checker:   checker,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start begins serving on port in the background.
func (s *Server) Start(host string, port int) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("ops server listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the ops server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"routes": map[string]int{
			"postgres":  len(s.cfg.Postgres),
			"mysql":     len(s.cfg.MySQL),
			"sqlserver": len(s.cfg.SQLServer),
		},
	}
	if s.checker != nil {
		resp["upstreams"] = s.checker.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
