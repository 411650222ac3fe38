// Package server exposes the retention engine of a running training job over
// HTTP: prometheus metrics, the snapshot catalog and backend divergence.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/sizif/internal/retention"
)

// Source is the engine view the server reports on.
type Source interface {
	State() retention.State
	Snapshots() []retention.Ref
	Best() (float64, bool)
	Divergence() retention.Divergence
}

// Server represents the HTTP server
type Server struct {
	source Source
	addr   string
	server *http.Server
}

// NewServer creates a new HTTP server
func NewServer(addr string, source Source) *Server {
	s := &Server{source: source, addr: addr}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the server wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/snapshots", s.handleSnapshots)
	return s.loggingMiddleware(mux)
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	State         string   `json:"state"`
	Best          *float64 `json:"best,omitempty"`
	Snapshots     int      `json:"snapshots"`
	PendingMirror []string `json:"pendingMirror"`
	RemoteOnly    []string `json:"remoteOnly"`
	RemoteStale   bool     `json:"remoteStale"`
}

// SnapshotResponse is one entry of GET /api/v1/snapshots.
type SnapshotResponse struct {
	ID            string             `json:"id"`
	Iteration     int                `json:"iteration"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Local         bool               `json:"local"`
	Remote        bool               `json:"remote"`
	PendingMirror bool               `json:"pendingMirror"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d := s.source.Divergence()
	resp := StatusResponse{
		State:         s.source.State().String(),
		Snapshots:     len(s.source.Snapshots()),
		PendingMirror: nonNil(d.PendingMirror),
		RemoteOnly:    nonNil(d.RemoteOnly),
		RemoteStale:   d.RemoteStale,
	}
	if best, ok := s.source.Best(); ok {
		resp.Best = &best
	}
	writeJSON(w, resp)
}

// handleSnapshots handles GET /api/v1/snapshots, best first.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	refs := s.source.Snapshots()
	resp := make([]SnapshotResponse, 0, len(refs))
	for _, ref := range refs {
		resp = append(resp, SnapshotResponse{
			ID:            ref.ID,
			Iteration:     ref.Iteration,
			Metrics:       ref.Metrics,
			Local:         ref.OnLocal,
			Remote:        ref.OnRemote,
			PendingMirror: ref.PendingMirror,
		})
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
