// Package diag serves pool and cache statistics and Prometheus metrics.
package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/llmrace/pkg/models"
)

var logger = xlog.NewPackageLogger("github.com/pario-ai/llmrace", "diag")

// StatsSource exposes resource snapshots on demand.
type StatsSource interface {
	PoolStats() models.PoolStats
	// CacheStats returns false when caching is disabled.
	CacheStats() (models.CacheStats, bool)
}

// Server is the diagnostics HTTP server.
type Server struct {
	addr   string
	source StatsSource
	mux    *http.ServeMux
}

// New creates a Server for source listening on addr.
func New(addr string, source StatsSource) *Server {
	s := &Server{
		addr:   addr,
		source: source,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/debug/pool", s.handlePool)
	s.mux.HandleFunc("/debug/cache", s.handleCache)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "diag listen %s", s.addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.KV(xlog.INFO, "status", "listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.source.PoolStats())
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, ok := s.source.CacheStats()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache disabled"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.KV(xlog.ERROR, "status", "encode_failed", "err", err.Error())
	}
}
