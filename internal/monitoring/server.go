package monitoring

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics and /healthz on a dedicated listener,
// separate from the IPROTO port.
type Server struct {
	httpSrv *http.Server
	ready   atomic.Bool
}

// NewServer wires m's registry into a /metrics handler and a /healthz
// handler that reports ready once MarkReady is called.
func NewServer(addr string, m *Metrics) *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// MarkReady flips /healthz to report 200.
func (s *Server) MarkReady() { s.ready.Store(true) }

// ListenAndServe blocks serving until the server is shut down. It
// always returns a non-nil error, same contract as http.Server.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server within the given timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
