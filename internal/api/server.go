// internal/api/server.go
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/remotepower/internal/metrics"
)

// Server is the HTTP control surface
type Server struct {
	addr   string
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a control server for ctrl listening on addr
func NewServer(addr string, ctrl Controller, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", NewHandler(ctrl, logger))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		addr:   addr,
		server: server,
		logger: logger,
	}
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run listens on the configured address and serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("control API starting", zap.Stringer("addr", ln.Addr()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("control API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
