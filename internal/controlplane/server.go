package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftsync/driftsync/internal/task"
)

// Server exposes the local control API the CLI talks to: task status
// and lifecycle operations. It binds to loopback only.
type Server struct {
	addr   string
	server *http.Server
}

func New(addr string, supervisor *task.Supervisor) *Server {
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: setupRoutes(supervisor),
			// Timeouts to prevent slow client attacks
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MB
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
