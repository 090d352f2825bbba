package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"auradrive/internal/logging"
)

// Server serves /metrics and any extra handlers on a TCP address.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *logging.Logger
}

// Start listens on addr and serves in the background. extra maps paths to
// handlers, e.g. the health probes.
func Start(addr string, m *Metrics, extra map[string]http.Handler, log *logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.Discard()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}

	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log.WithComponent("metrics"),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server stopped", "error", err)
		}
	}()
	s.log.Info("metrics endpoint enabled", "listen", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
