package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/telemetry"
)

// NewRouter builds the admin API. Everything under /admin requires token;
// /metrics is served when telemetry is enabled.
func NewRouter(handlers *Handlers, token string) http.Handler {
	r := chi.NewRouter()

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(token))
		r.Get("/join", handlers.handleJoin)
		r.Get("/members", handlers.handleMembers)
		r.Get("/lag", handlers.handleLag)
	})

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Server runs the admin API in the background
type Server struct {
	srv      *http.Server
	listener net.Listener
	done     chan error
}

// Start listens on address:port and serves handler until Shutdown
func Start(address string, port int, handler http.Handler) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("admin listener: %w", err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		done:     make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("Admin endpoints enabled at /admin/*")
	return s, nil
}

// Addr is the bound listen address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
