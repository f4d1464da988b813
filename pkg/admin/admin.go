// Package admin serves the supervisor's operational HTTP surface: health,
// Prometheus metrics and a fleet snapshot.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/skylift/roost/pkg/log"
	"github.com/skylift/roost/pkg/metrics"
	"github.com/skylift/roost/pkg/supervisor"
)

// FleetReporter provides the fleet snapshot served at /status.
type FleetReporter interface {
	Fleet() supervisor.Status
}

// Server is the admin HTTP server.
type Server struct {
	srv  *http.Server
	log  zerolog.Logger
	errs chan error
}

// NewServer builds an admin server listening on addr.
func NewServer(addr string, fleet FleetReporter) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", metrics.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fleet.Fleet())
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log:  log.WithComponent("admin"),
		errs: make(chan error, 1),
	}
}

// Start serves in the background. A listen failure is reported on the next
// Stop rather than crashing the supervisor.
func (s *Server) Start() {
	s.log.Info().Str("addr", s.srv.Addr).Msg("Admin endpoint listening")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errs <- err
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case err := <-s.errs:
		return err
	default:
		return nil
	}
}
