package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caretrust-systems/securecore/internal/config"
	"github.com/caretrust-systems/securecore/internal/handlers"
)

type Server struct {
	httpServer *http.Server
}

func New(cfg config.ServerConfig, handler *handlers.Handler) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handler.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/authorize", handler.Authorize)
	mux.HandleFunc("/api/v1/authorize/abandon", handler.AbandonChallenge)
	mux.HandleFunc("/api/v1/audit/verify", handler.VerifyIntegrity)
	mux.HandleFunc("/api/v1/audit/report", handler.ComplianceReport)
	mux.HandleFunc("/api/v1/keys/rotate", handler.RotateKey)
	mux.HandleFunc("/api/v1/mfa/enroll", handler.EnrollMFA)
	mux.HandleFunc("/api/v1/mfa/verify", handler.VerifyMFA)
	mux.HandleFunc("/api/v1/mfa/revoke", handler.RevokeMFA)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
