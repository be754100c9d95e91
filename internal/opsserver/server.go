// Package opsserver implements the thin operations server: health and
// Prometheus metrics endpoints only. It is deliberately not a REST
// façade over C5-C8 — that surface is out of scope.
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config carries the host/port/timeout fields an ops-only listener needs.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HealthCheck reports one dependency's liveness; the map key it is
// registered under identifies it in the JSON health payload.
type HealthCheck func(ctx context.Context) error

// Server is the health/metrics-only HTTP listener.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	checks     map[string]HealthCheck
}

// NewServer builds a Server with the given named health checks wired in.
func NewServer(logger *zap.Logger, config Config, checks map[string]HealthCheck) *Server {
	s := &Server{
		logger: logger,
		config: config,
		router: mux.NewRouter(),
		checks: checks,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start begins serving; it blocks until Stop shuts the listener down or
// ListenAndServe itself fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting ops server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	results := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = "unhealthy"
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"time":   time.Now().UTC(),
		"checks": results,
	})
}
