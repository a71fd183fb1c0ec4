// Package server exposes the engine's read-only status surface over HTTP:
// liveness, the current health snapshot, and the telemetry counters. It
// never mutates runtime state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/multichannel-engine/internal/state"
)

// StatusSource is the runtime view the server reads from.
type StatusSource interface {
	Health() state.HealthSnapshot
	State() *state.RuntimeState
}

// Server serves the read-only status endpoints.
type Server struct {
	Router *chi.Mux
	Addr   string

	logger *slog.Logger
	source StatusSource
	http   *http.Server
}

// New builds the status server on addr for the given runtime view.
func New(addr string, logger *slog.Logger, source StatusSource) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Addr: addr, logger: logger, source: source}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(10 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "multichannel-engine-status")
	})

	r.Get("/healthz", s.handleLiveness)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/telemetry", s.handleTelemetry)

	s.Router = r
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("status server listening", slog.String("addr", s.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	HealthState        string               `json:"health_state"`
	HealthReason       string               `json:"health_reason"`
	Health             state.HealthSnapshot `json:"health"`
	ProcessedEventKeys int                  `json:"processed_event_keys"`
	StateSchemaVersion int                  `json:"state_schema_version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	runtimeState := s.source.State()
	health := s.source.Health()
	classification := health.Classify()
	writeJSON(w, http.StatusOK, &statusResponse{
		HealthState:        string(classification.State),
		HealthReason:       classification.Reason,
		Health:             health,
		ProcessedEventKeys: len(runtimeState.ProcessedEventKeys),
		StateSchemaVersion: runtimeState.SchemaVersion,
	})
}

type telemetryResponse struct {
	Policy   state.TelemetryPolicy   `json:"policy"`
	Counters state.TelemetryCounters `json:"counters"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	runtimeState := s.source.State()
	writeJSON(w, http.StatusOK, &telemetryResponse{
		Policy:   runtimeState.TelemetryPolicy,
		Counters: runtimeState.Telemetry,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Warn("encode status response", slog.String("error", err.Error()))
	}
}
