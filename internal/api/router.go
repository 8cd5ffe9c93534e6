// Package api exposes the orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/evidence"
	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
)

// Server holds the handlers' dependencies.
type Server struct {
	o         *orchestrator.Orchestrator
	collector *evidence.Collector
	log       *zap.Logger
}

// NewRouter builds the HTTP handler. corsOrigins may be empty to disable CORS.
func NewRouter(o *orchestrator.Orchestrator, collector *evidence.Collector, corsOrigins []string) http.Handler {
	s := &Server{
		o:         o,
		collector: collector,
		log:       zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health)

	r.Route("/experiments", func(r chi.Router) {
		r.Post("/", s.createExperiment)
		r.Get("/{ref}", s.getExperiment)
		r.Post("/{ref}/runs", s.startRun)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.runSummary)
		r.Post("/{id}/state", s.setDesiredState)
	})
	r.Post("/windows/{id}/evidence", s.collectEvidence)
	r.Post("/windows/{id}/evidence/search", s.searchEvidence)
	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/", s.schedulerState)
		r.Post("/tick", s.tick)
		r.Post("/ensure", s.ensureScheduler)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps orchestrator sentinels to status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, evidence.ErrWindowNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, evidence.ErrNoSource):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, code, errResp{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
