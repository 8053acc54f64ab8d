package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"testworker/internal/admission"
	"testworker/internal/models"
	"testworker/internal/queue"
	"testworker/internal/store"
)

type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// ReportRoot is served under /reports when set
	ReportRoot string
}

type AdmissionView interface {
	Stats() admission.Stats
	Attempts() []admission.Attempt
}

type QueueView interface {
	Depths(ctx context.Context) (queue.Depths, error)
}

type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
}

type Canceller interface {
	Signal(ctx context.Context, runID string) error
}

// Check is a named dependency probe run by /healthz
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps are the parts of the worker process the ops server exposes. Nil fields disable
// their routes.
type Deps struct {
	Admission AdmissionView
	Queue     QueueView
	Runs      RunReader
	Cancel    Canceller
	Metrics   http.Handler
	Checks    []Check
}

// Server is the worker's operational HTTP surface. It is not a public API.
type Server struct {
	deps   Deps
	router *chi.Mux
	http   *http.Server
}

// New creates the ops server and its routes
func New(config *Config, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.health)
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics)
	}
	if deps.Admission != nil {
		s.router.Get("/admission", s.admission)
	}
	if deps.Queue != nil {
		s.router.Get("/queue", s.queueDepths)
	}
	if deps.Runs != nil {
		s.router.Get("/runs/{runID}", s.getRun)
	}
	if deps.Cancel != nil {
		s.router.Post("/runs/{runID}/cancel", s.cancelRun)
	}
	if config.ReportRoot != "" {
		s.router.Handle("/reports/*", http.StripPrefix("/reports/", http.FileServer(http.Dir(config.ReportRoot))))
	}

	s.http = &http.Server{
		Addr:              net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until ctx is done, then shuts the server down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("Ops server listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down ops server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.deps.Checks))}
	code := http.StatusOK

	for _, c := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := c.Probe(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("check", c.Name).Msg("Health check failed")
			res.Checks[c.Name] = err.Error()
			res.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	serveJson(w, code, res)
}

type admissionResponse struct {
	admission.Stats
	Attempts []admission.Attempt `json:"attempts"`
}

func (s *Server) admission(w http.ResponseWriter, _ *http.Request) {
	serveJson(w, http.StatusOK, admissionResponse{
		Stats:    s.deps.Admission.Stats(),
		Attempts: s.deps.Admission.Attempts(),
	})
}

func (s *Server) queueDepths(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Queue.Depths(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Could not read queue depths")
		http.Error(w, "could not read queue depths", http.StatusServiceUnavailable)
		return
	}
	serveJson(w, http.StatusOK, d)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Could not get run")
		http.Error(w, "could not get run", http.StatusInternalServerError)
		return
	}
	serveJson(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.deps.Cancel.Signal(r.Context(), runID); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Could not signal cancellation")
		http.Error(w, "could not signal cancellation", http.StatusInternalServerError)
		return
	}
	log.Info().Str("run_id", runID).Msg("Cancellation signalled")
	w.WriteHeader(http.StatusAccepted)
}

func serveJson(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}
