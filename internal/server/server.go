package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/catherinevee/cloudauditor/internal/database"
	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// RunReader serves run history
type RunReader interface {
	LatestRun(ctx context.Context) (models.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
}

// Server exposes metrics, health and run results over HTTP
type Server struct {
	router    *mux.Router
	scheduler *Scheduler
	runs      RunReader
	metrics   http.Handler
	startTime time.Time
	version   string
	log       logger.Logger
}

// NewServer wires the routes. runs may be nil when persistence is disabled.
func NewServer(scheduler *Scheduler, runs RunReader, metrics http.Handler, version string) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		scheduler: scheduler,
		runs:      runs,
		metrics:   metrics,
		startTime: time.Now(),
		version:   version,
		log:       logger.New("server"),
	}
	s.setupRoutes()
	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware)
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthCheck).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	runs := s.router.PathPrefix("/runs").Subrouter()
	runs.HandleFunc("", s.listRuns).Methods(http.MethodGet)
	runs.HandleFunc("", s.triggerRun).Methods(http.MethodPost)
	runs.HandleFunc("/latest", s.latestRun).Methods(http.MethodGet)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logger.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Running   bool      `json:"running"`
	LastRunID string    `json:"last_run_id,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Running: s.scheduler.Running(),
	}
	if latest := s.scheduler.Latest(); latest != nil {
		resp.LastRunID = latest.RunID
		resp.LastRunAt = latest.StartedAt
		if !latest.Success {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	if latest := s.scheduler.Latest(); latest != nil {
		writeJSON(w, http.StatusOK, latest)
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "no discovery run has completed")
		return
	}

	run, err := s.runs.LatestRun(r.Context())
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no discovery run has completed")
		return
	}
	if err != nil {
		s.log.Error("failed to load latest run", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load latest run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []models.RunRecord{})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to list runs", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	if !s.scheduler.Trigger() {
		writeError(w, http.StatusConflict, "a run is already queued")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", rec.status),
			logger.Duration("latency", time.Since(start)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", logger.Any("panic", rec), logger.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
