// Package api serves the posvault operational HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackwell-systems/posvault/internal/audit"
	"github.com/blackwell-systems/posvault/internal/engine"
	"github.com/blackwell-systems/posvault/internal/remote"
	"github.com/blackwell-systems/posvault/internal/scheduler"
	"github.com/blackwell-systems/posvault/internal/snapshots"
	"github.com/blackwell-systems/posvault/internal/store"
)

// Backups is the engine surface the API drives.
type Backups interface {
	Run(ctx context.Context, trigger engine.Trigger) (snapshots.Snapshot, error)
	List(ctx context.Context) ([]snapshots.Snapshot, error)
	Restore(ctx context.Context, id string) (string, error)
}

// Schedules reads and writes the persisted schedule.
type Schedules interface {
	GetSchedule(ctx context.Context) (store.ScheduleConfig, error)
	SetSchedule(ctx context.Context, enabled bool, intervalValue int, intervalUnit string) (store.ScheduleConfig, error)
}

// Scheduler is the running timer: it takes saved schedules and reports what
// it is currently doing.
type Scheduler interface {
	Reconfigure(cfg store.ScheduleConfig)
	State() scheduler.State
	Config() store.ScheduleConfig
}

// Options holds the collaborators of a Server. Backups and Schedules are
// required.
type Options struct {
	Backups   Backups
	Schedules Schedules
	Scheduler Scheduler
	Audit     *audit.Dispatcher
	// Gatherer backs /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server routes API requests.
type Server struct {
	backups   Backups
	schedules Schedules
	scheduler Scheduler
	audit     *audit.Dispatcher
	logger    *slog.Logger
	router    *mux.Router
}

// failableHandlerFunc is a handler that reports its error instead of writing it.
type failableHandlerFunc func(w http.ResponseWriter, r *http.Request) error

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		backups:   opts.Backups,
		schedules: opts.Schedules,
		scheduler: opts.Scheduler,
		audit:     opts.Audit,
		logger:    opts.Logger.With("component", "api"),
		router:    mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Handle("/backups", s.wrap(s.createBackup)).Methods(http.MethodPost)
	api.Handle("/backups", s.wrap(s.listBackups)).Methods(http.MethodGet)
	api.Handle("/backups/{id}/restore", s.wrap(s.restoreBackup)).Methods(http.MethodPost)
	api.Handle("/schedule", s.wrap(s.getSchedule)).Methods(http.MethodGet)
	api.Handle("/schedule", s.wrap(s.putSchedule)).Methods(http.MethodPut)
	if opts.Scheduler != nil {
		api.Handle("/schedule/active", s.wrap(s.activeSchedule)).Methods(http.MethodGet)
	}

	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
// If ready is non-nil it receives the bound address once listening.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("api listening", "addr", ln.Addr().String())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down api: %w", err)
		}
		return nil
	}
}

func (s *Server) wrap(h failableHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.sendJSONError(w, r, err)
		}
	})
}

type backupResponse struct {
	ID string `json:"id"`
}

type restoreResponse struct {
	Restored string `json:"restored"`
}

// activeResponse is the schedule the timer is running with, which may lag
// the saved one by the settle delay.
type activeResponse struct {
	State string `json:"state"`
	store.ScheduleConfig
}

type errorResponse struct {
	Error string `json:"error"`
}

// scheduleRequest uses pointers so missing fields are rejected rather than
// read as zero values.
type scheduleRequest struct {
	Enabled       *bool   `json:"enabled"`
	IntervalValue *int    `json:"interval_value"`
	IntervalUnit  *string `json:"interval_unit"`
}

func (s *Server) createBackup(w http.ResponseWriter, r *http.Request) error {
	snap, err := s.backups.Run(r.Context(), engine.TriggerManual)
	if err != nil {
		return err
	}
	return sendStatusAndJSON(w, http.StatusCreated, backupResponse{ID: snap.ID})
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) error {
	snaps, err := s.backups.List(r.Context())
	if err != nil {
		return err
	}
	if snaps == nil {
		snaps = []snapshots.Snapshot{}
	}
	return sendStatusAndJSON(w, http.StatusOK, snaps)
}

func (s *Server) restoreBackup(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]
	restored, err := s.backups.Restore(r.Context(), id)
	if err != nil {
		return err
	}
	return sendStatusAndJSON(w, http.StatusOK, restoreResponse{Restored: restored})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) error {
	cfg, err := s.schedules.GetSchedule(r.Context())
	if err != nil {
		return err
	}
	return sendStatusAndJSON(w, http.StatusOK, cfg)
}

func (s *Server) activeSchedule(w http.ResponseWriter, r *http.Request) error {
	return sendStatusAndJSON(w, http.StatusOK, activeResponse{
		State:          s.scheduler.State().String(),
		ScheduleConfig: s.scheduler.Config(),
	})
}

func (s *Server) putSchedule(w http.ResponseWriter, r *http.Request) error {
	var req scheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return badRequest(fmt.Errorf("invalid schedule body: %w", err))
	}
	if req.Enabled == nil || req.IntervalValue == nil || req.IntervalUnit == nil {
		return badRequest(errors.New("enabled, interval_value and interval_unit are required"))
	}

	cfg, err := s.schedules.SetSchedule(r.Context(), *req.Enabled, *req.IntervalValue, *req.IntervalUnit)
	if err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Reconfigure(cfg)
	}
	s.audit.Emit(audit.Event{
		Kind:    audit.ScheduleChanged,
		Message: fmt.Sprintf("enabled=%t every %d %s", cfg.Enabled, cfg.IntervalValue, cfg.IntervalUnit),
	})
	return sendStatusAndJSON(w, http.StatusOK, cfg)
}

// badRequestError marks malformed input.
type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err: err} }

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var br badRequestError
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConfigValidation):
		return http.StatusBadRequest
	case errors.Is(err, snapshots.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, remote.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if werr := sendStatusAndJSON(w, status, errorResponse{Error: err.Error()}); werr != nil {
		s.logger.Error("cannot return error to client", "error", werr)
	}
}

func sendStatusAndJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
