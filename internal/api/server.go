// Package api exposes the batch controls over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/MikeSquared-Agency/threadexport/internal/batch"
)

// Controller is the subset of the orchestrator the API drives.
type Controller interface {
	Start(ctx context.Context, req batch.StartRequest) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) bool
	Inspect(ctx context.Context) (batch.Status, error)
}

type Server struct {
	router   *chi.Mux
	port     int
	ctrl     Controller
	defaults batch.Options
	runCtx   context.Context
	logger   *slog.Logger
}

// NewServer builds the router. Batches started through the API run under
// runCtx rather than the request context.
func NewServer(runCtx context.Context, port int, apiToken string, ctrl Controller, defaults batch.Options, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		ctrl:     ctrl,
		defaults: defaults,
		runCtx:   runCtx,
		logger:   logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1/batch", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/status", s.status)
		r.Post("/start", s.start)
		r.Post("/resume", s.resume)
		r.Post("/cancel", s.cancel)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// BearerAuthMiddleware rejects requests without the expected bearer token.
// An empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StartBody is the JSON body of POST /api/v1/batch/start. Omitted fields
// fall back to the server defaults.
type StartBody struct {
	Count             int    `json:"count"`
	Replace           bool   `json:"replace"`
	AccountName       string `json:"account_name,omitempty"`
	FolderGranularity string `json:"folder_granularity,omitempty"`
	DebugLog          *bool  `json:"debug_log,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Inspect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var body StartBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if body.Count < 0 {
		writeError(w, http.StatusBadRequest, "count must not be negative")
		return
	}

	opts := s.defaults
	if body.AccountName != "" {
		opts.AccountName = body.AccountName
	}
	switch g := batch.FolderGranularity(body.FolderGranularity); g {
	case "":
	case batch.FolderByYear, batch.FolderByMonth:
		opts.FolderGranularity = g
	default:
		writeError(w, http.StatusBadRequest, "folder_granularity must be year or month")
		return
	}
	if body.DebugLog != nil {
		opts.DebugLogEnabled = *body.DebugLog
	}

	err := s.ctrl.Start(s.runCtx, batch.StartRequest{Count: body.Count, Options: opts, Replace: body.Replace})
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.logger.Info("batch start requested", "count", body.Count, "replace", body.Replace)
	s.accepted(w, r)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(s.runCtx); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.logger.Info("batch resume requested")
	s.accepted(w, r)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Cancel(r.Context()) {
		writeError(w, http.StatusConflict, "nothing to cancel")
		return
	}
	s.accepted(w, r)
}

func (s *Server) accepted(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Inspect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrAlreadyRunning), errors.Is(err, batch.ErrCheckpointExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrNoCheckpoint):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("batch control failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
