// Package httpapi exposes the reconciliation engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
	"github.com/jask/recon/internal/service"
)

const maxUploadBytes = 32 << 20

// Server routes requests to the services.
type Server struct {
	svc    *service.Services
	cfg    config.Config
	router *mux.Router
}

func New(svc *service.Services, cfg config.Config) *Server {
	s := &Server{svc: svc, cfg: cfg, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(logRequests)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	a := r.PathPrefix("/accounts/{id}").Subrouter()
	a.HandleFunc("/statements", s.importStatement).Methods(http.MethodPost)
	a.HandleFunc("/match", s.runMatching).Methods(http.MethodPost)
	a.HandleFunc("/summary", s.summary).Methods(http.MethodGet)
	a.HandleFunc("/batches/{batchID}", s.batch).Methods(http.MethodGet)
	a.HandleFunc("/events", s.upsertEvents).Methods(http.MethodPost)

	t := r.PathPrefix("/transactions/{id}").Subrouter()
	t.HandleFunc("/history", s.history).Methods(http.MethodGet)
	t.HandleFunc("/suggestions", s.suggestions).Methods(http.MethodGet)
	t.HandleFunc("/manual-match", s.manualMatch).Methods(http.MethodPost)
	t.HandleFunc("/unmatch", s.unmatch).Methods(http.MethodPost)
	t.HandleFunc("/dispute", s.dispute).Methods(http.MethodPost)
	t.HandleFunc("/resolve", s.resolve).Methods(http.MethodPost)
	t.HandleFunc("/ignore", s.ignore).Methods(http.MethodPost)
	t.HandleFunc("/reopen", s.reopen).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.L.Info("http listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.L.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("encode response", "err", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.L.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps service sentinels to HTTP status codes.
func statusFor(err error) int {
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAccountNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, service.ErrEventNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrActiveMatchExists),
		errors.Is(err, service.ErrEventAlreadyMatched),
		errors.Is(err, service.ErrNoActiveMatch),
		errors.Is(err, service.ErrPassInProgress),
		errors.Is(err, service.ErrAccountImmutable):
		return http.StatusConflict
	case errors.Is(err, service.ErrReasonRequired),
		errors.Is(err, service.ErrAccountInactive),
		errors.Is(err, service.ErrEventAccountMismatch),
		errors.Is(err, service.ErrInvalidEvent),
		errors.Is(err, service.ErrFormatChannel),
		errors.Is(err, service.ErrInvalidRule):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// badRequest marks malformed input.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{msg: "invalid request body: " + err.Error()}
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
