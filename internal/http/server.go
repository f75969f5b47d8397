package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"walkv/pkg/dberrors"
	"walkv/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	Put(key, value []byte, wo store.WriteOptions) error
	Get(key []byte) ([]byte, bool, error)
	Delete(key []byte, wo store.WriteOptions) error
	FlushWAL(sync bool) error
	Stats() store.Stats
}

// iFaultEnv is the fault-injection switch of the medium under the store.
type iFaultEnv interface {
	SetFailOnWrite(fail bool)
	FailOnWrite() bool
}

// Server represents the HTTP server with storage
type Server struct {
	store      iStoreAPI
	env        iFaultEnv
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

type Option func(*Server)

// WithFaultEnv exposes the fail-on-write switch at /api/env/fail-on-write.
func WithFaultEnv(env iFaultEnv) Option {
	return func(s *Server) {
		s.env = env
	}
}

// WithMetricsHandler serves h at /metrics instead of the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readHeaderTimeout = d
		}
	}
}

// NewServer creates a new server instance
func NewServer(st iStoreAPI, port string, opts ...Option) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		store:             st,
		metrics:           promhttp.Handler(),
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Put("/kv", s.handlePut)
		r.Get("/kv", s.handleGet)
		r.Delete("/kv", s.handleDelete)
		r.Post("/wal/flush", s.handleFlush)
		r.Get("/stats", s.handleStats)
		r.Post("/env/fail-on-write", s.handleFailOnWrite)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// boolParam reads an optional boolean query parameter.
func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func writeOptions(r *http.Request) (store.WriteOptions, error) {
	disableWAL, err := boolParam(r, "disable_wal")
	if err != nil {
		return store.WriteOptions{}, err
	}
	sync, err := boolParam(r, "sync")
	if err != nil {
		return store.WriteOptions{}, err
	}
	return store.WriteOptions{DisableWAL: disableWAL, Sync: sync}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	wo, err := writeOptions(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	if err := s.store.Put([]byte(key), []byte(value), wo); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found, err := s.store.Get([]byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, fmt.Errorf("%w: key %q", dberrors.ErrNotFound, key))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	wo, err := writeOptions(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	if err := s.store.Delete([]byte(key), wo); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sync, err := boolParam(r, "sync")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	if err := s.store.FlushWAL(sync); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(s.store.Stats()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewDataResponse(s.store.Stats()))
}

func (s *Server) handleFailOnWrite(w http.ResponseWriter, r *http.Request) {
	if s.env == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Fault injection not enabled"))
		return
	}

	enabled, err := boolParam(r, "enabled")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	s.env.SetFailOnWrite(enabled)
	s.writeJSON(w, http.StatusOK, NewDataResponse(map[string]bool{"fail_on_write": s.env.FailOnWrite()}))
}
