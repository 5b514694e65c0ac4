// Package api exposes the active storage backend over HTTP: backend
// diagnostics and switching, record CRUD against the server-owned handle,
// and a change feed for backends that support replication.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/changes"
	"github.com/seantiz/stowage/internal/selection"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies. It owns one
// storage handle for the active backend and replaces it on every switch.
type Server struct {
	router    *chi.Mux
	registry  *backend.Registry
	selection *selection.Controller
	broker    *changes.Broker
	logger    *slog.Logger
	addr      string

	// switchMu serializes backend switches.
	switchMu sync.Mutex

	// mu guards the handle. Requests hold the read lock while they use it so
	// a switch never closes a handle under an in-flight request.
	mu      sync.RWMutex
	storage backend.Storage
	desc    backend.Descriptor
}

// NewServer creates and configures a new HTTP server. Call Activate or
// ActivateCurrent before serving record requests.
func NewServer(addr string, reg *backend.Registry, ctrl *selection.Controller, broker *changes.Broker, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		registry:  reg,
		selection: ctrl,
		broker:    broker,
		logger:    logger,
		addr:      addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/backends", func(r chi.Router) {
		r.Get("/", s.handleListBackends)
		r.Get("/active", s.handleGetActive)
		r.Put("/active", s.handleSetActive)
	})

	s.router.Route("/v1/records", func(r chi.Router) {
		r.Post("/", s.handlePutRecord)
		r.Post("/bulk", s.handleBulkPut)
		r.Get("/", s.handleQueryRecords)
		r.Get("/{id}", s.handleGetRecord)
		r.Delete("/{id}", s.handleDeleteRecord)
		r.Put("/{id}/attachments/{name}", s.handlePutAttachment)
		r.Get("/{id}/attachments/{name}", s.handleGetAttachment)
	})

	s.router.Get("/v1/changes", s.handleStreamChanges)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ActivateCurrent opens a handle for the controller's current selection,
// typically right after SelectDefault at startup.
func (s *Server) ActivateCurrent(ctx context.Context) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	st, d, err := s.selection.Open(ctx)
	if err != nil {
		return err
	}
	s.swap(st, d)
	return nil
}

// Activate makes name the active backend and opens a handle for it. On
// failure the previous selection and handle stay in place.
func (s *Server) Activate(ctx context.Context, name string) (backend.Descriptor, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	prev, prevErr := s.selection.Current()

	if err := s.selection.SetActive(name); err != nil {
		return backend.Descriptor{}, err
	}
	st, d, err := s.selection.Open(ctx)
	if err != nil {
		if prevErr == nil {
			if rerr := s.selection.SetActive(prev.Descriptor.Name); rerr != nil {
				s.logger.Error("restore previous backend", "backend", prev.Descriptor.Name, "error", rerr)
			}
		}
		return backend.Descriptor{}, err
	}
	s.swap(st, d)
	backendSwitchesTotal.WithLabelValues(d.Name).Inc()
	return d, nil
}

// swap installs a new handle and closes the one it replaces.
func (s *Server) swap(st backend.Storage, d backend.Descriptor) {
	s.mu.Lock()
	old, oldDesc := s.storage, s.desc
	s.storage, s.desc = st, d
	s.mu.Unlock()

	if old == nil {
		return
	}
	// Change feeds describe one handle's writes; subscribers must reconnect.
	s.broker.Close(oldDesc.Name)
	if err := old.Close(); err != nil {
		s.logger.Warn("close previous storage", "backend", oldDesc.Name, "error", err)
	}
}

// active runs fn with the server-owned handle held against concurrent switches.
func (s *Server) active(fn func(st backend.Storage, d backend.Descriptor) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.storage == nil {
		return selection.ErrNotInitialized
	}
	return fn(s.storage, s.desc)
}

// Close releases the server-owned handle.
func (s *Server) Close() error {
	s.mu.Lock()
	st, d := s.storage, s.desc
	s.storage = nil
	s.mu.Unlock()

	if st == nil {
		return nil
	}
	s.broker.Close(d.Name)
	if err := st.Close(); err != nil {
		return fmt.Errorf("close %s storage: %w", d.Name, err)
	}
	return nil
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
