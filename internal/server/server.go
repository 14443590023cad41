// Package server exposes the scheduler control surface over HTTP. It is a
// thin boundary: every operation maps one-to-one onto a scheduler call, with
// domain errors translated to status codes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/cr4342/msearch-sub004/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Core is the scheduler surface the handlers consume.
type Core interface {
	Submit(taskType string, payload domain.Payload, priority int) (string, error)
	Get(id string) (*domain.Task, error)
	Cancel(id string) error
	CancelAll(includeRunning bool) domain.CancelResult
	CancelByType(taskType string, includeRunning bool) domain.CancelResult
	SetPriority(id string, priority int) error
	Pause(id string) error
	Resume(id string) error
	Stats() domain.TaskStats
	TypeStats() map[string]domain.TaskStats
	PoolStats() map[string]domain.PoolStats
}

type Server struct {
	core      Core
	batch     *service.BatchSizeController
	residency *service.ModelResidencyManager
	router    chi.Router
	http      *http.Server
	log       *zap.Logger
}

// New wires the routes. batch and residency may be nil; their stats sections
// are omitted then.
func New(addr string, core Core, batch *service.BatchSizeController, residency *service.ModelResidencyManager, log *zap.Logger) *Server {
	s := &Server{
		core:      core,
		batch:     batch,
		residency: residency,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Post("/tasks/cancel", s.handleBulkCancel)
		r.Get("/tasks/{id}", s.handleGet)
		r.Delete("/tasks/{id}", s.handleCancel)
		r.Put("/tasks/{id}/priority", s.handleSetPriority)
		r.Post("/tasks/{id}/pause", s.handlePause)
		r.Post("/tasks/{id}/resume", s.handleResume)
		r.Get("/stats", s.handleStats)
		r.Get("/pools", s.handlePools)
		r.Get("/models", s.handleModels)
	})

	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP API listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
