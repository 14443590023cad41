package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON envelope for every non-2xx answer.
type ErrorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: errorBody{Code: code, Message: message}})
}

// writeDomainError maps scheduler errors onto the boundary contract.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrUnknownTaskType), errors.Is(err, domain.ErrUnknownPool):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, domain.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "QUEUE_FULL", err.Error())
	case errors.Is(err, domain.ErrSchedulerStopped):
		writeError(w, http.StatusServiceUnavailable, "STOPPED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Type     string         `json:"type"`
	Payload  domain.Payload `json:"payload"`
	Priority *int           `json:"priority,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "malformed request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "type is required")
		return
	}
	priority := domain.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := s.core.Submit(req.Type, req.Payload, priority)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Debug("Accepted task over HTTP", zap.String("task_id", id), zap.String("type", req.Type))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.core.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Cancel(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type bulkCancelRequest struct {
	Type           string `json:"type,omitempty"`
	IncludeRunning bool   `json:"include_running"`
}

func (s *Server) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	var req bulkCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "malformed request body")
		return
	}
	var res domain.CancelResult
	if req.Type != "" {
		res = s.core.CancelByType(req.Type, req.IncludeRunning)
	} else {
		res = s.core.CancelAll(req.IncludeRunning)
	}
	writeJSON(w, http.StatusOK, res)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "malformed request body")
		return
	}
	if err := s.core.SetPriority(chi.URLParam(r, "id"), req.Priority); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Pause(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Resume(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"tasks": s.core.Stats(),
		"types": s.core.TypeStats(),
		"pools": s.core.PoolStats(),
	}
	if s.batch != nil {
		out["batch_size"] = s.batch.Current()
	}
	if s.residency != nil {
		out["models"] = s.residency.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.PoolStats())
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	if s.residency == nil {
		writeJSON(w, http.StatusOK, domain.ResidencyStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.residency.Stats())
}
