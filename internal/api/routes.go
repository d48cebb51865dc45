package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bal-adresse/publication-server/internal/scheduler"
	"github.com/bal-adresse/publication-server/internal/sync"
)

// Handler carries the dependencies of the admin routes.
type Handler struct {
	scheduler *scheduler.Scheduler
	manager   sync.Manager
}

// NewHandler creates the admin route handler.
func NewHandler(sched *scheduler.Scheduler, manager sync.Manager) *Handler {
	return &Handler{scheduler: sched, manager: manager}
}

// healthResponse is the health check payload
type healthResponse struct {
	Status string `json:"status"`
}

// enqueuedResponse acknowledges an accepted task
type enqueuedResponse struct {
	Enqueued string `json:"enqueued"`
}

func (*Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleDispatchTask enqueues a named task. The task runs on the serial
// queue; the response only acknowledges acceptance.
func (h *Handler) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	task, err := h.scheduler.Dispatch(name)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.scheduler.Enqueue(task); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{Enqueued: name})
}

// handleForcePublish runs a forced exec for one record through the serial
// queue and waits for its result, so the caller learns whether the forced
// publication went through.
func (h *Handler) handleForcePublish(w http.ResponseWriter, r *http.Request) {
	balID, err := uuid.Parse(chi.URLParam(r, "balID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base locale id")
		return
	}

	task := scheduler.Task{
		Name: scheduler.TaskForcePublish,
		Run: func(ctx context.Context) error {
			_, err := h.manager.Exec(ctx, balID, sync.ExecOptions{Force: true})
			return err
		},
	}

	result, err := h.scheduler.EnqueueWait(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// errorResponse is the error payload
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
