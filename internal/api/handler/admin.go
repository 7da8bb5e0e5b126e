package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ssbgp/dispatcher/internal/api/response"
	"github.com/ssbgp/dispatcher/internal/cache"
	"github.com/ssbgp/dispatcher/internal/store"
	"github.com/ssbgp/dispatcher/pkg/models"
)

// Admin defines the administrative operations the handlers depend on.
type Admin interface {
	Submit(ctx context.Context, sim *models.Simulation, priority int) error
	Delete(ctx context.Context, simulationID string) error
	Simulations(ctx context.Context) ([]*models.Simulation, error)
	QueuedSimulations(ctx context.Context) ([]*models.QueuedSimulation, error)
	RunningSimulations(ctx context.Context) ([]*models.RunningSimulation, error)
	CompleteSimulations(ctx context.Context) ([]*models.CompleteSimulation, error)
	Simulators(ctx context.Context) ([]string, error)
	Status(ctx context.Context) (*store.Counts, error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/simulations.
// A missing id is filled in with a fresh UUID.
func NewSubmitHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			models.Simulation
			Priority int `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Topology == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "topology is required", nil)
			return
		}
		if req.Repetitions < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "repetitions must be at least 1", nil)
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		err := a.Submit(r.Context(), &req.Simulation, req.Priority)
		switch {
		case errors.Is(err, store.ErrDuplicateKey):
			response.Error(w, http.StatusConflict, "ALREADY_EXISTS",
				"A simulation with this id already exists", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to submit simulation", nil)
		default:
			response.Created(w, map[string]any{"id": req.ID, "priority": req.Priority})
		}
	}
}

// NewListSimulationsHandler returns an http.HandlerFunc for
// GET /api/v1/simulations?state=queued|running|complete|all.
func NewListSimulationsHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var (
			data any
			err  error
		)
		switch state := r.URL.Query().Get("state"); state {
		case "queued":
			data, err = a.QueuedSimulations(ctx)
		case "running":
			data, err = a.RunningSimulations(ctx)
		case "complete":
			data, err = a.CompleteSimulations(ctx)
		case "", "all":
			data, err = a.Simulations(ctx)
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"state must be one of queued, running, complete, all", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to list simulations", nil)
			return
		}
		response.JSON(w, data)
	}
}

// NewDeleteHandler returns an http.HandlerFunc for
// DELETE /api/v1/simulations/{simulationID}. Deleting an unknown
// simulation succeeds.
func NewDeleteHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		simulationID := chi.URLParam(r, "simulationID")

		if err := a.Delete(r.Context(), simulationID); err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to delete simulation", nil)
			return
		}
		response.JSON(w, map[string]any{"deleted": simulationID})
	}
}

// NewListSimulatorsHandler returns an http.HandlerFunc for
// GET /api/v1/simulators.
func NewListSimulatorsHandler(a Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := a.Simulators(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to list simulators", nil)
			return
		}
		response.JSON(w, ids)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/status.
// Counts are cached for a short TTL since the status page is polled far
// more often than state changes.
func NewStatusHandler(a Admin, c cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if cached, found, err := c.Get(ctx, cache.StatusKey()); err == nil && found {
			var counts store.Counts
			if json.Unmarshal(cached, &counts) == nil {
				response.JSON(w, counts)
				return
			}
		}

		counts, err := a.Status(ctx)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to read status", nil)
			return
		}

		if buf, err := json.Marshal(counts); err == nil {
			// Best effort; a cache failure never fails the request.
			_ = c.Set(ctx, cache.StatusKey(), buf, ttl)
		}
		response.JSON(w, counts)
	}
}
