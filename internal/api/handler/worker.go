package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ssbgp/dispatcher/internal/api/response"
	"github.com/ssbgp/dispatcher/internal/store"
	"github.com/ssbgp/dispatcher/pkg/models"
)

// Dispatcher defines the worker-protocol operations the handlers depend on.
type Dispatcher interface {
	Register(ctx context.Context) (string, error)
	NextSimulation(ctx context.Context, simulatorID string) (*models.Simulation, error)
	NotifyFinished(ctx context.Context, simulatorID, simulationID string) error
	NotifyFailed(ctx context.Context, simulatorID, simulationID string) error
}

// NewRegisterHandler returns an http.HandlerFunc for POST /api/v1/simulators.
func NewRegisterHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.Register(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to register simulator", nil)
			return
		}
		response.Created(w, map[string]string{"id": id})
	}
}

// NewNextSimulationHandler returns an http.HandlerFunc for
// POST /api/v1/simulators/{simulatorID}/next. The data field is null when
// no simulation is available.
func NewNextSimulationHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		simulatorID := chi.URLParam(r, "simulatorID")

		sim, err := d.NextSimulation(r.Context(), simulatorID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to fetch next simulation", nil)
			return
		}
		if sim == nil {
			response.JSON(w, nil)
			return
		}
		response.JSON(w, sim)
	}
}

// NewFinishedHandler returns an http.HandlerFunc for
// POST /api/v1/simulators/{simulatorID}/finished.
func NewFinishedHandler(d Dispatcher) http.HandlerFunc {
	return notifyHandler(func(ctx context.Context, simulatorID, simulationID string, d Dispatcher) error {
		return d.NotifyFinished(ctx, simulatorID, simulationID)
	}, d)
}

// NewFailedHandler returns an http.HandlerFunc for
// POST /api/v1/simulators/{simulatorID}/failed.
func NewFailedHandler(d Dispatcher) http.HandlerFunc {
	return notifyHandler(func(ctx context.Context, simulatorID, simulationID string, d Dispatcher) error {
		return d.NotifyFailed(ctx, simulatorID, simulationID)
	}, d)
}

// notifyHandler factors the shared decode/validate/error-mapping of the two
// notification endpoints.
func notifyHandler(notify func(ctx context.Context, simulatorID, simulationID string, d Dispatcher) error, d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		simulatorID := chi.URLParam(r, "simulatorID")

		var req struct {
			SimulationID string `json:"simulation_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.SimulationID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "simulation_id is required", nil)
			return
		}

		err := notify(r.Context(), simulatorID, req.SimulationID, d)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND",
				"No such running simulation for this simulator", nil)
		case errors.Is(err, store.ErrDuplicateKey):
			response.Error(w, http.StatusConflict, "ALREADY_EXISTS",
				"Simulation already recorded in the target state", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to record notification", nil)
		default:
			response.JSON(w, map[string]any{"acknowledged": true})
		}
	}
}
