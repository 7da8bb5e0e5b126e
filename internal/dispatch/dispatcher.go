// Package dispatch implements the worker-facing dispatch protocol on top
// of the store: simulator registration, atomic assignment of queued
// simulations, and completion/failure bookkeeping.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ssbgp/dispatcher/internal/store"
	"github.com/ssbgp/dispatcher/pkg/models"
)

// maxRegisterAttempts bounds the generate-then-insert retry loop so an id
// generator gone wrong surfaces as an error instead of spinning forever.
const maxRegisterAttempts = 5

// Dispatcher distributes simulations to registered simulators. It holds no
// state of its own beyond the store handle; after a restart it resumes from
// whatever the store says.
type Dispatcher struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Dispatcher over the given store. A nil logger falls back
// to slog.Default.
func New(s store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  s,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Register mints a fresh simulator id, records it, and returns it.
// Collisions are retried up to maxRegisterAttempts.
func (d *Dispatcher) Register(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= maxRegisterAttempts; attempt++ {
		id := d.newID()

		err := d.store.InsertSimulator(ctx, id)
		if errors.Is(err, store.ErrDuplicateKey) {
			d.logger.Warn("simulator id collision", "attempt", attempt)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("register simulator: %w", err)
		}

		d.logger.Info("simulator registered", "simulator_id", id)
		return id, nil
	}
	return "", fmt.Errorf("register simulator: gave up after %d id collisions", maxRegisterAttempts)
}

// NextSimulation returns the simulation the simulator should execute, or
// nil if no work is available.
//
// A simulator that already holds an assignment gets that same simulation
// back, so retries and reconnects never cause double-assignment. Otherwise
// the highest-priority queued simulation is assigned; when several callers
// race for the same entry, exactly one wins and the rest move on to the
// next entry. An unregistered simulator id sees no work rather than an
// error.
func (d *Dispatcher) NextSimulation(ctx context.Context, simulatorID string) (*models.Simulation, error) {
	current, err := d.store.RunningSimulationFor(ctx, simulatorID)
	if err == nil {
		d.logger.Info("simulation re-sent", "simulation_id", current.ID, "simulator_id", simulatorID)
		return current, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("query running simulation: %w", err)
	}

	for {
		queued, err := d.store.HighestPriorityQueued(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read queue: %w", err)
		}

		err = d.store.Assign(ctx, queued.ID, simulatorID)
		switch {
		case err == nil:
			d.logger.Info("simulation assigned",
				"simulation_id", queued.ID,
				"simulator_id", simulatorID,
				"priority", queued.Priority,
			)
			return &queued.Simulation, nil

		case errors.Is(err, store.ErrDuplicateKey):
			// Lost the race for this entry; pick again.
			continue

		case errors.Is(err, store.ErrNotFound):
			// The simulator is unregistered, or the simulation vanished
			// between selection and assignment. Either way the caller
			// simply sees no available work.
			return nil, nil

		default:
			return nil, fmt.Errorf("assign simulation %s: %w", queued.ID, err)
		}
	}
}

// NotifyFinished records that a simulator finished executing a simulation,
// moving it from running to complete.
func (d *Dispatcher) NotifyFinished(ctx context.Context, simulatorID, simulationID string) error {
	if err := d.store.Complete(ctx, simulationID, simulatorID, d.now()); err != nil {
		return fmt.Errorf("complete simulation %s: %w", simulationID, err)
	}
	d.logger.Info("simulation finished", "simulation_id", simulationID, "simulator_id", simulatorID)
	return nil
}

// NotifyFailed returns a simulation the simulator could not execute to the
// queue, at the priority it was assigned with, so another simulator can
// pick it up.
func (d *Dispatcher) NotifyFailed(ctx context.Context, simulatorID, simulationID string) error {
	if err := d.store.Requeue(ctx, simulationID, simulatorID); err != nil {
		return fmt.Errorf("requeue simulation %s: %w", simulationID, err)
	}
	d.logger.Warn("simulation failed, requeued", "simulation_id", simulationID, "simulator_id", simulatorID)
	return nil
}

// Submit inserts a new simulation and enqueues it at the given priority as
// one atomic operation.
func (d *Dispatcher) Submit(ctx context.Context, sim *models.Simulation, priority int) error {
	if err := d.store.Submit(ctx, sim, priority); err != nil {
		return fmt.Errorf("submit simulation %s: %w", sim.ID, err)
	}
	d.logger.Info("simulation submitted", "simulation_id", sim.ID, "priority", priority)
	return nil
}

// Delete removes a simulation from the system, whatever its state. It is a
// no-op for unknown ids.
func (d *Dispatcher) Delete(ctx context.Context, simulationID string) error {
	if err := d.store.DeleteSimulation(ctx, simulationID); err != nil {
		return fmt.Errorf("delete simulation %s: %w", simulationID, err)
	}
	d.logger.Info("simulation deleted", "simulation_id", simulationID)
	return nil
}

// Simulations lists all simulations regardless of state.
func (d *Dispatcher) Simulations(ctx context.Context) ([]*models.Simulation, error) {
	return d.store.AllSimulations(ctx)
}

// QueuedSimulations lists queued simulations in dispatch order.
func (d *Dispatcher) QueuedSimulations(ctx context.Context) ([]*models.QueuedSimulation, error) {
	return d.store.QueuedSimulations(ctx)
}

// RunningSimulations lists simulations currently assigned to simulators.
func (d *Dispatcher) RunningSimulations(ctx context.Context) ([]*models.RunningSimulation, error) {
	return d.store.RunningSimulations(ctx)
}

// CompleteSimulations lists finished simulations.
func (d *Dispatcher) CompleteSimulations(ctx context.Context) ([]*models.CompleteSimulation, error) {
	return d.store.CompleteSimulations(ctx)
}

// Simulators lists the ids of all registered simulators.
func (d *Dispatcher) Simulators(ctx context.Context) ([]string, error) {
	return d.store.SimulatorIDs(ctx)
}

// Status reports how many simulations sit in each lifecycle state.
func (d *Dispatcher) Status(ctx context.Context) (*store.Counts, error) {
	return d.store.Counts(ctx)
}
