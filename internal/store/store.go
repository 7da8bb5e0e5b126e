package store

import (
	"context"
	"errors"
	"time"

	"github.com/ssbgp/dispatcher/pkg/models"
)

var ErrNotFound = errors.New("entry not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. It is the sole authority over
// persisted dispatch state: every mutation commits or rolls back as a
// single unit and never leaves a simulation in more than one of
// queue/running/complete.
type Store interface {
	Ping(ctx context.Context) error

	InsertSimulator(ctx context.Context, id string) error
	InsertSimulation(ctx context.Context, sim *models.Simulation) error
	Enqueue(ctx context.Context, simulationID string, priority int) error
	Submit(ctx context.Context, sim *models.Simulation, priority int) error

	Assign(ctx context.Context, simulationID, simulatorID string) error
	Complete(ctx context.Context, simulationID, simulatorID string, finishedAt time.Time) error
	Requeue(ctx context.Context, simulationID, simulatorID string) error
	DeleteSimulation(ctx context.Context, simulationID string) error

	RunningSimulationFor(ctx context.Context, simulatorID string) (*models.Simulation, error)
	HighestPriorityQueued(ctx context.Context) (*models.QueuedSimulation, error)

	AllSimulations(ctx context.Context) ([]*models.Simulation, error)
	QueuedSimulations(ctx context.Context) ([]*models.QueuedSimulation, error)
	RunningSimulations(ctx context.Context) ([]*models.RunningSimulation, error)
	CompleteSimulations(ctx context.Context) ([]*models.CompleteSimulation, error)
	SimulatorIDs(ctx context.Context) ([]string, error)

	Counts(ctx context.Context) (*Counts, error)
}

// Counts summarizes how many simulations sit in each lifecycle state.
type Counts struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Complete   int `json:"complete"`
	Simulators int `json:"simulators"`
}
