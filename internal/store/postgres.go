package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ssbgp/dispatcher/pkg/models"
)

const simulationColumns = `id, report_path, topology, destination, repetitions, min_delay, max_delay, threshold, stubs_file, seed`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Inserts ---

func (s *PostgresStore) InsertSimulator(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO simulator (id) VALUES ($1)`, id)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert simulator: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertSimulation(ctx context.Context, sim *models.Simulation) error {
	err := insertSimulation(ctx, s.pool, sim)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert simulation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, simulationID string, priority int) error {
	err := enqueue(ctx, s.pool, simulationID, priority)
	if err != nil {
		switch {
		case isForeignKeyError(err):
			return ErrNotFound
		case isDuplicateKeyError(err):
			return ErrDuplicateKey
		}
		return fmt.Errorf("enqueue simulation: %w", err)
	}
	return nil
}

// Submit inserts a simulation and places it in the queue as one atomic unit.
func (s *PostgresStore) Submit(ctx context.Context, sim *models.Simulation, priority int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertSimulation(ctx, tx, sim); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("submit simulation: %w", err)
	}
	if err := enqueue(ctx, tx, sim.ID, priority); err != nil {
		return fmt.Errorf("submit enqueue: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit submit: %w", err)
	}
	return nil
}

// --- Lifecycle transitions ---

// Assign atomically moves a simulation from the queue to the running table,
// bound to the given simulator. The simulation row is locked for the
// duration of the transaction so concurrent transitions on the same
// simulation serialize.
func (s *PostgresStore) Assign(ctx context.Context, simulationID, simulatorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin assign: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSimulation(ctx, tx, simulationID); err != nil {
		return err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM simulator WHERE id = $1)`, simulatorID).Scan(&exists); err != nil {
		return fmt.Errorf("check simulator: %w", err)
	}
	if !exists {
		return ErrNotFound
	}

	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM complete WHERE simulation_id = $1)`, simulationID).Scan(&exists); err != nil {
		return fmt.Errorf("check complete: %w", err)
	}
	if exists {
		return ErrDuplicateKey
	}

	// Carry the queue priority onto the running row so a failure can
	// requeue the simulation where it left off.
	priority := 0
	err = tx.QueryRow(ctx,
		`DELETE FROM queue WHERE simulation_id = $1 RETURNING priority`, simulationID).Scan(&priority)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("dequeue simulation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO running (simulator_id, simulation_id, priority) VALUES ($1, $2, $3)`,
		simulatorID, simulationID, priority)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit assign: %w", err)
	}
	return nil
}

// Complete atomically removes the running entry for a simulation and
// records its completion.
func (s *PostgresStore) Complete(ctx context.Context, simulationID, simulatorID string, finishedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSimulation(ctx, tx, simulationID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM running WHERE simulation_id = $1`, simulationID)
	if err != nil {
		return fmt.Errorf("remove running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO complete (simulator_id, simulation_id, finish_datetime) VALUES ($1, $2, $3)`,
		simulatorID, simulationID, models.FormatFinishTime(finishedAt.UTC()))
	if err != nil {
		switch {
		case isForeignKeyError(err):
			return ErrNotFound
		case isDuplicateKeyError(err):
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert complete: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Requeue atomically returns a running simulation to the queue at the
// priority it was assigned with.
func (s *PostgresStore) Requeue(ctx context.Context, simulationID, simulatorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockSimulation(ctx, tx, simulationID); err != nil {
		return err
	}

	var priority int
	err = tx.QueryRow(ctx,
		`DELETE FROM running WHERE simulation_id = $1 AND simulator_id = $2 RETURNING priority`,
		simulationID, simulatorID).Scan(&priority)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove running: %w", err)
	}

	if err := enqueue(ctx, tx, simulationID, priority); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("requeue simulation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	return nil
}

// DeleteSimulation removes a simulation and, via cascade, whichever
// placement entry currently holds it. Deleting an absent simulation is a
// no-op.
func (s *PostgresStore) DeleteSimulation(ctx context.Context, simulationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM simulation WHERE id = $1`, simulationID)
	if err != nil {
		return fmt.Errorf("delete simulation: %w", err)
	}
	return nil
}

// --- Reads ---

func (s *PostgresStore) RunningSimulationFor(ctx context.Context, simulatorID string) (*models.Simulation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+prefixed("s")+`
		 FROM simulation s JOIN running r ON s.id = r.simulation_id
		 WHERE r.simulator_id = $1 LIMIT 1`, simulatorID)

	sim, err := scanSimulation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get running simulation: %w", err)
	}
	return sim, nil
}

func (s *PostgresStore) HighestPriorityQueued(ctx context.Context) (*models.QueuedSimulation, error) {
	var q models.QueuedSimulation
	err := s.pool.QueryRow(ctx,
		`SELECT `+prefixed("s")+`, q.priority
		 FROM simulation s JOIN queue q ON s.id = q.simulation_id
		 ORDER BY q.priority DESC, q.position ASC LIMIT 1`,
	).Scan(simulationFields(&q.Simulation, &q.Priority)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get highest priority queued: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) AllSimulations(ctx context.Context) ([]*models.Simulation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+simulationColumns+` FROM simulation`)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	var sims []*models.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan simulation: %w", err)
		}
		sims = append(sims, sim)
	}
	return sims, rows.Err()
}

// QueuedSimulations lists queued simulations ordered by descending
// priority, ties broken by enqueue order.
func (s *PostgresStore) QueuedSimulations(ctx context.Context) ([]*models.QueuedSimulation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixed("s")+`, q.priority
		 FROM simulation s JOIN queue q ON s.id = q.simulation_id
		 ORDER BY q.priority DESC, q.position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queued simulations: %w", err)
	}
	defer rows.Close()

	var queued []*models.QueuedSimulation
	for rows.Next() {
		var q models.QueuedSimulation
		if err := rows.Scan(simulationFields(&q.Simulation, &q.Priority)...); err != nil {
			return nil, fmt.Errorf("scan queued simulation: %w", err)
		}
		queued = append(queued, &q)
	}
	return queued, rows.Err()
}

func (s *PostgresStore) RunningSimulations(ctx context.Context) ([]*models.RunningSimulation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixed("s")+`, r.simulator_id
		 FROM simulation s JOIN running r ON s.id = r.simulation_id`)
	if err != nil {
		return nil, fmt.Errorf("list running simulations: %w", err)
	}
	defer rows.Close()

	var running []*models.RunningSimulation
	for rows.Next() {
		var r models.RunningSimulation
		if err := rows.Scan(simulationFields(&r.Simulation, &r.SimulatorID)...); err != nil {
			return nil, fmt.Errorf("scan running simulation: %w", err)
		}
		running = append(running, &r)
	}
	return running, rows.Err()
}

func (s *PostgresStore) CompleteSimulations(ctx context.Context) ([]*models.CompleteSimulation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixed("s")+`, c.simulator_id, c.finish_datetime
		 FROM simulation s JOIN complete c ON s.id = c.simulation_id`)
	if err != nil {
		return nil, fmt.Errorf("list complete simulations: %w", err)
	}
	defer rows.Close()

	var complete []*models.CompleteSimulation
	for rows.Next() {
		var c models.CompleteSimulation
		var finished string
		if err := rows.Scan(simulationFields(&c.Simulation, &c.SimulatorID, &finished)...); err != nil {
			return nil, fmt.Errorf("scan complete simulation: %w", err)
		}
		t, err := models.ParseFinishTime(finished)
		if err != nil {
			return nil, fmt.Errorf("parse finish time %q: %w", finished, err)
		}
		c.FinishedAt = t
		complete = append(complete, &c)
	}
	return complete, rows.Err()
}

func (s *PostgresStore) SimulatorIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM simulator`)
	if err != nil {
		return nil, fmt.Errorf("list simulators: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan simulator id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM queue),
		   (SELECT COUNT(*) FROM running),
		   (SELECT COUNT(*) FROM complete),
		   (SELECT COUNT(*) FROM simulator)`,
	).Scan(&c.Queued, &c.Running, &c.Complete, &c.Simulators)
	if err != nil {
		return nil, fmt.Errorf("count simulations: %w", err)
	}
	return &c, nil
}

// --- helpers ---

// executor covers both pgxpool.Pool and pgx.Tx.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertSimulation(ctx context.Context, db executor, sim *models.Simulation) error {
	_, err := db.Exec(ctx,
		`INSERT INTO simulation (`+simulationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sim.ID, sim.ReportPath, sim.Topology, sim.Destination, sim.Repetitions,
		sim.MinDelay, sim.MaxDelay, sim.Threshold, sim.StubsFile, sim.Seed)
	return err
}

func enqueue(ctx context.Context, db executor, simulationID string, priority int) error {
	_, err := db.Exec(ctx,
		`INSERT INTO queue (simulation_id, priority) VALUES ($1, $2)`,
		simulationID, priority)
	return err
}

// lockSimulation takes a row lock on the simulation so lifecycle
// transitions on the same simulation serialize. Returns ErrNotFound if the
// simulation does not exist.
func lockSimulation(ctx context.Context, tx pgx.Tx, simulationID string) error {
	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM simulation WHERE id = $1 FOR UPDATE`, simulationID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock simulation: %w", err)
	}
	return nil
}

func scanSimulation(row pgx.Row) (*models.Simulation, error) {
	var sim models.Simulation
	if err := row.Scan(simulationFields(&sim)...); err != nil {
		return nil, err
	}
	return &sim, nil
}

// simulationFields returns scan destinations for simulationColumns,
// followed by any extra destinations.
func simulationFields(sim *models.Simulation, extra ...any) []any {
	fields := []any{
		&sim.ID, &sim.ReportPath, &sim.Topology, &sim.Destination, &sim.Repetitions,
		&sim.MinDelay, &sim.MaxDelay, &sim.Threshold, &sim.StubsFile, &sim.Seed,
	}
	return append(fields, extra...)
}

// prefixed qualifies simulationColumns with a table alias.
func prefixed(alias string) string {
	return alias + ".id, " + alias + ".report_path, " + alias + ".topology, " +
		alias + ".destination, " + alias + ".repetitions, " + alias + ".min_delay, " +
		alias + ".max_delay, " + alias + ".threshold, " + alias + ".stubs_file, " + alias + ".seed"
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyError checks if a pgx error is a foreign key violation.
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
