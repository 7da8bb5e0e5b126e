package models

import "time"

// FinishTimeLayout is the fixed format used to persist simulation finish
// timestamps (second resolution). Existing data files use this exact
// format, so it must not change.
const FinishTimeLayout = "2006-01-02_15:04:05"

// Simulation describes one unit of simulation work. It is immutable once
// submitted; only its placement (queued/running/complete) changes over its
// lifetime.
type Simulation struct {
	ID          string `db:"id"          json:"id"`
	ReportPath  string `db:"report_path" json:"report_path"`
	Topology    string `db:"topology"    json:"topology"`
	Destination int    `db:"destination" json:"destination"`
	Repetitions int    `db:"repetitions" json:"repetitions"`
	MinDelay    int    `db:"min_delay"   json:"min_delay"`
	MaxDelay    int    `db:"max_delay"   json:"max_delay"`
	Threshold   int    `db:"threshold"   json:"threshold"`
	StubsFile   string `db:"stubs_file"  json:"stubs_file"`
	Seed        *int64 `db:"seed"        json:"seed,omitempty"`
}

// QueuedSimulation is a simulation joined with its queue placement.
type QueuedSimulation struct {
	Simulation
	Priority int `db:"priority" json:"priority"`
}

// RunningSimulation is a simulation joined with the simulator executing it.
type RunningSimulation struct {
	Simulation
	SimulatorID string `db:"simulator_id" json:"simulator_id"`
}

// CompleteSimulation is a simulation joined with its completion record.
type CompleteSimulation struct {
	Simulation
	SimulatorID string    `db:"simulator_id"    json:"simulator_id"`
	FinishedAt  time.Time `db:"finish_datetime" json:"finished_at"`
}

// FormatFinishTime renders t in the persisted finish-timestamp format.
func FormatFinishTime(t time.Time) string {
	return t.Format(FinishTimeLayout)
}

// ParseFinishTime parses a persisted finish timestamp.
func ParseFinishTime(s string) (time.Time, error) {
	return time.Parse(FinishTimeLayout, s)
}
