package domain

import "time"

// RunType distinguishes analysis runs from execution runs
type RunType string

const (
	RunAnalysis  RunType = "analysis"
	RunExecution RunType = "execution"
)

// RunStatus represents the state of an autopilot run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// IsTerminal returns true once a run can no longer change status
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunSkipped
}

// AutopilotRun is the audit record of one analysis or execution attempt.
// It is created in the running state and moved to a terminal status exactly
// once; LastActivityAt is refreshed while the agent streams output so a
// watchdog can tell a working run from a hung one.
type AutopilotRun struct {
	ID             string
	RepositoryID   string
	Type           RunType
	Status         RunStatus
	ItemsProcessed int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
	LastActivityAt time.Time
}

// Duration returns how long the run took, or how long it has been running
func (r *AutopilotRun) Duration() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
