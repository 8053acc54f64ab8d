package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the models persisted in the `runs`, `jobs` and `reports` tables

type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
	RunStatusError   RunStatus = "error"
	RunStatusBlocked RunStatus = "blocked"
)

// IsTerminal reports whether a run in this status has a settled verdict
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusPassed, RunStatusFailed, RunStatusError, RunStatusBlocked:
		return true
	default:
		return false
	}
}

// Run is a model representing the `runs` table
type Run struct {
	ID           string      `db:"id" json:"id"`
	JobID        null.String `db:"job_id" json:"jobId"`
	Status       RunStatus   `db:"status" json:"status"`
	DurationMs   null.Int    `db:"duration_ms" json:"durationMs"`
	StartedAt    null.Time   `db:"started_at" json:"startedAt"`
	CompletedAt  null.Time   `db:"completed_at" json:"completedAt"`
	ErrorDetails null.String `db:"error_details" json:"errorDetails"`
	CreatedAt    null.Time   `db:"created_at" json:"createdAt"`
}

// Age is the time elapsed since the run was created. ok is false when the
// creation timestamp was never recorded.
func (r *Run) Age(now time.Time) (age time.Duration, ok bool) {
	if !r.CreatedAt.Valid {
		return 0, false
	}
	return now.Sub(r.CreatedAt.Time), true
}

// AggregateJobStatus derives a job's status from the statuses of all its runs
// Blocked runs never fail a job, so a job whose runs were all blocked is passed.
func AggregateJobStatus(statuses []RunStatus) RunStatus {
	var hasFailed, hasActive bool
	for _, s := range statuses {
		switch s {
		case RunStatusError:
			return RunStatusError
		case RunStatusFailed:
			hasFailed = true
		case RunStatusRunning, RunStatusPending:
			hasActive = true
		}
	}

	switch {
	case hasFailed:
		return RunStatusFailed
	case hasActive:
		return RunStatusRunning
	default:
		return RunStatusPassed
	}
}

type EntityType string

const (
	EntityTest    EntityType = "test"
	EntityJob     EntityType = "job"
	EntityMonitor EntityType = "monitor"
)

// Report is a model representing the `reports` table
type Report struct {
	EntityID   string      `db:"entity_id"`
	EntityType EntityType  `db:"entity_type"`
	ReportURL  null.String `db:"report_url"`
	Status     RunStatus   `db:"status"`
	UpdatedAt  time.Time   `db:"updated_at"`
}
