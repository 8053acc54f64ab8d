package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Decision is the answer to "may this organization run anything right now"
type Decision struct {
	Blocked bool
	Reason  string
}

// Execution describes a settled execution for usage accounting
type Execution struct {
	RunID    string
	JobID    string
	TestID   string
	Kind     string
	Status   string
	Duration time.Duration
}

// Tracker enforces spending hard-stops and records execution minutes. Limits live in
// `organization_limits`, consumption in `usage_events`.
type Tracker struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewTracker(db *sqlx.DB) *Tracker {
	return &Tracker{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

type orgLimit struct {
	HardStop        bool  `db:"hard_stop_enabled"`
	MonthlyBudgetMs int64 `db:"monthly_execution_ms"`
}

// ShouldBlockExecution blocks an organization that has a hard stop enabled and has used
// its monthly execution allowance. Organizations without limits are never blocked.
func (t *Tracker) ShouldBlockExecution(ctx context.Context, orgID string) (Decision, error) {
	var limit orgLimit
	err := t.db.GetContext(ctx, &limit, t.db.Rebind(`
SELECT hard_stop_enabled, monthly_execution_ms
FROM organization_limits
WHERE organization_id = ?`), orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, nil
	} else if err != nil {
		return Decision{}, fmt.Errorf("could not load limits of organization %s: %w", orgID, err)
	}

	if !limit.HardStop {
		return Decision{}, nil
	}

	used, err := t.monthToDate(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	if used >= limit.MonthlyBudgetMs {
		return Decision{
			Blocked: true,
			Reason: fmt.Sprintf("monthly execution limit reached (%s of %s used)",
				time.Duration(used)*time.Millisecond, time.Duration(limit.MonthlyBudgetMs)*time.Millisecond),
		}, nil
	}
	return Decision{}, nil
}

func (t *Tracker) monthToDate(ctx context.Context, orgID string) (int64, error) {
	now := t.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var used sql.NullInt64
	err := t.db.GetContext(ctx, &used, t.db.Rebind(`
SELECT SUM(duration_ms)
FROM usage_events
WHERE organization_id = ? AND created_at >= ?`), orgID, monthStart)
	if err != nil {
		return 0, fmt.Errorf("could not sum usage of organization %s: %w", orgID, err)
	}
	return used.Int64, nil
}

// TrackExecution records the execution time consumed by an organization
func (t *Tracker) TrackExecution(ctx context.Context, orgID string, exec Execution) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(`
INSERT INTO usage_events (id, organization_id, run_id, job_id, test_id, kind, status, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), orgID, exec.RunID, exec.JobID, exec.TestID, exec.Kind, exec.Status,
		exec.Duration.Milliseconds(), t.now())
	if err != nil {
		return fmt.Errorf("could not track execution of run %s: %w", exec.RunID, err)
	}
	return nil
}
