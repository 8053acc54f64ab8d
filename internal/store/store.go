package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"testworker/internal/models"
)

var ErrRunNotFound = errors.New("run not found")

// Store is the narrow read/write contract the worker and the reaper have with
// the platform database. Queries are written with `?` placeholders and rebound
// for the driver in use.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the store's time source
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// UpdateRunStatus moves a run to the given status. Terminal statuses also record the
// completion time, duration and error details. An empty errorDetails is stored as NULL.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, duration time.Duration, errorDetails string) error {
	var (
		res sql.Result
		err error
	)

	if status.IsTerminal() {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE runs
SET status = ?,
    duration_ms = ?,
    completed_at = ?,
    error_details = ?
WHERE id = ?`),
			status,
			duration.Milliseconds(),
			s.now(),
			null.NewString(errorDetails, errorDetails != ""),
			runID,
		)
	} else {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE runs
SET status = ?,
    started_at = ?
WHERE id = ?`),
			status, s.now(), runID)
	}
	if err != nil {
		return fmt.Errorf("could not update status of run %s: %w", runID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun fetches a single run
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := s.db.GetContext(ctx, &run, s.db.Rebind(`
SELECT id, job_id, status, duration_ms, started_at, completed_at, error_details, created_at
FROM runs
WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	} else if err != nil {
		return nil, fmt.Errorf("could not get run %s: %w", runID, err)
	}
	return &run, nil
}

// GetRunStatusesForJob lists the current status of every run belonging to the job
func (s *Store) GetRunStatusesForJob(ctx context.Context, jobID string) ([]models.RunStatus, error) {
	var statuses []models.RunStatus
	if err := s.db.SelectContext(ctx, &statuses, s.db.Rebind(`SELECT status FROM runs WHERE job_id = ?`), jobID); err != nil {
		return nil, fmt.Errorf("could not get run statuses for job %s: %w", jobID, err)
	}
	return statuses, nil
}

// UpdateJobStatus stores the aggregate of the given run statuses as the job's status
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, runStatuses []models.RunStatus) (models.RunStatus, error) {
	status := models.AggregateJobStatus(runStatuses)

	now := s.now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE jobs
SET status = ?,
    last_run_at = ?,
    updated_at = ?
WHERE id = ?`), status, now, now, jobID)
	if err != nil {
		return status, fmt.Errorf("could not update status of job %s: %w", jobID, err)
	}
	return status, nil
}

// RecomputeJobStatus re-derives the job's aggregate status from the current state of its runs
func (s *Store) RecomputeJobStatus(ctx context.Context, jobID string) (models.RunStatus, error) {
	statuses, err := s.GetRunStatusesForJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return s.UpdateJobStatus(ctx, jobID, statuses)
}

// StoreReportMetadata records where the report of an entity can be found
func (s *Store) StoreReportMetadata(ctx context.Context, report models.Report) error {
	if report.UpdatedAt.IsZero() {
		report.UpdatedAt = s.now()
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO reports (entity_id, entity_type, report_url, status, updated_at)
VALUES (:entity_id, :entity_type, :report_url, :status, :updated_at)
ON CONFLICT (entity_id, entity_type) DO UPDATE
SET report_url = excluded.report_url,
    status = excluded.status,
    updated_at = excluded.updated_at`, report)
	if err != nil {
		return fmt.Errorf("could not store report metadata for %s %s: %w", report.EntityType, report.EntityID, err)
	}
	return nil
}

// GetReport fetches the stored report metadata of an entity
func (s *Store) GetReport(ctx context.Context, entityID string, entityType models.EntityType) (*models.Report, error) {
	var report models.Report
	err := s.db.GetContext(ctx, &report, s.db.Rebind(`
SELECT entity_id, entity_type, report_url, status, updated_at
FROM reports
WHERE entity_id = ? AND entity_type = ?`), entityID, entityType)
	if err != nil {
		return nil, fmt.Errorf("could not get report for %s %s: %w", entityType, entityID, err)
	}
	return &report, nil
}

// ListRunningRuns returns at most limit runs currently in the running state, newest first
func (s *Store) ListRunningRuns(ctx context.Context, limit int) ([]models.Run, error) {
	var runs []models.Run
	err := s.db.SelectContext(ctx, &runs, s.db.Rebind(`
SELECT id, job_id, status, duration_ms, started_at, completed_at, error_details, created_at
FROM runs
WHERE status = ?
ORDER BY created_at DESC
LIMIT ?`), models.RunStatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list running runs: %w", err)
	}
	return runs, nil
}

// MarkRunsErrored moves every listed run that is still running to the error status in a
// single statement. Runs that already left the running state are untouched, which makes
// repeated calls over the same ids a no-op.
func (s *Store) MarkRunsErrored(ctx context.Context, runIDs []string, message string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`
UPDATE runs
SET status = ?,
    completed_at = ?,
    error_details = ?
WHERE status = ? AND id IN (?)`,
		models.RunStatusError, s.now(), message, models.RunStatusRunning, runIDs)
	if err != nil {
		return 0, fmt.Errorf("could not build batch update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("could not mark %d runs as errored: %w", len(runIDs), err)
	}
	return res.RowsAffected()
}
