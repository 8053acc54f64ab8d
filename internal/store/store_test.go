package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testworker/internal/models"
	"testworker/internal/store"
	"testworker/internal/store/storetest"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*store.Store, func(string) *models.Run) {
	db := storetest.NewDB(t)
	storetest.InsertJob(t, db, "job-1", "running")
	storetest.InsertRun(t, db, "run-1", "job-1", "running", fixedNow.Add(-time.Hour))
	storetest.InsertRun(t, db, "run-2", "job-1", "passed", fixedNow.Add(-2*time.Hour))
	storetest.InsertRun(t, db, "run-3", "", "pending", fixedNow.Add(-3*time.Hour))

	s := store.New(db).WithClock(func() time.Time { return fixedNow })
	get := func(id string) *models.Run {
		run, err := s.GetRun(context.Background(), id)
		require.NoError(t, err)
		return run
	}
	return s, get
}

func TestStore_UpdateRunStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal status records completion", func(t *testing.T) {
		s, get := newStore(t)

		require.NoError(t, s.UpdateRunStatus(ctx, "run-1", models.RunStatusFailed, 1500*time.Millisecond, "1 test failed"))

		run := get("run-1")
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, null.IntFrom(1500), run.DurationMs)
		assert.Equal(t, null.StringFrom("1 test failed"), run.ErrorDetails)
		require.True(t, run.CompletedAt.Valid)
		assert.True(t, fixedNow.Equal(run.CompletedAt.Time))
	})

	t.Run("empty error details stored as null", func(t *testing.T) {
		s, get := newStore(t)

		require.NoError(t, s.UpdateRunStatus(ctx, "run-1", models.RunStatusPassed, time.Second, ""))
		assert.False(t, get("run-1").ErrorDetails.Valid)
	})

	t.Run("running records the start", func(t *testing.T) {
		s, get := newStore(t)

		require.NoError(t, s.UpdateRunStatus(ctx, "run-3", models.RunStatusRunning, 0, ""))

		run := get("run-3")
		assert.Equal(t, models.RunStatusRunning, run.Status)
		assert.True(t, run.StartedAt.Valid)
		assert.False(t, run.CompletedAt.Valid)
	})

	t.Run("unknown run", func(t *testing.T) {
		s, _ := newStore(t)
		err := s.UpdateRunStatus(ctx, "missing", models.RunStatusPassed, 0, "")
		assert.ErrorIs(t, err, store.ErrRunNotFound)

		_, err = s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrRunNotFound)
	})
}

func TestStore_JobStatus(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	statuses, err := s.GetRunStatusesForJob(ctx, "job-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.RunStatus{models.RunStatusRunning, models.RunStatusPassed}, statuses)

	status, err := s.RecomputeJobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, status)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", models.RunStatusFailed, time.Second, "boom"))
	status, err = s.RecomputeJobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, status)
}

func TestStore_StoreReportMetadata(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	report := models.Report{
		EntityID:   "run-1",
		EntityType: models.EntityJob,
		ReportURL:  null.StringFrom("http://reports/run-1/index.html"),
		Status:     models.RunStatusFailed,
	}
	require.NoError(t, s.StoreReportMetadata(ctx, report))

	// second write for the same entity replaces the first
	report.ReportURL = null.String{}
	report.Status = models.RunStatusPassed
	require.NoError(t, s.StoreReportMetadata(ctx, report))

	got, err := s.GetReport(ctx, "run-1", models.EntityJob)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPassed, got.Status)
	assert.False(t, got.ReportURL.Valid)
}

func TestStore_RunningRuns(t *testing.T) {
	ctx := context.Background()
	s, get := newStore(t)

	runs, err := s.ListRunningRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, null.StringFrom("job-1"), runs[0].JobID)

	n, err := s.MarkRunsErrored(ctx, []string{"run-1", "run-2"}, "stalled")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only the running row may change")
	assert.Equal(t, models.RunStatusError, get("run-1").Status)
	assert.Equal(t, models.RunStatusPassed, get("run-2").Status)

	n, err = s.MarkRunsErrored(ctx, []string{"run-1"}, "stalled")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.MarkRunsErrored(ctx, nil, "stalled")
	require.NoError(t, err)
	assert.Zero(t, n)
}
