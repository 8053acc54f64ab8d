package reaper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"testworker/internal/models"
)

// StalledMessage is recorded on every run the reaper stops
const StalledMessage = "Execution stalled: no result was recorded within the allowed time, marked as error by the recovery sweep"

// Store is the part of the database the reaper works on
type Store interface {
	ListRunningRuns(ctx context.Context, limit int) ([]models.Run, error)
	MarkRunsErrored(ctx context.Context, runIDs []string, message string) (int64, error)
	RecomputeJobStatus(ctx context.Context, jobID string) (models.RunStatus, error)
}

type Observer interface {
	RunsReaped(n int)
}

// Options configure the sweep. Runs older than Threshold+Buffer are considered stalled;
// Threshold matches the longest time an execution may legitimately hold a run.
type Options struct {
	Schedule  string
	Threshold time.Duration
	Buffer    time.Duration
	BatchSize int
}

// SweepResult summarises one sweep
type SweepResult struct {
	Scanned int
	Stalled int
	Updated int64
	Skipped int
	Jobs    []string
}

// Reaper periodically moves runs stuck in running to error. It shares nothing with the
// workers and only relies on persisted state.
type Reaper struct {
	store    Store
	opts     Options
	cron     *cron.Cron
	now      func() time.Time
	observer Observer

	mu         sync.Mutex
	isRunning  bool
	cancelFunc context.CancelFunc
}

type Option func(*Reaper)

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

func WithObserver(o Observer) Option {
	return func(r *Reaper) { r.observer = o }
}

func New(store Store, opts Options, options ...Option) (*Reaper, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %s", opts.Threshold)
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", opts.Schedule, err)
	}

	r := &Reaper{
		store: store,
		opts:  opts,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&log.Logger))),
		),
		now: time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r, nil
}

// Sweep runs a single recovery pass. Runs that are already settled are never touched, so
// repeating a sweep changes nothing.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	runs, err := r.store.ListRunningRuns(ctx, r.opts.BatchSize)
	if err != nil {
		return res, err
	}
	res.Scanned = len(runs)

	cutoff := r.opts.Threshold + r.opts.Buffer
	now := r.now()
	var stalled []string
	jobs := make(map[string]struct{})
	for _, run := range runs {
		age, ok := run.Age(now)
		if !ok {
			log.Warn().Str("run_id", run.ID).Msg("Running run has no creation time, skipping")
			res.Skipped++
			continue
		}
		if age <= cutoff {
			continue
		}
		stalled = append(stalled, run.ID)
		if run.JobID.Valid {
			jobs[run.JobID.String] = struct{}{}
		}
	}
	res.Stalled = len(stalled)
	if len(stalled) == 0 {
		return res, nil
	}

	res.Updated, err = r.store.MarkRunsErrored(ctx, stalled, StalledMessage)
	if err != nil {
		return res, err
	}
	if r.observer != nil {
		r.observer.RunsReaped(int(res.Updated))
	}
	log.Warn().
		Int("stalled", res.Stalled).
		Int64("updated", res.Updated).
		Dur("cutoff", cutoff).
		Msg("Stalled runs marked as error")

	for jobID := range jobs {
		res.Jobs = append(res.Jobs, jobID)
	}
	sort.Strings(res.Jobs)

	var errs []error
	for _, jobID := range res.Jobs {
		status, err := r.store.RecomputeJobStatus(ctx, jobID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info().Str("job_id", jobID).Str("status", string(status)).Msg("Job status recomputed after sweep")
	}
	return res, errors.Join(errs...)
}

// Start schedules the sweep. It returns straight away; sweeps never overlap.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return nil
	}

	ctx, r.cancelFunc = context.WithCancel(ctx)
	_, err := r.cron.AddFunc(r.opts.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Stalled run sweep failed")
		}
	})
	if err != nil {
		r.cancelFunc()
		return err
	}

	r.cron.Start()
	r.isRunning = true
	log.Info().
		Str("schedule", r.opts.Schedule).
		Dur("threshold", r.opts.Threshold).
		Dur("buffer", r.opts.Buffer).
		Msg("Reaper started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}

	<-r.cron.Stop().Done()
	r.cancelFunc()
	r.isRunning = false
	log.Info().Msg("Reaper stopped")
}
