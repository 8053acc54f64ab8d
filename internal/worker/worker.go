package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"testworker/internal/artifacts"
	"testworker/internal/models"
	"testworker/internal/notify"
	"testworker/internal/queue"
	"testworker/internal/report"
	"testworker/internal/sandbox"
	"testworker/internal/usage"
)

// Config holds the per-process execution settings, read once at start up
type Config struct {
	// Command runs the test suite inside the sandbox. Jobs append the test directory to it.
	Command     []string
	Limits      sandbox.Limits
	TestTimeout time.Duration
	JobTimeout  time.Duration

	// ReportDir is the sandbox directory the test runner writes its reports to. Its
	// results.json is evaluated, ReportIndex is the page published for humans.
	ReportDir   string
	ReportIndex string
	ScratchDir  string

	CancelPollInterval    time.Duration
	SigkillIsCancellation bool

	StatusWriteAttempts int
	StatusRetryDelay    time.Duration
}

type Worker struct {
	ID   string
	cfg  Config
	deps Deps
	now  func() time.Time
}

func New(cfg Config, deps Deps) *Worker {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"npx", "playwright", "test"}
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = "report"
	}
	if cfg.ReportIndex == "" {
		cfg.ReportIndex = "html/index.html"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.StatusWriteAttempts <= 0 {
		cfg.StatusWriteAttempts = 3
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if deps.Evaluate == nil {
		deps.Evaluate = report.Evaluate
	}
	return &Worker{ID: uuid.NewString(), cfg: cfg, deps: deps, now: time.Now}
}

// Start is a blocking function. It consumes tasks from the queue with the given number of
// slots until ctx is done. Attempts already running when ctx is cancelled are finished.
func (w *Worker) Start(ctx context.Context, q queue.Client, slots int) error {
	log.Info().Str("worker_id", w.ID).Int("slots", slots).Msg("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	for range max(slots, 1) {
		g.Go(func() error {
			return q.Subscribe(gctx, func(ctx context.Context, task models.ExecutionTask) error {
				_, err := w.Process(context.WithoutCancel(ctx), task)
				return err
			})
		})
	}

	err := g.Wait()
	log.Info().Str("worker_id", w.ID).Msg("Worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Process runs one task to a settled status. A returned error asks the broker for a
// redelivery; a Result with a nil error is final, including cancellations.
func (w *Worker) Process(ctx context.Context, task models.ExecutionTask) (res *Result, err error) {
	if err := task.Validate(); err != nil {
		// a task that names its run is settled, it would otherwise stay pending
		if task.Meta().RunID == "" {
			return nil, queue.Permanent(err)
		}
		e := w.newExecution(task)
		e.logger.Error().Err(err).Msg("Invalid execution task")
		e.persist(ctx, models.RunStatusError, err.Error(), 0)
		return e.result, queue.Permanent(err)
	}

	e := w.newExecution(task)
	defer func() {
		if rcv := recover(); rcv != nil {
			e.logger.Error().Interface("panic", rcv).Bool("settled", e.settled).Msg("Execution panicked")
			res, err = e.result, nil
			// a settled verdict is final, anything else may be retried
			if !e.settled {
				e.persist(ctx, models.RunStatusError, fmt.Sprintf("Internal error: %v", rcv), 0)
				err = fmt.Errorf("execution panicked: %v", rcv)
			}
		}
	}()

	return e.run(ctx)
}

// execution carries the state of one Process call
type execution struct {
	w      *Worker
	task   models.ExecutionTask
	meta   models.TaskMeta
	job    *models.JobTask
	start  time.Time
	logger zerolog.Logger

	result  *Result
	settled bool
}

func (w *Worker) newExecution(task models.ExecutionTask) *execution {
	meta := task.Meta()
	job, _ := task.(*models.JobTask)

	lc := log.With().
		Str("worker_id", w.ID).
		Str("kind", string(task.Kind())).
		Str("run_id", meta.RunID).
		Str("organization_id", meta.OrganizationID)
	switch t := task.(type) {
	case *models.JobTask:
		lc = lc.Str("job_id", t.JobID).Str("job_type", string(t.JobType))
	case *models.SingleTestTask:
		lc = lc.Str("test_id", t.TestID)
	}

	return &execution{
		w:      w,
		task:   task,
		meta:   meta,
		job:    job,
		start:  w.now(),
		logger: lc.Logger(),
		result: &Result{RunID: meta.RunID},
	}
}

func (e *execution) run(ctx context.Context) (*Result, error) {
	deps, cfg := e.w.deps, e.w.cfg

	if e.cancelRequested(ctx) {
		return e.cancelled(ctx), nil
	}
	if blocked, reason := e.billingBlocked(ctx); blocked {
		return e.blocked(ctx, reason), nil
	}

	attempt, err := deps.Admission.TryAcquire(e.countsTowardLimit())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Execution not admitted")
		return nil, queue.RetryLater(err)
	}
	defer deps.Admission.Release(attempt.ID)

	if e.cancelRequested(ctx) {
		return e.cancelled(ctx), nil
	}
	e.markRunning(ctx)

	scratch, err := os.MkdirTemp(cfg.ScratchDir, "tw-artifacts-*")
	if err != nil {
		err = fmt.Errorf("could not prepare artifact directory: %w", err)
		e.infraFailure(ctx, err)
		return e.result, err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn().Err(err).Str("path", scratch).Msg("Could not remove artifact directory")
		}
	}()

	req := e.request(filepath.Join(scratch, "report"), attempt.ID)
	sbRes, flagged, runErr := e.runSandbox(ctx, req)
	if runErr != nil {
		if source := classifyCancellation(nil, runErr, flagged, cfg.SigkillIsCancellation); source != NotCancelled {
			e.result.CancelSource = source
			return e.cancelled(ctx), nil
		}
		e.infraFailure(ctx, runErr)
		if errors.Is(runErr, sandbox.ErrInvalidRequest) {
			// the same request would be refused on every delivery
			return e.result, queue.Permanent(runErr)
		}
		return e.result, runErr
	}

	ev := deps.Evaluate(sbRes.ArtifactDir)
	e.result.Evaluation = ev
	e.result.Duration = sbRes.Duration

	var (
		status models.RunStatus
		msg    string
	)
	if source := classifyCancellation(sbRes, nil, flagged, cfg.SigkillIsCancellation); source != NotCancelled {
		e.result.Cancelled, e.result.CancelSource = true, source
		status, msg = models.RunStatusError, CancellationMessage
	} else {
		status, msg = verdict(sbRes, ev, req.Timeout)
	}

	e.logger.Info().
		Str("status", string(status)).
		Int("exit_code", sbRes.ExitCode).
		Bool("timed_out", sbRes.TimedOut).
		Str("cancel_source", e.result.CancelSource.String()).
		Bool("found_report", ev.FoundReport).
		Int("failed_tests", ev.Failed).
		Msg("Execution finished")

	e.upload(ctx, sbRes.ArtifactDir, status)
	e.persist(ctx, status, msg, sbRes.Duration)
	if e.result.CancelSource == CancelFlag {
		e.clearSignal(ctx)
	}
	e.trackUsage(ctx)
	e.notify(ctx)

	return e.result, nil
}

func (e *execution) countsTowardLimit() bool {
	return e.job == nil || !e.job.IsMonitor()
}

func (e *execution) timeout() time.Duration {
	if e.job != nil {
		return e.w.cfg.JobTimeout
	}
	return e.w.cfg.TestTimeout
}

// cancelRequested is a checkpoint. Single tests are not cancellable.
func (e *execution) cancelRequested(ctx context.Context) bool {
	if e.job == nil || e.meta.RunID == "" {
		return false
	}
	cancelled, err := e.w.deps.Cancel.IsCancelled(ctx, e.meta.RunID)
	if err != nil {
		e.degrade(StepCancelCheck, err)
		return false
	}
	if cancelled {
		e.result.CancelSource = CancelFlag
	}
	return cancelled
}

// cancelled settles a run that was cancelled before or while the sandbox started
func (e *execution) cancelled(ctx context.Context) *Result {
	e.logger.Info().Str("cancel_source", e.result.CancelSource.String()).Msg("Execution cancelled")

	e.result.Cancelled = true
	e.persist(ctx, models.RunStatusError, CancellationMessage, 0)
	e.clearSignal(ctx)
	return e.result
}

func (e *execution) clearSignal(ctx context.Context) {
	if err := e.w.deps.Cancel.ClearSignal(context.WithoutCancel(ctx), e.meta.RunID); err != nil {
		e.degrade(StepCancelClear, err)
	}
}

// billingBlocked consults the billing gate for tasks that belong to an organization.
// A failed lookup does not block.
func (e *execution) billingBlocked(ctx context.Context) (bool, string) {
	if e.meta.OrganizationID == "" {
		return false, ""
	}
	d, err := e.w.deps.Billing.ShouldBlock(ctx, e.meta.OrganizationID)
	if err != nil {
		e.degrade(StepBillingCheck, err)
		return false, ""
	}
	return d.Blocked, d.Reason
}

func (e *execution) blocked(ctx context.Context, reason string) *Result {
	if reason == "" {
		reason = "Execution blocked by billing limits"
	}
	e.logger.Warn().Str("reason", reason).Msg("Execution blocked by billing")

	e.persist(ctx, models.RunStatusBlocked, reason, 0)
	e.w.deps.Observer.BillingBlocked()

	sent, err := e.w.deps.Billing.NotifyBlocked(context.WithoutCancel(ctx), e.meta.OrganizationID, e.meta.RunID, reason)
	if err != nil {
		e.degrade(StepBillingNotice, err)
	} else {
		e.logger.Debug().Bool("sent", sent.Sent).Bool("rate_limited", sent.RateLimited).Msg("Billing notice handled")
	}
	return e.result
}

func (e *execution) markRunning(ctx context.Context) {
	if e.meta.RunID == "" {
		return
	}
	if err := e.w.deps.Store.UpdateRunStatus(ctx, e.meta.RunID, models.RunStatusRunning, 0, ""); err != nil {
		e.degrade(StepRunningStatus, err)
	}
}

// infraFailure settles a run whose sandbox could not be run at all
func (e *execution) infraFailure(ctx context.Context, err error) {
	e.logger.Error().Err(err).Msg("Sandbox infrastructure failure")
	e.persist(ctx, models.RunStatusError, err.Error(), e.w.now().Sub(e.start))
	e.notify(ctx)
}

func (e *execution) request(extractTo, attemptID string) sandbox.Request {
	cfg := e.w.cfg
	req := sandbox.Request{
		RunID:   e.meta.RunID,
		Limits:  cfg.Limits,
		Timeout: e.timeout(),
		Env: map[string]string{
			"CI":                          "1",
			"PLAYWRIGHT_JSON_OUTPUT_NAME": path.Join(cfg.ReportDir, "results.json"),
			"PLAYWRIGHT_HTML_REPORT":      path.Join(cfg.ReportDir, path.Dir(cfg.ReportIndex)),
			"PLAYWRIGHT_HTML_OPEN":        "never",
		},
		ExtractFrom: cfg.ReportDir,
		ExtractTo:   extractTo,
		OnStart: func(containerID string) {
			e.w.deps.Admission.TrackContainer(attemptID, containerID)
		},
	}

	switch t := e.task.(type) {
	case *models.SingleTestTask:
		req.Script = sandbox.Script{Content: t.Code, FileName: path.Join("tests", fileSafe(t.TestID)+".spec.ts")}
	case *models.JobTask:
		req.AdditionalFiles = make(map[string]string, len(t.TestScripts)-1)
		for i, s := range t.TestScripts {
			name := path.Join("tests", fmt.Sprintf("%02d-%s.spec.ts", i+1, fileSafe(s.ID)))
			if i == 0 {
				req.Script = sandbox.Script{Content: s.Script, FileName: name}
				continue
			}
			req.AdditionalFiles[name] = s.Script
		}
		// the scripts run one after another in the same sandbox
		req.Command = append(append([]string{}, cfg.Command...), "tests")
	}
	return req
}

// runSandbox runs the request while watching for a cancellation signal. flagged reports
// whether the signal was seen and the sandbox cut short because of it.
func (e *execution) runSandbox(ctx context.Context, req sandbox.Request) (res *sandbox.Result, flagged bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var seen atomic.Bool
	stop := func() {}
	if e.job != nil && e.meta.RunID != "" && e.w.cfg.CancelPollInterval > 0 {
		stop = e.watchCancellation(runCtx, &seen, cancel)
	}

	res, err = e.w.deps.Sandbox.Run(runCtx, req)
	stop()
	return res, seen.Load(), err
}

// watchCancellation polls the cancellation signal until stopped. The returned function
// only returns once the watcher has exited.
func (e *execution) watchCancellation(ctx context.Context, seen *atomic.Bool, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.w.cfg.CancelPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelled, err := e.w.deps.Cancel.IsCancelled(ctx, e.meta.RunID)
				if err != nil {
					e.logger.Debug().Err(err).Msg("Could not poll cancellation signal")
					continue
				}
				if cancelled {
					e.logger.Info().Msg("Cancellation requested while running, stopping sandbox")
					seen.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

// upload publishes the artifact directory. Monitors only keep reports of failed checks.
func (e *execution) upload(ctx context.Context, dir string, status models.RunStatus) {
	if dir == "" {
		return
	}
	if e.job != nil && e.job.IsMonitor() && status == models.RunStatusPassed {
		return
	}

	entityID, entityType, key := e.entity()
	up := e.w.deps.Uploader.UploadReport(ctx, artifacts.UploadRequest{
		SourceDir:  dir,
		EntityID:   entityID,
		KeyPrefix:  key,
		EntityType: entityType,
		IndexFile:  e.w.cfg.ReportIndex,
	})
	if !up.Success {
		e.degrade(StepUpload, errors.New(up.Error))
	}
	e.result.ReportURL = up.ReportURL

	err := e.w.deps.Store.StoreReportMetadata(context.WithoutCancel(ctx), models.Report{
		EntityID:   entityID,
		EntityType: entityType,
		ReportURL:  null.NewString(up.ReportURL, up.Success && up.ReportURL != ""),
		Status:     status,
	})
	if err != nil {
		e.degrade(StepReportMetadata, err)
	}
}

func (e *execution) entity() (string, models.EntityType, string) {
	switch t := e.task.(type) {
	case *models.JobTask:
		if t.IsMonitor() {
			return t.RunID, models.EntityMonitor, path.Join("monitors", t.RunID)
		}
		return t.RunID, models.EntityJob, path.Join("jobs", t.RunID)
	case *models.SingleTestTask:
		return t.TestID, models.EntityTest, path.Join("tests", t.TestID)
	}
	return e.meta.RunID, "", e.meta.RunID
}

// persist writes the terminal status. It runs at most once per execution and never fails
// the execution: a write that keeps failing leaves the run to the reaper.
func (e *execution) persist(ctx context.Context, status models.RunStatus, msg string, duration time.Duration) {
	if e.settled {
		return
	}
	e.settled = true
	ctx = context.WithoutCancel(ctx)

	e.result.Status = status
	e.result.Success = status == models.RunStatusPassed
	e.result.Error = msg
	e.result.Duration = duration
	e.w.deps.Observer.ExecutionSettled(e.task.Kind(), status, duration)

	if e.meta.RunID == "" {
		return
	}

	cfg := e.w.cfg
	if _, err := tryRun(cfg.StatusWriteAttempts, cfg.StatusRetryDelay, func() error {
		return e.w.deps.Store.UpdateRunStatus(ctx, e.meta.RunID, status, duration, msg)
	}); err != nil {
		e.logger.Error().Err(err).Str("status", string(status)).Msg("Could not persist run status")
		e.degrade(StepStatus, err)
	}

	if e.job != nil && e.job.JobID != "" {
		jobStatus, err := e.w.deps.Store.RecomputeJobStatus(ctx, e.job.JobID)
		if err != nil {
			e.degrade(StepJobStatus, err)
		} else {
			e.logger.Debug().Str("job_status", string(jobStatus)).Msg("Job status recomputed")
		}
	}
}

func (e *execution) trackUsage(ctx context.Context) {
	if e.meta.OrganizationID == "" {
		return
	}

	exec := usage.Execution{
		RunID:    e.meta.RunID,
		Kind:     string(e.task.Kind()),
		Status:   string(e.result.Status),
		Duration: e.result.Duration,
	}
	switch t := e.task.(type) {
	case *models.JobTask:
		exec.JobID = t.JobID
	case *models.SingleTestTask:
		exec.TestID = t.TestID
	}
	if err := e.w.deps.Usage.TrackExecution(context.WithoutCancel(ctx), e.meta.OrganizationID, exec); err != nil {
		e.degrade(StepUsage, err)
	}
}

// notify tells the notification service about a settled job run
func (e *execution) notify(ctx context.Context) {
	if e.job == nil {
		return
	}

	ev := e.result.Evaluation
	n := notify.RunNotification{
		JobID:           e.job.JobID,
		OrganizationID:  e.meta.OrganizationID,
		ProjectID:       e.meta.ProjectID,
		RunID:           e.meta.RunID,
		JobType:         e.job.JobType,
		Trigger:         e.job.Trigger,
		FinalStatus:     e.result.Status,
		DurationSeconds: e.result.Duration.Seconds(),
		Results: notify.Results{
			Total:   ev.Total,
			Passed:  ev.Passed,
			Failed:  ev.Failed,
			Flaky:   ev.Flaky,
			Skipped: ev.Skipped,
		},
	}
	if e.result.Status != models.RunStatusPassed {
		n.ErrorMessage = e.result.Error
	}
	if err := e.w.deps.Notifier.HandleNotifications(context.WithoutCancel(ctx), n); err != nil {
		e.degrade(StepNotification, err)
	}
}

func (e *execution) degrade(step Step, err error) {
	e.logger.Warn().Err(err).Str("step", string(step)).Msg("Execution degraded")
	e.result.Degradations = append(e.result.Degradations, Degradation{Step: step, Err: err})
	e.w.deps.Observer.Degraded(step)
}

// fileSafe turns an identifier into something usable as a file name
func fileSafe(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	if s == "" {
		return "test"
	}
	return s
}
