package worker

import (
	"context"
	"time"

	"testworker/internal/admission"
	"testworker/internal/artifacts"
	"testworker/internal/billing"
	"testworker/internal/models"
	"testworker/internal/notify"
	"testworker/internal/report"
	"testworker/internal/sandbox"
	"testworker/internal/usage"
)

type Sandbox interface {
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// RunStore is the database contract of an execution
type RunStore interface {
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, duration time.Duration, errorDetails string) error
	RecomputeJobStatus(ctx context.Context, jobID string) (models.RunStatus, error)
	StoreReportMetadata(ctx context.Context, report models.Report) error
}

type Canceller interface {
	IsCancelled(ctx context.Context, runID string) (bool, error)
	ClearSignal(ctx context.Context, runID string) error
}

type BillingGate interface {
	ShouldBlock(ctx context.Context, orgID string) (usage.Decision, error)
	NotifyBlocked(ctx context.Context, orgID, runID, reason string) (billing.NotifyResult, error)
}

type Admission interface {
	TryAcquire(countsTowardLimit bool) (*admission.Attempt, error)
	Release(attemptID string) bool
	TrackContainer(attemptID, containerID string)
}

type Uploader interface {
	UploadReport(ctx context.Context, req artifacts.UploadRequest) artifacts.UploadResult
}

type UsageTracker interface {
	TrackExecution(ctx context.Context, orgID string, exec usage.Execution) error
}

type Notifier interface {
	HandleNotifications(ctx context.Context, n notify.RunNotification) error
}

// Observer receives the outcome of every settled execution
type Observer interface {
	ExecutionSettled(kind models.TaskKind, status models.RunStatus, duration time.Duration)
	BillingBlocked()
	Degraded(step Step)
}

type noopObserver struct{}

func (noopObserver) ExecutionSettled(models.TaskKind, models.RunStatus, time.Duration) {}
func (noopObserver) BillingBlocked()                                                   {}
func (noopObserver) Degraded(Step)                                                     {}

// Deps are the collaborators of a Worker. Observer and Evaluate are optional.
type Deps struct {
	Sandbox   Sandbox
	Store     RunStore
	Cancel    Canceller
	Billing   BillingGate
	Admission Admission
	Uploader  Uploader
	Usage     UsageTracker
	Notifier  Notifier
	Observer  Observer
	Evaluate  func(artifactDir string) report.Evaluation
}
