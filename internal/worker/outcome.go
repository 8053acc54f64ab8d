package worker

import (
	"fmt"
	"strings"
	"time"

	"testworker/internal/models"
	"testworker/internal/report"
	"testworker/internal/sandbox"
)

const (
	CancellationMessage = "Cancellation requested by user"
)

// CancelSource is how a cancellation was detected
type CancelSource int

const (
	NotCancelled CancelSource = iota
	// CancelFlag is an explicit cancellation signal seen at a checkpoint or while running
	CancelFlag
	// CancelSandbox is the sandbox reporting that its run was cut short by us
	CancelSandbox
	// CancelExit137 is a SIGKILLed sandbox that was not killed by our own timeout
	CancelExit137
	// CancelEngineText is the container engine describing a cancellation in its own words
	CancelEngineText
)

func (s CancelSource) String() string {
	switch s {
	case NotCancelled:
		return "none"
	case CancelFlag:
		return "flag"
	case CancelSandbox:
		return "sandbox_cancel"
	case CancelExit137:
		return "exit_137"
	case CancelEngineText:
		return "engine_text"
	default:
		return fmt.Sprintf("CancelSource(%d)", int(s))
	}
}

// Step names a post-verdict step whose failure degrades the execution without changing
// its verdict
type Step string

const (
	StepBillingCheck   Step = "billing_check"
	StepBillingNotice  Step = "billing_notice"
	StepCancelCheck    Step = "cancel_check"
	StepCancelClear    Step = "cancel_clear"
	StepRunningStatus  Step = "running_status"
	StepUpload         Step = "upload"
	StepReportMetadata Step = "report_metadata"
	StepStatus         Step = "status"
	StepUsage          Step = "usage"
	StepJobStatus      Step = "job_status"
	StepNotification   Step = "notification"
)

type Degradation struct {
	Step Step
	Err  error
}

// Result is the settled outcome of one execution. A Result returned without an error
// must not be redelivered.
type Result struct {
	RunID        string
	Status       models.RunStatus
	Success      bool
	Duration     time.Duration
	Error        string
	ReportURL    string
	Evaluation   report.Evaluation
	Cancelled    bool
	CancelSource CancelSource
	Degradations []Degradation
}

// Degraded reports whether the given step failed
func (r *Result) Degraded(step Step) bool {
	for _, d := range r.Degradations {
		if d.Step == step {
			return true
		}
	}
	return false
}

// classifyCancellation decides whether a sandbox run was a cancellation. Only errors
// raised by the engine are matched as text, never the process output or exit message.
func classifyCancellation(res *sandbox.Result, runErr error, flagged, sigkillIsCancellation bool) CancelSource {
	switch {
	case flagged:
		return CancelFlag
	case res != nil && res.Cancelled:
		return CancelSandbox
	case res != nil && res.TimedOut:
		// our own timeout kill
		return NotCancelled
	case res != nil && res.ExitCode == 137 && sigkillIsCancellation:
		return CancelExit137
	case runErr != nil && engineReportsCancellation(runErr.Error()):
		return CancelEngineText
	}
	return NotCancelled
}

// engineReportsCancellation is a best-effort match on messages produced by the
// container engine itself. It never sees script output.
func engineReportsCancellation(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"cancelled", "canceled", "cancellation", "code 137"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// verdict combines the process outcome with the report: both must agree for a pass
func verdict(res *sandbox.Result, ev report.Evaluation, timeout time.Duration) (models.RunStatus, string) {
	switch {
	case res.TimedOut:
		return models.RunStatusFailed, fmt.Sprintf("Execution timed out after %s", timeout)
	case !ev.HasFailures && res.Success:
		return models.RunStatusPassed, ""
	case ev.FoundReport && ev.Failed > 0:
		return models.RunStatusFailed, fmt.Sprintf("%d of %d tests failed", ev.Failed, ev.Total)
	case !ev.FoundReport && res.Success:
		return models.RunStatusFailed, "No test report was produced"
	case res.Error != "":
		return models.RunStatusFailed, res.Error
	default:
		return models.RunStatusFailed, "Test report contains failures"
	}
}
