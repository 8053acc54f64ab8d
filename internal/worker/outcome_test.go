package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"testworker/internal/models"
	"testworker/internal/report"
	"testworker/internal/sandbox"
)

func TestClassifyCancellation(t *testing.T) {
	tests := []struct {
		name    string
		res     *sandbox.Result
		runErr  error
		flagged bool
		sigkill bool
		want    CancelSource
	}{
		{"clean exit", &sandbox.Result{Success: true}, nil, false, true, NotCancelled},
		{"script failure", &sandbox.Result{ExitCode: 1, Error: "process exited with code 1"}, nil, false, true, NotCancelled},
		{"flag wins over everything", &sandbox.Result{ExitCode: 137, Cancelled: true}, nil, true, false, CancelFlag},
		{"sandbox context cancelled", &sandbox.Result{ExitCode: 137, Cancelled: true}, nil, false, false, CancelSandbox},
		{"own timeout", &sandbox.Result{ExitCode: 137, TimedOut: true}, nil, false, true, NotCancelled},
		{"sigkill trusted", &sandbox.Result{ExitCode: 137}, nil, false, true, CancelExit137},
		{"sigkill not trusted", &sandbox.Result{ExitCode: 137}, nil, false, false, NotCancelled},
		{"engine error text", nil, errors.New("container start was canceled by the daemon"), false, false, CancelEngineText},
		{"exit message is not engine text", &sandbox.Result{ExitCode: 137, Error: "process exited with code 137"}, nil, false, false, NotCancelled},
		{"unrelated engine error", nil, sandbox.ErrEngineUnavailable, false, true, NotCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyCancellation(tt.res, tt.runErr, tt.flagged, tt.sigkill))
		})
	}
}

func TestVerdict(t *testing.T) {
	passing := report.Evaluation{FoundReport: true, Total: 2, Passed: 2}
	failing := report.Evaluation{FoundReport: true, HasFailures: true, Total: 2, Passed: 1, Failed: 1}
	missing := report.Evaluation{HasFailures: true}

	tests := []struct {
		name       string
		res        sandbox.Result
		ev         report.Evaluation
		wantStatus models.RunStatus
		wantMsg    string
	}{
		{"both agree on a pass", sandbox.Result{Success: true}, passing, models.RunStatusPassed, ""},
		{"report failures", sandbox.Result{ExitCode: 1}, failing, models.RunStatusFailed, "1 of 2 tests failed"},
		{"flaky report with clean exit", sandbox.Result{Success: true}, report.Evaluation{FoundReport: true, Total: 1, Passed: 1, Flaky: 1}, models.RunStatusPassed, ""},
		{"process failed despite a clean report", sandbox.Result{ExitCode: 2, Error: "process exited with code 2"}, passing, models.RunStatusFailed, "process exited with code 2"},
		{"no report is never a pass", sandbox.Result{Success: true}, missing, models.RunStatusFailed, "No test report was produced"},
		{"timeout", sandbox.Result{TimedOut: true, ExitCode: 137}, passing, models.RunStatusFailed, "Execution timed out after 5m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := verdict(&tt.res, tt.ev, 5*time.Minute)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestCancelSource_String(t *testing.T) {
	assert.Equal(t, "exit_137", CancelExit137.String())
	assert.Equal(t, "CancelSource(42)", CancelSource(42).String())
}

func TestFileSafe(t *testing.T) {
	assert.Equal(t, "cart_add", fileSafe("cart/add"))
	assert.Equal(t, "a-b_c", fileSafe("a-b_c"))
	assert.Equal(t, "___etc_passwd", fileSafe("../etc/passwd"))
	assert.Equal(t, "test", fileSafe(""))
}

func TestTryRun(t *testing.T) {
	calls := 0
	attempts, err := tryRun(3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts, err = tryRun(2, time.Millisecond, func() error { return errors.New("down") })
	assert.ErrorContains(t, err, "failed after 2 attempts")
	assert.Equal(t, 2, attempts)
}
