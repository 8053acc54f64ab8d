package models

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTask = errors.New("invalid execution task")

type TaskKind string

const (
	KindSingleTest TaskKind = "test"
	KindJob        TaskKind = "job"
)

type JobType string

const (
	JobTypePlaywright JobType = "playwright"
	JobTypeMonitor    JobType = "synthetic_monitor"
)

type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerRemote   Trigger = "remote"
)

// TaskMeta is the identity shared by every kind of execution task. Empty strings
// mean "absent".
type TaskMeta struct {
	RunID          string
	OrganizationID string
	ProjectID      string
}

func (m TaskMeta) Meta() TaskMeta { return m }

// ExecutionTask is either a *SingleTestTask or a *JobTask. The kind is decided
// once, when the task record is resolved at intake.
type ExecutionTask interface {
	Meta() TaskMeta
	Kind() TaskKind
	Validate() error
	isExecutionTask()
}

type SingleTestTask struct {
	TaskMeta
	TestID string
	Code   string
}

func (*SingleTestTask) Kind() TaskKind   { return KindSingleTest }
func (*SingleTestTask) isExecutionTask() {}

func (t *SingleTestTask) Validate() error {
	switch {
	case t.TestID == "":
		return fmt.Errorf("%w: test id is required", ErrInvalidTask)
	case strings.TrimSpace(t.Code) == "":
		return fmt.Errorf("%w: test %s has no code", ErrInvalidTask, t.TestID)
	}
	return nil
}

type TestScript struct {
	ID     string `json:"id"`
	Script string `json:"script"`
	Name   string `json:"name,omitempty"`
}

type JobTask struct {
	TaskMeta
	JobID         string
	TestScripts   []TestScript
	JobType       JobType
	OriginalJobID string
	Trigger       Trigger
}

func (*JobTask) Kind() TaskKind   { return KindJob }
func (*JobTask) isExecutionTask() {}

func (t *JobTask) Validate() error {
	var errs []error
	if t.JobID == "" {
		errs = append(errs, errors.New("job id is required"))
	}
	if t.RunID == "" {
		errs = append(errs, errors.New("run id is required"))
	}
	if len(t.TestScripts) == 0 {
		errs = append(errs, errors.New("job has no test scripts"))
	}
	for i, s := range t.TestScripts {
		if s.ID == "" || strings.TrimSpace(s.Script) == "" {
			errs = append(errs, fmt.Errorf("test script #%d is missing its id or content", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	return nil
}

// IsMonitor reports whether the job is a synthetic monitor check
func (t *JobTask) IsMonitor() bool {
	return t.JobType == JobTypeMonitor
}

// TaskRecord is the flat shape of a task as it arrives from the broker
type TaskRecord struct {
	TestID         string       `json:"test_id,omitempty"`
	Code           string       `json:"code,omitempty"`
	JobID          string       `json:"job_id,omitempty"`
	RunID          string       `json:"run_id,omitempty"`
	OrganizationID string       `json:"organization_id,omitempty"`
	ProjectID      string       `json:"project_id,omitempty"`
	TestScripts    []TestScript `json:"test_scripts,omitempty"`
	JobType        JobType      `json:"job_type,omitempty"`
	OriginalJobID  string       `json:"original_job_id,omitempty"`
	Trigger        Trigger      `json:"trigger,omitempty"`
}

// Resolve turns the record into its concrete task kind. A record carrying a job
// identity is a job, even if it also names a test. When the kind is known but the task
// does not validate, the task is returned together with the error so its run can still
// be settled.
func (r TaskRecord) Resolve() (ExecutionTask, error) {
	meta := TaskMeta{RunID: r.RunID, OrganizationID: r.OrganizationID, ProjectID: r.ProjectID}

	var task ExecutionTask
	switch {
	case r.JobID != "":
		jobType := r.JobType
		if jobType == "" {
			jobType = JobTypePlaywright
		}
		trigger := r.Trigger
		if trigger == "" {
			trigger = TriggerManual
		}
		task = &JobTask{
			TaskMeta:      meta,
			JobID:         r.JobID,
			TestScripts:   r.TestScripts,
			JobType:       jobType,
			OriginalJobID: r.OriginalJobID,
			Trigger:       trigger,
		}
	case r.TestID != "":
		task = &SingleTestTask{TaskMeta: meta, TestID: r.TestID, Code: r.Code}
	default:
		return nil, fmt.Errorf("%w: record has neither a job nor a test identity", ErrInvalidTask)
	}

	if err := task.Validate(); err != nil {
		return task, err
	}
	return task, nil
}

// Record flattens a task back into its wire shape
func Record(task ExecutionTask) TaskRecord {
	m := task.Meta()
	r := TaskRecord{RunID: m.RunID, OrganizationID: m.OrganizationID, ProjectID: m.ProjectID}
	switch t := task.(type) {
	case *SingleTestTask:
		r.TestID, r.Code = t.TestID, t.Code
	case *JobTask:
		r.JobID = t.JobID
		r.TestScripts = t.TestScripts
		r.JobType = t.JobType
		r.OriginalJobID = t.OriginalJobID
		r.Trigger = t.Trigger
	}
	return r
}
