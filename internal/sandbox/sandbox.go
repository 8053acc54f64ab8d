package sandbox

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	ErrInvalidRequest    = errors.New("invalid sandbox request")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrImageUnavailable  = errors.New("sandbox image unavailable")
	ErrCreateFailed      = errors.New("could not create sandbox")
)

// TimeoutMarker is appended to the output of an attempt that ran out of time
const TimeoutMarker = "[EXECUTION TIMEOUT]"

// Limits bound the resources of a single attempt
type Limits struct {
	MemoryMB    int64
	CPUFraction float64
	PidsLimit   int64
	NetworkMode string
}

type Script struct {
	Content  string
	FileName string
}

// Request describes one execution attempt. Paths are relative to the sandbox workspace.
type Request struct {
	RunID           string
	Script          Script
	AdditionalFiles map[string]string

	// Command replaces the runner's default command, which is run with the script path
	// appended
	Command []string
	Env     map[string]string

	Limits  Limits
	Timeout time.Duration

	// ExtractFrom is copied to the host directory ExtractTo once the process is done.
	// No extraction happens when ExtractTo is empty.
	ExtractFrom string
	ExtractTo   string

	// OnStart is called with the container id once the sandbox exists
	OnStart func(containerID string)
}

// Result of an attempt. Success only reflects the process exit status.
type Result struct {
	Success     bool
	ExitCode    int
	Stdout      string
	Stderr      string
	Duration    time.Duration
	TimedOut    bool
	Cancelled   bool
	Error       string
	ArtifactDir string
}

func (r *Request) validate() error {
	var errs []error
	if strings.TrimSpace(r.Script.Content) == "" {
		errs = append(errs, errors.New("script content is empty"))
	}
	if _, err := workspacePath(r.Script.FileName); err != nil {
		errs = append(errs, fmt.Errorf("script file name: %w", err))
	}
	for p := range r.AdditionalFiles {
		if _, err := workspacePath(p); err != nil {
			errs = append(errs, fmt.Errorf("additional file %q: %w", p, err))
		}
	}
	if r.ExtractTo != "" {
		if _, err := workspacePath(r.ExtractFrom); err != nil {
			errs = append(errs, fmt.Errorf("extraction path: %w", err))
		}
	}
	if r.Limits.MemoryMB <= 0 {
		errs = append(errs, errors.New("memory limit must be positive"))
	}
	if r.Limits.CPUFraction <= 0 {
		errs = append(errs, errors.New("cpu fraction must be positive"))
	}
	if r.Limits.PidsLimit <= 0 {
		errs = append(errs, errors.New("pids limit must be positive"))
	}
	switch r.Limits.NetworkMode {
	case "none", "bridge":
	default:
		errs = append(errs, fmt.Errorf("unsupported network mode %q", r.Limits.NetworkMode))
	}
	if r.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// workspacePath cleans a relative path and refuses anything escaping the workspace
func workspacePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is empty")
	}
	if path.IsAbs(p) || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%q must be a relative path", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%q escapes the workspace", p)
	}
	return clean, nil
}
