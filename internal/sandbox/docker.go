package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

const (
	RunIDLabel = "testworker.run_id"

	// exitCodeKilled is what the engine reports for a SIGKILLed process
	exitCodeKilled = 137
)

// writableHome points the usual home and cache locations at the /tmp tmpfs
var writableHome = [][2]string{
	{"HOME", "/tmp"},
	{"npm_config_cache", "/tmp/.npm"},
	{"XDG_CACHE_HOME", "/tmp/.cache"},
}

// DockerAPI is the part of the Docker Engine client the runner needs
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Options are the runner-wide settings shared by every attempt
type Options struct {
	Image       string
	PullMissing bool
	User        string
	ShmSizeMB   int64
	Command     []string

	// Workdir is the writable workspace inside the sandbox. It is backed by an anonymous
	// volume so the root filesystem can stay read-only and artifacts can still be copied out.
	Workdir string

	// KillGrace is how long to wait for the engine to confirm a killed sandbox exited
	KillGrace time.Duration
}

// Runner executes attempts in throwaway Docker containers
type Runner struct {
	api    DockerAPI
	opts   Options
	pullMu sync.Mutex
}

// NewDockerRunner connects to the engine configured by the environment (DOCKER_HOST etc.)
func NewDockerRunner(opts Options) (*Runner, *client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return NewRunner(cli, opts), cli, nil
}

func NewRunner(api DockerAPI, opts Options) *Runner {
	if opts.Workdir == "" {
		opts.Workdir = "/workspace"
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 10 * time.Second
	}
	return &Runner{api: api, opts: opts}
}

// Run executes the request in a fresh sandbox. Pre-flight problems (invalid request,
// engine or image unavailable, container creation) are returned as errors; everything
// that happens after the process started is reported through the Result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := r.preflight(ctx); err != nil {
		return nil, err
	}

	command := req.Command
	if len(command) == 0 {
		main, _ := workspacePath(req.Script.FileName)
		command = append(append([]string{}, r.opts.Command...), main)
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: no command to run", ErrInvalidRequest)
	}

	extractFrom := ""
	if req.ExtractTo != "" {
		extractFrom, _ = workspacePath(req.ExtractFrom)
	}
	script, env := bootstrap(r.opts.Workdir, collectFiles(&req), extractFrom, command)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	// the root filesystem is read-only, so tools writing to $HOME need a tmpfs home
	for _, kv := range writableHome {
		if _, set := req.Env[kv[0]]; !set {
			env = append(env, kv[0]+"="+kv[1])
		}
	}

	autoRemove := req.ExtractTo == ""
	cfg, hostCfg := r.containerConfig(&req, script, env, autoRemove)

	created, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(req.RunID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	id := created.ID
	defer r.destroy(id, req.RunID, autoRemove)

	if req.OnStart != nil {
		req.OnStart(id)
	}

	// the wait must survive the caller's cancellation so a killed sandbox is still observed
	waitCtx, cancelWait := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWait()
	waitCh, waitErrCh := r.api.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	start := time.Now()
	if err := r.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: could not start container: %w", ErrCreateFailed, err)
	}

	log.Info().
		Str("run_id", req.RunID).
		Str("container_id", shortID(id)).
		Dur("timeout", req.Timeout).
		Msg("Sandbox started")

	stdout := newOutputCapture(req.RunID, "stdout")
	stderr := newOutputCapture(req.RunID, "stderr")
	logsDone := r.streamLogs(waitCtx, id, stdout, stderr)

	res := &Result{ExitCode: -1}
	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case resp := <-waitCh:
		res.ExitCode = int(resp.StatusCode)
		if resp.Error != nil && resp.Error.Message != "" {
			waitErr = errors.New(resp.Error.Message)
		}
	case err := <-waitErrCh:
		waitErr = err
	case <-timer.C:
		// an exit that raced the timer still counts as finishing in time
		select {
		case resp := <-waitCh:
			res.ExitCode = int(resp.StatusCode)
			if resp.Error != nil && resp.Error.Message != "" {
				waitErr = errors.New(resp.Error.Message)
			}
		default:
			res.TimedOut = true
			res.ExitCode = r.kill(id, req.RunID, waitCh, waitErrCh)
		}
	case <-ctx.Done():
		res.Cancelled = true
		res.ExitCode = r.kill(id, req.RunID, waitCh, waitErrCh)
	}
	res.Duration = time.Since(start)

	select {
	case <-logsDone:
	case <-time.After(5 * time.Second):
		log.Warn().Str("run_id", req.RunID).Msg("Log stream did not finish after sandbox exit")
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case res.TimedOut:
		note := fmt.Sprintf("%s execution exceeded %s and was terminated", TimeoutMarker, req.Timeout)
		res.Stdout = appendLine(res.Stdout, note)
		res.Stderr = appendLine(res.Stderr, note)
		res.Error = fmt.Sprintf("execution timed out after %s", req.Timeout)
	case res.Cancelled:
		res.Error = "execution cancelled"
	case waitErr != nil:
		res.Error = waitErr.Error()
	case res.ExitCode != 0:
		res.Error = fmt.Sprintf("process exited with code %d", res.ExitCode)
	default:
		res.Success = true
	}

	if req.ExtractTo != "" {
		if err := r.extract(id, path.Join(r.opts.Workdir, extractFrom), req.ExtractTo); err != nil {
			log.Warn().
				Err(err).
				Str("run_id", req.RunID).
				Msg("Could not extract artifacts from sandbox")
		} else {
			res.ArtifactDir = req.ExtractTo
		}
	}

	log.Info().
		Str("run_id", req.RunID).
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Bool("cancelled", res.Cancelled).
		Dur("duration", res.Duration).
		Msg("Sandbox finished")

	return res, nil
}

func (r *Runner) containerConfig(req *Request, script string, env []string, autoRemove bool) (*container.Config, *container.HostConfig) {
	pids := req.Limits.PidsLimit
	memory := req.Limits.MemoryMB << 20

	cfg := &container.Config{
		Image:      r.opts.Image,
		User:       r.opts.User,
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{script},
		Env:        env,
		WorkingDir: r.opts.Workdir,
		Labels:     map[string]string{RunIDLabel: req.RunID},
	}

	useInit := true
	hostCfg := &container.HostConfig{
		AutoRemove:     autoRemove,
		NetworkMode:    container.NetworkMode(req.Limits.NetworkMode),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Init:           &useInit,
		ShmSize:        r.opts.ShmSizeMB << 20,
		Tmpfs:          map[string]string{"/tmp": "rw,nosuid,size=512m"},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Target: r.opts.Workdir},
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(req.Limits.CPUFraction * 1e9),
			PidsLimit:  &pids,
		},
	}
	return cfg, hostCfg
}

func (r *Runner) preflight(ctx context.Context) error {
	if _, err := r.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return r.ensureImage(ctx)
}

func (r *Runner) ensureImage(ctx context.Context) error {
	ref := r.opts.Image
	if _, err := r.api.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	if !r.opts.PullMissing {
		return fmt.Errorf("%w: %s is not present and pulling is disabled", ErrImageUnavailable, ref)
	}

	r.pullMu.Lock()
	defer r.pullMu.Unlock()

	// another attempt may have pulled it while we waited
	if _, err := r.api.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	log.Info().Str("image", ref).Msg("Pulling sandbox image")
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImageUnavailable, err)
	}
	defer func() { _ = rc.Close() }()

	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: %w", ErrImageUnavailable, err)
	}
	if _, err := r.api.ImageInspect(ctx, ref); err != nil {
		return fmt.Errorf("%w: %w", ErrImageUnavailable, err)
	}
	return nil
}

func (r *Runner) streamLogs(ctx context.Context, id string, stdout, stderr io.Writer) <-chan struct{} {
	done := make(chan struct{})

	logs, err := r.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		log.Warn().Err(err).Str("container_id", shortID(id)).Msg("Could not attach to sandbox logs")
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer func() { _ = logs.Close() }()

		if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Str("container_id", shortID(id)).Msg("Sandbox log stream ended")
		}
	}()
	return done
}

// kill force-terminates the sandbox. Killing the container takes down every process in
// its pid namespace, not only the entry process. The exit code reported by the engine
// is returned when it arrives within the grace period.
func (r *Runner) kill(id, runID string, waitCh <-chan container.WaitResponse, waitErrCh <-chan error) int {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.KillGrace)
	defer cancel()

	if err := r.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Could not kill sandbox")
	}

	exitCode := exitCodeKilled
	select {
	case resp := <-waitCh:
		exitCode = int(resp.StatusCode)
	case err := <-waitErrCh:
		log.Warn().Err(err).Str("run_id", runID).Msg("Lost track of killed sandbox")
	case <-ctx.Done():
		log.Warn().Str("run_id", runID).Msg("Killed sandbox did not report an exit in time")
	}

	inspectCtx, cancelInspect := context.WithTimeout(context.Background(), r.opts.KillGrace)
	defer cancelInspect()
	state, err := r.api.ContainerInspect(inspectCtx, id)
	switch {
	case err != nil:
		// already gone
	case state.ContainerJSONBase != nil && state.State != nil && state.State.Running:
		log.Error().
			Str("run_id", runID).
			Str("container_id", shortID(id)).
			Msg("Sandbox still running after kill, relying on forced removal")
	}
	return exitCode
}

func (r *Runner) extract(id, src, dest string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rc, _, err := r.api.CopyFromContainer(ctx, id, src)
	if err != nil {
		return fmt.Errorf("could not copy %s from sandbox: %w", src, err)
	}
	defer func() { _ = rc.Close() }()

	return untar(rc, dest)
}

// destroy removes the sandbox and its workspace volume. Auto-removed sandboxes are usually
// gone already, which is not worth more than a debug line.
func (r *Runner) destroy(id, runID string, autoRemove bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := r.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	switch {
	case err == nil:
		log.Debug().Str("run_id", runID).Str("container_id", shortID(id)).Msg("Sandbox removed")
	case autoRemove:
		log.Debug().Err(err).Str("run_id", runID).Msg("Sandbox already removed")
	default:
		log.Error().Err(err).Str("run_id", runID).Str("container_id", shortID(id)).Msg("Could not remove sandbox")
	}
}

func containerName(runID string) string {
	suffix := uuid.NewString()[:8]
	if runID == "" {
		return "tw-adhoc-" + suffix
	}
	return "tw-" + sanitizeName(runID) + "-" + suffix
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
