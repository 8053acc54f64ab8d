package sandbox_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker emulates a single-container engine. With hang set the process never exits
// on its own and only a kill ends it.
type fakeDocker struct {
	mu sync.Mutex

	pingErr   error
	images    map[string]bool
	pullErr   error
	createErr error
	copyErr   error
	removeErr error

	exitCode int64
	hang     bool
	stdout   string
	stderr   string
	archive  []byte

	pulled     []string
	config     *container.Config
	hostConfig *container.HostConfig
	name       string
	started    bool
	running    bool
	killed     []string
	removed    []container.RemoveOptions
	copied     []string

	waitCh chan container.WaitResponse
}

func newFakeDocker(img string) *fakeDocker {
	return &fakeDocker{images: map[string]bool{img: true}}
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[imageID] {
		return image.InspectResponse{}, errors.New("No such image: " + imageID)
	}
	return image.InspectResponse{ID: "sha256:abc"}, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.images[ref] = true
	return io.NopCloser(bytes.NewBufferString(`{"status":"Downloaded newer image"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.config, f.hostConfig, f.name = config, hostConfig, containerName
	f.waitCh = make(chan container.WaitResponse, 1)
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started, f.running = true, true
	if !f.hang {
		f.running = false
		f.waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitCh, make(chan error)
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, signal)
	if f.running {
		f.running = false
		f.waitCh <- container.WaitResponse{StatusCode: 137}
	}
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{Running: f.running}},
	}, nil
}

func (f *fakeDocker) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied = append(f.copied, srcPath)
	if f.copyErr != nil {
		return nil, container.PathStat{}, f.copyErr
	}
	return io.NopCloser(bytes.NewReader(f.archive)), container.PathStat{Name: "report"}, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, options)
	return f.removeErr
}

// tarball builds an archive the way the engine returns a copied directory
func tarball(files map[string]string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: "report/", Typeflag: tar.TypeDir, Mode: 0o755})
	for name, content := range files {
		_ = tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))})
		_, _ = tw.Write([]byte(content))
	}
	_ = tw.Close()
	return buf.Bytes()
}
