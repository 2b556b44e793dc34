package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker records calls and answers them with canned streams.
type fakeDocker struct {
	mu sync.Mutex

	buildOpts   []build.ImageBuildOptions
	buildFiles  []string
	buildStream string

	tags       [][2]string
	pushes     []string
	pushAuth   []string
	pushStream string
	// returned by consecutive ImagePush calls before succeeding
	pushErrs []error

	pulls      []string
	containers []*container.Config
	hosts      []*container.HostConfig
	removed    []string
	onStart    func(hc *container.HostConfig)
	logs       []byte
	exitCode   int64
}

var _ API = (*fakeDocker)(nil)

func (f *fakeDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return build.ImageBuildResponse{}, err
		}
		f.buildFiles = append(f.buildFiles, hdr.Name)
	}

	f.buildOpts = append(f.buildOpts, options)
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeDocker) ImageTag(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, [2]string{source, target})
	return nil
}

func (f *fakeDocker) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushes = append(f.pushes, ref)
	f.pushAuth = append(f.pushAuth, options.RegistryAuth)

	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return nil, err
	}
	return io.NopCloser(strings.NewReader(f.pushStream)), nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Pulling from library/bash"}` + "\n")), nil
}

func (f *fakeDocker) ImageRemove(ctx context.Context, ref string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return []image.DeleteResponse{{Untagged: ref}}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = append(f.containers, config)
	f.hosts = append(f.hosts, hostConfig)
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	hc := f.hosts[len(f.hosts)-1]
	onStart := f.onStart
	f.mu.Unlock()

	if onStart != nil {
		onStart(hc)
	}
	return nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return waitCh, errCh
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	return errors.New("Error response from daemon: Cannot kill container: " + id + ": Container " + id + " is not running")
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}
