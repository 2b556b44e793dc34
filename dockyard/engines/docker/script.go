package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/dockyard/script"
	"tangled.sh/tangled.sh/dockyard/log"
)

const (
	workspaceDir = "/workspace"
	stateDir     = "/dockyard"
)

// ScriptRunner runs pre-build scripts in a throwaway container. The
// workspace is bind mounted, so the daemon must share a filesystem with
// dockyard.
type ScriptRunner struct {
	docker API
	image  string
	l      *slog.Logger

	pullMu sync.Mutex
	pulled bool
}

var _ models.ScriptRunner = &ScriptRunner{}

func NewScriptRunner(ctx context.Context, docker API, image string) *ScriptRunner {
	return &ScriptRunner{
		docker: docker,
		image:  image,
		l:      log.SubLogger(log.FromContext(ctx), "script"),
	}
}

// pull fetches the script image once per process.
func (r *ScriptRunner) pull(ctx context.Context, out io.Writer) error {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()

	if r.pulled {
		return nil
	}

	reader, err := r.docker.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		r.l.Error("script image pull failed", "image", r.image, "error", err)
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()

	if err := displayStream(reader, out, nil); err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}

	r.pulled = true
	return nil
}

func (r *ScriptRunner) RunScript(ctx context.Context, req models.ScriptRequest, stdout, stderr io.Writer) (map[string]string, error) {
	if err := r.pull(ctx, stderr); err != nil {
		return nil, err
	}

	workDir, err := filepath.Abs(req.WorkDir)
	if err != nil {
		return nil, err
	}

	hostState, err := os.MkdirTemp("", "dockyard-script-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(hostState)

	// the wrapper refers to container paths, it is only ever run inside
	wrapper := script.Wrap(req.Script, stateDir)
	if err := os.WriteFile(filepath.Join(hostState, script.ScriptFile), []byte(wrapper), 0o755); err != nil {
		return nil, err
	}

	resp, err := r.docker.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Entrypoint: []string{"bash"},
		Cmd:        []string{stateDir + "/" + script.ScriptFile},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "dockyard",
		Env:        script.EnvList(req.Env),
	}, hostConfig(workDir, hostState), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	defer r.destroy(resp.ID)

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	r.l.Debug("started script container", "container", resp.ID)

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- r.tail(ctx, resp.ID, stdout, stderr)
	}()

	waitCh, errCh := r.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var status container.WaitResponse
	select {
	case err := <-errCh:
		<-tailDone
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("waiting for container: %w", err)
	case status = <-waitCh:
	}

	if err := <-tailDone; err != nil {
		r.l.Warn("failed to tail script container", "container", resp.ID, "error", err)
	}

	if status.Error != nil && status.Error.Message != "" {
		return nil, fmt.Errorf("%w: %s", script.ErrScriptFailed, status.Error.Message)
	}
	if status.StatusCode != 0 {
		return nil, fmt.Errorf("%w: exit code %d", script.ErrScriptFailed, status.StatusCode)
	}

	return script.ReadState(hostState)
}

func (r *ScriptRunner) tail(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	logs, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(
		&ansiStrippingWriter{underlying: stdout},
		&ansiStrippingWriter{underlying: stderr},
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

// destroy runs on a fresh context so that cancelled runs still clean up.
func (r *ScriptRunner) destroy(containerID string) {
	ctx := context.Background()

	err := r.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		r.l.Error("failed to kill script container", "container", containerID, "error", err)
	}

	if err := r.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		r.l.Error("failed to remove script container", "container", containerID, "error", err)
	}
}

func hostConfig(workDir, state string) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workDir,
				Target: workspaceDir,
			},
			{
				Type:   mount.TypeBind,
				Source: state,
				Target: stateDir,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
				},
			},
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}
}
