package docker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/dockyard/script"
)

func muxLogs(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	require.NoError(t, err)
	return buf.Bytes()
}

// stateMount finds the host directory the wrapper dumps its environment to
func stateMount(hc *container.HostConfig) string {
	for _, m := range hc.Mounts {
		if m.Target == stateDir {
			return m.Source
		}
	}
	return ""
}

func TestScriptRunner(t *testing.T) {
	workspace := t.TempDir()

	fake := &fakeDocker{
		logs: muxLogs(t, "computing version\n", "warning: shallow clone\n"),
		onStart: func(hc *container.HostConfig) {
			dir := stateMount(hc)
			os.WriteFile(filepath.Join(dir, script.BeforeFile), []byte("HOME=/root\x00BASE=1.2\x00"), 0644)
			os.WriteFile(filepath.Join(dir, script.AfterFile), []byte("HOME=/root\x00BASE=1.2\x00VERSION=1.2.3\x00"), 0644)
		},
	}
	r := NewScriptRunner(context.Background(), fake, "docker.io/library/bash:5")

	var stdout, stderr bytes.Buffer
	vars, err := r.RunScript(context.Background(), models.ScriptRequest{
		Script:  `VERSION="$BASE.3"`,
		WorkDir: workspace,
		Env:     map[string]string{"BASE": "1.2"},
	}, &stdout, &stderr)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"VERSION": "1.2.3"}, vars)
	assert.Equal(t, "computing version\n", stdout.String())
	assert.Contains(t, stderr.String(), "warning: shallow clone")

	assert.Equal(t, []string{"docker.io/library/bash:5"}, fake.pulls)

	require.Len(t, fake.containers, 1)
	cfg := fake.containers[0]
	assert.Equal(t, "docker.io/library/bash:5", cfg.Image)
	assert.Equal(t, []string{"BASE=1.2"}, cfg.Env)
	assert.Equal(t, workspaceDir, cfg.WorkingDir)

	var workspaceMounted bool
	for _, m := range fake.hosts[0].Mounts {
		if m.Target == workspaceDir && m.Source == workspace {
			workspaceMounted = true
		}
	}
	assert.True(t, workspaceMounted)

	// the container is always removed
	assert.Contains(t, fake.removed, "c0ffee")

	// the image is only pulled once
	fake.onStart = nil
	_, err = r.RunScript(context.Background(), models.ScriptRequest{Script: "true", WorkDir: workspace}, &stdout, &stderr)
	require.Error(t, err, "no state was written this time")
	assert.Len(t, fake.pulls, 1)
}

func TestScriptRunnerExitCode(t *testing.T) {
	fake := &fakeDocker{exitCode: 2}
	r := NewScriptRunner(context.Background(), fake, "docker.io/library/bash:5")

	_, err := r.RunScript(context.Background(), models.ScriptRequest{
		Script:  "exit 2",
		WorkDir: t.TempDir(),
	}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, script.ErrScriptFailed)
	assert.Contains(t, err.Error(), "exit code 2")
}
