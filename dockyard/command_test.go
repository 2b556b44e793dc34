package dockyard

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockyard/dockyard/db"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/dockyard/secrets"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

const releaseJobs = `
jobs:
  - name: release
    when:
      - event: push
        branch: main
    steps:
      - build:
          dockerfile: Dockerfile
      - push:
          registry: registry.example.com/org/app
          tags: ["1.2.3", "latest"]

  - name: nightly
    steps:
      - build: {}
      - push:
          registry: registry.example.com/org/nightly
          tags: nightly
`

const brokenJobs = `
jobs:
  - name: broken
    steps:
      - push:
          registry: registry.example.com/org/app
          tags: 1.2.3
`

func setupEnv(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	jobsDir := filepath.Join(dir, "jobs")
	require.NoError(t, os.MkdirAll(jobsDir, 0755))
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(jobsDir, name), []byte(contents), 0644))
	}

	dbPath := filepath.Join(dir, "dockyard.db")
	t.Setenv("DOCKYARD_PIPELINES_JOBS_DIR", jobsDir)
	t.Setenv("DOCKYARD_SERVER_DB_PATH", dbPath)
	t.Setenv("DOCKYARD_SECRETS_PROVIDER", "sqlite")
	return dbPath
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := &cli.Command{
		Name:      "dockyard",
		Commands:  Commands(),
		Writer:    &out,
		ErrWriter: &out,
		Reader:    strings.NewReader(stdin),
	}
	err := cmd.Run(context.Background(), append([]string{"dockyard"}, args...))
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	setupEnv(t, map[string]string{"release.yml": releaseJobs})

	out, err := runCLI(t, "", "validate")
	require.NoError(t, err)

	assert.Contains(t, out, "2 jobs ok")
	assert.Contains(t, out, string(workflow.NonSemverTag))
	assert.Contains(t, out, string(workflow.ManualOnly))
}

func TestValidateCommand_Errors(t *testing.T) {
	setupEnv(t, map[string]string{
		"release.yml": releaseJobs,
		"broken.yaml": brokenJobs,
	})

	out, err := runCLI(t, "", "validate")
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrConfiguration)
	assert.Contains(t, out, "error:")
	assert.Contains(t, out, workflow.DanglingArtifact.Error())
}

func TestJobsCommand(t *testing.T) {
	setupEnv(t, map[string]string{"release.yml": releaseJobs})

	out, err := runCLI(t, "", "jobs")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Regexp(t, `^nightly\s+manual\s+2`, lines[1])
	assert.Regexp(t, `^release\s+push\s+2`, lines[2])
}

func TestRunsCommand(t *testing.T) {
	dbPath := setupEnv(t, nil)

	d, err := db.Make(dbPath)
	require.NoError(t, err)

	ok := models.NewRunId("release")
	require.NoError(t, d.CreateRun(ok, workflow.ManualTrigger(""), nil))
	require.NoError(t, d.StatusRunning(ok, nil))
	require.NoError(t, d.StatusSuccess(ok, nil))

	bad := models.NewRunId("nightly")
	require.NoError(t, d.CreateRun(bad, workflow.ManualTrigger(""), nil))
	require.NoError(t, d.StatusFailed(bad, "build failed", nil))
	require.NoError(t, d.Close())

	out, err := runCLI(t, "", "runs")
	require.NoError(t, err)
	assert.Contains(t, out, ok.Id)
	assert.Contains(t, out, bad.Id)
	assert.Contains(t, out, "build failed")

	out, err = runCLI(t, "", "runs", "--job", "release")
	require.NoError(t, err)
	assert.Contains(t, out, ok.Id)
	assert.NotContains(t, out, bad.Id)
}

func TestRunCommand_UnknownJob(t *testing.T) {
	setupEnv(t, map[string]string{"release.yml": releaseJobs})

	_, err := runCLI(t, "", "run")
	require.Error(t, err)
}

func TestLoginLogout(t *testing.T) {
	dbPath := setupEnv(t, nil)

	out, err := runCLI(t, "hunter2\n", "login", "-u", "bob", "--password-stdin", "registry.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in to registry.example.com")

	sm, err := secrets.NewSQLiteManager(dbPath)
	require.NoError(t, err)
	cred, err := sm.GetCredential(context.Background(), "registry.example.com/org/app")
	require.NoError(t, err)
	assert.Equal(t, "bob", cred.Username)
	assert.Equal(t, "hunter2", cred.Password)
	require.NoError(t, sm.Close())

	out, err = runCLI(t, "", "registries")
	require.NoError(t, err)
	assert.Regexp(t, `registry\.example\.com\s+bob`, out)
	assert.NotContains(t, out, "hunter2")

	out, err = runCLI(t, "", "logout", "registry.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "logged out of registry.example.com")

	_, err = runCLI(t, "", "logout", "registry.example.com")
	assert.ErrorIs(t, err, secrets.ErrCredentialNotFound)
}

func TestLogin_RequiresPasswordStdin(t *testing.T) {
	setupEnv(t, nil)

	_, err := runCLI(t, "", "login", "-u", "bob", "registry.example.com")
	require.Error(t, err)

	_, err = runCLI(t, "\n", "login", "-u", "bob", "--password-stdin", "registry.example.com")
	require.Error(t, err)
}
