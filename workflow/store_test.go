package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "release.yml", releaseJobs)
	writeFile(t, dir, "README.md", "not a job file")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yml"), 0o755))

	s, diags, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, diags.IsErr())
	assert.True(t, hasWarning(diags, ManualOnly))

	assert.Equal(t, []string{"release-base-docker", "release-docker"}, s.Names())

	j, err := s.GetJob("release-docker")
	require.NoError(t, err)
	assert.Equal(t, "build-1", j.Steps[1].Push.Artifact)
	assert.Equal(t, filepath.Join(dir, "release.yml"), j.Source)
}

func TestGetJob_NotFound(t *testing.T) {
	s, _, err := NewStore(Job{Name: "a", Steps: []Step{buildStep("x")}})
	require.NoError(t, err)

	_, err = s.GetJob("b")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, _, err := Load(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "bad.yaml", "jobs: [")
		_, diags, err := Load(dir)
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.True(t, diags.IsErr())
	})

	t.Run("duplicate across files", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.yml", "jobs:\n  - name: x\n    steps:\n      - build: {}\n")
		writeFile(t, dir, "b.yml", "jobs:\n  - name: x\n    steps:\n      - build: {}\n")
		_, diags, err := Load(dir)
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.True(t, hasError(diags, DuplicateJob))
	})
}

func TestStoreMatch(t *testing.T) {
	s, _, err := NewStore(
		Job{Name: "manual", When: []Constraint{{Event: []string{"push"}, Enabled: boolPtr(false)}}, Steps: []Step{buildStep("x")}},
		Job{Name: "auto", When: []Constraint{{Event: []string{"push"}, Branch: []string{"main"}}}, Steps: []Step{buildStep("x")}},
	)
	require.NoError(t, err)

	matched := s.Match(PushTrigger("refs/heads/main", sha))
	require.Len(t, matched, 1)
	assert.Equal(t, "auto", matched[0].Name)

	assert.Len(t, s.Match(ManualTrigger("")), 2)
}
