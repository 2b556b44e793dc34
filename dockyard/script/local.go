package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"tangled.sh/tangled.sh/dockyard/dockyard/models"
)

// LocalRunner runs scripts with the host's bash.
type LocalRunner struct {
	Shell string
}

var _ models.ScriptRunner = &LocalRunner{}

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Shell: "bash"}
}

func (r *LocalRunner) RunScript(ctx context.Context, req models.ScriptRequest, stdout, stderr io.Writer) (map[string]string, error) {
	stateDir, err := os.MkdirTemp("", "dockyard-script-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stateDir)

	path := filepath.Join(stateDir, ScriptFile)
	if err := os.WriteFile(path, []byte(Wrap(req.Script, stateDir)), 0o700); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, r.Shell, path)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), EnvList(req.Env)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: exit code %d", ErrScriptFailed, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%w: %w", ErrScriptFailed, err)
	}

	return ReadState(stateDir)
}

// ReadState reads both environment dumps from dir and returns the variables
// the script produced.
func ReadState(dir string) (map[string]string, error) {
	before, err := os.ReadFile(filepath.Join(dir, BeforeFile))
	if err != nil {
		return nil, fmt.Errorf("%w: reading environment: %w", ErrScriptFailed, err)
	}
	after, err := os.ReadFile(filepath.Join(dir, AfterFile))
	if err != nil {
		return nil, fmt.Errorf("%w: reading environment: %w", ErrScriptFailed, err)
	}

	return Diff(ParseEnv(before), ParseEnv(after)), nil
}
