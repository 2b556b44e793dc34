package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tangled.sh/tangled.sh/dockyard/dockyard/config"
	"tangled.sh/tangled.sh/dockyard/dockyard/db"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/log"
	"tangled.sh/tangled.sh/dockyard/notifier"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

const (
	LabelJob = "dev.dockyard.job"
	LabelRun = "dev.dockyard.run"
)

var (
	// characters that may not appear in a repository path component or tag
	invalidName = regexp.MustCompile(`[^a-z0-9]+`)
	invalidTag  = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)
)

// Remover is implemented by builders that can drop the images they built.
type Remover interface {
	Remove(ctx context.Context, artifact models.Artifact) error
}

type Engine struct {
	builder   models.Builder
	publisher models.Publisher
	scripts   models.ScriptRunner

	db  *db.DB
	n   *notifier.Notifier
	l   *slog.Logger
	cfg *config.Config
}

func New(ctx context.Context, cfg *config.Config, d *db.DB, n *notifier.Notifier, builder models.Builder, publisher models.Publisher, scripts models.ScriptRunner) *Engine {
	l := log.SubLogger(log.FromContext(ctx), "engine")

	return &Engine{
		builder:   builder,
		publisher: publisher,
		scripts:   scripts,
		db:        d,
		n:         n,
		l:         l,
		cfg:       cfg,
	}
}

// run state shared between the steps of a single run
type runState struct {
	rid       models.RunId
	job       workflow.Job
	env       RunEnv
	labels    map[string]string
	artifacts map[string]models.Artifact
	logger    *models.RunLogger
	l         *slog.Logger
}

// Run executes the steps of job in order and records the outcome of the run.
// The run must already exist in the database. The first failing step ends
// the run; no later step executes.
func (e *Engine) Run(ctx context.Context, job workflow.Job, rid models.RunId, trigger workflow.Trigger) error {
	l := e.l.With("job", job.Name, "run", rid.Id)

	if err := e.db.StatusRunning(rid, e.n); err != nil {
		return fmt.Errorf("marking run as running: %w", err)
	}

	err := e.run(ctx, job, rid, trigger, l)
	return e.finish(ctx, rid, err, l)
}

func (e *Engine) run(ctx context.Context, job workflow.Job, rid models.RunId, trigger workflow.Trigger, l *slog.Logger) error {
	logger, err := models.NewRunLogger(e.cfg.Pipelines.LogDir, rid)
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer logger.Close()

	if timeout := e.cfg.Pipelines.JobTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	state := &runState{
		rid:       rid,
		job:       job,
		env:       NewRunEnv(job, rid, trigger),
		labels:    e.labels(job, rid, trigger),
		artifacts: make(map[string]models.Artifact),
		logger:    logger,
		l:         l,
	}

	defer e.removeArtifacts(state)

	l.Info("starting run", "steps", len(job.Steps), "trigger", trigger.Kind)
	start := time.Now()

	for idx, step := range job.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, kind := step.DisplayName(), string(step.Kind())
		if err := logger.StepStart(idx, name, kind); err != nil {
			l.Warn("failed to write log line", "error", err)
		}

		stepStart := time.Now()
		switch step.Kind() {
		case workflow.StepKindBuild:
			err = e.runBuild(ctx, state, idx, *step.Build)
		case workflow.StepKindPush:
			err = e.runPush(ctx, state, idx, *step.Push)
		default:
			err = fmt.Errorf("%w: %w", ErrConfiguration, workflow.InvalidStep)
		}

		if lerr := logger.StepEnd(idx, name, kind, err); lerr != nil {
			l.Warn("failed to write log line", "error", lerr)
		}

		if err != nil {
			l.Error("step failed", "step", idx, "name", name, "error", err)
			return fmt.Errorf("step %d (%s): %w", idx, name, err)
		}
		l.Info("step finished", "step", idx, "name", name, "took", time.Since(stepStart).Round(time.Millisecond))
	}

	l.Info("run finished", "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// finish records the final status of a run and returns err, converted to
// ErrTimedOut when the job deadline expired.
func (e *Engine) finish(ctx context.Context, rid models.RunId, err error, l *slog.Logger) error {
	var dbErr error

	switch {
	case err == nil:
		dbErr = e.db.StatusSuccess(rid, e.n)

	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", ErrTimedOut, err)
		l.Error("run timed out", "error", err)
		dbErr = e.db.StatusTimeout(rid, err.Error(), e.n)

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		l.Warn("run cancelled")
		dbErr = e.db.StatusCancelled(rid, e.n)

	default:
		l.Error("run failed", "error", err)
		dbErr = e.db.StatusFailed(rid, err.Error(), e.n)
	}

	if dbErr != nil {
		l.Error("failed to record run status", "error", dbErr)
	}

	return err
}

func (e *Engine) runBuild(ctx context.Context, state *runState, idx int, b workflow.BuildStep) error {
	contextDir, err := securejoin.SecureJoin(e.cfg.Pipelines.Workspace, b.Context)
	if err != nil {
		return fmt.Errorf("%w: resolving context %q: %w", ErrBuildFailed, b.Context, err)
	}

	stdout := state.logger.DataWriter(idx, "stdout")
	stderr := state.logger.DataWriter(idx, "stderr")

	if b.Script != "" {
		if err := e.runScript(ctx, state, b.Script, stdout, stderr); err != nil {
			return err
		}
	}

	args := make(map[string]string, len(b.Args))
	for k, v := range b.Args {
		expanded, err := workflow.Expand(v, state.env)
		if err != nil {
			return fmt.Errorf("%w: build arg %s: %w", ErrConfiguration, k, err)
		}
		args[k] = expanded
	}

	req := models.BuildRequest{
		BuildId:    b.Id,
		Context:    contextDir,
		Dockerfile: b.Dockerfile,
		Target:     b.Target,
		Platform:   b.Platform,
		Args:       args,
		Labels:     state.labels,
		Tag:        LocalImage(state.rid, b.Id),
	}

	state.l.Info("building image", "build", b.Id, "dockerfile", b.Dockerfile, "context", b.Context)
	artifact, err := e.builder.Build(ctx, req, stdout)
	if err != nil {
		return err
	}

	state.artifacts[b.Id] = artifact
	state.l.Info("built image", "build", b.Id, "image", artifact.Image, "id", artifact.ImageId)

	return nil
}

func (e *Engine) runScript(ctx context.Context, state *runState, content string, stdout, stderr io.Writer) error {
	if e.scripts == nil {
		return fmt.Errorf("%w: no script runner configured", ErrConfiguration)
	}

	vars, err := e.scripts.RunScript(ctx, models.ScriptRequest{
		Script:  content,
		WorkDir: e.cfg.Pipelines.Workspace,
		Env:     state.env.Map(),
	}, stdout, stderr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: pre-build script: %w", ErrBuildFailed, err)
	}

	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	state.l.Info("pre-build script finished", "variables", names)

	state.env.Merge(vars)
	return nil
}

func (e *Engine) runPush(ctx context.Context, state *runState, idx int, p workflow.PushStep) error {
	artifact, ok := state.artifacts[p.Artifact]
	if !ok {
		return fmt.Errorf("%w: %w: %q", ErrConfiguration, workflow.DanglingArtifact, p.Artifact)
	}

	// resolve every tag before pushing anything
	tags, err := workflow.ExpandAll(p.Tags, state.env)
	if err != nil {
		return fmt.Errorf("%w: resolving tags: %w", ErrConfiguration, err)
	}

	state.l.Info("pushing image", "build", p.Artifact, "registry", p.Registry, "tags", tags)
	published, err := e.publisher.Push(ctx, artifact, p.Registry, tags, state.logger.DataWriter(idx, "stdout"))
	if err != nil {
		return err
	}

	for _, pub := range published {
		state.l.Info("pushed image", "reference", pub.Reference, "digest", pub.Digest)
	}

	return nil
}

// removeArtifacts untags the local images of a finished run. It uses a
// fresh context so that cancelled runs are cleaned up too.
func (e *Engine) removeArtifacts(state *runState) {
	remover, ok := e.builder.(Remover)
	if !ok || e.cfg.Pipelines.KeepImages {
		return
	}

	for id, artifact := range state.artifacts {
		if err := remover.Remove(context.Background(), artifact); err != nil {
			state.l.Warn("failed to remove local image", "build", id, "image", artifact.Image, "error", err)
		}
	}
}

func (e *Engine) labels(job workflow.Job, rid models.RunId, trigger workflow.Trigger) map[string]string {
	labels := map[string]string{
		ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
		LabelJob:                  job.Name,
		LabelRun:                  rid.Id,
	}

	revision := trigger.Sha
	if revision == "" {
		revision = Revision(e.cfg.Pipelines.Workspace)
	}
	if revision != "" {
		labels[ocispec.AnnotationRevision] = revision
	}

	return labels
}

// LocalImage is the reference a build is tagged with in the local image
// store, before it gets pushed under its registry tags.
func LocalImage(rid models.RunId, buildId string) string {
	name := strings.Trim(invalidName.ReplaceAllString(strings.ToLower(rid.Job), "-"), "-")
	if name == "" {
		name = "job"
	}

	tag := invalidTag.ReplaceAllString(fmt.Sprintf("%s-%s", buildId, rid.Short()), "-")
	tag = strings.TrimLeft(tag, ".-")
	if len(tag) > 128 {
		tag = tag[:128]
	}

	return fmt.Sprintf("dockyard/%s:%s", name, tag)
}
