package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/distribution/reference"
)

type Compiler struct {
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err folds the collected errors into a single configuration error, or nil.
func (d Diagnostics) Err() error {
	if !d.IsErr() {
		return nil
	}

	msgs := make([]string, 0, len(d.Errors))
	for _, e := range d.Errors {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	ErrConfiguration = errors.New("configuration error")
	ErrJobNotFound   = errors.New("job not found")

	MissingName       error = errors.New("missing job name")
	DuplicateJob      error = errors.New("duplicate job name")
	NoSteps           error = errors.New("job has no steps")
	InvalidStep       error = errors.New("step must define exactly one of `build` or `push`")
	DuplicateArtifact error = errors.New("duplicate build id")
	DanglingArtifact  error = errors.New("push does not reference a preceding build")
	MissingRegistry   error = errors.New("missing registry")
	InvalidRegistry   error = errors.New("invalid registry path")
	NoTags            error = errors.New("push has no tags")
	InvalidTag        error = errors.New("invalid tag")
)

type WarningKind string

var (
	ManualOnly    WarningKind = "manual only"
	NonSemverTag  WarningKind = "non-semver tag"
	ShadowedValue WarningKind = "shadowed value"
)

// Compile validates jobs and fills in step defaults. Jobs with errors are
// dropped from the result and reported in the compiler's diagnostics.
func (compiler *Compiler) Compile(jobs []Job) []Job {
	var out []Job
	seen := make(map[string]bool)

	for _, j := range jobs {
		cj, ok := compiler.compileJob(j)
		if !ok {
			continue
		}

		if seen[cj.Name] {
			compiler.Diagnostics.AddError(jobPath(cj), DuplicateJob)
			continue
		}
		seen[cj.Name] = true

		out = append(out, cj)
	}

	return out
}

func jobPath(j Job) string {
	if j.Source == "" {
		return j.Name
	}
	return fmt.Sprintf("%s: %s", j.Source, j.Name)
}

func stepPath(j Job, idx int) string {
	return fmt.Sprintf("%s: steps[%d]", jobPath(j), idx)
}

func (compiler *Compiler) compileJob(j Job) (Job, bool) {
	errCount := len(compiler.Diagnostics.Errors)

	if strings.TrimSpace(j.Name) == "" {
		compiler.Diagnostics.AddError(jobPath(j), MissingName)
		return j, false
	}

	if len(j.Steps) == 0 {
		compiler.Diagnostics.AddError(jobPath(j), NoSteps)
		return j, false
	}

	if !j.AutoTriggered() {
		compiler.Diagnostics.AddWarning(
			jobPath(j),
			ManualOnly,
			"no enabled trigger, the job only runs when invoked explicitly",
		)
	}

	// copy the steps so defaults never leak into the caller's jobs
	steps := make([]Step, len(j.Steps))
	var builds []string

	for i, s := range j.Steps {
		switch s.Kind() {
		case StepKindBuild:
			b := *s.Build
			if b.Id == "" {
				b.Id = fmt.Sprintf("build-%d", len(builds)+1)
			}
			if b.Context == "" {
				b.Context = DefaultContext
			}
			if b.Dockerfile == "" {
				b.Dockerfile = DefaultDockerfile
			}

			for _, id := range builds {
				if id == b.Id {
					compiler.Diagnostics.AddError(stepPath(j, i), fmt.Errorf("%w: %s", DuplicateArtifact, b.Id))
				}
			}
			builds = append(builds, b.Id)

			for k := range b.Args {
				if _, ok := j.Environment[k]; ok {
					compiler.Diagnostics.AddWarning(
						stepPath(j, i),
						ShadowedValue,
						fmt.Sprintf("build arg %s is also set in the job environment", k),
					)
				}
			}

			s.Build = &b

		case StepKindPush:
			p := *s.Push
			p.Tags = append(StringList(nil), s.Push.Tags...)

			if p.Artifact == "" && len(builds) > 0 {
				p.Artifact = builds[len(builds)-1]
			}
			if !slices.Contains(builds, p.Artifact) {
				compiler.Diagnostics.AddError(stepPath(j, i), fmt.Errorf("%w: %q", DanglingArtifact, p.Artifact))
			}

			compiler.analyzePush(stepPath(j, i), p)
			s.Push = &p

		default:
			compiler.Diagnostics.AddError(stepPath(j, i), InvalidStep)
		}

		steps[i] = s
	}

	if len(compiler.Diagnostics.Errors) > errCount {
		return j, false
	}

	j.Steps = steps
	return j, true
}

func (compiler *Compiler) analyzePush(path string, p PushStep) {
	if p.Registry == "" {
		compiler.Diagnostics.AddError(path, MissingRegistry)
		return
	}

	named, err := reference.ParseNormalizedNamed(p.Registry)
	if err != nil {
		compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %w", InvalidRegistry, err))
		return
	}
	if !reference.IsNameOnly(named) {
		compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %s must not carry a tag or digest", InvalidRegistry, p.Registry))
		return
	}

	if len(p.Tags) == 0 {
		compiler.Diagnostics.AddError(path, NoTags)
		return
	}

	for _, tag := range p.Tags {
		vars, err := Variables(tag)
		if err != nil {
			compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %w", InvalidTag, err))
			continue
		}

		// variable tags can only be checked once resolved
		if len(vars) > 0 {
			continue
		}

		if _, err := reference.WithTag(named, tag); err != nil {
			compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", InvalidTag, tag))
			continue
		}

		if _, err := semver.StrictNewVersion(strings.TrimPrefix(tag, "v")); err != nil {
			compiler.Diagnostics.AddWarning(path, NonSemverTag, fmt.Sprintf("%q is not a semantic version", tag))
		}
	}
}
