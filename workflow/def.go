package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// - a jobs directory holds any number of job files
//   * .dockyard/jobs/release.yml
//   * .dockyard/jobs/base.yml
// - a job file holds one or more jobs
// - each job consists of build and push steps, these execute serially
// - jobs are independent of each other and may run concurrently

type (
	// this is simply a structural representation of the job file
	File struct {
		Jobs []Job `yaml:"jobs"`
	}

	Job struct {
		Name        string            `yaml:"name"`
		When        []Constraint      `yaml:"when"`
		Environment map[string]string `yaml:"environment"`
		Steps       []Step            `yaml:"steps"`

		// file the job was loaded from
		Source string `yaml:"-"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // only applied on "push" events
		Tag    StringList `yaml:"tag"`    // glob patterns, only applied on "push" events

		// a nil Enabled means enabled; `enabled: false` keeps the
		// constraint in the file but stops it from ever matching
		Enabled *bool `yaml:"enabled"`
	}

	// exactly one of Build and Push is set
	Step struct {
		Name  string     `yaml:"name"`
		Build *BuildStep `yaml:"build"`
		Push  *PushStep  `yaml:"push"`
	}

	BuildStep struct {
		Id         string            `yaml:"id"`
		Context    string            `yaml:"context"`
		Dockerfile string            `yaml:"dockerfile"`
		Target     string            `yaml:"target"`
		Platform   string            `yaml:"platform"`
		Args       map[string]string `yaml:"args"`

		// shell content run before the image build; variables it
		// assigns are visible to later steps
		Script string `yaml:"script"`
	}

	PushStep struct {
		Artifact string     `yaml:"artifact"`
		Registry string     `yaml:"registry"`
		Tags     StringList `yaml:"tags"`
	}

	StringList []string
)

type StepKind string

const (
	StepKindBuild   StepKind = "build"
	StepKindPush    StepKind = "push"
	StepKindInvalid StepKind = "invalid"
)

const (
	DefaultContext    = "."
	DefaultDockerfile = "Dockerfile"
)

func (s Step) Kind() StepKind {
	switch {
	case s.Build != nil && s.Push == nil:
		return StepKindBuild
	case s.Push != nil && s.Build == nil:
		return StepKindPush
	default:
		return StepKindInvalid
	}
}

// DisplayName is the step name if one was given, or a name derived from the
// step's contents.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}

	switch s.Kind() {
	case StepKindBuild:
		return fmt.Sprintf("Build %s", s.Build.Dockerfile)
	case StepKindPush:
		return fmt.Sprintf("Push %s", s.Push.Registry)
	}
	return "invalid step"
}

// FromFile parses the jobs held in a single job file, across every YAML
// document in it. Unknown keys are rejected so that typos like `dockerfle`
// do not silently fall back to defaults.
func FromFile(name string, contents []byte) ([]Job, error) {
	var jobs []Job

	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	for {
		var f File
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, f.Jobs...)
	}

	for i := range jobs {
		jobs[i].Source = name
	}

	return jobs, nil
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	// scalars such as `1.2` are kept as written rather than as numbers
	var sliceType []string
	if err := unmarshal(&sliceType); err == nil {
		*s = sliceType
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
