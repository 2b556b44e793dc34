package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// Store holds compiled job definitions. It is populated once and never
// mutated afterwards, so concurrent reads need no locking.
type Store struct {
	jobs  map[string]Job
	names []string
}

// NewStore compiles jobs and indexes them by name. Any compiler error fails
// the whole store; warnings are returned alongside.
func NewStore(jobs ...Job) (*Store, Diagnostics, error) {
	c := Compiler{}
	compiled := c.Compile(jobs)
	if err := c.Diagnostics.Err(); err != nil {
		return nil, c.Diagnostics, err
	}

	s := &Store{jobs: make(map[string]Job, len(compiled))}
	for _, j := range compiled {
		s.jobs[j.Name] = j
		s.names = append(s.names, j.Name)
	}
	sort.Strings(s.names)

	return s, c.Diagnostics, nil
}

// Load reads every *.yml and *.yaml file in dir, in lexical order, and
// builds a store from the jobs they define.
func Load(dir string) (*Store, Diagnostics, error) {
	var diags Diagnostics

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, diags, fmt.Errorf("%w: reading jobs directory: %w", ErrConfiguration, err)
	}

	var jobs []Job
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(dir, e.Name())
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, diags, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}

		js, err := FromFile(path, contents)
		if err != nil {
			diags.AddError(path, err)
			continue
		}
		jobs = append(jobs, js...)
	}

	if err := diags.Err(); err != nil {
		return nil, diags, err
	}

	s, cd, err := NewStore(jobs...)
	diags.Combine(cd)
	return s, diags, err
}

// GetJob returns the job registered under name. The error wraps both
// ErrJobNotFound and ErrConfiguration.
func (s *Store) GetJob(name string) (Job, error) {
	j, ok := s.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %w: %q", ErrConfiguration, ErrJobNotFound, name)
	}
	return j, nil
}

// Jobs returns every job, sorted by name.
func (s *Store) Jobs() []Job {
	out := make([]Job, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.jobs[n])
	}
	return out
}

// Names returns every job name, sorted.
func (s *Store) Names() []string {
	return slices.Clone(s.names)
}

// Match returns the jobs that should run for trigger.
func (s *Store) Match(trigger Trigger) []Job {
	var out []Job
	for _, j := range s.Jobs() {
		if j.Match(trigger) {
			out = append(out, j)
		}
	}
	return out
}
