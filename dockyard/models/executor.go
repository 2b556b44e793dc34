package models

import (
	"context"
	"io"
)

type BuildRequest struct {
	// id of the build step, copied into the artifact
	BuildId string

	// Context is an absolute path; Dockerfile is relative to it
	Context    string
	Dockerfile string

	Target   string
	Platform string
	Args     map[string]string
	Labels   map[string]string

	// local reference the built image is tagged with
	Tag string
}

// Builder turns a Dockerfile and its context into an image.
type Builder interface {
	Build(ctx context.Context, req BuildRequest, out io.Writer) (Artifact, error)
}

// Publisher ships an artifact to a registry under every tag given. Tags are
// final values, variables have already been resolved.
type Publisher interface {
	Push(ctx context.Context, artifact Artifact, registryPath string, tags []string, out io.Writer) ([]Published, error)
}

type ScriptRequest struct {
	Script  string
	WorkDir string
	Env     map[string]string
}

// ScriptRunner runs a pre-build script and returns the variables it set.
type ScriptRunner interface {
	RunScript(ctx context.Context, req ScriptRequest, stdout, stderr io.Writer) (map[string]string, error)
}
