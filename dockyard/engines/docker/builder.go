package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	"tangled.sh/tangled.sh/dockyard/dockyard/engine"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/log"
)

type Builder struct {
	docker API
	l      *slog.Logger
}

var _ models.Builder = &Builder{}

func NewBuilder(ctx context.Context, docker API) *Builder {
	return &Builder{
		docker: docker,
		l:      log.SubLogger(log.FromContext(ctx), "builder"),
	}
}

// resolveDockerfile checks that the context is a directory and that the
// Dockerfile is a regular file inside it. It returns the Dockerfile path
// relative to the context, as the daemon expects it.
func resolveDockerfile(contextDir, dockerfile string) (string, error) {
	info, err := os.Stat(contextDir)
	if err != nil {
		return "", fmt.Errorf("%w: context: %w", engine.ErrBuildFailed, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: context %s is not a directory", engine.ErrBuildFailed, contextDir)
	}

	path := dockerfile
	if !filepath.IsAbs(path) {
		path = filepath.Join(contextDir, path)
	}

	rel, err := filepath.Rel(contextDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: dockerfile %s is outside the build context", engine.ErrBuildFailed, dockerfile)
	}

	info, err = os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: dockerfile: %w", engine.ErrBuildFailed, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: dockerfile %s is not a regular file", engine.ErrBuildFailed, dockerfile)
	}

	return filepath.ToSlash(rel), nil
}

func (b *Builder) Build(ctx context.Context, req models.BuildRequest, out io.Writer) (models.Artifact, error) {
	dockerfile, err := resolveDockerfile(req.Context, req.Dockerfile)
	if err != nil {
		return models.Artifact{}, err
	}

	tar, err := contextTar(req.Context, dockerfile)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("%w: preparing context: %w", engine.ErrBuildFailed, err)
	}
	defer tar.Close()
	counter := &countingReader{r: tar}

	buildArgs := make(map[string]*string, len(req.Args))
	for k, v := range req.Args {
		buildArgs[k] = &v
	}

	resp, err := b.docker.ImageBuild(ctx, counter, build.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  dockerfile,
		Target:      req.Target,
		Platform:    req.Platform,
		BuildArgs:   buildArgs,
		Labels:      req.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Artifact{}, ctx.Err()
		}
		return models.Artifact{}, fmt.Errorf("%w: %w", engine.ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	var imageID string
	err = displayStream(resp.Body, out, func(aux json.RawMessage) {
		var result struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(aux, &result); err == nil && result.ID != "" {
			imageID = result.ID
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Artifact{}, ctx.Err()
		}
		return models.Artifact{}, fmt.Errorf("%w: %w", engine.ErrBuildFailed, err)
	}
	b.l.Debug("sent build context", "context", req.Context, "size", humanize.Bytes(uint64(counter.n)))

	artifact := models.Artifact{
		BuildId: req.BuildId,
		Image:   req.Tag,
	}
	if dg, err := digest.Parse(imageID); err == nil {
		artifact.ImageId = dg
	} else if imageID != "" {
		b.l.Warn("daemon reported an unparseable image id", "id", imageID)
	}

	return artifact, nil
}

// Remove drops the local tag of an artifact. The image itself stays as long
// as other tags refer to it.
func (b *Builder) Remove(ctx context.Context, artifact models.Artifact) error {
	_, err := b.docker.ImageRemove(ctx, artifact.Image, image.RemoveOptions{})
	return err
}
