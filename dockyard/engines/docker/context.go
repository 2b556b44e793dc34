package docker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
)

const dockerignore = ".dockerignore"

// readIgnore returns the exclusion patterns of the .dockerignore file in
// contextDir, if there is one.
func readIgnore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, dockerignore))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dockerignore, err)
	}
	return patterns, nil
}

// contextTar streams contextDir as an uncompressed tar, honouring
// .dockerignore. The Dockerfile and the .dockerignore file itself are
// always sent since the daemon needs both.
func contextTar(contextDir, dockerfile string) (io.ReadCloser, error) {
	excludes, err := readIgnore(contextDir)
	if err != nil {
		return nil, err
	}

	if len(excludes) > 0 {
		excludes = append(excludes, "!"+filepath.ToSlash(dockerfile), "!"+dockerignore)
	}

	return archive.TarWithOptions(contextDir, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
