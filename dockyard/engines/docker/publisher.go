package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/avast/retry-go/v4"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tangled.sh/tangled.sh/dockyard/dockyard/engine"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/dockyard/registry"
	"tangled.sh/tangled.sh/dockyard/dockyard/secrets"
	"tangled.sh/tangled.sh/dockyard/log"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

// Credentials looks up the credential of a registry host.
type Credentials interface {
	GetCredential(ctx context.Context, registry string) (secrets.Credential, error)
}

// Verifier checks a pushed tag on the registry itself.
type Verifier interface {
	Verify(ctx context.Context, ref string, want digest.Digest, cred *registry.Credential) (ocispec.Descriptor, error)
}

type Publisher struct {
	docker   API
	creds    Credentials
	verifier Verifier
	attempts uint
	l        *slog.Logger
}

var _ models.Publisher = &Publisher{}

type PublisherOpt func(*Publisher)

// WithCredentials sets where registry credentials come from. Without it,
// pushes are anonymous.
func WithCredentials(c Credentials) PublisherOpt {
	return func(p *Publisher) {
		p.creds = c
	}
}

// WithVerifier resolves every pushed tag on the registry and fails the push
// when it does not point at the pushed digest.
func WithVerifier(v Verifier) PublisherOpt {
	return func(p *Publisher) {
		p.verifier = v
	}
}

// WithAttempts sets how often a failing push is tried; 1 disables retries.
func WithAttempts(n uint) PublisherOpt {
	return func(p *Publisher) {
		p.attempts = n
	}
}

func NewPublisher(ctx context.Context, docker API, opts ...PublisherOpt) *Publisher {
	p := &Publisher{
		docker:   docker,
		attempts: 1,
		l:        log.SubLogger(log.FromContext(ctx), "publisher"),
	}
	for _, o := range opts {
		o(p)
	}
	if p.attempts == 0 {
		p.attempts = 1
	}
	return p
}

// pushResult is the aux message the daemon sends once a tag is pushed
type pushResult struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int64  `json:"Size"`
}

// Push tags the artifact as registryPath:tag for every tag and pushes each
// one. Tags are used verbatim; all of them are validated before the first
// push.
func (p *Publisher) Push(ctx context.Context, artifact models.Artifact, registryPath string, tags []string, out io.Writer) ([]models.Published, error) {
	named, err := reference.ParseNormalizedNamed(registryPath)
	if err != nil || !reference.IsNameOnly(named) {
		return nil, fmt.Errorf("%w: %w: %s", engine.ErrConfiguration, workflow.InvalidRegistry, registryPath)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: %w", engine.ErrConfiguration, workflow.NoTags)
	}

	refs := make([]reference.NamedTagged, 0, len(tags))
	for _, tag := range tags {
		ref, err := reference.WithTag(named, tag)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %q", engine.ErrConfiguration, workflow.InvalidTag, tag)
		}
		refs = append(refs, ref)
	}

	host := reference.Domain(named)
	cred, err := p.credential(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials for %s: %w", engine.ErrPushFailed, host, err)
	}

	auth, err := dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Password,
		ServerAddress: host,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding credentials: %w", engine.ErrPushFailed, err)
	}

	var published []models.Published
	for _, ref := range refs {
		pub, err := p.pushOne(ctx, artifact, ref, auth, cred, out)
		if err != nil {
			return published, err
		}
		published = append(published, pub)
	}

	return published, nil
}

func (p *Publisher) credential(ctx context.Context, host string) (*registry.Credential, error) {
	if p.creds == nil {
		return &registry.Credential{}, nil
	}

	c, err := p.creds.GetCredential(ctx, host)
	if errors.Is(err, secrets.ErrCredentialNotFound) {
		p.l.Debug("no credential stored, pushing anonymously", "registry", host)
		return &registry.Credential{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &registry.Credential{Username: c.Username, Password: c.Password}, nil
}

func (p *Publisher) pushOne(ctx context.Context, artifact models.Artifact, ref reference.NamedTagged, auth string, cred *registry.Credential, out io.Writer) (models.Published, error) {
	target := reference.FamiliarString(ref)
	l := p.l.With("reference", target)

	if err := p.docker.ImageTag(ctx, artifact.Image, ref.String()); err != nil {
		return models.Published{}, fmt.Errorf("%w: tagging %s: %w", engine.ErrPushFailed, target, err)
	}

	var result pushResult
	err := retry.Do(
		func() error {
			result = pushResult{}

			rc, err := p.docker.ImagePush(ctx, ref.String(), image.PushOptions{RegistryAuth: auth})
			if err != nil {
				return err
			}
			defer rc.Close()

			return displayStream(rc, out, func(aux json.RawMessage) {
				var r pushResult
				if err := json.Unmarshal(aux, &r); err == nil && r.Digest != "" {
					result = r
				}
			})
		},
		retry.Attempts(p.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("push failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return models.Published{}, ctx.Err()
		}
		return models.Published{}, fmt.Errorf("%w: %s: %w", engine.ErrPushFailed, target, err)
	}

	pub := models.Published{
		Reference: ref.String(),
		Tag:       ref.Tag(),
		Size:      result.Size,
	}
	if dg, err := digest.Parse(result.Digest); err == nil {
		pub.Digest = dg
	}

	if p.verifier != nil {
		desc, err := p.verifier.Verify(ctx, ref.String(), pub.Digest, cred)
		if err != nil {
			return pub, fmt.Errorf("%w: verifying %s: %w", engine.ErrPushFailed, target, err)
		}
		pub.Digest = desc.Digest
	}

	l.Info("pushed", "digest", pub.Digest, "size", humanize.Bytes(uint64(pub.Size)))
	return pub, nil
}
