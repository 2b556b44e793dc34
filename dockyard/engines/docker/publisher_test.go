package docker

import (
	"bytes"
	"context"
	"errors"
	"testing"

	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/dockyard/dockyard/engine"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/dockyard/registry"
	"tangled.sh/tangled.sh/dockyard/dockyard/secrets"
)

const pushedDigest = "sha256:8b9f3a2c1d0e9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d2e1f0a9b8c7d6e5f4a"

var pushStream = buildStream(
	`{"status":"The push refers to repository [registry.example.com/p/project/image]"}`,
	`{"status":"Pushed","progressDetail":{},"id":"5f70bf18a086"}`,
	`{"status":"1.2.3: digest: `+pushedDigest+` size: 528"}`,
	`{"progressDetail":{},"aux":{"Tag":"1.2.3","Digest":"`+pushedDigest+`","Size":528}}`,
)

var artifact = models.Artifact{
	BuildId: "build-1",
	Image:   "dockyard/release:build-1-0b7c1a52",
	ImageId: digest.Digest(imageID),
}

type fakeCredentials map[string]secrets.Credential

func (f fakeCredentials) GetCredential(ctx context.Context, registry string) (secrets.Credential, error) {
	c, ok := f[registry]
	if !ok {
		return secrets.Credential{}, secrets.ErrCredentialNotFound
	}
	return c, nil
}

type fakeVerifier struct {
	refs   []string
	digest digest.Digest
	creds  []*registry.Credential
}

func (v *fakeVerifier) Verify(ctx context.Context, ref string, want digest.Digest, cred *registry.Credential) (ocispec.Descriptor, error) {
	v.refs = append(v.refs, ref)
	v.creds = append(v.creds, cred)
	if want != v.digest {
		return ocispec.Descriptor{}, registry.ErrDigestMismatch
	}
	return ocispec.Descriptor{Digest: v.digest}, nil
}

func TestPushLiteralTag(t *testing.T) {
	fake := &fakeDocker{pushStream: pushStream}
	creds := fakeCredentials{
		"registry.example.com": {Registry: "registry.example.com", Username: "ci", Password: "hunter2"},
	}
	p := NewPublisher(context.Background(), fake, WithCredentials(creds))

	var out bytes.Buffer
	published, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image", []string{"1.2.3"}, &out)
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{artifact.Image, "registry.example.com/p/project/image:1.2.3"}}, fake.tags)
	assert.Equal(t, []string{"registry.example.com/p/project/image:1.2.3"}, fake.pushes)

	require.Len(t, published, 1)
	assert.Equal(t, "1.2.3", published[0].Tag)
	assert.Equal(t, digest.Digest(pushedDigest), published[0].Digest)
	assert.Equal(t, int64(528), published[0].Size)

	auth, err := dockerregistry.DecodeAuthConfig(fake.pushAuth[0])
	require.NoError(t, err)
	assert.Equal(t, "ci", auth.Username)
	assert.Equal(t, "hunter2", auth.Password)
	assert.Equal(t, "registry.example.com", auth.ServerAddress)

	assert.Contains(t, out.String(), "digest: "+pushedDigest)
}

func TestPushMultipleTags(t *testing.T) {
	fake := &fakeDocker{pushStream: pushStream}
	p := NewPublisher(context.Background(), fake)

	published, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image-base", []string{"py3.9.17-java17.0.8.7", "latest"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"registry.example.com/p/project/image-base:py3.9.17-java17.0.8.7",
		"registry.example.com/p/project/image-base:latest",
	}, fake.pushes)
	assert.Len(t, published, 2)

	// anonymous
	auth, err := dockerregistry.DecodeAuthConfig(fake.pushAuth[0])
	require.NoError(t, err)
	assert.Empty(t, auth.Username)
}

func TestPushInvalidTag(t *testing.T) {
	fake := &fakeDocker{pushStream: pushStream}
	p := NewPublisher(context.Background(), fake)

	_, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image", []string{"1.2.3", "not a tag"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, engine.ErrConfiguration)
	assert.Empty(t, fake.tags, "nothing is tagged when any tag is invalid")
	assert.Empty(t, fake.pushes)
}

func TestPushRetries(t *testing.T) {
	fake := &fakeDocker{
		pushStream: pushStream,
		pushErrs:   []error{errors.New("connection reset by peer")},
	}
	p := NewPublisher(context.Background(), fake, WithAttempts(3))

	_, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image", []string{"1.2.3"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Len(t, fake.pushes, 2)
}

func TestPushNoRetriesByDefault(t *testing.T) {
	fake := &fakeDocker{
		pushStream: pushStream,
		pushErrs:   []error{errors.New("unauthorized: authentication required")},
	}
	p := NewPublisher(context.Background(), fake)

	_, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image", []string{"1.2.3"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, engine.ErrPushFailed)
	assert.Contains(t, err.Error(), "unauthorized")
	assert.Len(t, fake.pushes, 1)
}

func TestPushStreamError(t *testing.T) {
	fake := &fakeDocker{
		pushStream: buildStream(
			`{"status":"The push refers to repository [registry.example.com/p/project/image]"}`,
			`{"errorDetail":{"message":"denied: requested access to the resource is denied"},"error":"denied: requested access to the resource is denied"}`,
		),
	}
	p := NewPublisher(context.Background(), fake)

	_, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image", []string{"1.2.3"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, engine.ErrPushFailed)
}

func TestPushVerify(t *testing.T) {
	creds := fakeCredentials{
		"registry.example.com": {Registry: "registry.example.com", Username: "ci", Password: "hunter2"},
	}

	t.Run("matching digest", func(t *testing.T) {
		v := &fakeVerifier{digest: pushedDigest}
		p := NewPublisher(context.Background(), &fakeDocker{pushStream: pushStream}, WithVerifier(v), WithCredentials(creds))

		_, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image", []string{"1.2.3"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, []string{"registry.example.com/p/project/image:1.2.3"}, v.refs)
		require.Len(t, v.creds, 1)
		assert.Equal(t, "ci", v.creds[0].Username)
	})

	t.Run("mismatching digest", func(t *testing.T) {
		v := &fakeVerifier{digest: digest.FromString("something else")}
		p := NewPublisher(context.Background(), &fakeDocker{pushStream: pushStream}, WithVerifier(v))

		_, err := p.Push(context.Background(), artifact, "registry.example.com/p/project/image", []string{"1.2.3"}, &bytes.Buffer{})
		assert.ErrorIs(t, err, engine.ErrPushFailed)
		assert.ErrorIs(t, err, registry.ErrDigestMismatch)
	})
}
