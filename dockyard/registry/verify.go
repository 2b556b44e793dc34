// Package registry talks to OCI distribution registries directly, without
// going through the docker daemon.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

var ErrDigestMismatch = errors.New("digest mismatch")

type Credential struct {
	Username string
	Password string
}

// Verifier checks that pushed tags resolve to the digest the daemon
// reported.
type Verifier struct {
	insecure []string
	client   *http.Client
}

type VerifierOpt func(*Verifier)

// WithInsecureRegistries lists registry hosts reached over plain http.
func WithInsecureRegistries(hosts ...string) VerifierOpt {
	return func(v *Verifier) {
		v.insecure = append(v.insecure, hosts...)
	}
}

func WithHTTPClient(c *http.Client) VerifierOpt {
	return func(v *Verifier) {
		v.client = c
	}
}

func NewVerifier(opts ...VerifierOpt) *Verifier {
	v := &Verifier{client: retry.DefaultClient}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Verifier) repository(named reference.Named, cred *Credential) (*remote.Repository, error) {
	repo, err := remote.NewRepository(named.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}

	host := reference.Domain(named)
	repo.PlainHTTP = slices.Contains(v.insecure, host)

	client := &auth.Client{
		Client: v.client,
		Cache:  auth.NewCache(),
	}
	if cred != nil && cred.Username != "" {
		client.Credential = auth.StaticCredential(host, auth.Credential{
			Username: cred.Username,
			Password: cred.Password,
		})
	}
	client.SetUserAgent("dockyard")
	repo.Client = client

	return repo, nil
}

// Resolve looks up ref, which must carry a tag, on its registry.
func (v *Verifier) Resolve(ctx context.Context, ref string, cred *Credential) (ocispec.Descriptor, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return ocispec.Descriptor{}, fmt.Errorf("%s: reference has no tag", ref)
	}

	repo, err := v.repository(named, cred)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc, err := repo.Resolve(ctx, tagged.Tag())
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolving %s: %w", ref, err)
	}

	return desc, nil
}

// Verify resolves ref and compares its digest against want.
func (v *Verifier) Verify(ctx context.Context, ref string, want digest.Digest, cred *Credential) (ocispec.Descriptor, error) {
	desc, err := v.Resolve(ctx, ref, cred)
	if err != nil {
		return desc, err
	}

	if want != "" && desc.Digest != want {
		return desc, fmt.Errorf("%w: %s resolves to %s, pushed %s", ErrDigestMismatch, ref, desc.Digest, want)
	}

	return desc, nil
}
