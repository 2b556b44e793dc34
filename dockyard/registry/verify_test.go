package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var manifestDigest = digest.FromString(`{"schemaVersion":2}`)

// fakeRegistry serves a single manifest for p/project/image:1.2.3.
func fakeRegistry(t *testing.T, wantAuth bool) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantAuth {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "ci" || pass != "hunter2" {
				w.Header().Set("Www-Authenticate", `Basic realm="test"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		if r.URL.Path != "/v2/p/project/image/manifests/1.2.3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", manifestDigest.String())
		w.Header().Set("Content-Length", "19")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"schemaVersion":2}`))
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestVerify(t *testing.T) {
	host := fakeRegistry(t, false)
	v := NewVerifier(WithInsecureRegistries(host), WithHTTPClient(http.DefaultClient))

	desc, err := v.Verify(context.Background(), host+"/p/project/image:1.2.3", manifestDigest, nil)
	require.NoError(t, err)
	assert.Equal(t, manifestDigest, desc.Digest)
	assert.Equal(t, ocispec.MediaTypeImageManifest, desc.MediaType)
}

func TestVerifyMismatch(t *testing.T) {
	host := fakeRegistry(t, false)
	v := NewVerifier(WithInsecureRegistries(host))

	_, err := v.Verify(context.Background(), host+"/p/project/image:1.2.3", digest.FromString("other"), nil)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyUnknownTag(t *testing.T) {
	host := fakeRegistry(t, false)
	v := NewVerifier(WithInsecureRegistries(host))

	_, err := v.Verify(context.Background(), host+"/p/project/image:9.9.9", manifestDigest, nil)
	assert.Error(t, err)
}

func TestVerifyWithCredential(t *testing.T) {
	host := fakeRegistry(t, true)
	v := NewVerifier(WithInsecureRegistries(host))
	ref := host + "/p/project/image:1.2.3"

	_, err := v.Verify(context.Background(), ref, manifestDigest, nil)
	assert.Error(t, err)

	_, err = v.Verify(context.Background(), ref, manifestDigest, &Credential{Username: "ci", Password: "hunter2"})
	assert.NoError(t, err)
}

func TestResolveRequiresTag(t *testing.T) {
	v := NewVerifier()

	_, err := v.Resolve(context.Background(), "registry.example.com/p/project/image", nil)
	assert.Error(t, err)
}
