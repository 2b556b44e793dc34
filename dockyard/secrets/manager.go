package secrets

import (
	"context"
	"errors"
	"time"

	"github.com/distribution/reference"
)

// Credential authenticates pushes to a single registry host.
type Credential struct {
	Registry  string
	Username  string
	Password  string
	CreatedAt time.Time
}

// Redacted drops the password, for listings.
func (c Credential) Redacted() Credential {
	c.Password = ""
	return c
}

type Manager interface {
	PutCredential(ctx context.Context, cred Credential) error
	RemoveCredential(ctx context.Context, registry string) error
	GetCredential(ctx context.Context, registry string) (Credential, error)
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// stopper interface for managers that need cleanup
type Stopper interface {
	Stop()
}

var ErrCredentialNotFound = errors.New("credential not found")
var ErrInvalidRegistry = errors.New("not a valid registry host")
var ErrMissingUsername = errors.New("username cannot be empty")

// ensure that we are satisfying the interface
var (
	_ = []Manager{
		&SqliteManager{},
		&OpenBaoManager{},
	}
)

// NormalizeRegistry maps a registry host or any image reference on it to the
// host credentials are stored under.
func NormalizeRegistry(registry string) (string, error) {
	if registry == "" {
		return "", ErrInvalidRegistry
	}

	// a bare host such as "localhost:5000" is not a valid image name
	// on its own, append a path to parse it
	named, err := reference.ParseNormalizedNamed(registry + "/x")
	if err != nil {
		named, err = reference.ParseNormalizedNamed(registry)
		if err != nil {
			return "", ErrInvalidRegistry
		}
	}

	return reference.Domain(named), nil
}

func validate(cred Credential) (Credential, error) {
	host, err := NormalizeRegistry(cred.Registry)
	if err != nil {
		return cred, err
	}
	if cred.Username == "" {
		return cred, ErrMissingUsername
	}
	cred.Registry = host
	return cred, nil
}
