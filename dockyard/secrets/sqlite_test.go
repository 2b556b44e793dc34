package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createInMemoryDB(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

// ensure that interface is satisfied
func TestManagerInterface(t *testing.T) {
	var _ Manager = (*SqliteManager)(nil)
}

func TestNewSQLiteManager(t *testing.T) {
	tests := []struct {
		name        string
		dbPath      string
		opts        []SqliteManagerOpt
		expectError bool
		expectTable string
	}{
		{
			name:        "default table name",
			dbPath:      ":memory:",
			expectTable: "registry_credentials",
		},
		{
			name:        "custom table name",
			dbPath:      ":memory:",
			opts:        []SqliteManagerOpt{WithTableName("custom_credentials")},
			expectTable: "custom_credentials",
		},
		{
			name:        "invalid database path",
			dbPath:      "/invalid/path/to/database.db",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewSQLiteManager(tt.dbPath, tt.opts...)
			if tt.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			defer manager.Close()
			assert.Equal(t, tt.expectTable, manager.tableName)
		})
	}
}

func TestPutAndGetCredential(t *testing.T) {
	m := createInMemoryDB(t)
	ctx := context.Background()

	err := m.PutCredential(ctx, Credential{
		Registry: "registry.example.com/p/project/image",
		Username: "ci",
		Password: "hunter2",
	})
	require.NoError(t, err)

	// lookups by host or by any image on it hit the same credential
	for _, q := range []string{"registry.example.com", "registry.example.com/p/project/other"} {
		c, err := m.GetCredential(ctx, q)
		require.NoError(t, err, q)
		assert.Equal(t, "registry.example.com", c.Registry)
		assert.Equal(t, "ci", c.Username)
		assert.Equal(t, "hunter2", c.Password)
		assert.False(t, c.CreatedAt.IsZero())
	}

	// replaces
	require.NoError(t, m.PutCredential(ctx, Credential{Registry: "registry.example.com", Username: "ci", Password: "new"}))
	c, err := m.GetCredential(ctx, "registry.example.com")
	require.NoError(t, err)
	assert.Equal(t, "new", c.Password)
}

func TestGetCredentialNotFound(t *testing.T) {
	m := createInMemoryDB(t)

	_, err := m.GetCredential(context.Background(), "localhost:5000")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestPutCredentialValidation(t *testing.T) {
	m := createInMemoryDB(t)
	ctx := context.Background()

	err := m.PutCredential(ctx, Credential{Registry: "", Username: "ci"})
	assert.ErrorIs(t, err, ErrInvalidRegistry)

	err = m.PutCredential(ctx, Credential{Registry: "localhost:5000"})
	assert.ErrorIs(t, err, ErrMissingUsername)
}

func TestRemoveCredential(t *testing.T) {
	m := createInMemoryDB(t)
	ctx := context.Background()

	require.NoError(t, m.PutCredential(ctx, Credential{Registry: "localhost:5000", Username: "u", Password: "p"}))
	require.NoError(t, m.RemoveCredential(ctx, "localhost:5000"))

	err := m.RemoveCredential(ctx, "localhost:5000")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestListCredentials(t *testing.T) {
	m := createInMemoryDB(t)
	ctx := context.Background()

	require.NoError(t, m.PutCredential(ctx, Credential{Registry: "registry.example.com", Username: "b", Password: "p"}))
	require.NoError(t, m.PutCredential(ctx, Credential{Registry: "localhost:5000", Username: "a", Password: "p"}))

	cs, err := m.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "localhost:5000", cs[0].Registry)
	assert.Equal(t, "registry.example.com", cs[1].Registry)
	for _, c := range cs {
		assert.Empty(t, c.Password)
	}
}

func TestNormalizeRegistry(t *testing.T) {
	tests := map[string]string{
		"registry.example.com":                 "registry.example.com",
		"registry.example.com/p/project/image": "registry.example.com",
		"localhost:5000":                       "localhost:5000",
		"localhost:5000/image":                 "localhost:5000",
		"docker.io":                            "docker.io",
	}
	for in, want := range tests {
		got, err := NormalizeRegistry(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeRegistry("")
	assert.ErrorIs(t, err, ErrInvalidRegistry)
}
