package grantstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/capability/grantstore"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_SaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "grants.yaml")
	store := grantstore.NewFileStore(grantstore.WithPath(path))
	assert.Equal(t, path, store.ConfigPath())

	grants, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, grants)

	m := capability.NewModel()
	declared, err := m.Declare(&component.Descriptor{ID: "fetch", Version: "1.0.0", Capabilities: []string{"network:example.com"}})
	require.NoError(t, err)
	g, err := m.Grant("fetch", declared)
	require.NoError(t, err)

	require.NoError(t, store.Save([]*capability.Grant{g}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, g.Key(), loaded[0].Key())
	assert.Equal(t, "fetch", loaded[0].ComponentID())
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "grants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grants:\n  - component: x\n    level: bogus\n"), 0o600))

	_, err := grantstore.NewFileStore(grantstore.WithPath(path)).Load()
	assert.Error(t, err)
}
