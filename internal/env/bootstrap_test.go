package env

import (
	"os"
	"path/filepath"
	"testing"

	"netsim/internal/netns"
	"netsim/internal/store/rsm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupRuntime(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	m := NewBootstrapManager(dir, rsm.NewRsmManager(rsm.NewRsmStore(filepath.Join(dir, "runs.json"))))
	m.geteuid = func() int { return 0 }

	require.NoError(t, m.SetupRuntime())
	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestSetupRuntimeUnprivileged(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	m := NewBootstrapManager(dir, rsm.NewRsmManager(rsm.NewRsmStore(filepath.Join(dir, "runs.json"))))
	m.geteuid = func() int { return 1000 }

	err := m.SetupRuntime()
	assert.ErrorIs(t, err, netns.ErrPermission)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "nothing created")

	require.NoError(t, m.SetupState(), "read-only commands skip the check")
}

func TestSetupBrokenStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runs.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	m := NewBootstrapManager(dir, rsm.NewRsmManager(rsm.NewRsmStore(path)))
	m.geteuid = func() int { return 0 }
	assert.Error(t, m.SetupRuntime())
}
