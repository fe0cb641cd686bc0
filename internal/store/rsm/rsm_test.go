package rsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*RsmManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "runs.json")
	return NewRsmManager(NewRsmStore(path)), path
}

func TestRegisterAndGet(t *testing.T) {
	m, path := newTestManager(t)

	run := Run{
		RunId:      "01j0000000000000000000000a",
		Pid:        os.Getpid(),
		Hub:        "netsim-00000a-hub",
		Namespaces: []string{"netsim-00000a-hub"},
	}
	require.NoError(t, m.Register(run))
	require.Error(t, m.Register(run), "duplicate run id")

	got, err := m.Get(run.RunId)
	require.NoError(t, err)
	assert.Equal(t, run.Hub, got.Hub)
	assert.False(t, got.StartedAt.IsZero())

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Register(Run{RunId: "r1", Pid: os.Getpid()}))

	require.NoError(t, m.Update("r1", func(run *Run) {
		run.Networks = append(run.Networks, NetworkRecord{Id: 1, Name: "lan", Range: "10.0.0.0/24"})
		run.Namespaces = append(run.Namespaces, "netsim-r1-m1")
	}))

	got, err := m.Get("r1")
	require.NoError(t, err)
	require.Len(t, got.Networks, 1)
	assert.Equal(t, "lan", got.Networks[0].Name)
	assert.Equal(t, []string{"netsim-r1-m1"}, got.Namespaces)

	require.ErrorIs(t, m.Update("missing", func(*Run) {}), ErrRunNotFound)
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Register(Run{RunId: "r1", Pid: os.Getpid()}))
	require.NoError(t, m.Remove("r1"))
	require.ErrorIs(t, m.Remove("r1"), ErrRunNotFound)

	runs, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestListEmptyStore(t *testing.T) {
	m, path := newTestManager(t)
	runs, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, runs)

	// reading does not create the state file
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStale(t *testing.T) {
	m, _ := newTestManager(t)
	m.alive = func(pid int) bool { return pid == 100 }

	require.NoError(t, m.Register(Run{RunId: "live", Pid: 100}))
	require.NoError(t, m.Register(Run{RunId: "dead", Pid: 200}))

	stale, err := m.Stale()
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "dead", stale[0].RunId)
}

func TestPidAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
}

func TestBrokenState(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := m.List()
	require.Error(t, err)
}
