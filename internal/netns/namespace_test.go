package netns_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"netsim/internal/netns"
	"netsim/internal/netns/netnstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testName(t *testing.T, suffix string) string {
	return fmt.Sprintf("netsim-test-%d-%s", os.Getpid(), suffix)
}

func TestErrorClassification(t *testing.T) {
	err := &netns.Error{Kind: netns.ErrCreate, Name: "x", Err: unix.EPERM}
	assert.ErrorIs(t, err, netns.ErrCreate)
	assert.ErrorIs(t, err, netns.ErrPermission)
	assert.ErrorIs(t, err, unix.EPERM)
	assert.NotErrorIs(t, err, netns.ErrEnter)

	err = &netns.Error{Kind: netns.ErrEnter, Name: "x", Err: unix.EINVAL}
	assert.ErrorIs(t, err, netns.ErrEnter)
	assert.NotErrorIs(t, err, netns.ErrPermission)
	assert.Contains(t, err.Error(), "x")
}

func TestCreateRejectsInvalidName(t *testing.T) {
	p := netns.NewProvider()
	for _, name := range []string{"", "a/b"} {
		_, err := p.Create(name)
		require.ErrorIs(t, err, netns.ErrCreate, "name %q", name)
	}
}

func TestSweepRefusesEmptyPrefix(t *testing.T) {
	_, err := netns.Sweep("")
	require.Error(t, err)
}

func TestEnterRestoresCurrent(t *testing.T) {
	ns := netnstest.NewNamespace(t, testName(t, "enter"))
	p := netns.NewProvider()

	before, err := p.Current()
	require.NoError(t, err)
	defer before.Close()
	require.NotEqual(t, before.ID(), ns.ID())

	guard, err := ns.Enter()
	require.NoError(t, err)

	inside, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, ns.ID(), inside.ID())
	inside.Close()

	require.NoError(t, guard.Exit())
	require.NoError(t, guard.Exit(), "exit is idempotent")

	after, err := p.Current()
	require.NoError(t, err)
	defer after.Close()
	assert.Equal(t, before.ID(), after.ID())
}

func TestNestedEnter(t *testing.T) {
	outer := netnstest.NewNamespace(t, testName(t, "outer"))
	inner := netnstest.NewNamespace(t, testName(t, "inner"))
	p := netns.NewProvider()

	before, err := p.Current()
	require.NoError(t, err)
	defer before.Close()

	g1, err := outer.Enter()
	require.NoError(t, err)
	g2, err := inner.Enter()
	require.NoError(t, err)

	cur, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, inner.ID(), cur.ID())
	cur.Close()

	require.NoError(t, g2.Exit())
	cur, err = p.Current()
	require.NoError(t, err)
	assert.Equal(t, outer.ID(), cur.ID())
	cur.Close()

	require.NoError(t, g1.Exit())
	cur, err = p.Current()
	require.NoError(t, err)
	assert.Equal(t, before.ID(), cur.ID())
	cur.Close()
}

func TestDoLeavesCallerUntouched(t *testing.T) {
	ns := netnstest.NewNamespace(t, testName(t, "do"))
	p := netns.NewProvider()

	before, err := p.Current()
	require.NoError(t, err)
	defer before.Close()

	var seen string
	require.NoError(t, ns.Do(func() error {
		cur, err := p.Current()
		if err != nil {
			return err
		}
		defer cur.Close()
		seen = cur.ID()
		return nil
	}))
	assert.Equal(t, ns.ID(), seen)

	sentinel := errors.New("boom")
	require.ErrorIs(t, ns.Do(func() error { return sentinel }), sentinel)

	after, err := p.Current()
	require.NoError(t, err)
	defer after.Close()
	assert.Equal(t, before.ID(), after.ID())
}

func TestCloseReleasesPin(t *testing.T) {
	netnstest.RequireRoot(t)
	name := testName(t, "close")

	ns, err := netns.NewProvider().Create(name)
	require.NoError(t, err)

	names, err := netns.List(name)
	require.NoError(t, err)
	assert.Contains(t, names, name)

	require.NoError(t, ns.Close())
	require.NoError(t, ns.Close())

	names, err = netns.List(name)
	require.NoError(t, err)
	assert.NotContains(t, names, name)

	_, err = ns.Enter()
	require.ErrorIs(t, err, netns.ErrEnter)
	require.ErrorIs(t, err, netns.ErrClosed)
}

func TestSweep(t *testing.T) {
	netnstest.RequireRoot(t)
	prefix := testName(t, "sweep")
	p := netns.NewProvider()

	for i := 0; i < 2; i++ {
		ns, err := p.Create(fmt.Sprintf("%s-%d", prefix, i))
		require.NoError(t, err)
		// drop the fd but keep the pin, as a crashed run would
		require.NoError(t, closeFdOnly(ns))
	}

	removed, err := netns.Sweep(prefix)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	names, err := netns.List(prefix)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func closeFdOnly(ns netns.Namespace) error {
	return unix.Close(ns.Fd())
}

func TestCreateExistingKeepsPin(t *testing.T) {
	name := testName(t, "dup")
	first := netnstest.NewNamespace(t, name)

	_, err := netns.NewProvider().Create(name)
	require.ErrorIs(t, err, netns.ErrCreate)

	again, err := netns.NewProvider().Open(name)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, first.ID(), again.ID())
}
