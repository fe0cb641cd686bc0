package network

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"

	"netsim/internal/ipam"
	"netsim/internal/link/linktest"
	"netsim/internal/netns"
	"netsim/internal/netns/netnstest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpoint struct {
	key uint64
	ns  netns.Namespace
}

func (e endpoint) Key() uint64                { return e.key }
func (e endpoint) Name() string               { return e.ns.Name() }
func (e endpoint) Namespace() netns.Namespace { return e.ns }

type fixture struct {
	deps  Deps
	links *linktest.Fake
	alloc *ipam.Allocator
	ns    *netnstest.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := netnstest.NewProvider()
	hub, err := provider.Create("hub")
	require.NoError(t, err)

	alloc, err := ipam.NewAllocator(ipam.DefaultGlobalRange, 0)
	require.NoError(t, err)

	l := logrus.New()
	l.SetOutput(io.Discard)

	links := linktest.New()
	return &fixture{
		deps: Deps{
			Hub:       hub,
			Allocator: alloc,
			Links:     links,
			NAT:       links,
			Log:       logrus.NewEntry(l),
		},
		links: links,
		alloc: alloc,
		ns:    provider,
	}
}

func (f *fixture) endpoint(t *testing.T, key uint64, name string) endpoint {
	t.Helper()
	ns, err := f.ns.Create(name)
	require.NoError(t, err)
	return endpoint{key: key, ns: ns}
}

func TestSpawn(t *testing.T) {
	f := newFixture(t)

	n, err := Spawn(context.Background(), 1, Options{Name: "lan", NAT: true}, f.deps)
	require.NoError(t, err)

	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), n.Range())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), n.Gateway())
	assert.Equal(t, "br1", n.Bridge())
	assert.Equal(t, netip.MustParsePrefix("10.0.0.1/24"), f.links.Bridges["br1"])
	assert.Contains(t, f.links.NAT, "netsim-br1")
	assert.True(t, n.NAT())
}

func TestSpawnDefaultName(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 7, Options{}, f.deps)
	require.NoError(t, err)
	assert.Equal(t, "net-7", n.Name())
}

func TestSpawnRollback(t *testing.T) {
	cases := []struct {
		name string
		op   string
		nat  bool
	}{
		{name: "bridge", op: "CreateBridge"},
		{name: "nat", op: "Masquerade", nat: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.links.SetFail(tc.op, errors.New("netlink: operation not permitted"))

			_, err := Spawn(context.Background(), 1, Options{NAT: tc.nat}, f.deps)
			require.Error(t, err)
			assert.Empty(t, f.alloc.Subranges())
			assert.Zero(t, f.links.BridgeCount())
		})
	}
}

func TestSpawnRangeConflict(t *testing.T) {
	f := newFixture(t)
	hint := ipam.RangeHint{Prefix: netip.MustParsePrefix("10.1.0.0/24")}

	_, err := Spawn(context.Background(), 1, Options{Range: hint}, f.deps)
	require.NoError(t, err)
	_, err = Spawn(context.Background(), 2, Options{Range: hint}, f.deps)
	require.ErrorIs(t, err, ipam.ErrRangeConflict)
	assert.Equal(t, 1, f.links.BridgeCount())
}

func TestPlug(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{Name: "lan"}, f.deps)
	require.NoError(t, err)

	a := f.endpoint(t, 1, "a")
	b := f.endpoint(t, 2, "b")

	attA, err := n.Plug(context.Background(), a, PlugOptions{Interface: "eth0", DefaultRoute: true})
	require.NoError(t, err)
	attB, err := n.Plug(context.Background(), b, PlugOptions{Interface: "eth0"})
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), attA.Addr)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), attB.Addr)
	assert.True(t, n.Range().Contains(attA.Addr))

	spec, ok := f.links.Veth("vn1m1")
	require.True(t, ok)
	assert.Equal(t, "eth0", spec.PeerName)
	assert.Equal(t, "br1", spec.Bridge)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.2/24"), spec.Addr)
	assert.Equal(t, n.Gateway(), spec.Gateway)

	spec, ok = f.links.Veth("vn1m2")
	require.True(t, ok)
	assert.False(t, spec.Gateway.IsValid())

	addr, ok := n.AddrOf(1)
	require.True(t, ok)
	assert.Equal(t, attA.Addr, addr)
	assert.Len(t, n.Plugs(), 2)
	assert.Equal(t, 2, n.Info().Endpoints)
}

func TestPlugRequestedAddr(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{}, f.deps)
	require.NoError(t, err)

	a := f.endpoint(t, 1, "a")
	b := f.endpoint(t, 2, "b")
	want := netip.MustParseAddr("10.0.0.10")

	att, err := n.Plug(context.Background(), a, PlugOptions{Addr: want, Interface: "eth0"})
	require.NoError(t, err)
	assert.Equal(t, want, att.Addr)

	before, err := f.alloc.FreeHosts(n.Range())
	require.NoError(t, err)

	_, err = n.Plug(context.Background(), b, PlugOptions{Addr: want, Interface: "eth0"})
	require.ErrorIs(t, err, ipam.ErrAddressConflict)

	after, err := f.alloc.FreeHosts(n.Range())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.links.VethCount())
	_, ok := n.AddrOf(2)
	assert.False(t, ok)
}

func TestPlugTwice(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{}, f.deps)
	require.NoError(t, err)
	a := f.endpoint(t, 1, "a")

	_, err = n.Plug(context.Background(), a, PlugOptions{Interface: "eth0"})
	require.NoError(t, err)
	_, err = n.Plug(context.Background(), a, PlugOptions{Interface: "eth1"})
	require.ErrorIs(t, err, ErrAlreadyPlugged)
}

func TestPlugLinkFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{}, f.deps)
	require.NoError(t, err)
	a := f.endpoint(t, 1, "a")

	before, err := f.alloc.FreeHosts(n.Range())
	require.NoError(t, err)

	f.links.SetFail("CreateVeth", errors.New("file exists"))
	_, err = n.Plug(context.Background(), a, PlugOptions{Interface: "eth0"})
	require.Error(t, err)

	after, err := f.alloc.FreeHosts(n.Range())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, n.Plugs())

	f.links.SetFail("CreateVeth", nil)
	att, err := n.Plug(context.Background(), a, PlugOptions{Interface: "eth0"})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), att.Addr)
}

func TestPlugCancelled(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{}, f.deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Plug(ctx, f.endpoint(t, 1, "a"), PlugOptions{Interface: "eth0"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.links.VethCount())
}

func TestPlugExhausted(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{Range: ipam.RangeHint{Bits: 30}}, f.deps)
	require.NoError(t, err)

	_, err = n.Plug(context.Background(), f.endpoint(t, 1, "a"), PlugOptions{Interface: "eth0"})
	require.NoError(t, err)
	_, err = n.Plug(context.Background(), f.endpoint(t, 2, "b"), PlugOptions{Interface: "eth0"})
	require.ErrorIs(t, err, ipam.ErrAddressExhausted)
}

func TestUnplug(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{}, f.deps)
	require.NoError(t, err)
	a := f.endpoint(t, 1, "a")

	att, err := n.Plug(context.Background(), a, PlugOptions{Interface: "eth0"})
	require.NoError(t, err)
	require.NoError(t, n.Unplug(context.Background(), a))

	assert.Zero(t, f.links.VethCount())
	require.ErrorIs(t, n.Unplug(context.Background(), a), ErrNotPlugged)

	// the address is free again
	again, err := n.Plug(context.Background(), a, PlugOptions{Interface: "eth0"})
	require.NoError(t, err)
	assert.Equal(t, att.Addr, again.Addr)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{NAT: true}, f.deps)
	require.NoError(t, err)
	a := f.endpoint(t, 1, "a")

	_, err = n.Plug(context.Background(), a, PlugOptions{Interface: "eth0"})
	require.NoError(t, err)
	require.ErrorIs(t, n.Remove(context.Background()), ErrNotEmpty)

	require.NoError(t, n.Unplug(context.Background(), a))
	require.NoError(t, n.Remove(context.Background()))
	require.NoError(t, n.Remove(context.Background()))

	assert.Zero(t, f.links.BridgeCount())
	assert.Empty(t, f.links.NAT)
	assert.Empty(t, f.alloc.Subranges())

	_, err = n.Plug(context.Background(), a, PlugOptions{Interface: "eth0"})
	require.ErrorIs(t, err, ErrRemoved)
}

func TestRemoveKeepsRangeWhenBridgeStays(t *testing.T) {
	f := newFixture(t)
	n, err := Spawn(context.Background(), 1, Options{}, f.deps)
	require.NoError(t, err)

	f.links.SetFail("DeleteBridge", errors.New("device busy"))
	require.Error(t, n.Remove(context.Background()))
	assert.Len(t, f.alloc.Subranges(), 1)
}
