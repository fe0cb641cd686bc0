package link_test

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"

	"netsim/internal/link"
	"netsim/internal/netns/netnstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	vnetns "github.com/vishvananda/netns"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{name: "br1", ok: true},
		{name: "vn12345m123456", ok: true},
		{name: "", ok: false},
		{name: strings.Repeat("x", 16), ok: false},
	}
	for _, tc := range cases {
		err := link.ValidateName(tc.name)
		if tc.ok {
			assert.NoError(t, err, tc.name)
		} else {
			assert.Error(t, err, tc.name)
		}
	}
}

func TestVethSpecValidate(t *testing.T) {
	spec := link.VethSpec{
		HostName: "vn1m1",
		PeerName: "eth0",
		Bridge:   "br1",
		Addr:     netip.MustParsePrefix("10.0.0.2/24"),
	}
	require.NoError(t, spec.Validate())

	bad := spec
	bad.Addr = netip.Prefix{}
	require.Error(t, bad.Validate())

	bad = spec
	bad.Bridge = ""
	require.Error(t, bad.Validate())
}

func TestNATRuleTable(t *testing.T) {
	r := link.NATRule{Bridge: "br3", Prefix: netip.MustParsePrefix("10.0.3.0/24")}
	assert.Equal(t, "netsim-br3", r.Table())
}

func TestBridgeAndVeth(t *testing.T) {
	hub := netnstest.NewNamespace(t, fmt.Sprintf("netsim-link-%d-hub", os.Getpid()))
	node := netnstest.NewNamespace(t, fmt.Sprintf("netsim-link-%d-node", os.Getpid()))
	h := link.NewNetlinkHandler()

	require.NoError(t, h.LoopbackUp(node))
	require.NoError(t, h.CreateBridge(hub, "br1", netip.MustParsePrefix("10.0.0.1/24")))
	// existing bridge is kept
	require.NoError(t, h.CreateBridge(hub, "br1", netip.MustParsePrefix("10.0.0.1/24")))

	spec := link.VethSpec{
		HostName: "vn1m1",
		PeerName: "eth0",
		Bridge:   "br1",
		Addr:     netip.MustParsePrefix("10.0.0.2/24"),
		Gateway:  netip.MustParseAddr("10.0.0.1"),
	}
	require.NoError(t, h.CreateVeth(hub, node, spec))

	nh, err := netlink.NewHandleAt(vnetns.NsHandle(node.Fd()))
	require.NoError(t, err)
	defer nh.Close()

	eth0, err := nh.LinkByName("eth0")
	require.NoError(t, err)
	addrs, err := nh.AddrList(eth0, netlink.FAMILY_V4)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.2/24", addrs[0].IPNet.String())

	routes, err := nh.RouteList(eth0, netlink.FAMILY_V4)
	require.NoError(t, err)
	var gw net.IP
	for _, r := range routes {
		if r.Gw != nil {
			gw = r.Gw
		}
	}
	assert.Equal(t, "10.0.0.1", gw.String())

	require.NoError(t, h.DeleteVeth(hub, "vn1m1"))
	_, err = nh.LinkByName("eth0")
	require.Error(t, err, "peer removed with host end")
	require.NoError(t, h.DeleteVeth(hub, "vn1m1"), "delete is idempotent")

	require.NoError(t, h.EnableForwarding(hub))
	require.NoError(t, h.DeleteBridge(hub, "br1"))
}

func TestMasqueradeRoundTrip(t *testing.T) {
	hub := netnstest.NewNamespace(t, fmt.Sprintf("netsim-link-%d-nat", os.Getpid()))
	nat := link.NewNftablesHandler()
	rule := link.NATRule{Bridge: "br2", Prefix: netip.MustParsePrefix("10.0.1.0/24")}

	require.NoError(t, nat.Masquerade(hub, rule))
	require.NoError(t, nat.RemoveMasquerade(hub, rule))
}
