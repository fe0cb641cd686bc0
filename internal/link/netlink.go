package link

import (
	"errors"
	"net"
	"net/netip"
	"os"

	"netsim/internal/netns"

	pkgerrors "github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	vnetns "github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

func NewNetlinkHandler() *NetlinkHandler {
	return &NetlinkHandler{}
}

// NetlinkHandler talks rtnetlink through sockets opened inside the target
// namespace.
type NetlinkHandler struct{}

func handleAt(ns netns.Namespace) (*netlink.Handle, error) {
	h, err := netlink.NewHandleAt(vnetns.NsHandle(ns.Fd()))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "netlink handle in %s", ns.Name())
	}
	return h, nil
}

func (n *NetlinkHandler) CreateBridge(ns netns.Namespace, name string, addr netip.Prefix) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	h, err := handleAt(ns)
	if err != nil {
		return err
	}
	defer h.Close()

	// check if bridge already created
	if _, err := h.LinkByName(name); err == nil {
		return nil
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := h.LinkAdd(br); err != nil {
		return pkgerrors.Wrapf(err, "add bridge %s", name)
	}

	configure := func() error {
		if err := h.AddrAdd(br, &netlink.Addr{IPNet: toIPNet(addr)}); err != nil {
			return pkgerrors.Wrapf(err, "assign %s to %s", addr, name)
		}
		if err := h.LinkSetUp(br); err != nil {
			return pkgerrors.Wrapf(err, "up %s", name)
		}
		return nil
	}
	if err := configure(); err != nil {
		_ = h.LinkDel(br)
		return err
	}
	return nil
}

func (n *NetlinkHandler) DeleteBridge(ns netns.Namespace, name string) error {
	return deleteLink(ns, name)
}

func (n *NetlinkHandler) CreateVeth(hub netns.Namespace, target netns.Namespace, spec VethSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	h, err := handleAt(hub)
	if err != nil {
		return err
	}
	defer h.Close()

	br, err := h.LinkByName(spec.Bridge)
	if err != nil {
		return pkgerrors.Wrapf(err, "bridge %s", spec.Bridge)
	}

	veth := &netlink.Veth{
		LinkAttrs:     netlink.LinkAttrs{Name: spec.HostName},
		PeerName:      spec.PeerName,
		PeerNamespace: netlink.NsFd(target.Fd()),
	}
	if err := h.LinkAdd(veth); err != nil {
		return pkgerrors.Wrapf(err, "add veth %s/%s", spec.HostName, spec.PeerName)
	}

	// deleting the host end takes the peer with it
	if err := n.wireVeth(h, br, veth, target, spec); err != nil {
		_ = h.LinkDel(veth)
		return err
	}
	return nil
}

func (n *NetlinkHandler) wireVeth(h *netlink.Handle, br netlink.Link, veth *netlink.Veth, target netns.Namespace, spec VethSpec) error {
	if err := h.LinkSetMaster(veth, br); err != nil {
		return pkgerrors.Wrapf(err, "enslave %s to %s", spec.HostName, spec.Bridge)
	}
	if err := h.LinkSetUp(veth); err != nil {
		return pkgerrors.Wrapf(err, "up %s", spec.HostName)
	}

	th, err := handleAt(target)
	if err != nil {
		return err
	}
	defer th.Close()

	peer, err := th.LinkByName(spec.PeerName)
	if err != nil {
		return pkgerrors.Wrapf(err, "peer %s in %s", spec.PeerName, target.Name())
	}
	if err := th.AddrAdd(peer, &netlink.Addr{IPNet: toIPNet(spec.Addr)}); err != nil {
		return pkgerrors.Wrapf(err, "assign %s to %s", spec.Addr, spec.PeerName)
	}
	if err := th.LinkSetUp(peer); err != nil {
		return pkgerrors.Wrapf(err, "up %s", spec.PeerName)
	}

	if spec.Gateway.IsValid() {
		route := &netlink.Route{
			LinkIndex: peer.Attrs().Index,
			Gw:        net.IP(spec.Gateway.AsSlice()),
		}
		if err := th.RouteAdd(route); err != nil {
			return pkgerrors.Wrapf(err, "default route via %s", spec.Gateway)
		}
	}
	return nil
}

func (n *NetlinkHandler) DeleteVeth(hub netns.Namespace, hostName string) error {
	return deleteLink(hub, hostName)
}

func (n *NetlinkHandler) EnableForwarding(ns netns.Namespace) error {
	// net sysctls resolve against the namespace of the writing thread
	return ns.Do(func() error {
		if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
			return pkgerrors.Wrapf(err, "enable forwarding in %s", ns.Name())
		}
		return nil
	})
}

func (n *NetlinkHandler) LoopbackUp(ns netns.Namespace) error {
	h, err := handleAt(ns)
	if err != nil {
		return err
	}
	defer h.Close()

	lo, err := h.LinkByName("lo")
	if err != nil {
		return pkgerrors.Wrapf(err, "loopback in %s", ns.Name())
	}
	if err := h.LinkSetUp(lo); err != nil {
		return pkgerrors.Wrapf(err, "up loopback in %s", ns.Name())
	}
	return nil
}

func deleteLink(ns netns.Namespace, name string) error {
	h, err := handleAt(ns)
	if err != nil {
		return err
	}
	defer h.Close()

	l, err := h.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return pkgerrors.Wrapf(err, "lookup %s", name)
	}
	if err := h.LinkDel(l); err != nil && !errors.Is(err, unix.ENODEV) {
		return pkgerrors.Wrapf(err, "delete %s", name)
	}
	return nil
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
