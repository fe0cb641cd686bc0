package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"netsim/internal/ipam"
	"netsim/internal/link"

	"github.com/sirupsen/logrus"
)

// Network is an IPv4 range backed by a bridge in the hub namespace. The
// bridge owns the range's gateway address.
type Network struct {
	mu      sync.Mutex
	deps    Deps
	log     *logrus.Entry
	id      ID
	name    string
	prefix  netip.Prefix
	gateway netip.Addr
	bridge  string
	nat     bool
	plugs   map[uint64]Attachment
	removed bool
}

// BridgeName is the hub-side bridge of network id.
func BridgeName(id ID) string {
	return fmt.Sprintf("br%d", uint64(id))
}

// HostInterfaceName is the hub-side veth end linking endpoint key to
// network id.
func HostInterfaceName(id ID, key uint64) string {
	return fmt.Sprintf("vn%dm%d", uint64(id), key)
}

// Spawn allocates a range, creates the bridge with the gateway address and
// installs NAT rules when asked. Nothing is left behind on failure.
func Spawn(ctx context.Context, id ID, opts Options, deps Deps) (*Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = id.String()
	}

	prefix, err := deps.Allocator.AllocateSubrange(opts.Range)
	if err != nil {
		return nil, err
	}
	gateway, err := deps.Allocator.Gateway(prefix)
	if err != nil {
		_ = deps.Allocator.ReleaseSubrange(prefix)
		return nil, err
	}

	n := &Network{
		deps:    deps,
		id:      id,
		name:    opts.Name,
		prefix:  prefix,
		gateway: gateway,
		bridge:  BridgeName(id),
		nat:     opts.NAT,
		plugs:   map[uint64]Attachment{},
	}
	n.log = n.logger()

	if err := deps.Links.CreateBridge(deps.Hub, n.bridge, netip.PrefixFrom(gateway, prefix.Bits())); err != nil {
		_ = deps.Allocator.ReleaseSubrange(prefix)
		return nil, fmt.Errorf("network %s: %w", n.name, err)
	}
	if opts.NAT {
		if err := deps.NAT.Masquerade(deps.Hub, n.natRule()); err != nil {
			_ = deps.Links.DeleteBridge(deps.Hub, n.bridge)
			_ = deps.Allocator.ReleaseSubrange(prefix)
			return nil, fmt.Errorf("network %s: %w", n.name, err)
		}
	}

	n.log.Info("network spawned")
	return n, nil
}

func (n *Network) logger() *logrus.Entry {
	base := n.deps.Log
	if base == nil {
		base = logrus.NewEntry(logrus.StandardLogger())
	}
	return base.WithFields(logrus.Fields{
		"network": n.name,
		"range":   n.prefix.String(),
	})
}

func (n *Network) natRule() link.NATRule {
	return link.NATRule{Bridge: n.bridge, Prefix: n.prefix}
}

func (n *Network) ID() ID              { return n.id }
func (n *Network) Name() string        { return n.name }
func (n *Network) Range() netip.Prefix { return n.prefix }
func (n *Network) Gateway() netip.Addr { return n.gateway }
func (n *Network) Bridge() string      { return n.bridge }
func (n *Network) NAT() bool           { return n.nat }

// Plug gives ep an address on the network and connects its namespace to the
// bridge. On failure neither the address nor any link survives.
func (n *Network) Plug(ctx context.Context, ep Endpoint, opts PlugOptions) (Attachment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return Attachment{}, ErrRemoved
	}
	if _, ok := n.plugs[ep.Key()]; ok {
		return Attachment{}, fmt.Errorf("%w: %s on %s", ErrAlreadyPlugged, ep.Name(), n.name)
	}
	if err := ctx.Err(); err != nil {
		return Attachment{}, err
	}

	addr, err := n.claimAddr(opts.Addr)
	if err != nil {
		return Attachment{}, err
	}

	att := Attachment{
		Network:       n.id,
		Endpoint:      ep.Key(),
		Addr:          addr,
		Prefix:        netip.PrefixFrom(addr, n.prefix.Bits()),
		Gateway:       n.gateway,
		HostInterface: HostInterfaceName(n.id, ep.Key()),
		Interface:     opts.Interface,
	}
	spec := link.VethSpec{
		HostName: att.HostInterface,
		PeerName: att.Interface,
		Bridge:   n.bridge,
		Addr:     att.Prefix,
	}
	if opts.DefaultRoute {
		spec.Gateway = n.gateway
	}

	if err := n.deps.Links.CreateVeth(n.deps.Hub, ep.Namespace(), spec); err != nil {
		_ = n.deps.Allocator.ReleaseHost(n.prefix, addr)
		return Attachment{}, fmt.Errorf("plug %s into %s: %w", ep.Name(), n.name, err)
	}
	// the link exists now; a cancelled caller still gets it torn down
	if err := ctx.Err(); err != nil {
		_ = n.deps.Links.DeleteVeth(n.deps.Hub, att.HostInterface)
		_ = n.deps.Allocator.ReleaseHost(n.prefix, addr)
		return Attachment{}, err
	}

	n.plugs[ep.Key()] = att
	n.log.WithFields(logrus.Fields{
		"machine": ep.Name(),
		"addr":    addr.String(),
		"if":      att.Interface,
	}).Info("plugged")
	return att, nil
}

func (n *Network) claimAddr(requested netip.Addr) (netip.Addr, error) {
	if !requested.IsValid() {
		return n.deps.Allocator.AllocateHost(n.prefix)
	}
	if err := n.deps.Allocator.ReserveHost(n.prefix, requested); err != nil {
		return netip.Addr{}, err
	}
	return requested, nil
}

// Unplug removes ep's link and returns its address. The plug is forgotten
// even when the link could not be deleted; the error reports the leak.
func (n *Network) Unplug(ctx context.Context, ep Endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	att, ok := n.plugs[ep.Key()]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrNotPlugged, ep.Name(), n.name)
	}
	delete(n.plugs, ep.Key())

	var errs []error
	if err := n.deps.Links.DeleteVeth(n.deps.Hub, att.HostInterface); err != nil {
		errs = append(errs, err)
	}
	if err := n.deps.Allocator.ReleaseHost(n.prefix, att.Addr); err != nil {
		errs = append(errs, err)
	}
	n.log.WithField("machine", ep.Name()).Info("unplugged")
	return errors.Join(errs...)
}

// Remove deletes the bridge and NAT rules and gives the range back. The
// range is kept when the bridge could not be deleted, since its gateway
// address is still configured in the hub.
func (n *Network) Remove(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return nil
	}
	if len(n.plugs) > 0 {
		return fmt.Errorf("%w: %s has %d", ErrNotEmpty, n.name, len(n.plugs))
	}
	n.removed = true

	var errs []error
	if n.nat {
		if err := n.deps.NAT.RemoveMasquerade(n.deps.Hub, n.natRule()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.deps.Links.DeleteBridge(n.deps.Hub, n.bridge); err != nil {
		errs = append(errs, err)
	} else if err := n.deps.Allocator.ReleaseSubrange(n.prefix); err != nil && !errors.Is(err, ipam.ErrUnknownRange) {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		n.log.WithError(err).Warn("network removed with errors")
		return fmt.Errorf("remove network %s: %w", n.name, err)
	}
	n.log.Info("network removed")
	return nil
}

func (n *Network) AddrOf(key uint64) (netip.Addr, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	att, ok := n.plugs[key]
	return att.Addr, ok
}

func (n *Network) Attachment(key uint64) (Attachment, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	att, ok := n.plugs[key]
	return att, ok
}

// Plugs returns the attachments ordered by endpoint key.
func (n *Network) Plugs() []Attachment {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := make([]Attachment, 0, len(n.plugs))
	for _, att := range n.plugs {
		list = append(list, att)
	}
	slices.SortFunc(list, func(a, b Attachment) int {
		switch {
		case a.Endpoint < b.Endpoint:
			return -1
		case a.Endpoint > b.Endpoint:
			return 1
		}
		return 0
	})
	return list
}

func (n *Network) Info() Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Info{
		ID:        n.id,
		Name:      n.name,
		Range:     n.prefix,
		Gateway:   n.gateway,
		Bridge:    n.bridge,
		NAT:       n.nat,
		Endpoints: len(n.plugs),
	}
}
