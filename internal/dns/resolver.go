package dns

import (
	"net/netip"

	"netsim/internal/core/netsim"
)

// Resolver maps topology names to addresses. An empty network asks for
// the machine's primary address.
type Resolver interface {
	Lookup(machine, network string) (netip.Addr, bool)
}

// TopologyResolver answers from a live Netsim, so records follow plugs and
// unplugs without any refresh.
type TopologyResolver struct {
	Sim *netsim.Netsim
}

func (r TopologyResolver) Lookup(machine, network string) (netip.Addr, bool) {
	mid, err := r.Sim.Resolve(machine)
	if err != nil {
		return netip.Addr{}, false
	}
	m, err := r.Sim.Machine(mid)
	if err != nil {
		return netip.Addr{}, false
	}
	if network == "" {
		addr, err := m.PrimaryAddr()
		return addr, err == nil
	}
	nid, err := r.Sim.ResolveNetwork(network)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := m.Addr(nid)
	return addr, err == nil
}
