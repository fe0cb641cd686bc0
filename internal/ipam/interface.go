package ipam

import "net/netip"

// AllocatorHandler is the address bookkeeping surface used by virtual
// networks. It never touches the operating system.
type AllocatorHandler interface {
	Global() netip.Prefix
	AllocateSubrange(hint RangeHint) (netip.Prefix, error)
	ReleaseSubrange(prefix netip.Prefix) error
	Subranges() []netip.Prefix

	AllocateHost(prefix netip.Prefix) (netip.Addr, error)
	ReserveHost(prefix netip.Prefix, addr netip.Addr) error
	ReleaseHost(prefix netip.Prefix, addr netip.Addr) error
	Gateway(prefix netip.Prefix) (netip.Addr, error)
	FreeHosts(prefix netip.Prefix) (int, error)
}
