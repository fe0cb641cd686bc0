package ipam

import (
	"fmt"
	"net/netip"
)

const (
	// DefaultSubrangeBits is the prefix length handed to a network when
	// neither the caller nor the allocator configuration asks for another.
	DefaultSubrangeBits = 24

	// a block needs room for network, gateway, one host and broadcast
	maxSubrangeBits = 30
)

// DefaultGlobalRange is the private space carved up when no global range
// is configured.
var DefaultGlobalRange = netip.MustParsePrefix("10.0.0.0/8")

// RangeHint selects the sub-range handed to a new network. The zero value
// asks for the next free block of the allocator's default size.
type RangeHint struct {
	Prefix netip.Prefix // exact block to reserve
	Bits   int          // block length when Prefix is unset
}

func (h RangeHint) String() string {
	switch {
	case h.Prefix.IsValid():
		return h.Prefix.String()
	case h.Bits > 0:
		return fmt.Sprintf("/%d", h.Bits)
	default:
		return "default"
	}
}

// pool tracks the host addresses handed out inside one sub-range.
type pool struct {
	prefix    netip.Prefix
	gateway   netip.Addr
	broadcast netip.Addr
	used      map[netip.Addr]struct{}
}

func newPool(prefix netip.Prefix) *pool {
	network := prefix.Masked().Addr()
	return &pool{
		prefix:    prefix.Masked(),
		gateway:   network.Next(),
		broadcast: broadcastIpv4(prefix),
		used:      map[netip.Addr]struct{}{},
	}
}

// capacity is the number of assignable hosts: everything except network,
// gateway and broadcast.
func (p *pool) capacity() int {
	return int(blockSize(p.prefix.Bits())) - 3
}

func (p *pool) reserved(addr netip.Addr) bool {
	return addr == p.prefix.Addr() || addr == p.gateway || addr == p.broadcast
}
