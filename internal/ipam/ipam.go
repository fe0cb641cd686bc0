package ipam

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"sync"
)

func NewAllocator(global netip.Prefix, defaultBits int) (*Allocator, error) {
	if !global.IsValid() || !global.Addr().Is4() {
		return nil, fmt.Errorf("global range must be an ipv4 prefix: %s", global)
	}
	global = global.Masked()
	if global.Bits() > maxSubrangeBits {
		return nil, fmt.Errorf("global range %s too small, need at least /%d", global, maxSubrangeBits)
	}

	if defaultBits == 0 {
		defaultBits = DefaultSubrangeBits
	}
	if defaultBits < global.Bits() {
		defaultBits = global.Bits()
	}
	if defaultBits > maxSubrangeBits {
		return nil, fmt.Errorf("sub-range length /%d too small, need at most /%d", defaultBits, maxSubrangeBits)
	}

	return &Allocator{
		global:      global,
		defaultBits: defaultBits,
		pools:       map[netip.Prefix]*pool{},
	}, nil
}

// Allocator partitions a global IPv4 range into disjoint sub-ranges and
// hands out host addresses inside them. Allocation is sequential, so a
// fixed global range always produces the same addresses for the same
// sequence of calls.
type Allocator struct {
	mu          sync.Mutex
	global      netip.Prefix
	defaultBits int
	pools       map[netip.Prefix]*pool
}

func (a *Allocator) Global() netip.Prefix {
	return a.global
}

func (a *Allocator) AllocateSubrange(hint RangeHint) (netip.Prefix, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hint.Prefix.IsValid() {
		return a.reserveSubrange(hint.Prefix)
	}

	bits := hint.Bits
	if bits == 0 {
		bits = a.defaultBits
	}
	if bits < a.global.Bits() || bits > maxSubrangeBits {
		return netip.Prefix{}, fmt.Errorf("%w: /%d does not fit in %s", ErrOutOfRange, bits, a.global)
	}

	prefix, err := a.findFreeSubrange(bits)
	if err != nil {
		return netip.Prefix{}, err
	}
	a.pools[prefix] = newPool(prefix)
	return prefix, nil
}

func (a *Allocator) reserveSubrange(prefix netip.Prefix) (netip.Prefix, error) {
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %s is not ipv4", ErrOutOfRange, prefix)
	}
	prefix = prefix.Masked()
	if prefix.Bits() < a.global.Bits() || !a.global.Contains(prefix.Addr()) {
		return netip.Prefix{}, fmt.Errorf("%w: %s not inside %s", ErrOutOfRange, prefix, a.global)
	}
	if prefix.Bits() > maxSubrangeBits {
		return netip.Prefix{}, fmt.Errorf("%w: %s smaller than /%d", ErrOutOfRange, prefix, maxSubrangeBits)
	}
	if q := a.overlapping(prefix); q != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s overlaps %s", ErrRangeConflict, prefix, q.prefix)
	}
	a.pools[prefix] = newPool(prefix)
	return prefix, nil
}

// findFreeSubrange walks aligned blocks of the given size in address
// order and returns the first one that overlaps nothing allocated.
func (a *Allocator) findFreeSubrange(bits int) (netip.Prefix, error) {
	base := uint64(addrToUint32(a.global.Addr()))
	end := base + blockSize(a.global.Bits())
	size := blockSize(bits)

	cursor := base
	for cursor+size <= end {
		candidate := netip.PrefixFrom(uint32ToAddr(uint32(cursor)), bits)
		q := a.overlapping(candidate)
		if q == nil {
			return candidate, nil
		}
		// skip past the block in the way, realigned to our size
		next := uint64(addrToUint32(q.broadcast)) + 1
		next = (next + size - 1) / size * size
		if next <= cursor {
			next = cursor + size
		}
		cursor = next
	}
	return netip.Prefix{}, fmt.Errorf("%w: no free /%d left in %s", ErrRangeExhausted, bits, a.global)
}

func (a *Allocator) overlapping(prefix netip.Prefix) *pool {
	for _, p := range a.pools {
		if p.prefix.Overlaps(prefix) {
			return p
		}
	}
	return nil
}

func (a *Allocator) ReleaseSubrange(prefix netip.Prefix) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	prefix = prefix.Masked()
	if _, ok := a.pools[prefix]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRange, prefix)
	}
	delete(a.pools, prefix)
	return nil
}

// Subranges returns the allocated blocks in address order.
func (a *Allocator) Subranges() []netip.Prefix {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := make([]netip.Prefix, 0, len(a.pools))
	for prefix := range a.pools {
		list = append(list, prefix)
	}
	slices.SortFunc(list, func(x, y netip.Prefix) int {
		return x.Addr().Compare(y.Addr())
	})
	return list
}

func (a *Allocator) AllocateHost(prefix netip.Prefix) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.pool(prefix)
	if err != nil {
		return netip.Addr{}, err
	}
	next, err := findFreeHost(p)
	if err != nil {
		return netip.Addr{}, err
	}
	p.used[next] = struct{}{}
	return next, nil
}

func (a *Allocator) ReserveHost(prefix netip.Prefix, addr netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.pool(prefix)
	if err != nil {
		return err
	}
	if !p.prefix.Contains(addr) || addr == p.prefix.Addr() || addr == p.broadcast {
		return fmt.Errorf("%w: %s is not a host of %s", ErrOutOfRange, addr, p.prefix)
	}
	if addr == p.gateway {
		return fmt.Errorf("%w: %s is the gateway of %s", ErrAddressConflict, addr, p.prefix)
	}
	if _, used := p.used[addr]; used {
		return fmt.Errorf("%w: %s already in use", ErrAddressConflict, addr)
	}
	p.used[addr] = struct{}{}
	return nil
}

func (a *Allocator) ReleaseHost(prefix netip.Prefix, addr netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.pool(prefix)
	if err != nil {
		return err
	}
	if _, used := p.used[addr]; !used {
		return fmt.Errorf("allocation not found for %s in %s", addr, p.prefix)
	}
	delete(p.used, addr)
	return nil
}

// Gateway returns the first host of the block, which is kept for the
// network's bridge and never handed to a machine.
func (a *Allocator) Gateway(prefix netip.Prefix) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.pool(prefix)
	if err != nil {
		return netip.Addr{}, err
	}
	return p.gateway, nil
}

func (a *Allocator) FreeHosts(prefix netip.Prefix) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.pool(prefix)
	if err != nil {
		return 0, err
	}
	return p.capacity() - len(p.used), nil
}

func (a *Allocator) pool(prefix netip.Prefix) (*pool, error) {
	p, ok := a.pools[prefix.Masked()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRange, prefix)
	}
	return p, nil
}

func findFreeHost(p *pool) (netip.Addr, error) {
	// reserve: network, gateway, broadcast
	for cursor := p.gateway.Next(); cursor.IsValid() && cursor != p.broadcast; cursor = cursor.Next() {
		if p.reserved(cursor) {
			continue
		}
		if _, used := p.used[cursor]; !used {
			return cursor, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: no free ip in subnet %s", ErrAddressExhausted, p.prefix)
}

func broadcastIpv4(prefix netip.Prefix) netip.Addr {
	network := addrToUint32(prefix.Masked().Addr())
	return uint32ToAddr(network | uint32(blockSize(prefix.Bits())-1))
}

func blockSize(bits int) uint64 {
	return uint64(1) << (32 - bits)
}

func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
