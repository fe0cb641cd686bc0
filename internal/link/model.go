package link

import (
	"fmt"
	"net/netip"
)

type VethSpec struct {
	// HostName is the end left in the hub, PeerName the one in the target.
	HostName string
	PeerName string
	Bridge   string

	// Addr is assigned to the peer, with the network's prefix length.
	Addr netip.Prefix
	// Gateway, when valid, becomes the peer namespace's default route.
	Gateway netip.Addr
}

func (s VethSpec) Validate() error {
	for _, name := range []string{s.HostName, s.PeerName, s.Bridge} {
		if err := ValidateName(name); err != nil {
			return err
		}
	}
	if !s.Addr.IsValid() || !s.Addr.Addr().Is4() {
		return fmt.Errorf("veth %s: invalid address %s", s.HostName, s.Addr)
	}
	return nil
}

// NATRule describes one masqueraded network.
type NATRule struct {
	Bridge string
	Prefix netip.Prefix
}

func (r NATRule) Table() string {
	return "netsim-" + r.Bridge
}

// maxNameLen is IFNAMSIZ minus the terminating NUL.
const maxNameLen = 15

func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("invalid interface name %q", name)
	}
	return nil
}
