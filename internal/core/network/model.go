package network

import (
	"errors"
	"fmt"
	"net/netip"

	"netsim/internal/ipam"
)

var (
	ErrAlreadyPlugged = errors.New("endpoint already plugged into network")
	ErrNotPlugged     = errors.New("endpoint not plugged into network")
	ErrNotEmpty       = errors.New("network still has plugged endpoints")
	ErrRemoved        = errors.New("network removed")
)

// ID identifies a network within one topology. IDs are never reused.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("net-%d", uint64(id))
}

type Options struct {
	Name  string         `json:"name,omitempty" yaml:"name,omitempty"`
	Range ipam.RangeHint `json:"range" yaml:"range"`
	// NAT hides the range behind the hub for traffic leaving through other
	// networks and blocks unsolicited connections into it.
	NAT bool `json:"nat,omitempty" yaml:"nat,omitempty"`
}

type PlugOptions struct {
	// Addr requests a specific address. The zero value allocates one.
	Addr netip.Addr
	// Interface is the link name inside the endpoint's namespace.
	Interface string
	// DefaultRoute installs a default route via the gateway.
	DefaultRoute bool
}

// Attachment is one endpoint's presence on a network.
type Attachment struct {
	Network       ID           `json:"network"`
	Endpoint      uint64       `json:"endpoint"`
	Addr          netip.Addr   `json:"addr"`
	Prefix        netip.Prefix `json:"prefix"`
	Gateway       netip.Addr   `json:"gateway"`
	HostInterface string       `json:"hostInterface"`
	Interface     string       `json:"interface"`
}

// Info is a point-in-time summary of a network.
type Info struct {
	ID        ID           `json:"id"`
	Name      string       `json:"name"`
	Range     netip.Prefix `json:"range"`
	Gateway   netip.Addr   `json:"gateway"`
	Bridge    string       `json:"bridge"`
	NAT       bool         `json:"nat"`
	Endpoints int          `json:"endpoints"`
}
