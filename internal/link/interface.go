package link

import (
	"net/netip"

	"netsim/internal/netns"
)

// Handler creates and removes the links that make up a virtual network.
// Every call names the namespace it acts on; none of them switch the
// calling thread.
type Handler interface {
	// CreateBridge creates an up bridge carrying addr. An existing bridge
	// with the same name is left as is.
	CreateBridge(ns netns.Namespace, name string, addr netip.Prefix) error
	DeleteBridge(ns netns.Namespace, name string) error

	// CreateVeth creates a veth pair with the host end enslaved to a bridge
	// in hub and the peer end moved into target and configured there.
	CreateVeth(hub netns.Namespace, target netns.Namespace, spec VethSpec) error
	// DeleteVeth removes the pair by its host end.
	DeleteVeth(hub netns.Namespace, hostName string) error

	EnableForwarding(ns netns.Namespace) error
	LoopbackUp(ns netns.Namespace) error
}

// NATHandler installs the rules that hide a network behind its gateway.
type NATHandler interface {
	Masquerade(ns netns.Namespace, rule NATRule) error
	RemoveMasquerade(ns netns.Namespace, rule NATRule) error
}
