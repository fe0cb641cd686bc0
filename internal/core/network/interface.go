package network

import (
	"netsim/internal/ipam"
	"netsim/internal/link"
	"netsim/internal/netns"

	"github.com/sirupsen/logrus"
)

// Endpoint is anything that can be plugged into a network: it has a stable
// key and a namespace to receive the interface.
type Endpoint interface {
	Key() uint64
	Name() string
	Namespace() netns.Namespace
}

// Deps are the shared collaborators of every network in a topology.
type Deps struct {
	// Hub holds the bridges and NAT rules.
	Hub       netns.Namespace
	Allocator ipam.AllocatorHandler
	Links     link.Handler
	NAT       link.NATHandler
	Log       *logrus.Entry
}
