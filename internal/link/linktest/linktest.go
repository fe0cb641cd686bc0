// Package linktest records link and NAT calls in memory.
package linktest

import (
	"fmt"
	"net/netip"
	"sync"

	"netsim/internal/link"
	"netsim/internal/netns"
)

// Fake implements link.Handler and link.NATHandler. Fail maps an operation
// name (for example "CreateVeth") to the error it should return.
type Fake struct {
	mu      sync.Mutex
	Fail    map[string]error
	Bridges map[string]netip.Prefix
	Veths   map[string]link.VethSpec
	NAT     map[string]link.NATRule
	// Forwarding and Loopback hold namespace names.
	Forwarding []string
	Loopback   []string
	Calls      []string
}

func New() *Fake {
	return &Fake{
		Fail:    map[string]error{},
		Bridges: map[string]netip.Prefix{},
		Veths:   map[string]link.VethSpec{},
		NAT:     map[string]link.NATRule{},
	}
}

func (f *Fake) record(op string) error {
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

func (f *Fake) CreateBridge(ns netns.Namespace, name string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateBridge"); err != nil {
		return err
	}
	f.Bridges[name] = addr
	return nil
}

func (f *Fake) DeleteBridge(ns netns.Namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteBridge"); err != nil {
		return err
	}
	delete(f.Bridges, name)
	return nil
}

func (f *Fake) CreateVeth(hub netns.Namespace, target netns.Namespace, spec link.VethSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVeth"); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := f.Bridges[spec.Bridge]; !ok {
		return fmt.Errorf("bridge %s not found", spec.Bridge)
	}
	if _, ok := f.Veths[spec.HostName]; ok {
		return fmt.Errorf("veth %s exists", spec.HostName)
	}
	f.Veths[spec.HostName] = spec
	return nil
}

func (f *Fake) DeleteVeth(hub netns.Namespace, hostName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteVeth"); err != nil {
		return err
	}
	delete(f.Veths, hostName)
	return nil
}

func (f *Fake) EnableForwarding(ns netns.Namespace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EnableForwarding"); err != nil {
		return err
	}
	f.Forwarding = append(f.Forwarding, ns.Name())
	return nil
}

func (f *Fake) LoopbackUp(ns netns.Namespace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LoopbackUp"); err != nil {
		return err
	}
	f.Loopback = append(f.Loopback, ns.Name())
	return nil
}

func (f *Fake) Masquerade(ns netns.Namespace, rule link.NATRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Masquerade"); err != nil {
		return err
	}
	f.NAT[rule.Table()] = rule
	return nil
}

func (f *Fake) RemoveMasquerade(ns netns.Namespace, rule link.NATRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveMasquerade"); err != nil {
		return err
	}
	delete(f.NAT, rule.Table())
	return nil
}

// VethCount returns the number of live veth pairs.
func (f *Fake) VethCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Veths)
}

func (f *Fake) BridgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Bridges)
}

func (f *Fake) Veth(hostName string) (link.VethSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Veths[hostName]
	return s, ok
}

func (f *Fake) SetFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, op)
		return
	}
	f.Fail[op] = err
}
