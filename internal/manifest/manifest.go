// Package manifest reads topologies written in YAML and builds them on a
// Netsim.
package manifest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"regexp"
	"slices"

	"netsim/internal/core/machine"
	"netsim/internal/core/netsim"
	"netsim/internal/core/network"
	"netsim/internal/ipam"
	"netsim/internal/process"

	"gopkg.in/yaml.v3"
)

// names double as DNS labels
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses and validates a manifest. Unknown fields are rejected.
func Decode(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (s *Spec) Validate() error {
	if s.Topology.Range != "" {
		if _, err := netip.ParsePrefix(s.Topology.Range); err != nil {
			return invalid("topology.range: %v", err)
		}
	}
	if len(s.Machines) == 0 {
		return invalid("machines is required")
	}

	ranges := map[string]netip.Prefix{}
	for name, n := range s.Networks {
		if !namePattern.MatchString(name) {
			return invalid("network name %q", name)
		}
		if n.Range != "" {
			p, err := netip.ParsePrefix(n.Range)
			if err != nil {
				return invalid("networks.%s.range: %v", name, err)
			}
			if n.Bits != 0 && n.Bits != p.Bits() {
				return invalid("networks.%s: bits %d contradicts range %s", name, n.Bits, p)
			}
			ranges[name] = p.Masked()
		}
	}

	for name, m := range s.Machines {
		if !namePattern.MatchString(name) {
			return invalid("machine name %q", name)
		}
		if len(m.Command) == 0 || m.Command[0] == "" {
			return invalid("machines.%s.command is required", name)
		}
		seen := map[string]bool{}
		for _, plug := range m.Networks {
			if _, ok := s.Networks[plug.Network]; !ok {
				return invalid("machine %q plugs into unknown network %q", name, plug.Network)
			}
			if seen[plug.Network] {
				return invalid("machine %q plugs into %q twice", name, plug.Network)
			}
			seen[plug.Network] = true
			if plug.Address == "" {
				continue
			}
			addr, err := netip.ParseAddr(plug.Address)
			if err != nil {
				return invalid("machines.%s address: %v", name, err)
			}
			if p, ok := ranges[plug.Network]; ok && !p.Contains(addr) {
				return invalid("machine %q address %s is outside %s", name, addr, p)
			}
		}
	}
	_, err := s.StartOrder()
	return err
}

// GlobalRange returns the topology range, or the zero Prefix when unset.
func (s *Spec) GlobalRange() netip.Prefix {
	p, _ := netip.ParsePrefix(s.Topology.Range)
	return p
}

// StartOrder lists machines so that each comes after everything it
// depends on. Ties are broken by name.
func (s *Spec) StartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(s.Machines))
	graph := make(map[string][]string, len(s.Machines))

	for name := range s.Machines {
		inDegree[name] = 0
	}
	for name, m := range s.Machines {
		for _, dep := range m.DependsOn {
			if _, ok := s.Machines[dep]; !ok {
				return nil, invalid("machine %q depends on unknown machine %q", name, dep)
			}
			graph[dep] = append(graph[dep], name)
			inDegree[name]++
		}
	}

	queue := make([]string, 0, len(s.Machines))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	slices.Sort(queue)

	order := make([]string, 0, len(s.Machines))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		var ready []string
		for _, next := range graph[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		slices.Sort(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(s.Machines) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("%w: %v", ErrCycle, stuck)
	}
	return order, nil
}

// Result maps manifest names to the ids they were given.
type Result struct {
	Networks map[string]network.ID
	Machines map[string]machine.ID
	// Addrs is keyed by machine name, then network name.
	Addrs map[string]map[string]netip.Addr
}

// Apply builds spec on sim: networks in name order, then machines in start
// order, each plugged in the order its manifest lists. Nothing is undone on
// failure; the caller owns sim and closes it.
func Apply(ctx context.Context, sim *netsim.Netsim, spec *Spec) (*Result, error) {
	order, err := spec.StartOrder()
	if err != nil {
		return nil, err
	}
	res := &Result{
		Networks: map[string]network.ID{},
		Machines: map[string]machine.ID{},
		Addrs:    map[string]map[string]netip.Addr{},
	}

	names := make([]string, 0, len(spec.Networks))
	for name := range spec.Networks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		n := spec.Networks[name]
		opts := network.Options{Name: name, NAT: n.NAT, Range: ipam.RangeHint{Bits: n.Bits}}
		if n.Range != "" {
			opts.Range.Prefix = netip.MustParsePrefix(n.Range).Masked()
		}
		id, err := sim.SpawnNetwork(ctx, opts)
		if err != nil {
			return res, fmt.Errorf("network %s: %w", name, err)
		}
		res.Networks[name] = id
	}

	for _, name := range order {
		m := spec.Machines[name]
		id, err := sim.SpawnNamedMachine(ctx, name, process.Spec{
			Command: m.Command,
			Env:     m.Env,
			Dir:     m.Dir,
			Stdin:   m.Stdin,
		}, nil)
		if err != nil {
			return res, err
		}
		res.Machines[name] = id
		res.Addrs[name] = map[string]netip.Addr{}

		for _, plug := range m.Networks {
			var want netip.Addr
			if plug.Address != "" {
				want = netip.MustParseAddr(plug.Address)
			}
			addr, err := sim.Plug(ctx, id, res.Networks[plug.Network], want)
			if err != nil {
				return res, fmt.Errorf("plug %s into %s: %w", name, plug.Network, err)
			}
			res.Addrs[name][plug.Network] = addr
		}
	}
	return res, nil
}
