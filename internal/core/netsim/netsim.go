package netsim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"sync"
	"syscall"

	"netsim/internal/core/machine"
	"netsim/internal/core/network"
	"netsim/internal/ipam"
	"netsim/internal/link"
	"netsim/internal/netns"
	"netsim/internal/process"
	"netsim/internal/utils"

	"github.com/sirupsen/logrus"
)

// Netsim owns one topology: a hub namespace holding every bridge, the
// networks carved out of the global range and the machines plugged into
// them. Machines and networks refer to each other only by id. All methods
// are safe for concurrent use and are serialized.
type Netsim struct {
	mu   sync.Mutex
	opts Options
	log  *logrus.Entry

	runID  string
	prefix string
	hub    netns.Namespace
	alloc  *ipam.Allocator

	networks    map[network.ID]*network.Network
	machines    map[machine.ID]*machine.Machine
	nextNetwork network.ID
	nextMachine machine.ID
	// routes maps a namespace key to the plug carrying its default route.
	routes  map[string]routePlug
	closers []func(ctx context.Context) error
	closed  bool
}

// New creates the hub namespace with forwarding enabled and registers the
// run in the state store.
func New(ctx context.Context, opts Options) (*Netsim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.GlobalRange.IsValid() {
		opts.GlobalRange = ipam.DefaultGlobalRange
	}
	if opts.NamespacePrefix == "" {
		opts.NamespacePrefix = utils.DefaultNamespacePrefix
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Provider == nil {
		opts.Provider = netns.NewProvider()
	}
	if opts.Links == nil {
		opts.Links = link.NewNetlinkHandler()
	}
	if opts.NAT == nil {
		opts.NAT = link.NewNftablesHandler()
	}
	if opts.Launcher == nil {
		opts.Launcher = process.NewLauncher(opts.Log)
	}

	alloc, err := ipam.NewAllocator(opts.GlobalRange, opts.SubnetBits)
	if err != nil {
		return nil, err
	}

	runID := utils.NewUlid()
	s := &Netsim{
		opts:     opts,
		runID:    runID,
		prefix:   fmt.Sprintf("%s-%s", opts.NamespacePrefix, utils.ShortID(runID)),
		alloc:    alloc,
		networks: map[network.ID]*network.Network{},
		machines: map[machine.ID]*machine.Machine{},
		routes:   map[string]routePlug{},
	}
	s.log = opts.Log.WithField("run", runID)

	hub, err := opts.Provider.Create(s.prefix + "-hub")
	if err != nil {
		return nil, err
	}
	if err := s.prepareHub(hub); err != nil {
		_ = hub.Close()
		return nil, err
	}
	s.hub = hub

	if opts.Store != nil {
		if err := opts.Store.Register(s.snapshot()); err != nil {
			_ = hub.Close()
			return nil, fmt.Errorf("register run: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"hub":    hub.Name(),
		"global": alloc.Global().String(),
	}).Info("netsim started")
	return s, nil
}

func (s *Netsim) prepareHub(hub netns.Namespace) error {
	if err := s.opts.Links.LoopbackUp(hub); err != nil {
		return err
	}
	return s.opts.Links.EnableForwarding(hub)
}

func (s *Netsim) RunID() string           { return s.runID }
func (s *Netsim) Name() string            { return s.opts.Name }
func (s *Netsim) Hub() netns.Namespace    { return s.hub }
func (s *Netsim) Global() netip.Prefix    { return s.alloc.Global() }
func (s *Netsim) NamespacePrefix() string { return s.prefix }

// OnClose registers fn to run first during Close, for services bound to
// the hub such as the DNS server.
func (s *Netsim) OnClose(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *Netsim) deps() network.Deps {
	return network.Deps{
		Hub:       s.hub,
		Allocator: s.alloc,
		Links:     s.opts.Links,
		NAT:       s.opts.NAT,
		Log:       s.log,
	}
}

func (s *Netsim) SpawnNetwork(ctx context.Context, opts network.Options) (network.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.checkNetworkNameLocked(opts.Name); err != nil {
		return 0, err
	}

	id := s.nextNetwork + 1
	n, err := network.Spawn(ctx, id, opts, s.deps())
	if err != nil {
		return 0, err
	}
	s.nextNetwork = id
	s.networks[id] = n
	s.recordLocked()
	return id, nil
}

func (s *Netsim) RemoveNetwork(ctx context.Context, id network.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	n, err := s.networkLocked(id)
	if err != nil {
		return err
	}
	if err := n.Remove(ctx); err != nil {
		if errors.Is(err, network.ErrNotEmpty) {
			return err
		}
		// the network is unusable either way
		delete(s.networks, id)
		s.recordLocked()
		return err
	}
	delete(s.networks, id)
	s.recordLocked()
	return nil
}

// SpawnMachine starts spec in a fresh namespace, or in ns when given. A
// supplied namespace stays owned by the caller.
func (s *Netsim) SpawnMachine(ctx context.Context, spec process.Spec, ns netns.Namespace) (machine.ID, error) {
	return s.SpawnNamedMachine(ctx, "", spec, ns)
}

func (s *Netsim) SpawnNamedMachine(ctx context.Context, name string, spec process.Spec, ns netns.Namespace) (machine.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.checkMachineNameLocked(name); err != nil {
		return 0, err
	}

	id := s.nextMachine + 1
	m, err := machine.Spawn(ctx, machine.Options{
		ID:            id,
		Name:          name,
		Spec:          spec,
		Namespace:     ns,
		NamespaceName: fmt.Sprintf("%s-m%d", s.prefix, uint64(id)),
		Provider:      s.opts.Provider,
		Launcher:      s.opts.Launcher,
		Links:         s.opts.Links,
		Log:           s.log,
		StopGrace:     s.opts.StopGrace,
	})
	if err != nil {
		return 0, err
	}
	s.nextMachine = id
	s.machines[id] = m
	s.recordLocked()
	return id, nil
}

// Plug connects a machine to a network. requested may be the zero Addr to
// let the network choose. The interface gets the lowest ethN free in the
// machine's namespace, which other machines may share. The plug carries the
// namespace's default route when no other plug does.
func (s *Netsim) Plug(ctx context.Context, mid machine.ID, nid network.ID, requested netip.Addr) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return netip.Addr{}, ErrClosed
	}
	m, err := s.machineLocked(mid)
	if err != nil {
		return netip.Addr{}, err
	}
	n, err := s.networkLocked(nid)
	if err != nil {
		return netip.Addr{}, err
	}
	if m.State() == machine.StateTerminated {
		return netip.Addr{}, fmt.Errorf("%w: %s", machine.ErrTerminated, m.Name())
	}

	key := namespaceKey(m)
	_, routed := s.routes[key]
	att, err := n.Plug(ctx, m, network.PlugOptions{
		Addr:         requested,
		Interface:    s.nextInterfaceLocked(key),
		DefaultRoute: !routed,
	})
	if err != nil {
		return netip.Addr{}, err
	}
	if err := m.Attach(att); err != nil {
		_ = n.Unplug(context.Background(), m)
		return netip.Addr{}, err
	}
	if !routed {
		s.routes[key] = routePlug{machine: mid, network: nid}
	}
	s.recordLocked()
	return att.Addr, nil
}

func (s *Netsim) Unplug(ctx context.Context, mid machine.ID, nid network.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, err := s.machineLocked(mid)
	if err != nil {
		return err
	}
	n, err := s.networkLocked(nid)
	if err != nil {
		return err
	}
	if _, err := m.Addr(nid); err != nil {
		return err
	}

	err = n.Unplug(ctx, m)
	_ = m.Detach(nid)
	s.dropRouteLocked(m, nid)
	s.recordLocked()
	return err
}

type routePlug struct {
	machine machine.ID
	network network.ID
}

// namespaceKey identifies the kernel namespace behind a machine, so
// machines spawned into a shared namespace map to the same key.
func namespaceKey(m *machine.Machine) string {
	if id := m.Namespace().ID(); id != "" {
		return id
	}
	return m.Namespace().Path()
}

// nextInterfaceLocked returns the lowest ethN name not used by any machine
// in the namespace identified by key.
func (s *Netsim) nextInterfaceLocked(key string) string {
	used := map[string]bool{}
	for _, m := range s.machines {
		if namespaceKey(m) != key {
			continue
		}
		for _, iface := range m.Interfaces() {
			used[iface.Name] = true
		}
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("eth%d", i)
		if !used[name] {
			return name
		}
	}
}

// dropRouteLocked forgets the default route when it went with the plug of
// m on nid. The kernel removes the route with the link; the next plug into
// the namespace installs a new one.
func (s *Netsim) dropRouteLocked(m *machine.Machine, nid network.ID) {
	key := namespaceKey(m)
	if r, ok := s.routes[key]; ok && r.machine == m.ID() && r.network == nid {
		delete(s.routes, key)
	}
}

func (s *Netsim) Machine(id machine.ID) (*machine.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machineLocked(id)
}

func (s *Netsim) Network(id network.ID) (*network.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networkLocked(id)
}

func (s *Netsim) machineLocked(id machine.ID) (*machine.Machine, error) {
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: machine %s", ErrUnknownID, id)
	}
	return m, nil
}

func (s *Netsim) networkLocked(id network.ID) (*network.Network, error) {
	n, ok := s.networks[id]
	if !ok {
		return nil, fmt.Errorf("%w: network %s", ErrUnknownID, id)
	}
	return n, nil
}

// Machines returns every machine ordered by id.
func (s *Netsim) Machines() []*machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machinesLocked()
}

func (s *Netsim) machinesLocked() []*machine.Machine {
	list := make([]*machine.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		list = append(list, m)
	}
	slices.SortFunc(list, func(a, b *machine.Machine) int {
		return compareIDs(uint64(a.ID()), uint64(b.ID()))
	})
	return list
}

// Networks returns every network ordered by id.
func (s *Netsim) Networks() []*network.Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networksLocked()
}

func (s *Netsim) networksLocked() []*network.Network {
	list := make([]*network.Network, 0, len(s.networks))
	for _, n := range s.networks {
		list = append(list, n)
	}
	slices.SortFunc(list, func(a, b *network.Network) int {
		return compareIDs(uint64(a.ID()), uint64(b.ID()))
	})
	return list
}

func compareIDs(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Resolve finds a machine by name. Unnamed machines answer to their id
// string, for example "m-3".
func (s *Netsim) Resolve(name string) (machine.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.machineByNameLocked(name); m != nil {
		return m.ID(), nil
	}
	return 0, fmt.Errorf("%w: machine %s", ErrUnknownID, name)
}

// ResolveNetwork finds a network by name.
func (s *Netsim) ResolveNetwork(name string) (network.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.networkByNameLocked(name); n != nil {
		return n.ID(), nil
	}
	return 0, fmt.Errorf("%w: network %s", ErrUnknownID, name)
}

var (
	machineIDName = regexp.MustCompile(`^m-[0-9]+$`)
	networkIDName = regexp.MustCompile(`^net-[0-9]+$`)
)

// checkMachineNameLocked rejects names already taken and names shaped like
// an id string, which unnamed machines answer to.
func (s *Netsim) checkMachineNameLocked(name string) error {
	if name == "" {
		return nil
	}
	if machineIDName.MatchString(name) {
		return fmt.Errorf("%w: machine %s is reserved for ids", ErrNameTaken, name)
	}
	if s.machineByNameLocked(name) != nil {
		return fmt.Errorf("%w: machine %s", ErrNameTaken, name)
	}
	return nil
}

func (s *Netsim) checkNetworkNameLocked(name string) error {
	if name == "" {
		return nil
	}
	if networkIDName.MatchString(name) {
		return fmt.Errorf("%w: network %s is reserved for ids", ErrNameTaken, name)
	}
	if s.networkByNameLocked(name) != nil {
		return fmt.Errorf("%w: network %s", ErrNameTaken, name)
	}
	return nil
}

func (s *Netsim) machineByNameLocked(name string) *machine.Machine {
	for _, m := range s.machines {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (s *Netsim) networkByNameLocked(name string) *network.Network {
	for _, n := range s.networks {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// Exec runs spec inside a machine's namespace and waits for it. If ctx ends
// first the command is killed.
func (s *Netsim) Exec(ctx context.Context, mid machine.ID, spec process.Spec) (process.Output, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return process.Output{}, ErrClosed
	}
	m, err := s.machineLocked(mid)
	s.mu.Unlock()
	if err != nil {
		return process.Output{}, err
	}
	if m.State() == machine.StateTerminated {
		return process.Output{}, fmt.Errorf("%w: %s", machine.ErrTerminated, m.Name())
	}

	h, err := s.opts.Launcher.Spawn(ctx, spec, m.Namespace())
	if err != nil {
		return process.Output{}, err
	}
	out, err := h.Wait(ctx)
	if err != nil {
		_ = h.Signal(syscall.SIGKILL)
		return process.Output{}, err
	}
	s.log.WithFields(logrus.Fields{
		"machine": m.Name(),
		"exit":    out.ExitCode,
	}).Debugf("exec %s", spec)
	return out, nil
}

// RemoveMachine unplugs a machine from every network and releases it.
func (s *Netsim) RemoveMachine(ctx context.Context, id machine.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, err := s.machineLocked(id)
	if err != nil {
		return err
	}
	err = s.releaseMachineLocked(ctx, m)
	delete(s.machines, id)
	s.recordLocked()
	return err
}

func (s *Netsim) releaseMachineLocked(ctx context.Context, m *machine.Machine) error {
	var errs []error
	for _, nid := range m.Networks() {
		if n, ok := s.networks[nid]; ok {
			if err := n.Unplug(ctx, m); err != nil {
				errs = append(errs, err)
			}
		}
		_ = m.Detach(nid)
		s.dropRouteLocked(m, nid)
	}
	if err := m.Release(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases every machine, network and the hub. It keeps going past
// failures and reports all of them.
func (s *Netsim) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := slices.Clone(s.closers)
	s.closers = nil
	s.mu.Unlock()

	// closers run unlocked: a DNS server draining in-flight queries still
	// needs Resolve
	var errs []error
	for _, fn := range closers {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machinesLocked() {
		if err := s.releaseMachineLocked(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("machine %s: %w", m.Name(), err))
		}
		delete(s.machines, m.ID())
	}
	for _, n := range s.networksLocked() {
		if err := n.Remove(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(s.networks, n.ID())
	}
	// closing the hub takes any bridge or rule left above with it
	if err := s.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.Remove(s.runID); err != nil {
			errs = append(errs, fmt.Errorf("unregister run: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.log.WithError(err).Warn("netsim closed with errors")
	} else {
		s.log.Info("netsim closed")
	}
	return err
}
