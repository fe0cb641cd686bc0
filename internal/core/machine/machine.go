package machine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"netsim/internal/core/network"
	"netsim/internal/netns"
	"netsim/internal/process"

	"github.com/sirupsen/logrus"
)

// Machine is a process confined to one network namespace, plugged into zero
// or more networks.
type Machine struct {
	mu       sync.Mutex
	id       ID
	name     string
	spec     process.Spec
	ns       netns.Namespace
	ownsNS   bool
	proc     process.Handle
	log      *logrus.Entry
	grace    time.Duration
	ifaces   []Interface
	entered  int
	stopped  bool
	released bool
	lastOut  *process.Output
}

// Spawn prepares the namespace and starts the process inside it. The
// process is forked from a thread already in the namespace, so sockets it
// opens at startup live there. A failed or cancelled spawn leaves no
// process or owned namespace behind.
func Spawn(ctx context.Context, opts Options) (*Machine, error) {
	if err := opts.Spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = opts.ID.String()
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("machine", name)

	ns, owned := opts.Namespace, false
	if ns == nil {
		created, err := opts.Provider.Create(opts.NamespaceName)
		if err != nil {
			return nil, fmt.Errorf("machine %s: %w", name, err)
		}
		ns, owned = created, true
		if opts.Links != nil {
			if err := opts.Links.LoopbackUp(ns); err != nil {
				_ = ns.Close()
				return nil, fmt.Errorf("machine %s: %w", name, err)
			}
		}
	}

	proc, err := opts.Launcher.Spawn(ctx, opts.Spec, ns)
	if err != nil {
		if owned {
			_ = ns.Close()
		}
		return nil, fmt.Errorf("machine %s: %w", name, err)
	}

	grace := opts.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	m := &Machine{
		id:     opts.ID,
		name:   name,
		spec:   opts.Spec,
		ns:     ns,
		ownsNS: owned,
		proc:   proc,
		log:    log.WithField("ns", ns.Name()),
		grace:  grace,
	}

	if err := ctx.Err(); err != nil {
		_ = proc.Signal(syscall.SIGKILL)
		_ = m.Release(context.Background())
		return nil, err
	}

	m.log.WithField("pid", proc.Pid()).Infof("machine spawned: %s", opts.Spec)
	return m, nil
}

func (m *Machine) ID() ID                     { return m.id }
func (m *Machine) Key() uint64                { return uint64(m.id) }
func (m *Machine) Name() string               { return m.name }
func (m *Machine) Namespace() netns.Namespace { return m.ns }
func (m *Machine) Spec() process.Spec         { return m.spec }
func (m *Machine) Process() process.Handle    { return m.proc }
func (m *Machine) Pid() int                   { return m.proc.Pid() }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	switch {
	case m.terminatedLocked():
		return StateTerminated
	case m.entered > 0:
		return StateEntered
	case len(m.ifaces) > 0:
		return StatePlugged
	default:
		return StateSpawned
	}
}

func (m *Machine) terminatedLocked() bool {
	if m.stopped || m.released {
		return true
	}
	select {
	case <-m.proc.Done():
		return true
	default:
		return false
	}
}

// Attach records a plug made by a network.
func (m *Machine) Attach(att network.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminatedLocked() {
		return fmt.Errorf("%w: %s", ErrTerminated, m.name)
	}
	if m.indexLocked(att.Network) >= 0 {
		return fmt.Errorf("%w: %s on %s", ErrAlreadyPlugged, m.name, att.Network)
	}
	m.ifaces = append(m.ifaces, Interface{
		Network:   att.Network,
		Name:      att.Interface,
		Addr:      att.Addr,
		Prefix:    att.Prefix,
		HostIface: att.HostInterface,
	})
	return nil
}

// Detach forgets the plug on network id. It is valid after termination so
// teardown can unwind.
func (m *Machine) Detach(id network.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s on %s", ErrNotPlugged, m.name, id)
	}
	m.ifaces = slices.Delete(m.ifaces, i, i+1)
	return nil
}

func (m *Machine) indexLocked(id network.ID) int {
	return slices.IndexFunc(m.ifaces, func(iface Interface) bool { return iface.Network == id })
}

// Addr returns the machine's address on network id.
func (m *Machine) Addr(id network.ID) (netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s on %s", ErrNotPlugged, m.name, id)
	}
	return m.ifaces[i].Addr, nil
}

// PrimaryAddr is the address of the first network plugged.
func (m *Machine) PrimaryAddr() (netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ifaces) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s has no networks", ErrNotPlugged, m.name)
	}
	return m.ifaces[0].Addr, nil
}

func (m *Machine) Interfaces() []Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ifaces)
}

// Networks returns the ids of the networks the machine is plugged into,
// in plug order.
func (m *Machine) Networks() []network.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]network.ID, 0, len(m.ifaces))
	for _, iface := range m.ifaces {
		ids = append(ids, iface.Network)
	}
	return ids
}

// Enter switches the calling goroutine's thread into the machine's
// namespace until the guard exits. The guard must be exited on the same
// goroutine; prefer Do when the work fits in a function.
func (m *Machine) Enter() (netns.Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminatedLocked() {
		return nil, fmt.Errorf("%w: %s", ErrTerminated, m.name)
	}
	inner, err := m.ns.Enter()
	if err != nil {
		return nil, err
	}
	m.entered++
	return &guard{m: m, inner: inner}, nil
}

type guard struct {
	once  sync.Once
	m     *Machine
	inner netns.Guard
	err   error
}

func (g *guard) Exit() error {
	g.once.Do(func() {
		g.err = g.inner.Exit()
		g.m.mu.Lock()
		g.m.entered--
		g.m.mu.Unlock()
	})
	return g.err
}

// Do runs fn with the machine's network view on a dedicated thread.
func (m *Machine) Do(fn func() error) error {
	m.mu.Lock()
	terminated := m.terminatedLocked()
	m.mu.Unlock()
	if terminated {
		return fmt.Errorf("%w: %s", ErrTerminated, m.name)
	}
	return m.ns.Do(fn)
}

// WaitOutput waits for the process to exit and returns its output.
func (m *Machine) WaitOutput(ctx context.Context) (process.Output, error) {
	out, err := m.proc.Wait(ctx)
	if err != nil {
		return process.Output{}, err
	}
	m.mu.Lock()
	m.lastOut = &out
	m.mu.Unlock()
	return out, nil
}

// Output returns the process output once it has exited.
func (m *Machine) Output() (process.Output, bool) {
	out, ok := m.proc.Output()
	if ok {
		m.mu.Lock()
		m.lastOut = &out
		m.mu.Unlock()
	}
	return out, ok
}

// Stop sends SIGTERM, waits out the grace period and then sends SIGKILL.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.terminate(ctx)

	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	if out, ok := m.Output(); ok {
		m.log.WithField("exit", out.ExitCode).Info("machine stopped")
	}
	return err
}

func (m *Machine) terminate(ctx context.Context) error {
	done := m.proc.Done()
	select {
	case <-done:
		return nil
	default:
	}

	if err := m.proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop %s: %w", m.name, err)
	}

	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	m.log.Warn("process ignored SIGTERM, killing")
	if err := m.proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", m.name, err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release stops the process and closes the namespace when the machine
// created it. Interfaces are not unplugged here; the owning topology does
// that before calling Release.
func (m *Machine) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var errs []error
	if err := m.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.ownsNS {
		if err := m.ns.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	m.released = true
	m.mu.Unlock()
	return errors.Join(errs...)
}

func (m *Machine) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		ID:         m.id,
		Name:       m.name,
		Namespace:  m.ns.Name(),
		Pid:        m.proc.Pid(),
		State:      m.stateLocked(),
		Command:    m.spec.String(),
		Interfaces: slices.Clone(m.ifaces),
	}
	if out, ok := m.proc.Output(); ok {
		code := out.ExitCode
		info.ExitCode = &code
	} else if m.lastOut != nil {
		code := m.lastOut.ExitCode
		info.ExitCode = &code
	}
	return info
}
