// Package netnstest provides namespace helpers for tests: an in-memory
// Provider for code that only needs bookkeeping, and a root-gated helper
// for tests that need a real kernel namespace.
package netnstest

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"netsim/internal/netns"
)

// Fake is an in-memory namespace. Enter and Do only track depth.
type Fake struct {
	name     string
	id       string
	owned    bool
	provider *Provider

	mu      sync.Mutex
	closed  bool
	entered int
	doCalls int
}

func (f *Fake) Name() string { return f.name }
func (f *Fake) Path() string { return netns.BindMountDir + "/" + f.name }
func (f *Fake) Fd() int      { return 1000 }
func (f *Fake) ID() string   { return f.id }

func (f *Fake) Enter() (netns.Guard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &netns.Error{Kind: netns.ErrEnter, Name: f.name, Err: netns.ErrClosed}
	}
	if f.provider != nil && f.provider.FailEnter != nil {
		return nil, &netns.Error{Kind: netns.ErrEnter, Name: f.name, Err: f.provider.FailEnter}
	}
	f.entered++
	if f.provider != nil {
		f.provider.push(f)
	}
	return &fakeGuard{ns: f}, nil
}

func (f *Fake) Do(fn func() error) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return &netns.Error{Kind: netns.ErrEnter, Name: f.name, Err: netns.ErrClosed}
	}
	f.doCalls++
	f.mu.Unlock()
	return fn()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.provider != nil && f.owned {
		f.provider.release(f.name)
	}
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Entered is the number of guards currently open on this namespace.
func (f *Fake) Entered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entered
}

type fakeGuard struct {
	once sync.Once
	ns   *Fake
}

func (g *fakeGuard) Exit() error {
	g.once.Do(func() {
		g.ns.mu.Lock()
		g.ns.entered--
		g.ns.mu.Unlock()
		if g.ns.provider != nil {
			g.ns.provider.pop()
		}
	})
	return nil
}

// Provider hands out Fake namespaces and tracks which owned ones are
// still alive, standing in for a listing of /var/run/netns.
type Provider struct {
	// FailCreate, when set, is returned as the cause of every Create.
	FailCreate error
	// FailEnter, when set, is returned as the cause of every Enter.
	FailEnter error

	seq     atomic.Int64
	mu      sync.Mutex
	live    map[string]*Fake
	root    *Fake
	current []*Fake
}

func NewProvider() *Provider {
	p := &Provider{live: map[string]*Fake{}}
	p.root = &Fake{name: "", id: "NS(root)"}
	return p
}

func (p *Provider) Create(name string) (netns.Namespace, error) {
	if p.FailCreate != nil {
		return nil, &netns.Error{Kind: netns.ErrCreate, Name: name, Err: p.FailCreate}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[name]; ok {
		return nil, &netns.Error{Kind: netns.ErrCreate, Name: name, Err: os.ErrExist}
	}
	f := &Fake{
		name:     name,
		id:       fmt.Sprintf("NS(fake:%d)", p.seq.Add(1)),
		owned:    true,
		provider: p,
	}
	p.live[name] = f
	return f, nil
}

func (p *Provider) Open(name string) (netns.Namespace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.live[name]
	if !ok {
		return nil, &netns.Error{Kind: netns.ErrEnter, Name: name, Err: os.ErrNotExist}
	}
	return &Fake{name: f.name, id: f.id, provider: p}, nil
}

// Current returns the innermost entered namespace, or the root namespace.
func (p *Provider) Current() (netns.Namespace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.current); n > 0 {
		top := p.current[n-1]
		return &Fake{name: top.name, id: top.id}, nil
	}
	return &Fake{id: p.root.id}, nil
}

// Live returns the names of owned namespaces not yet closed.
func (p *Provider) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.live))
	for name := range p.live {
		names = append(names, name)
	}
	return names
}

func (p *Provider) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, name)
}

func (p *Provider) push(f *Fake) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = append(p.current, f)
}

func (p *Provider) pop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.current); n > 0 {
		p.current = p.current[:n-1]
	}
}

// RequireRoot skips the test unless it runs with the privileges needed to
// create namespaces.
func RequireRoot(tb testing.TB) {
	tb.Helper()
	if os.Geteuid() != 0 {
		tb.Skip("requires root/CAP_SYS_ADMIN")
	}
}

// NewNamespace creates a real named namespace removed at test cleanup.
func NewNamespace(tb testing.TB, name string) netns.Namespace {
	tb.Helper()
	RequireRoot(tb)

	ns, err := netns.NewProvider().Create(name)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := ns.Close(); err != nil && !errors.Is(err, netns.ErrClosed) {
			tb.Errorf("close namespace %s: %v", name, err)
		}
	})
	return ns
}
