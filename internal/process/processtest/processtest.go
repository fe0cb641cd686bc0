// Package processtest provides an in-memory Launcher whose processes run
// until they are signalled or told to exit.
package processtest

import (
	"context"
	"os"
	"sync"
	"syscall"

	"netsim/internal/netns"
	"netsim/internal/process"
)

// Launcher records every spawn. Scripted, when set, decides the output of a
// spec; such processes exit immediately.
type Launcher struct {
	mu       sync.Mutex
	FailWith error
	Scripted func(spec process.Spec) (process.Output, bool)
	Spawned  []*Process
	nextPid  int
}

func NewLauncher() *Launcher {
	return &Launcher{nextPid: 4000}
}

func (l *Launcher) Spawn(ctx context.Context, spec process.Spec, ns netns.Namespace) (process.Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}

	l.nextPid++
	p := &Process{
		Spec:      spec,
		Namespace: ns,
		pid:       l.nextPid,
		log:       process.NewLogBuffer(0),
		done:      make(chan struct{}),
	}
	if err := ns.Do(func() error { return nil }); err != nil {
		return nil, err
	}
	l.Spawned = append(l.Spawned, p)

	if l.Scripted != nil {
		if out, ok := l.Scripted(spec); ok {
			p.Exit(out)
		}
	}
	return p, nil
}

// SetScripted replaces Scripted while spawns may be running.
func (l *Launcher) SetScripted(fn func(spec process.Spec) (process.Output, bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Scripted = fn
}

// Last returns the most recently spawned process.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Spawned) == 0 {
		return nil
	}
	return l.Spawned[len(l.Spawned)-1]
}

type Process struct {
	Spec      process.Spec
	Namespace netns.Namespace
	// IgnoreTerm keeps the process alive on SIGTERM.
	IgnoreTerm bool

	mu      sync.Mutex
	pid     int
	log     *process.LogBuffer
	done    chan struct{}
	out     process.Output
	signals []os.Signal
}

// Exit finishes the process with out. Later calls are ignored.
func (p *Process) Exit(out process.Output) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	_, _ = p.log.Write(out.Stdout)
	_, _ = p.log.Write(out.Stderr)
	p.log.Close()
	p.out = out
	close(p.done)
}

func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Wait(ctx context.Context) (process.Output, error) {
	select {
	case <-p.done:
		return p.out, nil
	case <-ctx.Done():
		return process.Output{}, ctx.Err()
	}
}

func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return os.ErrProcessDone
	default:
	}
	p.signals = append(p.signals, sig)
	ignore := p.IgnoreTerm && sig == syscall.SIGTERM
	p.mu.Unlock()

	if !ignore {
		p.Exit(process.Output{ExitCode: -1})
	}
	return nil
}

func (p *Process) Output() (process.Output, bool) {
	select {
	case <-p.done:
		return p.out, true
	default:
		return process.Output{}, false
	}
}

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Log() *process.LogBuffer { return p.log }
