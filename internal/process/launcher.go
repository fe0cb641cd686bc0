package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"netsim/internal/netns"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func NewLauncher(log *logrus.Entry) *ExecLauncher {
	return &ExecLauncher{
		commandFactory: NewCommandFactory(),
		log:            log,
		LogLimit:       DefaultLogLimit,
	}
}

// NewLauncherWithFactory is NewLauncher with a custom command source.
func NewLauncherWithFactory(factory CommandFactory, log *logrus.Entry) *ExecLauncher {
	l := NewLauncher(log)
	l.commandFactory = factory
	return l
}

// ExecLauncher forks processes from a thread that has already switched
// into the target namespace, so the child inherits it from its first
// instruction.
type ExecLauncher struct {
	commandFactory CommandFactory
	log            *logrus.Entry
	LogLimit       int
}

func (l *ExecLauncher) Spawn(ctx context.Context, spec Spec, ns netns.Namespace) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := l.commandFactory.Command(spec.Command[0], spec.Command[1:]...)
	if len(spec.Env) > 0 {
		cmd.SetEnv(spec.Env)
	}
	if spec.Dir != "" {
		cmd.SetDir(spec.Dir)
	}
	if spec.Stdin != "" {
		cmd.SetStdin(strings.NewReader(spec.Stdin))
	}

	limit := l.LogLimit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	p := &proc{
		cmd:    cmd,
		stdout: lockedBuffer{limit: limit},
		stderr: lockedBuffer{limit: limit},
		log:    NewLogBuffer(limit),
		done:   make(chan struct{}),
	}
	cmd.SetStdout(io.MultiWriter(&p.stdout, p.log))
	cmd.SetStderr(io.MultiWriter(&p.stderr, p.log))

	// the thread used by Do is discarded afterwards, so the child must not
	// ask for a parent-death signal
	if err := ns.Do(cmd.Start); err != nil {
		return nil, pkgerrors.Wrapf(err, "start %s in %s", spec, ns.Name())
	}

	if l.log != nil {
		l.log.WithFields(logrus.Fields{
			"ns":  ns.Name(),
			"pid": cmd.Pid(),
		}).Debugf("started %s", spec)
	}

	go p.wait()
	return p, nil
}

// lockedBuffer lets Output read while the copy goroutines may still write.
// It keeps the last limit bytes written.
type lockedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.limit > 0 && n > b.limit {
		p = p[n-b.limit:]
	}
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; b.limit > 0 && over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type proc struct {
	cmd    CommandExecutor
	stdout lockedBuffer
	stderr lockedBuffer
	log    *LogBuffer

	done chan struct{}
	out  Output
	err  error
}

func (p *proc) wait() {
	err := p.cmd.Wait()
	p.out = Output{
		Stdout:   p.stdout.Bytes(),
		Stderr:   p.stderr.Bytes(),
		ExitCode: p.cmd.ExitCode(),
	}
	p.err = err
	p.log.Close()
	close(p.done)
}

func (p *proc) Pid() int {
	return p.cmd.Pid()
}

func (p *proc) Wait(ctx context.Context) (Output, error) {
	select {
	case <-p.done:
		return p.out, p.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

func (p *proc) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Signal(sig)
}

func (p *proc) Output() (Output, bool) {
	select {
	case <-p.done:
		return p.out, true
	default:
		return Output{}, false
	}
}

func (p *proc) Done() <-chan struct{} {
	return p.done
}

func (p *proc) Log() *LogBuffer {
	return p.log
}
