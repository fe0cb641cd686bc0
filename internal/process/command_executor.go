package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
)

func NewCommandFactory() *ExecCommandFactory {
	return &ExecCommandFactory{}
}

// CommandFactory creates CommandExecutor instances.
//
// Launchers depend on the factory rather than exec.Command so tests can
// substitute processes that never touch the OS.
type CommandFactory interface {
	Command(name string, args ...string) CommandExecutor
}

// ExecCommandFactory launches real OS processes.
type ExecCommandFactory struct{}

func (e *ExecCommandFactory) Command(name string, args ...string) CommandExecutor {
	return &ExecCmd{cmd: exec.Command(name, args...)}
}

// CommandExecutor is the subset of exec.Cmd a launcher needs.
type CommandExecutor interface {
	Start() error
	Wait() error
	Pid() int
	Signal(sig os.Signal) error
	// ExitCode is valid after Wait returned. -1 means killed by a signal.
	ExitCode() int
	SetEnv(envv []string)
	SetDir(dir string)
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
	SetStdin(r io.Reader)
}

// ExecCmd is the CommandExecutor backed by exec.Cmd.
type ExecCmd struct {
	cmd *exec.Cmd
}

func (e *ExecCmd) Start() error {
	return e.cmd.Start()
}

// Wait returns nil for a non-zero exit; the status is read from ExitCode.
func (e *ExecCmd) Wait() error {
	err := e.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Pid returns the PID of the started process, or -1 before Start.
func (e *ExecCmd) Pid() int {
	if e.cmd.Process == nil {
		return -1
	}
	return e.cmd.Process.Pid
}

func (e *ExecCmd) Signal(sig os.Signal) error {
	if e.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return e.cmd.Process.Signal(sig)
}

func (e *ExecCmd) ExitCode() int {
	if e.cmd.ProcessState == nil {
		return -1
	}
	return e.cmd.ProcessState.ExitCode()
}

// SetEnv appends to the environment. The first call starts from the
// parent's environment so PATH lookups keep working.
func (e *ExecCmd) SetEnv(envv []string) {
	if e.cmd.Env == nil {
		e.cmd.Env = os.Environ()
	}
	e.cmd.Env = append(e.cmd.Env, envv...)
}

func (e *ExecCmd) SetDir(dir string) {
	e.cmd.Dir = dir
}

func (e *ExecCmd) SetStdout(w io.Writer) {
	e.cmd.Stdout = w
}

func (e *ExecCmd) SetStderr(w io.Writer) {
	e.cmd.Stderr = w
}

func (e *ExecCmd) SetStdin(r io.Reader) {
	e.cmd.Stdin = r
}
