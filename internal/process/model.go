package process

import (
	"errors"
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

var (
	ErrEmptyCommand = errors.New("empty command")
	ErrNotStarted   = errors.New("process not started")
)

// Spec describes a command to run inside a namespace.
type Spec struct {
	Command []string `json:"command" yaml:"command"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	Stdin   string   `json:"stdin,omitempty" yaml:"stdin,omitempty"`
}

func Command(name string, args ...string) Spec {
	return Spec{Command: append([]string{name}, args...)}
}

func (s Spec) Validate() error {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return ErrEmptyCommand
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid env entry %q", kv)
		}
	}
	return nil
}

// String renders the command line with shell quoting, for logs.
func (s Spec) String() string {
	return shellescape.QuoteCommand(s.Command)
}

// Output is what a finished process left behind.
type Output struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

func (o Output) Success() bool {
	return o.ExitCode == 0
}
