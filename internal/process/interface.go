package process

import (
	"context"
	"os"

	"netsim/internal/netns"
)

// Launcher starts processes inside a network namespace.
type Launcher interface {
	Spawn(ctx context.Context, spec Spec, ns netns.Namespace) (Handle, error)
}

// Handle is a started process.
type Handle interface {
	Pid() int
	// Wait blocks until the process exits or ctx is done. Cancelling ctx
	// does not kill the process.
	Wait(ctx context.Context) (Output, error)
	Signal(sig os.Signal) error
	// Output returns the final output once the process has exited.
	Output() (Output, bool)
	Done() <-chan struct{}
	// Log interleaves stdout and stderr as they are written.
	Log() *LogBuffer
}
