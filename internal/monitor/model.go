package monitor

import (
	"time"

	"netsim/internal/core/machine"
)

// ExitEvent reports a machine whose process ended on its own.
type ExitEvent struct {
	RunId    string
	Machine  machine.Info
	Detected time.Time
}
