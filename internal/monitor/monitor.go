// Package monitor follows a topology from the outside: machine processes
// that exit on their own, and run state written by other netsim processes.
package monitor

import (
	"context"
	"time"

	"netsim/internal/core/machine"
	"netsim/internal/core/netsim"

	"github.com/sirupsen/logrus"
)

const DefaultInterval = time.Second

func NewMachineMonitor(sim *netsim.Netsim, log *logrus.Entry) *MachineMonitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MachineMonitor{
		sim:      sim,
		log:      log.WithField("component", "monitor"),
		Interval: DefaultInterval,
		reported: map[machine.ID]bool{},
	}
}

// MachineMonitor polls the machines of one topology and reports each
// process exit once.
type MachineMonitor struct {
	sim      *netsim.Netsim
	log      *logrus.Entry
	Interval time.Duration
	// OnExit, when set, receives every exit event.
	OnExit func(ExitEvent)

	reported map[machine.ID]bool
}

// Run polls until ctx ends.
func (m *MachineMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check reports machines that terminated since the last call and refreshes
// the run record when any did.
func (m *MachineMonitor) Check() []ExitEvent {
	var events []ExitEvent
	live := map[machine.ID]bool{}
	for _, mach := range m.sim.Machines() {
		live[mach.ID()] = true
		if m.reported[mach.ID()] || mach.State() != machine.StateTerminated {
			continue
		}
		m.reported[mach.ID()] = true

		ev := ExitEvent{RunId: m.sim.RunID(), Machine: mach.Info(), Detected: time.Now()}
		entry := m.log.WithFields(logrus.Fields{"machine": ev.Machine.Name, "pid": ev.Machine.Pid})
		if ev.Machine.ExitCode != nil {
			entry = entry.WithField("exit", *ev.Machine.ExitCode)
		}
		entry.Warn("machine down detected")
		events = append(events, ev)
		if m.OnExit != nil {
			m.OnExit(ev)
		}
	}
	// forget removed machines
	for id := range m.reported {
		if !live[id] {
			delete(m.reported, id)
		}
	}
	if len(events) > 0 {
		m.sim.Record()
	}
	return events
}
