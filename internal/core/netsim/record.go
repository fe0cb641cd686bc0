package netsim

import (
	"os"
	"strings"

	"netsim/internal/store/rsm"
)

func (s *Netsim) snapshot() rsm.Run {
	run := rsm.Run{
		RunId: s.runID,
		Name:  s.opts.Name,
		Pid:   os.Getpid(),
	}
	if s.hub != nil {
		run.Hub = s.hub.Name()
		run.Namespaces = append(run.Namespaces, s.hub.Name())
	}
	for _, n := range s.networksLocked() {
		info := n.Info()
		run.Networks = append(run.Networks, rsm.NetworkRecord{
			Id:      uint64(info.ID),
			Name:    info.Name,
			Range:   info.Range.String(),
			Gateway: info.Gateway.String(),
			Bridge:  info.Bridge,
			Nat:     info.NAT,
		})
	}
	for _, m := range s.machinesLocked() {
		info := m.Info()
		rec := rsm.MachineRecord{
			Id:        uint64(info.ID),
			Name:      info.Name,
			Namespace: info.Namespace,
			Pid:       info.Pid,
			State:     string(info.State),
			Command:   info.Command,
		}
		for _, iface := range info.Interfaces {
			rec.Addrs = append(rec.Addrs, iface.Addr.String())
		}
		run.Machines = append(run.Machines, rec)
		// borrowed namespaces belong to the caller
		if strings.HasPrefix(info.Namespace, s.prefix) {
			run.Namespaces = append(run.Namespaces, info.Namespace)
		}
	}
	return run
}

// recordLocked pushes the current state to the store. Failures only cost
// status accuracy, so they are logged and not returned.
func (s *Netsim) recordLocked() {
	if s.opts.Store == nil {
		return
	}
	snap := s.snapshot()
	err := s.opts.Store.Update(s.runID, func(run *rsm.Run) {
		run.Name = snap.Name
		run.Hub = snap.Hub
		run.Namespaces = snap.Namespaces
		run.Networks = snap.Networks
		run.Machines = snap.Machines
	})
	if err != nil {
		s.log.WithError(err).Warn("record run state")
	}
}

// SetApiAddr records where the management API of this run listens.
func (s *Netsim) SetApiAddr(addr string) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Update(s.runID, func(run *rsm.Run) { run.ApiAddr = addr }); err != nil {
		s.log.WithError(err).Warn("record api address")
	}
}

// Record pushes the current state to the store outside of a topology
// change, e.g. after a machine process exits on its own.
func (s *Netsim) Record() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.recordLocked()
}
