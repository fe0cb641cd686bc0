package rsm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var ErrRunNotFound = errors.New("run not found")

func NewRsmManager(rsmStore *RsmStore) *RsmManager {
	return &RsmManager{
		rsmStore: rsmStore,
		alive:    pidAlive,
	}
}

type RsmManager struct {
	rsmStore *RsmStore
	alive    func(pid int) bool
}

func (m *RsmManager) Register(run Run) error {
	if run.RunId == "" {
		return fmt.Errorf("run id required")
	}
	return m.rsmStore.withLock(func(st *RunState) error {
		if _, ok := st.Runs[run.RunId]; ok {
			return fmt.Errorf("runId=%s already registered", run.RunId)
		}
		now := time.Now()
		if run.StartedAt.IsZero() {
			run.StartedAt = now
		}
		run.UpdatedAt = now
		st.Runs[run.RunId] = run
		return nil
	})
}

func (m *RsmManager) Update(runId string, fn func(run *Run)) error {
	return m.rsmStore.withLock(func(st *RunState) error {
		run, ok := st.Runs[runId]
		if !ok {
			return fmt.Errorf("%w: runId=%s", ErrRunNotFound, runId)
		}
		fn(&run)
		run.UpdatedAt = time.Now()
		st.Runs[runId] = run
		return nil
	})
}

func (m *RsmManager) Remove(runId string) error {
	return m.rsmStore.withLock(func(st *RunState) error {
		if _, ok := st.Runs[runId]; !ok {
			return fmt.Errorf("%w: runId=%s", ErrRunNotFound, runId)
		}
		delete(st.Runs, runId)
		return nil
	})
}

func (m *RsmManager) Get(runId string) (Run, error) {
	var run Run
	err := m.rsmStore.read(func(st *RunState) error {
		r, ok := st.Runs[runId]
		if !ok {
			return fmt.Errorf("%w: runId=%s", ErrRunNotFound, runId)
		}
		run = r
		return nil
	})
	return run, err
}

// List returns every recorded run, oldest first.
func (m *RsmManager) List() ([]Run, error) {
	var runs []Run
	err := m.rsmStore.read(func(st *RunState) error {
		for _, r := range st.Runs {
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(runs, func(a, b Run) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunId, b.RunId)
	})
	return runs, nil
}

// Stale returns the runs whose owning process is gone. Their namespaces
// were never cleaned up.
func (m *RsmManager) Stale() ([]Run, error) {
	runs, err := m.List()
	if err != nil {
		return nil, err
	}
	var stale []Run
	for _, r := range runs {
		if !m.alive(r.Pid) {
			stale = append(stale, r)
		}
	}
	return stale, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
