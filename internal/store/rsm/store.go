package rsm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"netsim/internal/utils"

	"golang.org/x/sys/unix"
)

func NewRsmStore(path string) *RsmStore {
	return &RsmStore{
		path:              path,
		filesystemHandler: utils.NewFilesystemExecutor(),
	}
}

// RsmStore serializes access to the run state file: a mutex inside the
// process and flock across processes.
type RsmStore struct {
	path              string
	mu                sync.Mutex
	filesystemHandler utils.FilesystemHandler
}

func (s *RsmStore) Path() string {
	return s.path
}

func (s *RsmStore) withLock(fn func(st *RunState) error) error {
	return s.locked(true, fn)
}

func (s *RsmStore) read(fn func(st *RunState) error) error {
	return s.locked(false, fn)
}

func (s *RsmStore) locked(save bool, fn func(st *RunState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.filesystemHandler.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	lf, err := s.filesystemHandler.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer lf.Close()

	how := unix.LOCK_EX
	if !save {
		how = unix.LOCK_SH
	}
	if err := s.filesystemHandler.Flock(int(lf.Fd()), how); err != nil {
		return err
	}
	defer s.filesystemHandler.Flock(int(lf.Fd()), unix.LOCK_UN)

	st, err := s.loadOrInit()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if !save {
		return nil
	}
	return s.atomicSave(st)
}

func (s *RsmStore) loadOrInit() (*RunState, error) {
	b, err := s.filesystemHandler.ReadFile(s.path)
	if err != nil {
		if s.filesystemHandler.IsNotExist(err) {
			return &RunState{Version: stateVersion, Runs: map[string]Run{}}, nil
		}
		return nil, err
	}

	var st RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("run state json broken: %w", err)
	}
	if st.Runs == nil {
		st.Runs = map[string]Run{}
	}
	return &st, nil
}

func (s *RsmStore) atomicSave(st *RunState) error {
	tmp := s.path + ".tmp"

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	f, err := s.filesystemHandler.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.filesystemHandler.Rename(tmp, s.path)
}
