// Package env prepares the host before a topology is built.
package env

import (
	"fmt"
	"os"

	"netsim/internal/netns"
	"netsim/internal/store/rsm"
	"netsim/internal/utils"
)

func NewBootstrapManager(stateDir string, runs rsm.RsmHandler) *BootstrapManager {
	return &BootstrapManager{
		filesystemHandler: utils.NewFilesystemExecutor(),
		stateDir:          stateDir,
		runs:              runs,
		geteuid:           os.Geteuid,
	}
}

type BootstrapManager struct {
	filesystemHandler utils.FilesystemHandler
	stateDir          string
	runs              rsm.RsmHandler
	geteuid           func() int
}

// SetupRuntime checks privilege and prepares the state directory and run
// store. Commands that only read state use SetupState instead.
func (m *BootstrapManager) SetupRuntime() error {
	// 1. namespaces need root
	if err := m.checkPrivilege(); err != nil {
		return err
	}

	// 2. state directory and run store
	return m.SetupState()
}

func (m *BootstrapManager) SetupState() error {
	if err := m.setupStateDirectory(); err != nil {
		return err
	}
	return m.setupRsm()
}

func (m *BootstrapManager) checkPrivilege() error {
	if euid := m.geteuid(); euid != 0 {
		return fmt.Errorf("%w: running as uid %d, network namespaces need root", netns.ErrPermission, euid)
	}
	return nil
}

func (m *BootstrapManager) setupStateDirectory() error {
	if err := m.filesystemHandler.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", m.stateDir, err)
	}
	return nil
}

// setupRsm reads the store once so a broken file fails before any
// namespace exists.
func (m *BootstrapManager) setupRsm() error {
	if _, err := m.runs.List(); err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	return nil
}
