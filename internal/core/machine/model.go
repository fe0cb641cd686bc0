package machine

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"netsim/internal/core/network"
	"netsim/internal/link"
	"netsim/internal/netns"
	"netsim/internal/process"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotPlugged     = errors.New("machine not plugged into network")
	ErrTerminated     = errors.New("machine terminated")
	ErrAlreadyPlugged = errors.New("machine already plugged into network")
)

// ID identifies a machine within one topology. IDs are never reused.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("m-%d", uint64(id))
}

type State string

const (
	StateSpawned    State = "spawned"
	StatePlugged    State = "plugged"
	StateEntered    State = "entered"
	StateTerminated State = "terminated"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 2 * time.Second

type Options struct {
	ID   ID
	Name string
	Spec process.Spec

	// Namespace, when set, is used instead of creating one and is not
	// closed on Release.
	Namespace netns.Namespace
	// NamespaceName names the namespace created when Namespace is nil.
	NamespaceName string

	Provider netns.Provider
	Launcher process.Launcher
	Links    link.Handler
	Log      *logrus.Entry

	StopGrace time.Duration
}

// Interface is one network link of a machine.
type Interface struct {
	Network   network.ID   `json:"network"`
	Name      string       `json:"name"`
	Addr      netip.Addr   `json:"addr"`
	Prefix    netip.Prefix `json:"prefix"`
	HostIface string       `json:"hostInterface"`
}

// Info is a point-in-time summary of a machine.
type Info struct {
	ID         ID          `json:"id"`
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace"`
	Pid        int         `json:"pid"`
	State      State       `json:"state"`
	Command    string      `json:"command"`
	Interfaces []Interface `json:"interfaces"`
	ExitCode   *int        `json:"exitCode,omitempty"`
}
