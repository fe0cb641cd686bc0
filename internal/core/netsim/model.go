package netsim

import (
	"errors"
	"net/netip"
	"time"

	"netsim/internal/link"
	"netsim/internal/netns"
	"netsim/internal/process"
	"netsim/internal/store/rsm"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownID = errors.New("unknown id")
	ErrClosed    = errors.New("netsim closed")
	ErrNameTaken = errors.New("name already in use")
)

type Options struct {
	// Name labels the run in the state store and logs.
	Name string
	// GlobalRange is partitioned among networks. Defaults to 10.0.0.0/8.
	GlobalRange netip.Prefix
	// SubnetBits is the default network prefix length. Defaults to 24.
	SubnetBits int
	// NamespacePrefix starts every namespace name the run creates, so
	// leftovers can be swept by prefix.
	NamespacePrefix string
	StopGrace       time.Duration

	Provider netns.Provider
	Links    link.Handler
	NAT      link.NATHandler
	Launcher process.Launcher
	// Store, when set, receives a record of the run after every change.
	Store rsm.RsmHandler
	Log   *logrus.Entry
}
