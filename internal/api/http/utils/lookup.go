package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"netsim/internal/core/machine"
	"netsim/internal/core/netsim"
	"netsim/internal/core/network"
	"netsim/internal/ipam"
	"netsim/internal/manifest"
	"netsim/internal/netns"
	"netsim/internal/process"
)

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, netsim.ErrUnknownID):
		return http.StatusNotFound
	case errors.Is(err, netsim.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, netns.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, manifest.ErrInvalid),
		errors.Is(err, manifest.ErrCycle),
		errors.Is(err, process.ErrEmptyCommand),
		errors.Is(err, ipam.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, netsim.ErrNameTaken),
		errors.Is(err, network.ErrAlreadyPlugged),
		errors.Is(err, network.ErrNotEmpty),
		errors.Is(err, machine.ErrNotPlugged),
		errors.Is(err, machine.ErrTerminated),
		errors.Is(err, ipam.ErrAddressConflict),
		errors.Is(err, ipam.ErrRangeConflict),
		errors.Is(err, ipam.ErrAddressExhausted),
		errors.Is(err, ipam.ErrRangeExhausted):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// MachineID accepts a machine name, its default "m-N" name or a bare id.
func MachineID(sim *netsim.Netsim, ref string) (machine.ID, error) {
	if id, err := sim.Resolve(ref); err == nil {
		return id, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(ref, "m-"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: machine %s", netsim.ErrUnknownID, ref)
	}
	id := machine.ID(n)
	if _, err := sim.Machine(id); err != nil {
		return 0, err
	}
	return id, nil
}

// NetworkID accepts a network name, its default "net-N" name or a bare id.
func NetworkID(sim *netsim.Netsim, ref string) (network.ID, error) {
	if id, err := sim.ResolveNetwork(ref); err == nil {
		return id, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(ref, "net-"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: network %s", netsim.ErrUnknownID, ref)
	}
	id := network.ID(n)
	if _, err := sim.Network(id); err != nil {
		return 0, err
	}
	return id, nil
}
