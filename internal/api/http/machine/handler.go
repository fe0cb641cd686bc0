package machine

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"netsim/internal/api/http/logger"
	apimodel "netsim/internal/api/http/utils"
	"netsim/internal/core/machine"
	"netsim/internal/core/netsim"
	"netsim/internal/process"

	"github.com/go-chi/chi/v5"
)

const defaultExecTimeout = 30 * time.Second

func NewRequestHandler(sim *netsim.Netsim) *RequestHandler {
	return &RequestHandler{sim: sim}
}

type RequestHandler struct {
	sim *netsim.Netsim
}

// GetMachineList handles GET /v1/machines.
func (h *RequestHandler) GetMachineList(w http.ResponseWriter, r *http.Request) {
	list := []machine.Info{}
	for _, m := range h.sim.Machines() {
		list = append(list, m.Info())
	}
	apimodel.RespondSuccess(w, http.StatusOK, "machine list", list)
}

// CreateMachine handles POST /v1/machines. The machine starts unplugged.
func (h *RequestHandler) CreateMachine(w http.ResponseWriter, r *http.Request) {
	var req CreateMachineRequest
	if err := apimodel.DecodeRequestBody(r, &req); err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Machine: req.Name, Command: req.Command})

	spec := process.Spec{Command: req.Command, Env: req.Env, Dir: req.Dir, Stdin: req.Stdin}
	if err := spec.Validate(); err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid command: "+err.Error(), nil)
		return
	}

	id, err := h.sim.SpawnNamedMachine(r.Context(), req.Name, spec, nil)
	if err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "create machine failed", err)
		return
	}
	m, err := h.sim.Machine(id)
	if err != nil {
		apimodel.RespondError(w, "create machine failed", err)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Machine: m.Name()})
	apimodel.RespondSuccess(w, http.StatusCreated, "machine "+m.Name()+" created", m.Info())
}

// GetMachine handles GET /v1/machines/{machineId}.
func (h *RequestHandler) GetMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	apimodel.RespondSuccess(w, http.StatusOK, "machine "+m.Name(), m.Info())
}

// DeleteMachine handles DELETE /v1/machines/{machineId}. The machine is
// unplugged everywhere and its process stopped.
func (h *RequestHandler) DeleteMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.sim.RemoveMachine(r.Context(), m.ID()); err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "delete machine failed", err)
		return
	}
	apimodel.RespondSuccess(w, http.StatusOK, "machine "+m.Name()+" deleted", nil)
}

// PlugMachine handles POST /v1/machines/{machineId}/actions/plug.
func (h *RequestHandler) PlugMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req PlugRequest
	if err := apimodel.DecodeRequestBody(r, &req); err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Network: req.Network, Address: req.Address})

	var want netip.Addr
	if req.Address != "" {
		addr, err := netip.ParseAddr(req.Address)
		if err != nil {
			apimodel.RespondFail(w, http.StatusBadRequest, "invalid address: "+err.Error(), nil)
			return
		}
		want = addr
	}
	nid, err := apimodel.NetworkID(h.sim, req.Network)
	if err != nil {
		apimodel.RespondError(w, "lookup network failed", err)
		return
	}

	addr, err := h.sim.Plug(r.Context(), m.ID(), nid, want)
	if err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "plug failed", err)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Address: addr.String()})
	apimodel.RespondSuccess(w, http.StatusOK, "machine "+m.Name()+" plugged", PlugResponse{
		Machine: m.Name(),
		Network: req.Network,
		Address: addr.String(),
	})
}

// UnplugMachine handles POST /v1/machines/{machineId}/actions/unplug.
func (h *RequestHandler) UnplugMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req UnplugRequest
	if err := apimodel.DecodeRequestBody(r, &req); err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Network: req.Network})

	nid, err := apimodel.NetworkID(h.sim, req.Network)
	if err != nil {
		apimodel.RespondError(w, "lookup network failed", err)
		return
	}
	if err := h.sim.Unplug(r.Context(), m.ID(), nid); err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "unplug failed", err)
		return
	}
	apimodel.RespondSuccess(w, http.StatusOK, "machine "+m.Name()+" unplugged", nil)
}

// ExecMachine handles POST /v1/machines/{machineId}/actions/exec. The
// command runs in the machine's namespace and is killed on timeout.
func (h *RequestHandler) ExecMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req ExecRequest
	if err := apimodel.DecodeRequestBody(r, &req); err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Command: req.Command})

	spec := process.Spec{Command: req.Command, Env: req.Env, Dir: req.Dir, Stdin: req.Stdin}
	if err := spec.Validate(); err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid command: "+err.Error(), nil)
		return
	}

	timeout := defaultExecTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	out, err := h.sim.Exec(ctx, m.ID(), spec)
	if err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "exec failed", err)
		return
	}
	logger.PutExtra(r.Context(), "exit", out.ExitCode)
	apimodel.RespondSuccess(w, http.StatusOK, "command executed", ExecResponse{
		Stdout:   string(out.Stdout),
		Stderr:   string(out.Stderr),
		ExitCode: out.ExitCode,
	})
}

func (h *RequestHandler) lookup(w http.ResponseWriter, r *http.Request) (*machine.Machine, bool) {
	ref := chi.URLParam(r, "machineId")
	if ref == "" {
		apimodel.RespondFail(w, http.StatusBadRequest, "missing machineId", nil)
		return nil, false
	}
	logger.SetTarget(r.Context(), logger.Target{Machine: ref})
	id, err := apimodel.MachineID(h.sim, ref)
	if err != nil {
		apimodel.RespondError(w, "lookup machine failed", err)
		return nil, false
	}
	m, err := h.sim.Machine(id)
	if err != nil {
		apimodel.RespondError(w, "lookup machine failed", err)
		return nil, false
	}
	return m, true
}
