package network

import (
	"net/http"
	"net/netip"

	"netsim/internal/api/http/logger"
	apimodel "netsim/internal/api/http/utils"
	"netsim/internal/core/netsim"
	"netsim/internal/core/network"
	"netsim/internal/ipam"

	"github.com/go-chi/chi/v5"
)

func NewRequestHandler(sim *netsim.Netsim) *RequestHandler {
	return &RequestHandler{sim: sim}
}

type RequestHandler struct {
	sim *netsim.Netsim
}

// GetNetworkList handles GET /v1/networks.
func (h *RequestHandler) GetNetworkList(w http.ResponseWriter, r *http.Request) {
	list := []network.Info{}
	for _, n := range h.sim.Networks() {
		list = append(list, n.Info())
	}
	apimodel.RespondSuccess(w, http.StatusOK, "network list", list)
}

// CreateNetwork handles POST /v1/networks.
func (h *RequestHandler) CreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req CreateNetworkRequest
	if err := apimodel.DecodeRequestBody(r, &req); err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Network: req.Name})

	opts := network.Options{Name: req.Name, NAT: req.Nat, Range: ipam.RangeHint{Bits: req.Bits}}
	if req.Range != "" {
		p, err := netip.ParsePrefix(req.Range)
		if err != nil {
			apimodel.RespondFail(w, http.StatusBadRequest, "invalid range: "+err.Error(), nil)
			return
		}
		opts.Range.Prefix = p.Masked()
	}

	id, err := h.sim.SpawnNetwork(r.Context(), opts)
	if err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "create network failed", err)
		return
	}
	n, err := h.sim.Network(id)
	if err != nil {
		apimodel.RespondError(w, "create network failed", err)
		return
	}
	logger.SetTarget(r.Context(), logger.Target{Network: n.Name()})
	apimodel.RespondSuccess(w, http.StatusCreated, "network "+n.Name()+" created", n.Info())
}

// GetNetwork handles GET /v1/networks/{networkId}.
func (h *RequestHandler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookup(w, r)
	if !ok {
		return
	}
	apimodel.RespondSuccess(w, http.StatusOK, "network "+n.Name(), NetworkDetail{
		Info:  n.Info(),
		Plugs: n.Plugs(),
	})
}

// DeleteNetwork handles DELETE /v1/networks/{networkId}. Networks with
// machines still plugged are refused.
func (h *RequestHandler) DeleteNetwork(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.sim.RemoveNetwork(r.Context(), n.ID()); err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "delete network failed", err)
		return
	}
	apimodel.RespondSuccess(w, http.StatusOK, "network "+n.Name()+" deleted", nil)
}

func (h *RequestHandler) lookup(w http.ResponseWriter, r *http.Request) (*network.Network, bool) {
	ref := chi.URLParam(r, "networkId")
	if ref == "" {
		apimodel.RespondFail(w, http.StatusBadRequest, "missing networkId", nil)
		return nil, false
	}
	logger.SetTarget(r.Context(), logger.Target{Network: ref})
	id, err := apimodel.NetworkID(h.sim, ref)
	if err != nil {
		apimodel.RespondError(w, "lookup network failed", err)
		return nil, false
	}
	n, err := h.sim.Network(id)
	if err != nil {
		apimodel.RespondError(w, "lookup network failed", err)
		return nil, false
	}
	return n, true
}
