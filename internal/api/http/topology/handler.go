package topology

import (
	"io"
	"net/http"

	"netsim/internal/api/http/logger"
	apimodel "netsim/internal/api/http/utils"
	"netsim/internal/core/netsim"
	"netsim/internal/manifest"
)

const maxManifestBytes = 1 << 20

func NewRequestHandler(sim *netsim.Netsim) *RequestHandler {
	return &RequestHandler{sim: sim}
}

type RequestHandler struct {
	sim *netsim.Netsim
}

// ApplyTopology handles POST /v1/topology with a YAML manifest body. The
// manifest's networks and machines are added to the running topology; its
// topology range and bits are ignored since the allocator already exists.
// A failure part way leaves what was built in place and reports it.
func (h *RequestHandler) ApplyTopology(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		apimodel.RespondFail(w, http.StatusBadRequest, "read manifest failed: "+err.Error(), nil)
		return
	}
	spec, err := manifest.Decode(body)
	if err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondError(w, "invalid manifest", err)
		return
	}
	logger.PutExtra(r.Context(), "machines", len(spec.Machines))
	logger.PutExtra(r.Context(), "networks", len(spec.Networks))

	res, err := manifest.Apply(r.Context(), h.sim, spec)
	if err != nil {
		logger.SetReason(r.Context(), err.Error())
		apimodel.RespondFail(w, apimodel.StatusFor(err), "apply failed: "+err.Error(), res)
		return
	}
	apimodel.RespondSuccess(w, http.StatusCreated, "topology applied", res)
}
