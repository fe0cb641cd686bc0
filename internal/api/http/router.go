package http

import (
	"netsim/internal/api/http/logger"
	"netsim/internal/api/http/machine"
	"netsim/internal/api/http/network"
	"netsim/internal/api/http/topology"
	"netsim/internal/api/http/websocket"
	"netsim/internal/core/netsim"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// NewApiRouter exposes one topology over HTTP.
func NewApiRouter(sim *netsim.Netsim, log *logrus.Entry) *chi.Mux {
	r := chi.NewRouter()
	networkHandler := network.NewRequestHandler(sim)
	machineHandler := machine.NewRequestHandler(sim)
	topologyHandler := topology.NewRequestHandler(sim)
	outputHandler := websocket.NewRequestHandler(sim)

	// middleware
	r.Use(middleware.RequestID)
	r.Use(logger.LoggerMiddleware(logger.LogrusLogger{Entry: log.WithField("component", "api")}, sim.RunID()))
	r.Use(middleware.Recoverer)

	// == v1 ==
	// == networks ==
	r.Get("/v1/networks", networkHandler.GetNetworkList)
	r.Post("/v1/networks", networkHandler.CreateNetwork)
	r.Get("/v1/networks/{networkId}", networkHandler.GetNetwork)
	r.Delete("/v1/networks/{networkId}", networkHandler.DeleteNetwork)

	// == machines ==
	r.Get("/v1/machines", machineHandler.GetMachineList)
	r.Post("/v1/machines", machineHandler.CreateMachine)
	r.Get("/v1/machines/{machineId}", machineHandler.GetMachine)
	r.Delete("/v1/machines/{machineId}", machineHandler.DeleteMachine)
	r.Post("/v1/machines/{machineId}/actions/plug", machineHandler.PlugMachine)
	r.Post("/v1/machines/{machineId}/actions/unplug", machineHandler.UnplugMachine)
	r.Post("/v1/machines/{machineId}/actions/exec", machineHandler.ExecMachine)

	// == websocket ==
	r.Get("/v1/machines/{machineId}/output", outputHandler.ServeHTTP)

	// == topology ==
	r.Post("/v1/topology", topologyHandler.ApplyTopology)

	return r
}
