package network

import "netsim/internal/core/network"

type CreateNetworkRequest struct {
	Name  string `json:"name,omitempty" example:"lan"`
	Range string `json:"range,omitempty" example:"10.1.0.0/24"`
	Bits  int    `json:"bits,omitempty" example:"24"`
	Nat   bool   `json:"nat,omitempty"`
}

type NetworkDetail struct {
	network.Info
	Plugs []network.Attachment `json:"plugs"`
}
