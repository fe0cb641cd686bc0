package rsm

import "time"

const stateVersion = "0.1.0"

type RunState struct {
	Version string         `json:"version"`
	Runs    map[string]Run `json:"runs"`
}

// Run is one live topology and the kernel objects it owns.
type Run struct {
	RunId     string    `json:"runId"`
	Name      string    `json:"name,omitempty"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Hub        string   `json:"hub"`
	Namespaces []string `json:"namespaces"`
	ApiAddr    string   `json:"apiAddr,omitempty"`

	Networks []NetworkRecord `json:"networks"`
	Machines []MachineRecord `json:"machines"`
}

type NetworkRecord struct {
	Id      uint64 `json:"id"`
	Name    string `json:"name"`
	Range   string `json:"range"`
	Gateway string `json:"gateway"`
	Bridge  string `json:"bridge"`
	Nat     bool   `json:"nat"`
}

type MachineRecord struct {
	Id        uint64   `json:"id"`
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Pid       int      `json:"pid"`
	State     string   `json:"state"`
	Command   string   `json:"command"`
	Addrs     []string `json:"addrs,omitempty"`
}
