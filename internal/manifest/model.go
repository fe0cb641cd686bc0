package manifest

import "errors"

var (
	ErrInvalid = errors.New("invalid manifest")
	ErrCycle   = errors.New("dependency cycle detected")
)

// Spec is a topology described in YAML.
type Spec struct {
	Topology TopologyMeta           `yaml:"topology"`
	Networks map[string]NetworkSpec `yaml:"networks"`
	Machines map[string]MachineSpec `yaml:"machines"`
}

type TopologyMeta struct {
	Name  string `yaml:"name"`
	Range string `yaml:"range,omitempty"`
	Bits  int    `yaml:"bits,omitempty"`
	DNS   bool   `yaml:"dns,omitempty"`
}

type NetworkSpec struct {
	Range string `yaml:"range,omitempty"`
	Bits  int    `yaml:"bits,omitempty"`
	NAT   bool   `yaml:"nat,omitempty"`
}

type MachineSpec struct {
	Command   []string   `yaml:"command"`
	Env       []string   `yaml:"env,omitempty"`
	Dir       string     `yaml:"dir,omitempty"`
	Stdin     string     `yaml:"stdin,omitempty"`
	Networks  []PlugSpec `yaml:"networks,omitempty"`
	DependsOn []string   `yaml:"dependsOn,omitempty"`
}

type PlugSpec struct {
	Network string `yaml:"network"`
	Address string `yaml:"address,omitempty"`
}
