package utils

const (
	DefaultConfigPath = "/etc/netsim/config.yaml"

	DefaultStateDir = "/run/netsim"
	RunStoreFile    = "runs.json"

	DefaultNamespacePrefix = "netsim"
)
