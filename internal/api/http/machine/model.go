package machine

type CreateMachineRequest struct {
	Name    string   `json:"name,omitempty" example:"web"`
	Command []string `json:"command" example:"sleep,infinity"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Stdin   string   `json:"stdin,omitempty"`
}

type PlugRequest struct {
	Network string `json:"network" example:"lan"`
	Address string `json:"address,omitempty" example:"10.0.0.10"`
}

type PlugResponse struct {
	Machine string `json:"machine"`
	Network string `json:"network"`
	Address string `json:"address"`
}

type UnplugRequest struct {
	Network string `json:"network" example:"lan"`
}

type ExecRequest struct {
	Command   []string `json:"command" example:"ip,addr"`
	Env       []string `json:"env,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	Stdin     string   `json:"stdin,omitempty"`
	TimeoutMs int      `json:"timeoutMs,omitempty" example:"5000"`
}

type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}
