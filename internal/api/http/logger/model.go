package logger

type Logger interface {
	Write(event Event)
}

// Event is one audited API request.
type Event struct {
	TS            string `json:"ts"`
	EventId       string `json:"event_id"`
	CorrelationId string `json:"correlation_id,omitempty"`
	Severity      string `json:"severity"`

	PeerIp string `json:"peer_ip,omitempty"`

	Action string `json:"action,omitempty"`
	Target Target `json:"target,omitempty"`

	Request Request `json:"request"`
	Result  Result  `json:"result"`

	RunId string `json:"run_id,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

type Target struct {
	Machine string   `json:"machine,omitempty"`
	Network string   `json:"network,omitempty"`
	Address string   `json:"address,omitempty"`
	Command []string `json:"command,omitempty"`
}

type Request struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Host   string `json:"host,omitempty"`
}

type Result struct {
	Status    string `json:"status"`
	Code      int    `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

type ctxKey int

var Severity = map[int]string{
	0: "information",
	1: "low",
	2: "medium",
	3: "high",
	4: "critical",
}

const (
	SEV_INFO     = 0
	SEV_LOW      = 1
	SEV_MEDIUM   = 2
	SEV_HIGH     = 3
	SEV_CRITICAL = 4
)

type Rule struct {
	Method   string
	Pattern  string
	Action   string
	Severity int
}

var rules = []Rule{
	// network
	{"GET", "/v1/networks", "network.list", SEV_INFO},
	{"GET", "/v1/networks/{networkId}", "network.info", SEV_INFO},
	{"POST", "/v1/networks", "network.create", SEV_MEDIUM},
	{"DELETE", "/v1/networks/{networkId}", "network.delete", SEV_HIGH},

	// machine
	{"GET", "/v1/machines", "machine.list", SEV_INFO},
	{"GET", "/v1/machines/{machineId}", "machine.info", SEV_INFO},
	{"POST", "/v1/machines", "machine.create", SEV_MEDIUM},
	{"DELETE", "/v1/machines/{machineId}", "machine.delete", SEV_HIGH},
	{"POST", "/v1/machines/{machineId}/actions/plug", "machine.plug", SEV_MEDIUM},
	{"POST", "/v1/machines/{machineId}/actions/unplug", "machine.unplug", SEV_MEDIUM},
	{"POST", "/v1/machines/{machineId}/actions/exec", "machine.exec", SEV_HIGH},

	// websocket
	{"GET", "/v1/machines/{machineId}/output", "ws.output", SEV_LOW},

	// topology
	{"POST", "/v1/topology", "topology.apply", SEV_HIGH},
}
