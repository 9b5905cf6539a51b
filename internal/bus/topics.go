package bus

// Topics the shell emits toward the UI.
const (
	// TopicAgentResponse carries one raw JSON line from the agent's stdout.
	TopicAgentResponse = "agent_response"
	// TopicGatewayStatus carries a GatewayStatus.
	TopicGatewayStatus = "gateway_status"
	// TopicAgentStatus carries an AgentStatus after spawn, restart or exit.
	TopicAgentStatus = "agent_status"
)

func isRetained(topic string) bool {
	return topic == TopicGatewayStatus || topic == TopicAgentStatus
}

// GatewayStatus reports whether the gateway is reachable and whether this
// session launched it. Failures is the monitor's consecutive failure count;
// Restarted marks the first status after an automatic restart.
type GatewayStatus struct {
	Running   bool `json:"running"`
	Healthy   bool `json:"healthy"`
	Managed   bool `json:"managed"`
	Failures  int  `json:"failures,omitempty"`
	Restarted bool `json:"restarted,omitempty"`
}

// AgentStatus reports the agent child state.
type AgentStatus struct {
	Running bool   `json:"running"`
	Pid     int    `json:"pid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
