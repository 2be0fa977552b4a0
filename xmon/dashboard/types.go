package dash

// EndpointStatus is the dashboard view of a single endpoint.
type EndpointStatus struct {
	Url       string `json:"url"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Up        bool   `json:"up"`
	LatencyMs int64  `json:"latency_ms"`
	LastMsg   string `json:"last_msg"`
}

// ChainStatus is pushed to dashboard clients whenever a chain's state changes.
type ChainStatus struct {
	MsgType      string           `json:"msgType"`
	Name         string           `json:"name"`
	ChainId      int64            `json:"chain_id"`
	Height       int64            `json:"height"`
	Epoch        int64            `json:"epoch"`
	Masternodes  int              `json:"masternodes"`
	StandbyNodes int              `json:"standby_nodes"`
	PenaltyNodes int              `json:"penalty_nodes"`
	Nodes        int              `json:"nodes"`
	HealthyNodes int              `json:"healthy_nodes"`
	ActiveAlerts int              `json:"active_alerts"`
	LastError    string           `json:"last_error"`
	Endpoints    []EndpointStatus `json:"endpoints"`
}

type LogMessage struct {
	MsgType string `json:"msgType"`
	Ts      int64  `json:"ts"`
	Msg     string `json:"msg"`
}
