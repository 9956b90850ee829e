package models

// NodeStatus is returned by the authenticated ping.
type NodeStatus struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Leader   string `json:"leader"`
	IsLeader bool   `json:"is_leader"`
	Entity   string `json:"entity"`
	Uptime   string `json:"uptime"`
}
