package model

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy  NodeStatus = "healthy"
	NodeStatusDegraded NodeStatus = "degraded"
)

// StoreFrontier is the latest committed version of every source of a store.
type StoreFrontier struct {
	Name     string      `json:"name"`
	UID      string      `json:"uid"`
	Sources  []string    `json:"sources"`
	Versions FullVersion `json:"versions"`
}

// NodeAnnouncement is gossiped between sync nodes so peers know which stores a
// node serves and how far each has advanced.
type NodeAnnouncement struct {
	NodeID        string          `json:"node_id"`
	Status        NodeStatus      `json:"status"`
	Timestamp     int64           `json:"timestamp"`
	Subscriptions int             `json:"subscriptions"`
	Stores        []StoreFrontier `json:"stores"`
}
