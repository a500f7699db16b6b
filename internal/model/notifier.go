package model

// Event names delivered to observers.
const (
	EventFlowStatistics = "flow_statistics_update"
	EventNodeUpdate     = "nodeupdate"
	EventSniffDone      = "sniffdone"
)

// Event is a live update for observers of a session.
type Event struct {
	Type        string      `json:"type"`
	SessionName string      `json:"session_name"`
	Data        interface{} `json:"data,omitempty"`
}

// Broadcaster delivers events to observers. Delivery is best-effort.
type Broadcaster interface {
	Broadcast(ev Event)
}
