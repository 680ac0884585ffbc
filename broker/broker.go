package broker

import (
	"time"
)

// TransitionEvent is published on every server status change so internal
// consumers (dashboards, billing reconciliation) can follow the fleet
// without polling the API.
type TransitionEvent struct {
	ServerID   string      `json:"serverId"`
	ClientID   string      `json:"clientId"`
	ProviderID string      `json:"providerId"`
	Game       string      `json:"game"`
	Region     string      `json:"region"`
	Status     string      `json:"status"`
	OccurredAt time.Time   `json:"occurredAt"`
	Server     interface{} `json:"server"`
}

// Producer publishes lifecycle transition events
type Producer interface {
	PublishTransition(event *TransitionEvent) error
	Close()
}
