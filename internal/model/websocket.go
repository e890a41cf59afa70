package model

import "time"

// WebSocket message types
const (
	WSMessageTypeEvent = "event"
	WSMessageTypePing  = "ping"
	WSMessageTypePong  = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSEventMessage carries one realtime notification to channel subscribers
type WSEventMessage struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// OrgChannel is the realtime channel of an organization.
func OrgChannel(orgID string) string {
	return "org:" + orgID
}

// JobChannel is the realtime channel of a single job.
func JobChannel(jobID string) string {
	return "job:" + jobID
}
