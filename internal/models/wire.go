package models

import (
	"encoding/json"
	"time"
)

// EventType names a frame on the persistent session.
type EventType string

const (
	// Outbound (agent to server)
	EventAuthenticate   EventType = "authenticate"
	EventHeartbeat      EventType = "heartbeat"
	EventCommandResult  EventType = "command_result"
	EventDeployProgress EventType = "deploy_progress"
	EventUpdateProgress EventType = "update_progress"
	EventAnalytics      EventType = "analytics"

	// Inbound (server to agent)
	EventAuthenticated EventType = "authenticated"
	EventAuthError     EventType = "auth_error"
	EventCommand       EventType = "command"
)

// Envelope is the frame format exchanged on the session: an event name and
// its JSON payload.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope. Marshal failures yield a
// null payload rather than an error; every payload type here is marshalable.
func NewEnvelope(event EventType, payload interface{}) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		data = json.RawMessage("null")
	}
	return Envelope{Event: event, Data: data}
}

// AuthenticateRequest opens the session. Token is a signed site token, not
// the raw API key.
type AuthenticateRequest struct {
	SiteID string `json:"siteId"`
	Token  string `json:"token"`
}

// AuthError is the server's rejection payload.
type AuthError struct {
	Message string `json:"message"`
}

// Metrics is the system snapshot attached to heartbeats.
type Metrics struct {
	Hostname       string  `json:"hostname"`
	AgentVersion   string  `json:"agentVersion"`
	UptimeSeconds  int64   `json:"uptimeSeconds"`
	DiskFreeBytes  uint64  `json:"diskFreeBytes"`
	DiskTotalBytes uint64  `json:"diskTotalBytes"`
	DiskUsedRatio  float64 `json:"diskUsedRatio"`
}

// Heartbeat is emitted on a fixed interval while connected.
type Heartbeat struct {
	SiteID    string    `json:"siteId"`
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
}

// DeployProgress reports video download progress.
type DeployProgress struct {
	VideoID  string `json:"videoId"`
	Progress int    `json:"progress"`
}

// UpdateProgress reports software update progress.
type UpdateProgress struct {
	Version  string `json:"version"`
	Progress int    `json:"progress"`
}

// AnalyticsBatch is the buffered playback analytics flushed upstream.
type AnalyticsBatch struct {
	SiteID string            `json:"siteId"`
	SentAt time.Time         `json:"sentAt"`
	Events []json.RawMessage `json:"events"`
}
