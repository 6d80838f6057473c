package protocol

// SessionState is sent once after attach, announcing the identities both
// sides need for reconnect correlation.
type SessionState struct {
	ClientID      string `json:"clientId"`
	ServerID      string `json:"serverId"`
	DaemonVersion string `json:"daemonVersion,omitempty"`
}

// AgentState announces an agent upsert: creation, status change,
// attention change, or config change.
type AgentState struct {
	Agent AgentSnapshot `json:"agent"`

	// Notify asks this client to surface the change as an in-app
	// notification. Set per client by the notification policy when the
	// agent newly wants attention.
	Notify bool `json:"notify,omitempty"`
}

// AgentDeleted announces an agent removal.
type AgentDeleted struct {
	AgentID string `json:"agentId"`
}

// AgentStream carries one live timeline row to stream subscribers.
type AgentStream struct {
	AgentID string      `json:"agentId"`
	Event   TimelineRow `json:"event"`
}

// AgentStreamSnapshot backfills a new stream subscriber. It is delivered
// after the subscribe response and strictly before any live row.
type AgentStreamSnapshot struct {
	AgentID        string        `json:"agentId"`
	SubscriptionID string        `json:"subscriptionId"`
	Events         []TimelineRow `json:"events"`
}

// AgentPermissionRequest surfaces a pending permission request.
type AgentPermissionRequest struct {
	AgentID string            `json:"agentId"`
	Request PermissionRequest `json:"request"`
}

// AgentPermissionResolved announces that a permission request was settled,
// by a client decision or a provider withdrawal.
type AgentPermissionResolved struct {
	AgentID    string               `json:"agentId"`
	Resolution PermissionResolution `json:"resolution"`
}

// ActivityLog carries one live activity entry.
type ActivityLog struct {
	Entry ActivityEntry `json:"entry"`
}

// TranscriptionResult carries the text for a transcribe_audio message.
type TranscriptionResult struct {
	RequestID string `json:"requestId,omitempty"`
	Text      string `json:"text"`
}

// AudioOutput carries synthesized speech for a speak_text message.
type AudioOutput struct {
	RequestID string `json:"requestId,omitempty"`
	AudioB64  string `json:"audioB64"`
	Format    string `json:"format,omitempty"`
}
