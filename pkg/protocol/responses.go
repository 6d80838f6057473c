package protocol

import "time"

// CreateAgentResponse carries the snapshot of the newly created agent.
type CreateAgentResponse struct {
	Agent AgentSnapshot `json:"agent"`
}

// InitializeAgentResponse carries the refreshed snapshot after lazy
// re-initialization.
type InitializeAgentResponse struct {
	Agent AgentSnapshot `json:"agent"`
}

// DeleteAgentResponse acknowledges removal.
type DeleteAgentResponse struct {
	AgentID string `json:"agentId"`
}

// ResumeAgentResponse carries the snapshot after a resume.
type ResumeAgentResponse struct {
	Agent AgentSnapshot `json:"agent"`
}

// CancelAgentResponse acknowledges a cancel. The status change itself
// arrives as an agent_state event.
type CancelAgentResponse struct {
	AgentID string `json:"agentId"`
}

// ListAgentsResponse carries the agent directory.
type ListAgentsResponse struct {
	Agents []AgentSnapshot `json:"agents"`
}

// SetAgentConfigResponse is shared by the mode, model, thinking option,
// variant, and title setters.
type SetAgentConfigResponse struct {
	Agent AgentSnapshot `json:"agent"`
}

// FetchAgentTimelineResponse is one page of timeline entries in ascending
// seq order.
type FetchAgentTimelineResponse struct {
	AgentID     string          `json:"agentId"`
	Entries     []TimelineEntry `json:"entries"`
	StartCursor *TimelineCursor `json:"startCursor,omitempty"`
	EndCursor   *TimelineCursor `json:"endCursor,omitempty"`
	HasOlder    bool            `json:"hasOlder"`
	HasNewer    bool            `json:"hasNewer"`
}

// SubscribeAgentStreamResponse confirms a live subscription. The snapshot
// event follows before any live row.
type SubscribeAgentStreamResponse struct {
	AgentID        string `json:"agentId"`
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribeAgentStreamResponse acknowledges a teardown.
type UnsubscribeAgentStreamResponse struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscribeAgentsResponse confirms a directory subscription.
type SubscribeAgentsResponse struct {
	// SubscriptionID is scoped to the server identity so clients can
	// detect a daemon identity change across reconnects.
	SubscriptionID string `json:"subscriptionId"`
	ServerID       string `json:"serverId"`
}

// ListProviderModelsResponse carries a provider's model catalog.
type ListProviderModelsResponse struct {
	Provider string      `json:"provider"`
	Models   []ModelInfo `json:"models"`
}

// CheckoutFileStatus is one changed path in a checkout status report.
type CheckoutFileStatus struct {
	Path string `json:"path"`

	// State is the two-letter porcelain code (M, A, D, R, ??, ...).
	State string `json:"state"`
}

// CheckoutStatusResponse reports version control state of an agent's
// working directory.
type CheckoutStatusResponse struct {
	AgentID string               `json:"agentId"`
	Branch  string               `json:"branch,omitempty"`
	Clean   bool                 `json:"clean"`
	Files   []CheckoutFileStatus `json:"files,omitempty"`

	// Supported is false when the working directory is not under version
	// control.
	Supported bool `json:"supported"`
}

// CheckoutDiffResponse carries a unified diff of the working tree.
type CheckoutDiffResponse struct {
	AgentID string `json:"agentId"`
	Path    string `json:"path,omitempty"`
	Diff    string `json:"diff"`
}

// FileEntry is one row of a file explorer listing.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"modTime,omitempty"`
}

// FileExplorerResponse lists a directory.
type FileExplorerResponse struct {
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}

// CreateDownloadTokenResponse carries a minted download token. The token
// is single use and expires at ExpiresAt.
type CreateDownloadTokenResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ActivityEntry is one row of the daemon activity log.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Kind      string    `json:"kind"`
	AgentID   string    `json:"agentId,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	Message   string    `json:"message"`
}

// FetchActivityResponse is one page of activity entries, oldest first.
type FetchActivityResponse struct {
	Entries []ActivityEntry `json:"entries"`
}
