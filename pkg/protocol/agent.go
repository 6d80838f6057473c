package protocol

import "time"

// Agent statuses.
const (
	StatusInitializing = "initializing"
	StatusIdle         = "idle"
	StatusRunning      = "running"
	StatusError        = "error"
	StatusClosed       = "closed"
)

// Attention reasons, ordered by precedence (permission > error > finished).
const (
	AttentionFinished   = "finished"
	AttentionPermission = "permission"
	AttentionError      = "error"
)

// AgentSnapshot is the wire representation of an agent, sent in
// agent_state events and operation responses.
type AgentSnapshot struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Cwd       string            `json:"cwd"`
	Status    string            `json:"status"`
	Title     string            `json:"title,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`

	// LastActivityAt tracks the newest timeline row or status change.
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`

	// LastUserMessageAt tracks the newest user_message row.
	LastUserMessageAt time.Time `json:"lastUserMessageAt,omitempty"`

	// LastSeq is the newest timeline sequence number, 0 when empty.
	LastSeq uint64 `json:"lastSeq"`

	// Attention is set when the agent wants the user's eyes.
	Attention *Attention `json:"attention,omitempty"`

	// PendingPermissions lists unresolved permission requests.
	PendingPermissions []PermissionRequest `json:"pendingPermissions,omitempty"`

	// ErrorMessage is set when Status is error.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Config is the agent's current runtime configuration.
	Config AgentRuntimeConfig `json:"config"`

	// Usage is the cumulative token accounting across turns.
	Usage Usage `json:"usage,omitempty"`

	// ArchivedAt is set when the agent was soft-deleted.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Attention marks an agent as wanting user attention and why.
type Attention struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// AgentRuntimeConfig captures the mutable provider-facing settings of an
// agent along with the values the provider currently offers.
type AgentRuntimeConfig struct {
	ModeID           string `json:"modeId,omitempty"`
	ModelID          string `json:"modelId,omitempty"`
	ThinkingOptionID string `json:"thinkingOptionId,omitempty"`
	VariantID        string `json:"variantId,omitempty"`

	AvailableModes           []ModeInfo     `json:"availableModes,omitempty"`
	AvailableModels          []ModelInfo    `json:"availableModels,omitempty"`
	AvailableThinkingOptions []ThinkingInfo `json:"availableThinkingOptions,omitempty"`
	AvailableVariants        []VariantInfo  `json:"availableVariants,omitempty"`

	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// Capabilities are provider feature flags reported in the handshake.
type Capabilities struct {
	// Resume means the provider can reattach to a previous session by
	// handle.
	Resume bool `json:"resume,omitempty"`

	// Images means user messages may carry image attachments.
	Images bool `json:"images,omitempty"`

	// LiveSwitch means mode, model, thinking, and variant changes are
	// accepted while a turn is running.
	LiveSwitch bool `json:"liveSwitch,omitempty"`
}

// ModeInfo describes a provider mode (for example plan or auto-accept).
type ModeInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModelInfo describes a model offered by a provider.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// ThinkingInfo describes a provider thinking budget option.
type ThinkingInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VariantInfo describes a provider variant (a sub-flavor of a model).
type VariantInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ValidStatus reports whether s is one of the agent statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusInitializing, StatusIdle, StatusRunning, StatusError, StatusClosed:
		return true
	}
	return false
}
