package protocol

// Device types reported by clients.
const (
	DeviceWeb          = "web"
	DeviceMobile       = "mobile"
	DeviceCLI          = "cli"
	DeviceUnidentified = "unidentified"
)

// Timeline fetch directions.
const (
	FetchHead   = "head"
	FetchTail   = "tail"
	FetchBefore = "before"
	FetchAfter  = "after"
)

// Timeline projections.
const (
	ProjectionCanonical = "canonical"
	ProjectionProjected = "projected"
)

// CreateAgentRequest asks the daemon to create and start a new agent.
type CreateAgentRequest struct {
	Provider string `json:"provider"`
	Cwd      string `json:"cwd"`
	Title    string `json:"title,omitempty"`

	// Labels annotate the agent (for example surface=voice or
	// parentAgentId for sub-agents).
	Labels map[string]string `json:"labels,omitempty"`

	ModeID           string `json:"modeId,omitempty"`
	ModelID          string `json:"modelId,omitempty"`
	ThinkingOptionID string `json:"thinkingOptionId,omitempty"`
	VariantID        string `json:"variantId,omitempty"`

	// InitialPrompt, when set, is sent as the first user message once the
	// session is established.
	InitialPrompt string `json:"initialPrompt,omitempty"`
}

// InitializeAgentRequest lazily re-initializes a persisted agent whose
// provider session has not been started in this daemon run.
type InitializeAgentRequest struct {
	AgentID string `json:"agentId"`
}

// DeleteAgentRequest removes an agent. With Archive set the record is
// kept and marked archived; otherwise the provider session is closed and
// the agent's registry entry and timeline are removed from disk.
type DeleteAgentRequest struct {
	AgentID string `json:"agentId"`
	Archive bool   `json:"archive,omitempty"`
}

// ResumeAgentRequest restarts the provider session of an errored or closed
// agent, reusing the provider session handle when one survived.
type ResumeAgentRequest struct {
	AgentID string `json:"agentId"`
}

// CancelAgentRequest interrupts the agent's in-flight turn.
type CancelAgentRequest struct {
	AgentID string `json:"agentId"`
}

// ListAgentsRequest fetches a directory snapshot of all agents. Archived
// agents are excluded unless IncludeArchived is set.
type ListAgentsRequest struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

// SendAgentMessage submits a user message to an agent. MessageID is
// client-chosen for deduplication and echo correlation; the daemon mints
// one when absent.
type SendAgentMessage struct {
	AgentID     string       `json:"agentId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	MessageID   string       `json:"messageId,omitempty"`
}

// AgentPermissionResponse answers a pending permission request. Clients
// either pick one of the request's options by OptionID or send a bare
// Behavior (allow/deny), which the daemon maps onto the matching option.
// Message carries an optional note back to the provider on deny.
type AgentPermissionResponse struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId,omitempty"`
	Behavior  string `json:"behavior,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SetAgentModeRequest switches the agent's mode.
type SetAgentModeRequest struct {
	AgentID string `json:"agentId"`
	ModeID  string `json:"modeId"`
}

// SetAgentModelRequest switches the agent's model.
type SetAgentModelRequest struct {
	AgentID string `json:"agentId"`
	ModelID string `json:"modelId"`
}

// SetAgentThinkingRequest switches the agent's thinking budget.
type SetAgentThinkingRequest struct {
	AgentID          string `json:"agentId"`
	ThinkingOptionID string `json:"thinkingOptionId"`
}

// SetAgentVariantRequest switches the agent's model variant.
type SetAgentVariantRequest struct {
	AgentID   string `json:"agentId"`
	VariantID string `json:"variantId"`
}

// SetAgentTitleRequest renames an agent.
type SetAgentTitleRequest struct {
	AgentID string `json:"agentId"`
	Title   string `json:"title"`
}

// TimelineCursor addresses a position in an agent timeline.
type TimelineCursor struct {
	Seq uint64 `json:"seq"`
}

// FetchAgentTimelineRequest pages through an agent's timeline.
type FetchAgentTimelineRequest struct {
	AgentID string `json:"agentId"`

	// Direction is head, tail, before, or after. before/after require Cursor.
	Direction string          `json:"direction"`
	Cursor    *TimelineCursor `json:"cursor,omitempty"`
	Limit     int             `json:"limit,omitempty"`

	// Projection selects canonical (raw rows) or projected (fragments
	// merged) entries. Defaults to canonical.
	Projection string `json:"projection,omitempty"`

	// CollapseToolLifecycle folds intermediate tool_call updates into the
	// terminal row of each callId. Nil means the default: true for
	// projected queries, false for canonical ones (verbatim rows).
	CollapseToolLifecycle *bool `json:"collapseToolLifecycle,omitempty"`
}

// Collapse resolves the effective collapse flag for this request.
func (r FetchAgentTimelineRequest) Collapse() bool {
	if r.CollapseToolLifecycle != nil {
		return *r.CollapseToolLifecycle
	}
	return r.Projection == ProjectionProjected
}

// SubscribeAgentStreamRequest opens a live timeline subscription. When
// FromSeq is set the snapshot backfills rows with seq > FromSeq; otherwise
// it carries the most recent rows.
type SubscribeAgentStreamRequest struct {
	AgentID string  `json:"agentId"`
	FromSeq *uint64 `json:"fromSeq,omitempty"`
}

// UnsubscribeAgentStreamRequest tears down a live timeline subscription.
type UnsubscribeAgentStreamRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscribeAgentsRequest subscribes the session to the agent directory:
// an agent_state event per existing agent now, then deltas.
type SubscribeAgentsRequest struct{}

// ListProviderModelsRequest queries a provider's model catalog without an
// agent.
type ListProviderModelsRequest struct {
	Provider string `json:"provider"`
	Cwd      string `json:"cwd,omitempty"`
}

// CheckoutStatusRequest asks for the version control status of the
// agent's working directory.
type CheckoutStatusRequest struct {
	AgentID string `json:"agentId"`
}

// CheckoutDiffRequest asks for the working tree diff of the agent's
// working directory, optionally limited to one path.
type CheckoutDiffRequest struct {
	AgentID string `json:"agentId"`
	Path    string `json:"path,omitempty"`
}

// FileExplorerRequest lists a directory for UI file pickers.
type FileExplorerRequest struct {
	Path       string `json:"path"`
	ShowHidden bool   `json:"showHidden,omitempty"`
}

// CreateDownloadTokenRequest mints a single-use download token for a file
// path, scoped to an agent's working directory when AgentID is set.
type CreateDownloadTokenRequest struct {
	AgentID string `json:"agentId,omitempty"`
	Path    string `json:"path"`
}

// FetchActivityRequest pages the daemon activity log.
type FetchActivityRequest struct {
	Tail   int    `json:"tail,omitempty"`
	Filter string `json:"filter,omitempty"`

	// AgentID limits entries to one agent.
	AgentID string `json:"agentId,omitempty"`
}

// UpdateClientState reports the client's UX state used by the notification
// policy.
type UpdateClientState struct {
	DeviceType     string `json:"deviceType,omitempty"`
	AppVisible     bool   `json:"appVisible"`
	FocusedAgentID string `json:"focusedAgentId,omitempty"`
}

// TranscribeAudio submits audio for transcription.
type TranscribeAudio struct {
	AudioB64 string `json:"audioB64"`
	Format   string `json:"format,omitempty"`
}

// SpeakText requests speech synthesis of a text.
type SpeakText struct {
	Text string `json:"text"`
}
