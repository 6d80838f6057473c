package protocol

import (
	"encoding/json"
	"time"
)

// Timeline item type constants.
const (
	// ItemUserMessage is a message submitted by a user.
	ItemUserMessage = "user_message"

	// ItemAssistantMessage is agent output text. Streaming providers emit
	// several fragments sharing a messageId.
	ItemAssistantMessage = "assistant_message"

	// ItemReasoning is chain-of-thought content.
	ItemReasoning = "reasoning"

	// ItemToolCall is a tool invocation and its lifecycle updates.
	ItemToolCall = "tool_call"

	// ItemTodo is the agent's task list.
	ItemTodo = "todo"

	// ItemError is a surfaced agent or daemon error.
	ItemError = "error"

	// ItemCompaction marks a context compaction point.
	ItemCompaction = "compaction"
)

// Tool call statuses. A tool call starts running and terminates exactly
// once with completed, failed, or canceled.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
	ToolStatusCanceled  = "canceled"
)

// Tool detail kinds.
const (
	ToolKindShell     = "shell"
	ToolKindRead      = "read"
	ToolKindEdit      = "edit"
	ToolKindWrite     = "write"
	ToolKindSearch    = "search"
	ToolKindSubAgent  = "sub_agent"
	ToolKindPlainText = "plain_text"
	ToolKindUnknown   = "unknown"
)

// Todo entry statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// TimelineRow is one record of an agent's append-only timeline. Seq starts
// at 1 and increases strictly within an agent.
type TimelineRow struct {
	Seq       uint64       `json:"seq"`
	CreatedAt time.Time    `json:"createdAt"`
	Item      TimelineItem `json:"item"`
}

// SeqRange is an inclusive span of canonical sequence numbers.
type SeqRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// TimelineEntry is one element of a timeline query result. Canonical
// queries return rows verbatim; projected queries may merge several
// canonical rows into one entry, in which case SourceRanges lists the
// underlying spans and Seq is the newest source seq.
type TimelineEntry struct {
	Seq       uint64       `json:"seq"`
	CreatedAt time.Time    `json:"createdAt"`
	Item      TimelineItem `json:"item"`

	SourceRanges []SeqRange `json:"sourceRanges,omitempty"`
}

// TimelineItem is the tagged union of timeline content. Which fields are
// populated depends on Type. Items of a type this build does not know are
// preserved verbatim and re-emitted byte for byte.
type TimelineItem struct {
	Type string `json:"type"`

	// --- user_message / assistant_message / reasoning fields ---

	// Text is the message or reasoning content.
	Text string `json:"text,omitempty"`

	// MessageID groups streamed fragments of one logical message.
	MessageID string `json:"messageId,omitempty"`

	// Attachments lists files attached to a user message.
	Attachments []Attachment `json:"attachments,omitempty"`

	// Summary holds a reasoning summary or a compaction summary.
	Summary string `json:"summary,omitempty"`

	// --- tool_call fields ---

	// CallID identifies a tool invocation across its lifecycle updates.
	CallID string `json:"callId,omitempty"`

	// Name is the provider-reported tool name.
	Name string `json:"name,omitempty"`

	// Title is a human-readable description of the invocation.
	Title string `json:"title,omitempty"`

	// Status is one of the ToolStatus* constants.
	Status string `json:"status,omitempty"`

	// Detail is the curated, kind-specific rendering input.
	Detail *ToolDetail `json:"detail,omitempty"`

	// Input is the raw tool input as reported by the provider.
	Input json.RawMessage `json:"input,omitempty"`

	// Result is the raw tool result, present on terminal updates.
	Result json.RawMessage `json:"result,omitempty"`

	// --- todo fields ---

	Items []TodoEntry `json:"items,omitempty"`

	// --- error fields ---

	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// --- compaction fields ---

	// UpToSeq is the last sequence number covered by the compaction.
	UpToSeq uint64 `json:"upToSeq,omitempty"`

	// raw preserves the original payload for unknown item types.
	raw json.RawMessage
}

// ToolDetail describes a tool invocation in kind-specific terms. Which
// fields are populated depends on Kind.
type ToolDetail struct {
	Kind string `json:"kind"`

	// shell
	Command  string `json:"command,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// read / edit / write
	Path    string `json:"path,omitempty"`
	Diff    string `json:"diff,omitempty"`
	Content string `json:"content,omitempty"`

	// search
	Query   string   `json:"query,omitempty"`
	Matches []string `json:"matches,omitempty"`

	// sub_agent
	AgentID     string `json:"agentId,omitempty"`
	Description string `json:"description,omitempty"`

	// plain_text
	Text string `json:"text,omitempty"`
}

// TodoEntry is one item of the agent's task list.
type TodoEntry struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// Attachment is a file attached to a user message.
type Attachment struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Usage is the token accounting reported by a provider at turn completion.
type Usage struct {
	InputTokens     int64   `json:"inputTokens,omitempty"`
	OutputTokens    int64   `json:"outputTokens,omitempty"`
	CacheReadTokens int64   `json:"cacheReadTokens,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
}

// Add accumulates another usage report.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CostUSD += other.CostUSD
}

// KnownItemType reports whether this build understands the item type.
func KnownItemType(itemType string) bool {
	switch itemType {
	case ItemUserMessage, ItemAssistantMessage, ItemReasoning,
		ItemToolCall, ItemTodo, ItemError, ItemCompaction:
		return true
	}
	return false
}

// UnknownItem wraps a raw payload of an unrecognized item type so it can
// ride through persistence and fan-out untouched.
func UnknownItem(data json.RawMessage) TimelineItem {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)
	return TimelineItem{Type: probe.Type, raw: append(json.RawMessage(nil), data...)}
}

// Raw returns the preserved payload for unknown item types, nil otherwise.
func (it *TimelineItem) Raw() json.RawMessage {
	return it.raw
}

type timelineItemAlias TimelineItem

// UnmarshalJSON decodes known item types into their fields and keeps the
// original bytes for unknown ones.
func (it *TimelineItem) UnmarshalJSON(data []byte) error {
	var alias timelineItemAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*it = TimelineItem(alias)
	if !KnownItemType(it.Type) {
		it.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalJSON re-emits preserved payloads verbatim for unknown item types.
func (it TimelineItem) MarshalJSON() ([]byte, error) {
	if it.raw != nil {
		return it.raw, nil
	}
	return json.Marshal(timelineItemAlias(it))
}
