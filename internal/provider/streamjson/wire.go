// Package streamjson implements the daemon's newline-delimited JSON wire
// binding for provider CLIs. The daemon writes Input lines to the agent
// process's stdin and reads Output lines from its stdout; each line is one
// JSON object. Any CLI that speaks this protocol (the bundled mock agent,
// or a shim wrapping a vendor CLI) can serve as a provider.
package streamjson

import (
	"github.com/paseo/paseo/pkg/protocol"
)

// Input line types, daemon to agent.
const (
	InputUserMessage        = "user_message"
	InputPermissionResponse = "permission_response"
	InputSetMode            = "set_mode"
	InputSetModel           = "set_model"
	InputSetThinkingOption  = "set_thinking_option"
	InputSetVariant         = "set_variant"
	InputCancel             = "cancel"
	InputShutdown           = "shutdown"
)

// Output line types, agent to daemon.
const (
	// OutputSession is the handshake, required as the agent's first line.
	OutputSession = "session"

	OutputTurnStarted        = "turn_started"
	OutputItem               = "item"
	OutputTurnCompleted      = "turn_completed"
	OutputTurnFailed         = "turn_failed"
	OutputTurnCanceled       = "turn_canceled"
	OutputPermissionRequest  = "permission_request"
	OutputPermissionResolved = "permission_resolved"

	// OutputConfig announces a runtime configuration change after the
	// handshake (mode switched, model list refreshed).
	OutputConfig = "config"
)

// Input is one daemon-to-agent line. Which fields are populated depends
// on Type.
type Input struct {
	Type string `json:"type"`

	// user_message
	MessageID   string                `json:"messageId,omitempty"`
	Text        string                `json:"text,omitempty"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`

	// permission_response
	RequestID string `json:"requestId,omitempty"`
	OptionID  string `json:"optionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Canceled  bool   `json:"canceled,omitempty"`

	// set_mode / set_model / set_thinking_option / set_variant
	ModeID           string `json:"modeId,omitempty"`
	ModelID          string `json:"modelId,omitempty"`
	ThinkingOptionID string `json:"thinkingOptionId,omitempty"`
	VariantID        string `json:"variantId,omitempty"`
}

// Output is one agent-to-daemon line. Which fields are populated depends
// on Type.
type Output struct {
	Type string `json:"type"`

	// session / config
	SessionID string                       `json:"sessionId,omitempty"`
	Config    *protocol.AgentRuntimeConfig `json:"config,omitempty"`

	// item
	Item *protocol.TimelineItem `json:"item,omitempty"`

	// turn_completed
	Usage *protocol.Usage `json:"usage,omitempty"`

	// turn_failed
	Message string `json:"message,omitempty"`

	// permission_request
	Request *protocol.PermissionRequest `json:"request,omitempty"`

	// permission_resolved
	Resolution *protocol.PermissionResolution `json:"resolution,omitempty"`
}
