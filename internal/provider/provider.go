// Package provider abstracts coding agent backends behind a single client
// contract. The daemon core never shells out to a provider CLI directly;
// it drives an AgentClient and consumes the normalized event stream the
// client emits.
package provider

import (
	"context"
	"time"

	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

// EventType identifies a normalized provider event.
type EventType string

const (
	// EventTurnStarted marks the beginning of an agent turn.
	EventTurnStarted EventType = "turn_started"

	// EventTurnCompleted marks a successful turn end; Usage carries the
	// provider's token accounting for the turn when reported.
	EventTurnCompleted EventType = "turn_completed"

	// EventTurnFailed marks a turn that ended in a provider error.
	EventTurnFailed EventType = "turn_failed"

	// EventTurnCanceled marks a turn interrupted by a cancel request.
	EventTurnCanceled EventType = "turn_canceled"

	// EventItem carries one timeline item produced during a turn.
	EventItem EventType = "item"

	// EventPermissionRequested carries a permission request the provider
	// is blocked on.
	EventPermissionRequested EventType = "permission_requested"

	// EventPermissionResolved reports a permission request settled on the
	// provider side (answered, or withdrawn by the provider itself).
	EventPermissionResolved EventType = "permission_resolved"

	// EventConfigChanged reports a change to the provider's runtime
	// configuration or the options it offers.
	EventConfigChanged EventType = "config_changed"

	// EventClosed is the final event before the stream channel closes.
	// Err is nil on a clean shutdown and non-nil when the provider died.
	EventClosed EventType = "closed"
)

// Event is a normalized provider event. Which fields are populated depends
// on Type.
type Event struct {
	Type EventType

	// Item is set for EventItem.
	Item *protocol.TimelineItem

	// Usage is set for EventTurnCompleted when the provider reports it.
	Usage *protocol.Usage

	// Message is the failure detail for EventTurnFailed.
	Message string

	// Permission is set for EventPermissionRequested.
	Permission *protocol.PermissionRequest

	// Resolution is set for EventPermissionResolved.
	Resolution *protocol.PermissionResolution

	// Config is set for EventConfigChanged.
	Config *protocol.AgentRuntimeConfig

	// Err is set for EventClosed when the provider terminated abnormally.
	Err error
}

// UserMessage is a user turn submitted to the provider.
type UserMessage struct {
	// MessageID correlates the echoed user_message timeline item with the
	// submission.
	MessageID string

	Text        string
	Attachments []protocol.Attachment
}

// Handshake is the provider's session announcement returned by Start.
type Handshake struct {
	// SessionHandle is the provider's resumable session identifier. Empty
	// when the provider does not support resumption.
	SessionHandle string

	// Config is the runtime configuration the provider starts with,
	// including the modes, models, and options it offers.
	Config protocol.AgentRuntimeConfig
}

// AgentClient is one provider session bound to one agent. Implementations
// deliver all session output through Events; the channel closes after an
// EventClosed once the session is over, whatever the cause.
//
// Methods that talk to the provider honor ctx for the request in flight
// but never tie the session lifetime to it; sessions end only via Close
// or provider death.
type AgentClient interface {
	// Start launches the session and waits for the provider handshake.
	Start(ctx context.Context) (*Handshake, error)

	// Send submits a user message, starting a turn.
	Send(ctx context.Context, msg UserMessage) error

	// Cancel interrupts the in-flight turn. The provider answers with a
	// turn_canceled (or turn_completed, when the race goes the other way).
	Cancel(ctx context.Context) error

	// ResolvePermission answers a pending permission request.
	ResolvePermission(ctx context.Context, res protocol.PermissionResolution) error

	SetMode(ctx context.Context, modeID string) error
	SetModel(ctx context.Context, modelID string) error
	SetThinkingOption(ctx context.Context, optionID string) error
	SetVariant(ctx context.Context, variantID string) error

	// Events returns the session's event stream.
	Events() <-chan Event

	// SessionHandle returns the provider session identifier, empty before
	// Start completes or when the provider has none.
	SessionHandle() string

	// Close shuts the session down and releases its resources.
	Close() error
}

// ClientConfig carries everything a factory needs to build a client for
// one agent.
type ClientConfig struct {
	AgentID string
	Cwd     string

	// Resume is the provider session handle of an earlier run. Empty for
	// fresh sessions.
	Resume string

	// HandshakeTimeout bounds how long Start waits for the provider
	// announcement. Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Logger *logger.Logger
}

// DefaultHandshakeTimeout is applied when ClientConfig leaves
// HandshakeTimeout unset.
const DefaultHandshakeTimeout = 30 * time.Second

// Factory builds clients and answers catalog queries for one wire binding.
type Factory interface {
	// New constructs a client for the descriptor. It verifies the provider
	// is launchable and returns a PROVIDER_UNAVAILABLE error when not.
	New(d Descriptor, cfg ClientConfig) (AgentClient, error)

	// ListModels queries the provider's model catalog without a session.
	ListModels(ctx context.Context, d Descriptor, cwd string) ([]protocol.ModelInfo, error)
}
