package protocol

import (
	"encoding/json"
	"time"
)

// Permission option kinds.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// Permission behaviors, the option-free way to answer a request.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// PermissionRequest is a provider request for user approval, surfaced to
// every attached client until one of them answers.
type PermissionRequest struct {
	// ID identifies the request within its agent.
	ID string `json:"id"`

	// Name is the provider-reported tool or action name.
	Name string `json:"name,omitempty"`

	// Title is a human-readable description of the action.
	Title string `json:"title,omitempty"`

	// Kind categorizes the action (shell, edit, network, ...).
	Kind string `json:"kind,omitempty"`

	// Input is the raw action input.
	Input json.RawMessage `json:"input,omitempty"`

	// Metadata carries provider-specific extensions.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Options are the choices the provider accepts as an answer.
	Options []PermissionOption `json:"options"`

	// CreatedAt is when the daemon registered the request.
	CreatedAt time.Time `json:"createdAt"`
}

// PermissionOption is one choice presented to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionResolution records how a permission request was settled.
type PermissionResolution struct {
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId,omitempty"`

	// Message is the user's note accompanying the decision, typically on
	// deny.
	Message string `json:"message,omitempty"`

	// Canceled is true when the provider withdrew the request before a
	// client answered.
	Canceled bool `json:"canceled,omitempty"`
}
