// Package notify decides which clients hear about an agent wanting
// attention. The rules are pure functions of the attention reason and the
// observed client states, so they run without a daemon around them.
package notify

import "github.com/paseo/paseo/pkg/protocol"

// Device types clients report in update_client_state. Anything else,
// including an empty string, counts as unidentified.
const (
	DeviceWeb    = "web"
	DeviceMobile = "mobile"
)

// ClientState is the slice of a connected client the policy looks at.
type ClientState struct {
	// DeviceType is web, mobile, or empty when the client never
	// identified itself.
	DeviceType string

	// AppVisible reports whether the client's app is foregrounded.
	AppVisible bool

	// FocusedAgentID is the agent the client is looking at, if any.
	FocusedAgentID string

	// Stale marks clients that stopped reporting state inside the
	// heartbeat window.
	Stale bool
}

func (c ClientState) unidentified() bool {
	return c.DeviceType != DeviceWeb && c.DeviceType != DeviceMobile
}

func (c ClientState) active() bool {
	return !c.Stale
}

// ShouldNotifyClient decides whether one client receives an in-app
// notification for an attention event on the given agent. The all slice
// holds every connected client, the candidate included.
//
// When any active client already has the agent focused and visible, the
// event is suppressed for everyone. Otherwise unidentified clients are
// always told; an active visible client on the directory view is not,
// since the attention indicator updates in place there; a stale client is
// told unless a better-placed device will surface the event instead.
func ShouldNotifyClient(agentID string, client ClientState, all []ClientState) bool {
	for _, s := range all {
		if s.active() && s.AppVisible && s.FocusedAgentID == agentID {
			return false
		}
	}

	if client.unidentified() {
		return true
	}

	if client.active() {
		if client.AppVisible && client.FocusedAgentID == "" {
			return false
		}
		return true
	}

	switch client.DeviceType {
	case DeviceMobile:
		for _, s := range all {
			if s.DeviceType == DeviceWeb && s.active() {
				return false
			}
		}
	case DeviceWeb:
		for _, s := range all {
			if s.DeviceType == DeviceMobile || s.unidentified() {
				return false
			}
		}
	}
	return true
}

// ShouldPush decides whether an attention event triggers a push
// notification. Errors never push. A client that can show the event
// in-app right now suppresses the push for everyone.
func ShouldPush(reason string, all []ClientState) bool {
	if reason == protocol.AttentionError {
		return false
	}
	for _, s := range all {
		if s.DeviceType == DeviceWeb && s.AppVisible && s.active() {
			return false
		}
		if s.DeviceType == DeviceMobile && s.AppVisible {
			return false
		}
	}
	return true
}
