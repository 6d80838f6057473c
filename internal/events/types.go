// Package events defines the subjects and event types the daemon fans out
// on its internal bus. Agent components publish here; client sessions and
// the MCP server subscribe.
package events

// Event types carried on the bus. They match the wire event names so the
// session dispatcher can forward bus events without translation.
const (
	AgentState              = "agent_state"
	AgentDeleted            = "agent_deleted"
	AgentStream             = "agent_stream"
	AgentPermissionRequest  = "agent_permission_request"
	AgentPermissionResolved = "agent_permission_resolved"
	ActivityLogged          = "activity_log"
)

// Subject roots. Agent subjects carry the agent id as the final token so
// subscribers can watch one agent or, via a wildcard, the whole directory.
const (
	SubjectAgentState              = "agent.state"
	SubjectAgentDeleted            = "agent.deleted"
	SubjectAgentStream             = "agent.stream"
	SubjectAgentPermissionRequest  = "agent.permission.requested"
	SubjectAgentPermissionResolved = "agent.permission.resolved"
	SubjectActivity                = "activity.logged"
)

// BuildAgentStateSubject creates the state subject for one agent.
func BuildAgentStateSubject(agentID string) string {
	return SubjectAgentState + "." + agentID
}

// BuildAgentStateWildcardSubject creates a subscription pattern for state
// changes of every agent.
func BuildAgentStateWildcardSubject() string {
	return SubjectAgentState + ".*"
}

// BuildAgentDeletedSubject creates the deletion subject for one agent.
func BuildAgentDeletedSubject(agentID string) string {
	return SubjectAgentDeleted + "." + agentID
}

// BuildAgentDeletedWildcardSubject creates a subscription pattern for all
// agent deletions.
func BuildAgentDeletedWildcardSubject() string {
	return SubjectAgentDeleted + ".*"
}

// BuildAgentStreamSubject creates the timeline stream subject for one
// agent.
func BuildAgentStreamSubject(agentID string) string {
	return SubjectAgentStream + "." + agentID
}

// BuildAgentStreamWildcardSubject creates a subscription pattern for the
// timeline streams of every agent.
func BuildAgentStreamWildcardSubject() string {
	return SubjectAgentStream + ".*"
}

// BuildPermissionRequestSubject creates the pending-permission subject for
// one agent.
func BuildPermissionRequestSubject(agentID string) string {
	return SubjectAgentPermissionRequest + "." + agentID
}

// BuildPermissionRequestWildcardSubject creates a subscription pattern for
// permission requests of every agent.
func BuildPermissionRequestWildcardSubject() string {
	return SubjectAgentPermissionRequest + ".*"
}

// BuildPermissionResolvedSubject creates the permission-settled subject
// for one agent.
func BuildPermissionResolvedSubject(agentID string) string {
	return SubjectAgentPermissionResolved + "." + agentID
}

// BuildPermissionResolvedWildcardSubject creates a subscription pattern
// for permission settlements of every agent.
func BuildPermissionResolvedWildcardSubject() string {
	return SubjectAgentPermissionResolved + ".*"
}
