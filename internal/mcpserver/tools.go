package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/agent/manager"
	"github.com/paseo/paseo/internal/agent/timeline"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

// parentAgentLabel marks agents created on behalf of another agent.
const parentAgentLabel = "parentAgentId"

func registerTools(s *server.MCPServer, mgr *manager.Manager, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List all agents with their status, title, working directory, and pending permission counts. Use this first to get agent IDs for other operations."),
		),
		listAgentsHandler(mgr),
	)

	s.AddTool(
		mcp.NewTool("create_agent",
			mcp.WithDescription("Create a new coding agent in a working directory and optionally send it an initial prompt."),
			mcp.WithString("cwd",
				mcp.Required(),
				mcp.Description("Absolute path of the working directory for the agent"),
			),
			mcp.WithString("provider",
				mcp.Description("Provider name (defaults to the daemon's default provider)"),
			),
			mcp.WithString("title",
				mcp.Description("Human-readable title for the agent"),
			),
			mcp.WithString("prompt",
				mcp.Description("Initial prompt to send once the agent is ready"),
			),
			mcp.WithString("caller_agent_id",
				mcp.Description("ID of the agent making this call; recorded as the new agent's parent"),
			),
		),
		createAgentHandler(mgr, log),
	)

	s.AddTool(
		mcp.NewTool("send_agent_prompt",
			mcp.WithDescription("Send a prompt to an existing agent. Returns immediately; use wait_for_agent to wait for the turn to finish."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to send the prompt to"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt text"),
			),
		),
		sendAgentPromptHandler(mgr),
	)

	s.AddTool(
		mcp.NewTool("get_agent_activity",
			mcp.WithDescription("Get a compact text rendering of an agent's recent activity: messages, tool calls with final status, and errors."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to inspect"),
			),
			mcp.WithNumber("max_items",
				mcp.Description(fmt.Sprintf("Maximum number of entries to return (default %d)", timeline.DefaultCurateItems)),
			),
		),
		getAgentActivityHandler(mgr),
	)

	s.AddTool(
		mcp.NewTool("kill_agent",
			mcp.WithDescription("Stop an agent and archive it. The agent's timeline is preserved and it can be resumed later."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to stop"),
			),
		),
		killAgentHandler(mgr),
	)

	s.AddTool(
		mcp.NewTool("set_agent_mode",
			mcp.WithDescription("Change an agent's permission mode (for example plan, acceptEdits, bypassPermissions)."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to configure"),
			),
			mcp.WithString("mode",
				mcp.Required(),
				mcp.Description("The mode ID to switch to; must be one of the agent's available modes"),
			),
		),
		setAgentModeHandler(mgr),
	)

	s.AddTool(
		mcp.NewTool("wait_for_agent",
			mcp.WithDescription("Block until the agent finishes its current turn (goes idle, errors, or needs a permission decision). Returns the agent's final state."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to wait for"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Maximum seconds to wait (default 120)"),
			),
		),
		waitForAgentHandler(mgr),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

func listAgentsHandler(mgr *manager.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents := mgr.ListAgents(protocol.ListAgentsRequest{})
		formatted, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to render agents: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func createAgentHandler(mgr *manager.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cwd, err := req.RequireString("cwd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		create := protocol.CreateAgentRequest{
			Provider: req.GetString("provider", ""),
			Cwd:      cwd,
			Title:    req.GetString("title", ""),
		}
		if caller := req.GetString("caller_agent_id", ""); caller != "" {
			create.Labels = map[string]string{parentAgentLabel: caller}
		}

		snap, err := mgr.CreateAgent(ctx, create)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create agent: %v", err)), nil
		}

		if prompt := req.GetString("prompt", ""); prompt != "" {
			send := protocol.SendAgentMessage{AgentID: snap.ID, Text: prompt}
			if err := mgr.SendMessage(ctx, send); err != nil {
				log.Warn("initial prompt failed",
					zap.String("agent_id", snap.ID), zap.Error(err))
				return mcp.NewToolResultError(fmt.Sprintf(
					"Agent %s created, but the initial prompt failed: %v", snap.ID, err)), nil
			}
		}

		formatted, _ := json.MarshalIndent(snap, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sendAgentPromptHandler(mgr *manager.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		send := protocol.SendAgentMessage{AgentID: agentID, Text: prompt}
		if err := mgr.SendMessage(ctx, send); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send prompt: %v", err)), nil
		}
		return mcp.NewToolResultText("Prompt sent to agent " + agentID + "."), nil
	}
}

func getAgentActivityHandler(mgr *manager.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		maxItems := req.GetInt("max_items", timeline.DefaultCurateItems)

		// Fetch generously: curation merges fragments, so the row count
		// exceeds the entry count it produces.
		resp, err := mgr.FetchTimeline(ctx, protocol.FetchAgentTimelineRequest{
			AgentID:   agentID,
			Direction: protocol.FetchTail,
			Limit:     maxItems * 10,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch activity: %v", err)), nil
		}

		rows := make([]protocol.TimelineRow, 0, len(resp.Entries))
		for _, entry := range resp.Entries {
			rows = append(rows, protocol.TimelineRow{
				Seq:       entry.Seq,
				CreatedAt: entry.CreatedAt,
				Item:      entry.Item,
			})
		}

		rendered := timeline.Curate(rows, maxItems)
		if rendered == "" {
			rendered = "(no activity yet)"
		}
		return mcp.NewToolResultText(rendered), nil
	}
}

func killAgentHandler(mgr *manager.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		del := protocol.DeleteAgentRequest{AgentID: agentID, Archive: true}
		if err := mgr.DeleteAgent(ctx, del); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to stop agent: %v", err)), nil
		}
		return mcp.NewToolResultText("Agent " + agentID + " stopped and archived."), nil
	}
}

func setAgentModeHandler(mgr *manager.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		mode, err := req.RequireString("mode")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		snap, err := mgr.SetMode(ctx, protocol.SetAgentModeRequest{
			AgentID: agentID,
			ModeID:  mode,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to set mode: %v", err)), nil
		}
		formatted, _ := json.MarshalIndent(snap, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func waitForAgentHandler(mgr *manager.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := req.GetInt("timeout_seconds", 120)
		if timeout <= 0 {
			timeout = 120
		}

		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		snap, err := mgr.WaitForAgent(waitCtx, agentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Waiting for agent failed: %v", err)), nil
		}
		formatted, _ := json.MarshalIndent(snap, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
