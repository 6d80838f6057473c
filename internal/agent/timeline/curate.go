package timeline

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/paseo/paseo/pkg/protocol"
)

// DefaultCurateItems bounds the curated rendering when callers pass no
// explicit limit.
const DefaultCurateItems = 50

// Curate renders a timeline as compact text for consumption by other
// agents over MCP. Streaming fragments are merged, each tool call shows
// only its final state, and only the most recent maxItems entries are
// kept.
func Curate(rows []protocol.TimelineRow, maxItems int) string {
	if maxItems <= 0 {
		maxItems = DefaultCurateItems
	}

	projected := Project(rows, ProjectOptions{
		Projection:            protocol.ProjectionProjected,
		CollapseToolLifecycle: true,
	})

	lines := make([]string, 0, len(projected))
	for _, entry := range projected {
		if line := renderItem(entry.Item); line != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) > maxItems {
		lines = lines[len(lines)-maxItems:]
	}
	return strings.Join(lines, "\n")
}

func renderItem(item protocol.TimelineItem) string {
	switch item.Type {
	case protocol.ItemUserMessage:
		return "[User] " + item.Text
	case protocol.ItemAssistantMessage:
		return item.Text
	case protocol.ItemReasoning:
		text := item.Text
		if text == "" {
			text = item.Summary
		}
		if text == "" {
			return ""
		}
		return "[Thought] " + text
	case protocol.ItemToolCall:
		return renderToolCall(item)
	case protocol.ItemTodo:
		return renderTodo(item.Items)
	case protocol.ItemError:
		return "[Error] " + item.Message
	case protocol.ItemCompaction:
		if item.Summary == "" {
			return "[Compacted]"
		}
		return "[Compacted] " + item.Summary
	default:
		// Unknown item types have nothing renderable
		return ""
	}
}

func renderToolCall(item protocol.TimelineItem) string {
	line := toolLine(item)
	switch item.Status {
	case protocol.ToolStatusFailed:
		line += " (failed)"
	case protocol.ToolStatusCanceled:
		line += " (canceled)"
	}
	return line
}

func toolLine(item protocol.TimelineItem) string {
	d := item.Detail
	if d != nil {
		switch d.Kind {
		case protocol.ToolKindShell:
			return "[Shell] " + d.Command
		case protocol.ToolKindRead:
			return "[Read] " + d.Path
		case protocol.ToolKindEdit:
			return "[Edit] " + d.Path
		case protocol.ToolKindWrite:
			return "[Write] " + d.Path
		case protocol.ToolKindSearch:
			return "[Search] " + d.Query
		case protocol.ToolKindSubAgent:
			if d.Description != "" {
				return "[Agent] " + d.Description
			}
			return "[Agent] " + d.AgentID
		case protocol.ToolKindPlainText:
			return d.Text
		}
	}

	// External or unrecognized tools fall back to name plus raw input
	name := item.Name
	if name == "" {
		name = "tool"
	}
	if len(item.Input) > 0 {
		return "[" + name + "] " + compactJSON(item.Input)
	}
	return "[" + name + "]"
}

func renderTodo(entries []protocol.TodoEntry) string {
	var b strings.Builder
	b.WriteString("[Tasks]")
	for _, e := range entries {
		b.WriteString("\n")
		switch e.Status {
		case protocol.TodoCompleted:
			b.WriteString("- [x] ")
			b.WriteString(e.Text)
		case protocol.TodoInProgress:
			b.WriteString("- [ ] ")
			b.WriteString(e.Text)
			b.WriteString(" (in progress)")
		default:
			b.WriteString("- [ ] ")
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
