package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paseo/paseo/internal/provider/streamjson"
	"github.com/paseo/paseo/pkg/protocol"
)

// Scenarios are keyed off the prompt text so tests and UI demos can drive
// specific flows: "error ...", "think ...", "todo ...", "slow ...",
// "read <path>", "write <path> <content>". Anything else echoes.

var callCounter atomic.Uint64

func nextCallID() string {
	return fmt.Sprintf("call-%d", callCounter.Add(1))
}

func (a *agent) runTurn(in streamjson.Input) {
	a.w.send(streamjson.Output{Type: streamjson.OutputTurnStarted})

	prompt := strings.TrimSpace(in.Text)
	word, rest := splitCommand(prompt)

	switch word {
	case "error":
		a.w.send(streamjson.Output{
			Type:    streamjson.OutputTurnFailed,
			Message: failureMessage(rest),
		})
		return
	case "think":
		a.thinkScenario(rest)
	case "todo":
		a.todoScenario(rest)
	case "slow":
		if !a.slowScenario() {
			a.w.send(streamjson.Output{Type: streamjson.OutputTurnCanceled})
			return
		}
	case "read":
		a.readScenario(rest)
	case "write":
		if !a.writeScenario(rest) {
			a.w.send(streamjson.Output{Type: streamjson.OutputTurnCanceled})
			return
		}
	default:
		a.echoScenario(prompt)
	}

	if a.canceled() {
		a.w.send(streamjson.Output{Type: streamjson.OutputTurnCanceled})
		return
	}
	a.w.send(streamjson.Output{
		Type:  streamjson.OutputTurnCompleted,
		Usage: usageFor(prompt),
	})
}

func splitCommand(prompt string) (string, string) {
	word, rest, _ := strings.Cut(prompt, " ")
	return strings.ToLower(word), strings.TrimSpace(rest)
}

func failureMessage(rest string) string {
	if rest == "" {
		return "mock failure"
	}
	return rest
}

func usageFor(prompt string) *protocol.Usage {
	return &protocol.Usage{
		InputTokens:  int64(len(prompt)),
		OutputTokens: 42,
	}
}

// echoScenario streams the reply in two fragments sharing a messageId, the
// way streaming vendors deliver assistant text.
func (a *agent) echoScenario(prompt string) {
	messageID := uuid.NewString()
	a.item(protocol.TimelineItem{
		Type:      protocol.ItemAssistantMessage,
		MessageID: messageID,
		Text:      "You said: ",
	})
	a.item(protocol.TimelineItem{
		Type:      protocol.ItemAssistantMessage,
		MessageID: messageID,
		Text:      prompt,
	})
}

func (a *agent) thinkScenario(rest string) {
	a.item(protocol.TimelineItem{
		Type: protocol.ItemReasoning,
		Text: "Considering: " + rest,
	})
	a.item(protocol.TimelineItem{
		Type: protocol.ItemAssistantMessage,
		Text: "After some thought: " + rest,
	})
}

func (a *agent) todoScenario(rest string) {
	steps := strings.Split(rest, ",")
	if rest == "" {
		steps = []string{"first step", "second step"}
	}
	entries := make([]protocol.TodoEntry, len(steps))
	for i, step := range steps {
		entries[i] = protocol.TodoEntry{
			ID:     fmt.Sprintf("todo-%d", i+1),
			Text:   strings.TrimSpace(step),
			Status: protocol.TodoPending,
		}
	}
	a.item(protocol.TimelineItem{Type: protocol.ItemTodo, Items: entries})

	entries[0].Status = protocol.TodoCompleted
	a.item(protocol.TimelineItem{Type: protocol.ItemTodo, Items: entries})
}

// slowScenario ticks for a while so cancel has something to interrupt.
// Returns false when canceled.
func (a *agent) slowScenario() bool {
	for i := 0; i < 50; i++ {
		if a.canceled() {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	a.item(protocol.TimelineItem{
		Type: protocol.ItemAssistantMessage,
		Text: "Done being slow.",
	})
	return true
}

func (a *agent) readScenario(path string) {
	callID := nextCallID()
	a.item(protocol.TimelineItem{
		Type:   protocol.ItemToolCall,
		CallID: callID,
		Name:   "Read",
		Title:  "Read " + path,
		Status: protocol.ToolStatusRunning,
		Detail: &protocol.ToolDetail{Kind: protocol.ToolKindRead, Path: path},
	})

	content, err := os.ReadFile(path)
	if err != nil {
		a.item(protocol.TimelineItem{
			Type:   protocol.ItemToolCall,
			CallID: callID,
			Name:   "Read",
			Title:  "Read " + path,
			Status: protocol.ToolStatusFailed,
			Detail: &protocol.ToolDetail{Kind: protocol.ToolKindRead, Path: path},
			Result: rawString(err.Error()),
		})
		return
	}
	a.item(protocol.TimelineItem{
		Type:   protocol.ItemToolCall,
		CallID: callID,
		Name:   "Read",
		Title:  "Read " + path,
		Status: protocol.ToolStatusCompleted,
		Detail: &protocol.ToolDetail{
			Kind:    protocol.ToolKindRead,
			Path:    path,
			Content: string(content),
		},
	})
}

// writeScenario asks permission before touching the file unless the
// acceptEdits mode is active. Returns false when the turn was canceled
// mid-request.
func (a *agent) writeScenario(rest string) bool {
	path, content, _ := strings.Cut(rest, " ")
	if path == "" {
		path = filepath.Join(os.TempDir(), "mock-agent.txt")
	}
	if content == "" {
		content = "mock content"
	}

	if a.mode() != "acceptEdits" {
		optionID, ok := a.askPermission(protocol.PermissionRequest{
			ID:    uuid.NewString(),
			Name:  "Write",
			Title: "Write " + path,
			Kind:  protocol.ToolKindWrite,
			Input: rawString(path),
			Options: []protocol.PermissionOption{
				{OptionID: "allow", Name: "Allow", Kind: protocol.PermissionAllowOnce},
				{OptionID: "allow_always", Name: "Always allow", Kind: protocol.PermissionAllowAlways},
				{OptionID: "deny", Name: "Deny", Kind: protocol.PermissionRejectOnce},
			},
		})
		if !ok {
			return false
		}
		if optionID == "deny" {
			a.item(protocol.TimelineItem{
				Type:   protocol.ItemToolCall,
				CallID: nextCallID(),
				Name:   "Write",
				Title:  "Write " + path,
				Status: protocol.ToolStatusFailed,
				Detail: &protocol.ToolDetail{Kind: protocol.ToolKindWrite, Path: path},
				Result: rawString("permission denied"),
			})
			return true
		}
	}

	callID := nextCallID()
	a.item(protocol.TimelineItem{
		Type:   protocol.ItemToolCall,
		CallID: callID,
		Name:   "Write",
		Title:  "Write " + path,
		Status: protocol.ToolStatusRunning,
		Detail: &protocol.ToolDetail{Kind: protocol.ToolKindWrite, Path: path},
	})

	status := protocol.ToolStatusCompleted
	result := "ok"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		status = protocol.ToolStatusFailed
		result = err.Error()
	}
	a.item(protocol.TimelineItem{
		Type:   protocol.ItemToolCall,
		CallID: callID,
		Name:   "Write",
		Title:  "Write " + path,
		Status: status,
		Detail: &protocol.ToolDetail{
			Kind:    protocol.ToolKindWrite,
			Path:    path,
			Content: content,
		},
		Result: rawString(result),
	})
	return true
}

func rawString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
