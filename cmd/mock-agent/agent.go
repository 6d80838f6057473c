package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/paseo/paseo/internal/provider/streamjson"
	"github.com/paseo/paseo/pkg/protocol"
)

// agent holds the mock session state: the runtime config it reports and
// at most one turn in flight.
type agent struct {
	w         *writer
	sessionID string

	mu     sync.Mutex
	config protocol.AgentRuntimeConfig

	turnMu   sync.Mutex
	turnDone chan struct{}
	cancelCh chan struct{}
	permCh   chan streamjson.Input
}

func newAgent(out io.Writer, resume string) *agent {
	sessionID := resume
	if sessionID == "" {
		// Each session spawns its own process, so the pid is unique across
		// parallel sessions.
		sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())
	}
	return &agent{
		w:         &writer{enc: json.NewEncoder(out)},
		sessionID: sessionID,
		config:    defaultConfig(),
	}
}

func defaultConfig() protocol.AgentRuntimeConfig {
	return protocol.AgentRuntimeConfig{
		ModeID:  "default",
		ModelID: "mock-standard",
		AvailableModes: []protocol.ModeInfo{
			{ID: "default", Name: "Default"},
			{ID: "plan", Name: "Plan"},
			{ID: "acceptEdits", Name: "Accept Edits"},
		},
		AvailableModels: []protocol.ModelInfo{
			{ID: "mock-standard", Name: "Mock Standard", Default: true},
			{ID: "mock-fast", Name: "Mock Fast"},
		},
		AvailableThinkingOptions: []protocol.ThinkingInfo{
			{ID: "off", Name: "Off"},
			{ID: "extended", Name: "Extended"},
		},
		Capabilities: protocol.Capabilities{
			Resume:     true,
			LiveSwitch: true,
		},
	}
}

func (a *agent) sendHandshake() {
	a.mu.Lock()
	cfg := a.config
	a.mu.Unlock()
	a.w.send(streamjson.Output{
		Type:      streamjson.OutputSession,
		SessionID: a.sessionID,
		Config:    &cfg,
	})
}

func (a *agent) sendConfig() {
	a.mu.Lock()
	cfg := a.config
	a.mu.Unlock()
	a.w.send(streamjson.Output{Type: streamjson.OutputConfig, Config: &cfg})
}

func (a *agent) setMode(modeID string) {
	a.mu.Lock()
	a.config.ModeID = modeID
	a.mu.Unlock()
	a.sendConfig()
}

func (a *agent) setModel(modelID string) {
	a.mu.Lock()
	a.config.ModelID = modelID
	a.mu.Unlock()
	a.sendConfig()
}

func (a *agent) setThinkingOption(optionID string) {
	a.mu.Lock()
	a.config.ThinkingOptionID = optionID
	a.mu.Unlock()
	a.sendConfig()
}

func (a *agent) setVariant(variantID string) {
	a.mu.Lock()
	a.config.VariantID = variantID
	a.mu.Unlock()
	a.sendConfig()
}

// mode returns the current mode, used by scenarios that honor acceptEdits.
func (a *agent) mode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.ModeID
}

// startTurn runs the scenario selected by the prompt in the background so
// the main loop keeps consuming cancel and permission lines.
func (a *agent) startTurn(in streamjson.Input) {
	a.turnMu.Lock()
	if a.turnDone != nil {
		a.turnMu.Unlock()
		a.w.send(streamjson.Output{
			Type:    streamjson.OutputTurnFailed,
			Message: "a turn is already running",
		})
		return
	}
	done := make(chan struct{})
	a.turnDone = done
	a.cancelCh = make(chan struct{})
	a.permCh = make(chan streamjson.Input, 1)
	a.turnMu.Unlock()

	go func() {
		defer func() {
			a.turnMu.Lock()
			a.turnDone = nil
			a.cancelCh = nil
			a.permCh = nil
			a.turnMu.Unlock()
			close(done)
		}()
		a.runTurn(in)
	}()
}

func (a *agent) cancelTurn() {
	a.turnMu.Lock()
	ch := a.cancelCh
	a.turnMu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

func (a *agent) resolvePermission(in streamjson.Input) {
	a.turnMu.Lock()
	ch := a.permCh
	a.turnMu.Unlock()
	if ch != nil {
		select {
		case ch <- in:
		default:
		}
	}
}

// waitTurn blocks until the in-flight turn, if any, finishes.
func (a *agent) waitTurn() {
	a.turnMu.Lock()
	done := a.turnDone
	a.turnMu.Unlock()
	if done != nil {
		a.cancelTurn()
		<-done
	}
}

func (a *agent) item(item protocol.TimelineItem) {
	a.w.send(streamjson.Output{Type: streamjson.OutputItem, Item: &item})
}

// canceled polls the turn's cancel channel.
func (a *agent) canceled() bool {
	a.turnMu.Lock()
	ch := a.cancelCh
	a.turnMu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// askPermission emits a permission request and blocks for the answer.
// Returns the chosen option id, or ok=false when the turn was canceled
// (the request is withdrawn with a canceled resolution).
func (a *agent) askPermission(req protocol.PermissionRequest) (string, bool) {
	a.turnMu.Lock()
	permCh := a.permCh
	cancelCh := a.cancelCh
	a.turnMu.Unlock()

	a.w.send(streamjson.Output{
		Type:    streamjson.OutputPermissionRequest,
		Request: &req,
	})

	select {
	case answer := <-permCh:
		a.w.send(streamjson.Output{
			Type: streamjson.OutputPermissionResolved,
			Resolution: &protocol.PermissionResolution{
				RequestID: req.ID,
				OptionID:  answer.OptionID,
				Canceled:  answer.Canceled,
			},
		})
		if answer.Canceled {
			return "", false
		}
		return answer.OptionID, true
	case <-cancelCh:
		a.w.send(streamjson.Output{
			Type: streamjson.OutputPermissionResolved,
			Resolution: &protocol.PermissionResolution{
				RequestID: req.ID,
				Canceled:  true,
			},
		})
		return "", false
	}
}
