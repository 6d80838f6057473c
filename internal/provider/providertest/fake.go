// Package providertest provides an in-process fake provider for tests.
// The fake implements provider.AgentClient without spawning a process;
// tests script its behavior by emitting events and inspecting what the
// daemon sent it.
package providertest

import (
	"context"
	"sync"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/pkg/protocol"
)

// DefaultConfig returns the runtime configuration fakes hand out on
// handshake unless a test overrides it.
func DefaultConfig() protocol.AgentRuntimeConfig {
	return protocol.AgentRuntimeConfig{
		ModeID:  "default",
		ModelID: "fake-small",
		AvailableModes: []protocol.ModeInfo{
			{ID: "default", Name: "Default"},
			{ID: "plan", Name: "Plan"},
		},
		AvailableModels: []protocol.ModelInfo{
			{ID: "fake-small", Name: "Fake Small", Default: true},
			{ID: "fake-large", Name: "Fake Large"},
		},
		AvailableThinkingOptions: []protocol.ThinkingInfo{
			{ID: "off", Name: "Off"},
			{ID: "high", Name: "High"},
		},
	}
}

// Fake is a scriptable provider session.
type Fake struct {
	mu sync.Mutex

	handle string
	config protocol.AgentRuntimeConfig

	startErr error
	sendErr  error
	started  bool

	sent        []provider.UserMessage
	resolutions []protocol.PermissionResolution
	cancels     int

	// OnSend, when set, runs synchronously inside Send after the message
	// is recorded. Tests use it to script replies.
	OnSend func(msg provider.UserMessage)

	events    chan provider.Event
	closeOnce sync.Once
}

// NewFake returns a fake session announcing the given handle and config.
func NewFake(handle string, config protocol.AgentRuntimeConfig) *Fake {
	return &Fake{
		handle: handle,
		config: config,
		events: make(chan provider.Event, 64),
	}
}

// SetStartErr makes Start fail.
func (f *Fake) SetStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// SetSendErr makes Send fail.
func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Start implements provider.AgentClient.
func (f *Fake) Start(_ context.Context) (*provider.Handshake, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = true
	return &provider.Handshake{SessionHandle: f.handle, Config: f.config}, nil
}

// Send implements provider.AgentClient.
func (f *Fake) Send(_ context.Context, msg provider.UserMessage) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	hook := f.OnSend
	f.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Cancel implements provider.AgentClient.
func (f *Fake) Cancel(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

// ResolvePermission implements provider.AgentClient.
func (f *Fake) ResolvePermission(_ context.Context, res protocol.PermissionResolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolutions = append(f.resolutions, res)
	return nil
}

// SetMode implements provider.AgentClient.
func (f *Fake) SetMode(_ context.Context, modeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config.ModeID = modeID
	return nil
}

// SetModel implements provider.AgentClient.
func (f *Fake) SetModel(_ context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config.ModelID = modelID
	return nil
}

// SetThinkingOption implements provider.AgentClient.
func (f *Fake) SetThinkingOption(_ context.Context, optionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config.ThinkingOptionID = optionID
	return nil
}

// SetVariant implements provider.AgentClient.
func (f *Fake) SetVariant(_ context.Context, variantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config.VariantID = variantID
	return nil
}

// Events implements provider.AgentClient.
func (f *Fake) Events() <-chan provider.Event {
	return f.events
}

// SessionHandle implements provider.AgentClient.
func (f *Fake) SessionHandle() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

// Close implements provider.AgentClient. The event stream ends cleanly.
func (f *Fake) Close() error {
	f.terminate(nil)
	return nil
}

// Die ends the event stream as if the provider process crashed.
func (f *Fake) Die(err error) {
	f.terminate(err)
}

func (f *Fake) terminate(err error) {
	f.closeOnce.Do(func() {
		f.events <- provider.Event{Type: provider.EventClosed, Err: err}
		close(f.events)
	})
}

// --- scripting helpers ---

// EmitTurnStarted emits a turn_started event.
func (f *Fake) EmitTurnStarted() {
	f.events <- provider.Event{Type: provider.EventTurnStarted}
}

// EmitItem emits one timeline item.
func (f *Fake) EmitItem(item protocol.TimelineItem) {
	f.events <- provider.Event{Type: provider.EventItem, Item: &item}
}

// EmitTurnCompleted emits a turn_completed event.
func (f *Fake) EmitTurnCompleted(usage *protocol.Usage) {
	f.events <- provider.Event{Type: provider.EventTurnCompleted, Usage: usage}
}

// EmitTurnFailed emits a turn_failed event.
func (f *Fake) EmitTurnFailed(message string) {
	f.events <- provider.Event{Type: provider.EventTurnFailed, Message: message}
}

// EmitTurnCanceled emits a turn_canceled event.
func (f *Fake) EmitTurnCanceled() {
	f.events <- provider.Event{Type: provider.EventTurnCanceled}
}

// EmitPermissionRequest emits a permission_requested event.
func (f *Fake) EmitPermissionRequest(req protocol.PermissionRequest) {
	f.events <- provider.Event{Type: provider.EventPermissionRequested, Permission: &req}
}

// EmitPermissionResolved emits a permission_resolved event.
func (f *Fake) EmitPermissionResolved(res protocol.PermissionResolution) {
	f.events <- provider.Event{Type: provider.EventPermissionResolved, Resolution: &res}
}

// EmitConfigChanged emits a config_changed event and records the config.
func (f *Fake) EmitConfigChanged(config protocol.AgentRuntimeConfig) {
	f.mu.Lock()
	f.config = config
	f.mu.Unlock()
	f.events <- provider.Event{Type: provider.EventConfigChanged, Config: &config}
}

// --- inspection helpers ---

// Sent returns the user messages received so far.
func (f *Fake) Sent() []provider.UserMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.UserMessage(nil), f.sent...)
}

// Resolutions returns the permission resolutions received so far.
func (f *Fake) Resolutions() []protocol.PermissionResolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.PermissionResolution(nil), f.resolutions...)
}

// Cancels returns how many times Cancel was called.
func (f *Fake) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// Config returns the fake's current runtime configuration.
func (f *Fake) Config() protocol.AgentRuntimeConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// Started reports whether Start was called.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Factory creates Fake clients and remembers them by agent ID so tests
// can reach the session the daemon is driving.
type Factory struct {
	mu      sync.Mutex
	clients map[string]*Fake
	resumes map[string]string

	// NewErr makes New fail, simulating a missing provider binary.
	NewErr error

	// StartErr is applied to every created fake.
	StartErr error

	// Models is returned by ListModels.
	Models []protocol.ModelInfo

	// Config overrides the handshake configuration for created fakes.
	Config *protocol.AgentRuntimeConfig
}

// NewFactory returns an empty factory with the default model list.
func NewFactory() *Factory {
	return &Factory{
		clients: make(map[string]*Fake),
		resumes: make(map[string]string),
		Models:  DefaultConfig().AvailableModels,
	}
}

// New implements provider.Factory.
func (fa *Factory) New(_ provider.Descriptor, cfg provider.ClientConfig) (provider.AgentClient, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.NewErr != nil {
		return nil, fa.NewErr
	}

	config := DefaultConfig()
	if fa.Config != nil {
		config = *fa.Config
	}
	handle := "sess-" + cfg.AgentID
	if cfg.Resume != "" {
		handle = cfg.Resume
	}

	f := NewFake(handle, config)
	if fa.StartErr != nil {
		f.startErr = fa.StartErr
	}
	fa.clients[cfg.AgentID] = f
	fa.resumes[cfg.AgentID] = cfg.Resume
	return f, nil
}

// ListModels implements provider.Factory.
func (fa *Factory) ListModels(_ context.Context, d provider.Descriptor, _ string) ([]protocol.ModelInfo, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.NewErr != nil {
		return nil, errors.ProviderUnavailable(d.Name, fa.NewErr)
	}
	return append([]protocol.ModelInfo(nil), fa.Models...), nil
}

// Client returns the fake created for an agent, or nil.
func (fa *Factory) Client(agentID string) *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.clients[agentID]
}

// Resume returns the resume handle the daemon passed when creating the
// agent's client.
func (fa *Factory) Resume(agentID string) string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.resumes[agentID]
}
