// Package instance implements the per-agent runtime: one provider session,
// one append-only timeline, and the status machine tying them together.
// All mutations of a single agent serialize on its mutex; provider events
// are applied under the same mutex by the event pump.
package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/agent/timeline"
	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/internal/permission"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/internal/store"
	"github.com/paseo/paseo/pkg/protocol"
)

const (
	// eventSource tags bus events published by the agent runtime.
	eventSource = "agent-manager"

	// recentLimit bounds the dedup windows for user message ids and
	// settled permission request ids.
	recentLimit = 256

	// seedLimit is how many trailing rows feed the tool tracker when a
	// persisted timeline is reopened.
	seedLimit = 512
)

// Deps carries everything an Instance needs. All fields are required
// except HandshakeTimeout.
type Deps struct {
	Record     store.AgentRecord
	Registry   *store.Registry
	Timeline   *store.TimelineLog
	Broker     *permission.Broker
	Bus        bus.EventBus
	Factory    provider.Factory
	Descriptor provider.Descriptor
	Logger     *logger.Logger

	// HandshakeTimeout bounds provider session establishment. Zero uses
	// the provider default.
	HandshakeTimeout time.Duration
}

// Instance is the live runtime of one agent.
type Instance struct {
	id               string
	registry         *store.Registry
	timeline         *store.TimelineLog
	broker           *permission.Broker
	bus              bus.EventBus
	factory          provider.Factory
	descriptor       provider.Descriptor
	logger           *logger.Logger
	handshakeTimeout time.Duration

	mu           sync.Mutex
	rec          store.AgentRecord
	status       string
	errorMessage string
	attention    *protocol.Attention
	tracker      *timeline.ToolTracker
	client       provider.AgentClient
	clientGen    int
	initInFlight bool
	destroyed    bool
	pumpDone     chan struct{}

	recentMessages *recentIDs
	recentResolved *recentIDs

	// outbox holds bus events queued under mu and published after it is
	// released; flushMu keeps the publish order equal to the queue order.
	outbox  []outEvent
	flushMu sync.Mutex
}

type outEvent struct {
	subject string
	typ     string
	data    any
}

func build(deps Deps) *Instance {
	return &Instance{
		id:               deps.Record.ID,
		registry:         deps.Registry,
		timeline:         deps.Timeline,
		broker:           deps.Broker,
		bus:              deps.Bus,
		factory:          deps.Factory,
		descriptor:       deps.Descriptor,
		logger:           deps.Logger.WithAgentID(deps.Record.ID),
		handshakeTimeout: deps.HandshakeTimeout,
		rec:              deps.Record,
		tracker:          timeline.NewToolTracker(),
		recentMessages:   newRecentIDs(recentLimit),
		recentResolved:   newRecentIDs(recentLimit),
	}
}

// New creates the runtime for a freshly created agent and persists its
// record. The caller follows up with Initialize.
func New(deps Deps) (*Instance, error) {
	a := build(deps)
	a.status = protocol.StatusInitializing
	a.rec.LastStatus = protocol.StatusIdle
	if err := a.registry.Put(a.rec); err != nil {
		return nil, errors.Internal("persisting agent record", err)
	}
	return a, nil
}

// Load rebuilds the runtime of a persisted agent. The provider session is
// not started; the first send, or an explicit initialize or resume, does
// that.
func Load(deps Deps) *Instance {
	a := build(deps)
	a.status = loadedStatus(deps.Record.LastStatus)

	rows, err := a.timeline.Tail(seedLimit)
	if err != nil {
		a.logger.Warn("Could not seed tool tracker from timeline", zap.Error(err))
	} else {
		a.tracker.Seed(rows)
	}
	return a
}

// loadedStatus maps a persisted status to the status a restarted daemon
// exposes. Volatile statuses collapse to idle.
func loadedStatus(s string) string {
	switch s {
	case protocol.StatusError, protocol.StatusClosed:
		return s
	default:
		return protocol.StatusIdle
	}
}

// ID returns the agent id.
func (a *Instance) ID() string { return a.id }

// Provider returns the provider name the agent was created with.
func (a *Instance) Provider() string { return a.rec.Provider }

// Cwd returns the agent's working directory.
func (a *Instance) Cwd() string { return a.rec.Cwd }

// Snapshot returns the agent's wire representation.
func (a *Instance) Snapshot() protocol.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Archived reports whether the agent was soft-deleted.
func (a *Instance) Archived() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.ArchivedAt != nil
}

// TimelineLog exposes the agent's canonical log for snapshot reads.
func (a *Instance) TimelineLog() (*store.TimelineLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return nil, errors.NotFound("agent", a.id)
	}
	return a.timeline, nil
}

// Initialize starts the provider session, resuming the persisted provider
// session when a handle survived. It is a no-op when a session is already
// live and healthy.
func (a *Instance) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.NotFound("agent", a.id)
	}
	if a.client != nil && a.status != protocol.StatusError {
		a.mu.Unlock()
		return nil
	}
	if a.initInFlight {
		a.mu.Unlock()
		return errors.Invalidf("agent '%s' is already initializing", a.id)
	}
	a.initInFlight = true
	old := a.client
	a.client = nil
	a.clientGen++
	gen := a.clientGen
	resume := a.rec.Persistence
	a.setStatusLocked(protocol.StatusInitializing, "")
	a.queueStateLocked()
	a.mu.Unlock()
	a.flushOutbox()

	if old != nil {
		_ = old.Close()
	}

	client, err := a.factory.New(a.descriptor, provider.ClientConfig{
		AgentID:          a.id,
		Cwd:              a.rec.Cwd,
		Resume:           resume,
		HandshakeTimeout: a.handshakeTimeout,
		Logger:           a.logger,
	})
	var hs *provider.Handshake
	if err == nil {
		hs, err = client.Start(ctx)
	}

	a.mu.Lock()
	a.initInFlight = false
	if a.destroyed || gen != a.clientGen {
		a.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		return errors.Invalidf("agent '%s' is closed", a.id)
	}
	if err != nil {
		a.setStatusLocked(protocol.StatusError, errors.MessageOf(err))
		a.setAttentionLocked(protocol.AttentionError)
		a.persistLocked()
		a.queueStateLocked()
		a.mu.Unlock()
		a.flushOutbox()
		if errors.CodeOf(err) == errors.CodeInternal {
			return errors.ProviderUnavailable(a.rec.Provider, err)
		}
		return err
	}

	a.client = client
	if hs.SessionHandle != "" {
		a.rec.Persistence = hs.SessionHandle
	}
	a.mergeConfigLocked(hs.Config)
	a.setStatusLocked(protocol.StatusIdle, "")
	a.persistLocked()
	a.queueStateLocked()
	done := make(chan struct{})
	a.pumpDone = done
	a.mu.Unlock()
	a.flushOutbox()

	go a.pump(client, gen, done)
	return nil
}

// Resume tears down whatever provider session exists and starts a fresh
// one, reattaching through the persisted session handle when the provider
// supports that.
func (a *Instance) Resume(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.NotFound("agent", a.id)
	}
	if a.status == protocol.StatusRunning {
		a.mu.Unlock()
		return errors.Invalidf("agent '%s' is running a turn; cancel it before resuming", a.id)
	}
	if a.initInFlight {
		a.mu.Unlock()
		return errors.Invalidf("agent '%s' is already initializing", a.id)
	}
	old := a.client
	a.client = nil
	a.clientGen++
	done := a.pumpDone
	a.pumpDone = nil
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if done != nil {
		<-done
	}
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	// A successful resume brings an archived agent back into the default
	// directory listing.
	a.mu.Lock()
	if a.rec.ArchivedAt != nil {
		a.rec.ArchivedAt = nil
		a.touchLocked()
		a.persistLocked()
		a.queueStateLocked()
	}
	a.mu.Unlock()
	a.flushOutbox()
	return nil
}

// Send submits a user message and starts a turn. Agents in error state
// (and persisted agents without a live session) are re-initialized first;
// when that fails the agent stays in error and the caller sees
// PROVIDER_UNAVAILABLE.
func (a *Instance) Send(ctx context.Context, msg protocol.SendAgentMessage) error {
	if strings.TrimSpace(msg.Text) == "" && len(msg.Attachments) == 0 {
		return errors.Invalid("message text is empty")
	}

	for attempt := 0; ; attempt++ {
		a.mu.Lock()
		dup, err := a.sendGuardsLocked(msg.MessageID)
		if err != nil || dup {
			a.mu.Unlock()
			return err
		}
		if a.client != nil && a.status != protocol.StatusError {
			break
		}
		a.mu.Unlock()
		if attempt > 0 {
			return errors.ProviderUnavailable(a.rec.Provider, nil)
		}
		if err := a.Initialize(ctx); err != nil {
			return err
		}
	}

	if len(msg.Attachments) > 0 && !a.rec.Config.Capabilities.Images {
		a.mu.Unlock()
		return errors.Unsupported(fmt.Sprintf("provider '%s' does not accept attachments", a.rec.Provider))
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	item := protocol.TimelineItem{
		Type:        protocol.ItemUserMessage,
		Text:        msg.Text,
		MessageID:   messageID,
		Attachments: msg.Attachments,
	}
	if _, err := a.appendItemLocked(item); err != nil {
		a.mu.Unlock()
		a.flushOutbox()
		return errors.Internal("persisting user message", err)
	}
	a.recentMessages.Add(messageID)
	a.setStatusLocked(protocol.StatusRunning, "")
	a.attention = nil
	a.persistLocked()
	a.queueStateLocked()
	client := a.client
	a.mu.Unlock()
	a.flushOutbox()

	um := provider.UserMessage{MessageID: messageID, Text: msg.Text, Attachments: msg.Attachments}
	if err := client.Send(ctx, um); err != nil {
		a.mu.Lock()
		a.setStatusLocked(protocol.StatusError, "sending message failed: "+err.Error())
		a.setAttentionLocked(protocol.AttentionError)
		a.persistLocked()
		a.queueStateLocked()
		a.mu.Unlock()
		a.flushOutbox()
		return errors.Wrap(err, "sending message to provider")
	}
	return nil
}

// sendGuardsLocked checks the preconditions of Send. dup is true when the
// message id was already accepted, which callers treat as a successful
// retry. Outstanding permissions win over the status guard: an agent
// paused on a permission is also running, and the caller needs the more
// actionable error.
func (a *Instance) sendGuardsLocked(messageID string) (dup bool, err error) {
	if a.destroyed {
		return false, errors.NotFound("agent", a.id)
	}
	if messageID != "" && a.recentMessages.Has(messageID) {
		return true, nil
	}
	if a.broker.HasPending(a.id) {
		return false, errors.PermissionsOutstanding(a.id)
	}
	switch a.status {
	case protocol.StatusRunning:
		return false, errors.Invalidf("agent '%s' is already running a turn", a.id)
	case protocol.StatusInitializing:
		return false, errors.Invalidf("agent '%s' is still initializing", a.id)
	case protocol.StatusClosed:
		return false, errors.Invalidf("agent '%s' is closed; resume it to continue", a.id)
	}
	return false, nil
}

// Cancel interrupts the in-flight turn. Cancels of an agent that is not
// running are acknowledged without effect, so racing duplicates are
// harmless.
func (a *Instance) Cancel(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.NotFound("agent", a.id)
	}
	if a.status != protocol.StatusRunning || a.client == nil {
		a.mu.Unlock()
		return nil
	}
	client := a.client
	a.mu.Unlock()

	if err := client.Cancel(ctx); err != nil {
		return errors.Wrap(err, "canceling turn")
	}
	return nil
}

// ResolvePermission settles a pending permission request with the chosen
// option and forwards the decision to the provider. A response carrying a
// bare behavior instead of an optionId is mapped onto the request's
// matching allow/reject option, or passed through verbatim when the
// request offered no options. Duplicate decisions for a recently settled
// request are acknowledged without effect.
func (a *Instance) ResolvePermission(ctx context.Context, req protocol.AgentPermissionResponse) error {
	requestID := req.RequestID
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.NotFound("agent", a.id)
	}
	pend, ok := a.broker.Get(requestID)
	if !ok || pend.AgentID != a.id {
		dup := a.recentResolved.Has(requestID)
		a.mu.Unlock()
		if dup {
			return nil
		}
		return errors.NotFound("permission request", requestID)
	}
	optionID := req.OptionID
	if optionID == "" {
		mapped, err := optionForBehavior(pend.Request.Options, req.Behavior)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		optionID = mapped
	}
	if len(pend.Request.Options) > 0 && !hasOption(pend.Request.Options, optionID) {
		a.mu.Unlock()
		return errors.Invalidf("option '%s' is not offered by permission request '%s'", optionID, requestID)
	}

	a.broker.Resolve(requestID)
	a.recentResolved.Add(requestID)
	res := protocol.PermissionResolution{RequestID: requestID, OptionID: optionID, Message: req.Message}
	a.queuePermissionResolvedLocked(res)
	if a.attention != nil && a.attention.Reason == protocol.AttentionPermission && !a.broker.HasPending(a.id) {
		a.attention = nil
	}
	a.touchLocked()
	a.persistLocked()
	a.queueStateLocked()
	client := a.client
	a.mu.Unlock()
	a.flushOutbox()

	if client != nil {
		if err := client.ResolvePermission(ctx, res); err != nil {
			return errors.Wrap(err, "delivering permission resolution")
		}
	}
	return nil
}

// optionForBehavior maps allow/deny onto the matching option, preferring
// the once-scoped kind. Requests without options take the behavior itself
// as the option id.
func optionForBehavior(options []protocol.PermissionOption, behavior string) (string, error) {
	var kinds []string
	switch behavior {
	case protocol.BehaviorAllow:
		kinds = []string{protocol.PermissionAllowOnce, protocol.PermissionAllowAlways}
	case protocol.BehaviorDeny:
		kinds = []string{protocol.PermissionRejectOnce, protocol.PermissionRejectAlways}
	default:
		return "", errors.Invalidf("unknown behavior '%s'", behavior)
	}
	if len(options) == 0 {
		return behavior, nil
	}
	for _, kind := range kinds {
		for _, opt := range options {
			if opt.Kind == kind {
				return opt.OptionID, nil
			}
		}
	}
	return "", errors.Invalidf("no option matches behavior '%s'", behavior)
}

func hasOption(options []protocol.PermissionOption, optionID string) bool {
	for _, opt := range options {
		if opt.OptionID == optionID {
			return true
		}
	}
	return false
}

// SetMode switches the agent's mode.
func (a *Instance) SetMode(ctx context.Context, modeID string) error {
	return a.applySetting(ctx, "mode", modeID,
		func(c protocol.AgentRuntimeConfig) []string {
			ids := make([]string, len(c.AvailableModes))
			for i, m := range c.AvailableModes {
				ids[i] = m.ID
			}
			return ids
		},
		func(c *protocol.AgentRuntimeConfig) { c.ModeID = modeID },
		func(client provider.AgentClient) error { return client.SetMode(ctx, modeID) },
	)
}

// SetModel switches the agent's model.
func (a *Instance) SetModel(ctx context.Context, modelID string) error {
	return a.applySetting(ctx, "model", modelID,
		func(c protocol.AgentRuntimeConfig) []string {
			ids := make([]string, len(c.AvailableModels))
			for i, m := range c.AvailableModels {
				ids[i] = m.ID
			}
			return ids
		},
		func(c *protocol.AgentRuntimeConfig) { c.ModelID = modelID },
		func(client provider.AgentClient) error { return client.SetModel(ctx, modelID) },
	)
}

// SetThinkingOption switches the agent's thinking budget.
func (a *Instance) SetThinkingOption(ctx context.Context, optionID string) error {
	return a.applySetting(ctx, "thinking option", optionID,
		func(c protocol.AgentRuntimeConfig) []string {
			ids := make([]string, len(c.AvailableThinkingOptions))
			for i, o := range c.AvailableThinkingOptions {
				ids[i] = o.ID
			}
			return ids
		},
		func(c *protocol.AgentRuntimeConfig) { c.ThinkingOptionID = optionID },
		func(client provider.AgentClient) error { return client.SetThinkingOption(ctx, optionID) },
	)
}

// SetVariant switches the agent's model variant.
func (a *Instance) SetVariant(ctx context.Context, variantID string) error {
	return a.applySetting(ctx, "variant", variantID,
		func(c protocol.AgentRuntimeConfig) []string {
			ids := make([]string, len(c.AvailableVariants))
			for i, v := range c.AvailableVariants {
				ids[i] = v.ID
			}
			return ids
		},
		func(c *protocol.AgentRuntimeConfig) { c.VariantID = variantID },
		func(client provider.AgentClient) error { return client.SetVariant(ctx, variantID) },
	)
}

// applySetting validates and applies one runtime configuration change.
// The local config updates optimistically; a config_changed event from the
// provider corrects it if the provider settled on something else.
func (a *Instance) applySetting(ctx context.Context, kind, id string,
	offered func(protocol.AgentRuntimeConfig) []string,
	assign func(*protocol.AgentRuntimeConfig),
	call func(provider.AgentClient) error) error {

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.NotFound("agent", a.id)
	}
	if a.client == nil {
		a.mu.Unlock()
		return errors.Invalidf("agent '%s' has no live provider session", a.id)
	}
	if a.status == protocol.StatusRunning && !a.rec.Config.Capabilities.LiveSwitch {
		a.mu.Unlock()
		return errors.Unsupported(fmt.Sprintf(
			"provider '%s' does not accept %s changes while a turn is running", a.rec.Provider, kind))
	}
	if ids := offered(a.rec.Config); len(ids) > 0 && !containsString(ids, id) {
		a.mu.Unlock()
		return errors.Invalidf("%s '%s' is not offered by provider '%s'", kind, id, a.rec.Provider)
	}

	assign(&a.rec.Config)
	a.rec.LastModeID = a.rec.Config.ModeID
	a.touchLocked()
	a.persistLocked()
	a.queueStateLocked()
	client := a.client
	a.mu.Unlock()
	a.flushOutbox()

	if err := call(client); err != nil {
		return errors.Wrap(err, "applying "+kind+" change")
	}
	return nil
}

func containsString(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// SetTitle renames the agent. Titles are daemon-side only; the provider is
// not involved.
func (a *Instance) SetTitle(title string) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.NotFound("agent", a.id)
	}
	a.rec.Title = title
	a.touchLocked()
	a.persistLocked()
	a.queueStateLocked()
	a.mu.Unlock()
	a.flushOutbox()
	return nil
}

// ClearAttention clears finished and error attention after the user viewed
// the agent. Permission attention stays until the request is settled.
func (a *Instance) ClearAttention() {
	a.mu.Lock()
	if a.attention == nil {
		a.mu.Unlock()
		return
	}
	if a.attention.Reason == protocol.AttentionPermission && a.broker.HasPending(a.id) {
		a.mu.Unlock()
		return
	}
	a.attention = nil
	a.touchLocked()
	a.queueStateLocked()
	a.mu.Unlock()
	a.flushOutbox()
}

// Close terminates the provider session and moves the agent to closed.
// Pending permission requests are settled as canceled. Close is
// idempotent.
func (a *Instance) Close() error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	if a.status == protocol.StatusClosed && a.client == nil {
		a.mu.Unlock()
		return nil
	}
	old := a.client
	a.client = nil
	a.clientGen++
	done := a.pumpDone
	a.pumpDone = nil
	a.finishOpenToolsLocked()
	a.dropPendingLocked()
	a.setStatusLocked(protocol.StatusClosed, "")
	a.attention = nil
	a.persistLocked()
	a.queueStateLocked()
	a.mu.Unlock()
	a.flushOutbox()

	if old != nil {
		_ = old.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Archive closes the agent and marks it soft-deleted. The record and
// timeline stay on disk.
func (a *Instance) Archive() error {
	if err := a.Close(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.rec.ArchivedAt == nil {
		now := time.Now().UTC()
		a.rec.ArchivedAt = &now
		a.touchLocked()
		a.persistLocked()
		a.queueStateLocked()
	}
	a.mu.Unlock()
	a.flushOutbox()
	return nil
}

// Destroy closes the agent and detaches the runtime for hard deletion.
// The caller removes the registry record and timeline afterwards.
func (a *Instance) Destroy() error {
	err := a.Close()
	a.mu.Lock()
	a.destroyed = true
	a.mu.Unlock()
	return err
}

// Shutdown stops the provider session for daemon shutdown without marking
// the agent closed: a later daemon run loads it back as idle.
func (a *Instance) Shutdown() {
	a.mu.Lock()
	old := a.client
	a.client = nil
	a.clientGen++
	done := a.pumpDone
	a.pumpDone = nil
	a.persistLocked()
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if done != nil {
		<-done
	}
}

// --- provider event pump ---

func (a *Instance) pump(client provider.AgentClient, gen int, done chan struct{}) {
	defer close(done)
	for ev := range client.Events() {
		a.handleEvent(gen, ev)
		a.flushOutbox()
	}
}

func (a *Instance) handleEvent(gen int, ev provider.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed || gen != a.clientGen {
		return
	}

	switch ev.Type {
	case provider.EventTurnStarted:
		if a.status != protocol.StatusRunning {
			a.setStatusLocked(protocol.StatusRunning, "")
			a.queueStateLocked()
		}

	case provider.EventItem:
		if ev.Item == nil {
			return
		}
		_, _ = a.appendItemLocked(*ev.Item)

	case provider.EventTurnCompleted:
		a.finishOpenToolsLocked()
		if ev.Usage != nil {
			a.rec.Usage.Add(*ev.Usage)
		}
		a.dropPendingLocked()
		a.setStatusLocked(protocol.StatusIdle, "")
		a.setAttentionLocked(protocol.AttentionFinished)
		a.persistLocked()
		a.queueStateLocked()

	case provider.EventTurnFailed:
		a.finishOpenToolsLocked()
		a.dropPendingLocked()
		msg := ev.Message
		if msg == "" {
			msg = "turn failed"
		}
		a.setStatusLocked(protocol.StatusError, msg)
		a.setAttentionLocked(protocol.AttentionError)
		a.persistLocked()
		a.queueStateLocked()

	case provider.EventTurnCanceled:
		a.finishOpenToolsLocked()
		a.dropPendingLocked()
		a.setStatusLocked(protocol.StatusIdle, "")
		a.attention = nil
		a.persistLocked()
		a.queueStateLocked()

	case provider.EventPermissionRequested:
		if ev.Permission == nil {
			return
		}
		req := *ev.Permission
		if req.CreatedAt.IsZero() {
			req.CreatedAt = time.Now().UTC()
		}
		req, fresh := a.broker.Add(a.id, req)
		if !fresh {
			return
		}
		a.setAttentionLocked(protocol.AttentionPermission)
		a.touchLocked()
		a.queueLocked(events.BuildPermissionRequestSubject(a.id), events.AgentPermissionRequest,
			protocol.AgentPermissionRequest{AgentID: a.id, Request: req})
		a.queueStateLocked()

	case provider.EventPermissionResolved:
		if ev.Resolution == nil {
			return
		}
		if _, ok := a.broker.Resolve(ev.Resolution.RequestID); !ok {
			return
		}
		a.recentResolved.Add(ev.Resolution.RequestID)
		a.queuePermissionResolvedLocked(*ev.Resolution)
		if a.attention != nil && a.attention.Reason == protocol.AttentionPermission && !a.broker.HasPending(a.id) {
			a.attention = nil
		}
		a.touchLocked()
		a.queueStateLocked()

	case provider.EventConfigChanged:
		if ev.Config == nil {
			return
		}
		a.mergeConfigLocked(*ev.Config)
		a.touchLocked()
		a.persistLocked()
		a.queueStateLocked()

	case provider.EventClosed:
		a.client = nil
		a.finishOpenToolsLocked()
		a.dropPendingLocked()
		msg := "provider exited unexpectedly"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		a.logger.Warn("Provider session ended", zap.String("status", a.status), zap.String("cause", msg))
		if a.status != protocol.StatusError && a.status != protocol.StatusClosed {
			a.setStatusLocked(protocol.StatusError, msg)
			a.setAttentionLocked(protocol.AttentionError)
		}
		a.persistLocked()
		a.queueStateLocked()
	}
}

// --- internals, all called with mu held ---

// appendItemLocked validates and appends one timeline item. A tool
// lifecycle violation is recorded as an error row instead of the offending
// item. A write failure moves the agent to error, because continuing the
// run would lose output silently.
func (a *Instance) appendItemLocked(item protocol.TimelineItem) (protocol.TimelineRow, error) {
	if err := a.tracker.Observe(item); err != nil {
		a.logger.Warn("Tool lifecycle violation", zap.Error(err))
		item = protocol.TimelineItem{
			Type:    protocol.ItemError,
			Message: err.Error(),
			Code:    "tool_lifecycle",
		}
	}

	row, err := a.timeline.Append(item, time.Now().UTC())
	if err != nil {
		a.logger.Error("Timeline append failed", zap.Error(err))
		a.setStatusLocked(protocol.StatusError, "timeline write failed: "+err.Error())
		a.setAttentionLocked(protocol.AttentionError)
		a.persistLocked()
		a.queueStateLocked()
		return protocol.TimelineRow{}, err
	}

	a.rec.LastActivityAt = row.CreatedAt
	if item.Type == protocol.ItemUserMessage {
		a.rec.LastUserMessageAt = row.CreatedAt
	}
	a.touchLocked()
	a.queueLocked(events.BuildAgentStreamSubject(a.id), events.AgentStream,
		protocol.AgentStream{AgentID: a.id, Event: row})
	return row, nil
}

// finishOpenToolsLocked appends a canceled terminal row for every tool
// call left open, keeping the one-terminal-per-call rule intact when a
// turn ends abruptly.
func (a *Instance) finishOpenToolsLocked() {
	for _, callID := range a.tracker.Open() {
		item := protocol.TimelineItem{
			Type:   protocol.ItemToolCall,
			CallID: callID,
			Status: protocol.ToolStatusCanceled,
		}
		if _, err := a.appendItemLocked(item); err != nil {
			return
		}
	}
}

// dropPendingLocked settles every pending permission request of this agent
// as canceled.
func (a *Instance) dropPendingLocked() {
	for _, req := range a.broker.DropAgent(a.id) {
		a.recentResolved.Add(req.ID)
		a.queuePermissionResolvedLocked(protocol.PermissionResolution{RequestID: req.ID, Canceled: true})
	}
}

// setStatusLocked moves the runtime status and keeps the durable status in
// sync. Volatile statuses persist as idle so a restart never resurrects a
// half-run turn.
func (a *Instance) setStatusLocked(status, errorMessage string) {
	a.status = status
	a.errorMessage = errorMessage
	switch status {
	case protocol.StatusInitializing, protocol.StatusRunning:
		a.rec.LastStatus = protocol.StatusIdle
	default:
		a.rec.LastStatus = status
	}
	a.touchLocked()
}

func (a *Instance) setAttentionLocked(reason string) {
	a.attention = &protocol.Attention{Reason: reason, Since: time.Now().UTC()}
}

// touchLocked advances UpdatedAt without ever moving it backwards.
func (a *Instance) touchLocked() {
	if now := time.Now().UTC(); now.After(a.rec.UpdatedAt) {
		a.rec.UpdatedAt = now
	}
}

// persistLocked flushes the record. A failed flush is logged and retried
// implicitly by the next mutation; the registry rewrites the whole
// document every time.
func (a *Instance) persistLocked() {
	if err := a.registry.Put(a.rec); err != nil {
		a.logger.Error("Persisting agent record failed", zap.Error(err))
	}
}

func (a *Instance) snapshotLocked() protocol.AgentSnapshot {
	snap := protocol.AgentSnapshot{
		ID:                a.id,
		Provider:          a.rec.Provider,
		Cwd:               a.rec.Cwd,
		Status:            a.status,
		Title:             a.rec.Title,
		Labels:            a.rec.Labels,
		CreatedAt:         a.rec.CreatedAt,
		UpdatedAt:         a.rec.UpdatedAt,
		LastActivityAt:    a.rec.LastActivityAt,
		LastUserMessageAt: a.rec.LastUserMessageAt,
		LastSeq:           a.timeline.LastSeq(),
		ErrorMessage:      a.errorMessage,
		Config:            a.rec.Config,
		Usage:             a.rec.Usage,
		ArchivedAt:        a.rec.ArchivedAt,
	}
	if a.attention != nil {
		att := *a.attention
		snap.Attention = &att
	}
	snap.PendingPermissions = a.broker.PendingFor(a.id)
	return snap
}

// mergeConfigLocked folds a provider-reported config into the record.
// Selections and offered lists replace only when the provider reports
// them; capabilities always come from the provider.
func (a *Instance) mergeConfigLocked(c protocol.AgentRuntimeConfig) {
	cur := &a.rec.Config
	if c.ModeID != "" {
		cur.ModeID = c.ModeID
	}
	if c.ModelID != "" {
		cur.ModelID = c.ModelID
	}
	if c.ThinkingOptionID != "" {
		cur.ThinkingOptionID = c.ThinkingOptionID
	}
	if c.VariantID != "" {
		cur.VariantID = c.VariantID
	}
	if c.AvailableModes != nil {
		cur.AvailableModes = c.AvailableModes
	}
	if c.AvailableModels != nil {
		cur.AvailableModels = c.AvailableModels
	}
	if c.AvailableThinkingOptions != nil {
		cur.AvailableThinkingOptions = c.AvailableThinkingOptions
	}
	if c.AvailableVariants != nil {
		cur.AvailableVariants = c.AvailableVariants
	}
	cur.Capabilities = c.Capabilities
	a.rec.LastModeID = cur.ModeID
}

// --- bus publishing ---

func (a *Instance) queueLocked(subject, eventType string, data any) {
	a.outbox = append(a.outbox, outEvent{subject: subject, typ: eventType, data: data})
}

func (a *Instance) queueStateLocked() {
	a.queueLocked(events.BuildAgentStateSubject(a.id), events.AgentState,
		protocol.AgentState{Agent: a.snapshotLocked()})
}

func (a *Instance) queuePermissionResolvedLocked(res protocol.PermissionResolution) {
	a.queueLocked(events.BuildPermissionResolvedSubject(a.id), events.AgentPermissionResolved,
		protocol.AgentPermissionResolved{AgentID: a.id, Resolution: res})
}

// flushOutbox publishes queued events. Callers must not hold mu: the
// in-memory bus runs handlers on the publishing goroutine. flushMu keeps
// concurrent flushers from reordering events.
func (a *Instance) flushOutbox() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	for {
		a.mu.Lock()
		pending := a.outbox
		a.outbox = nil
		a.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, ev := range pending {
			if err := a.bus.Publish(context.Background(), ev.subject, bus.NewEvent(ev.typ, eventSource, ev.data)); err != nil {
				a.logger.Warn("Publishing agent event failed",
					zap.String("subject", ev.subject), zap.Error(err))
			}
		}
	}
}

// --- recent id window ---

// recentIDs is a fixed-size set with FIFO eviction.
type recentIDs struct {
	order []string
	set   map[string]struct{}
	limit int
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{set: make(map[string]struct{}), limit: limit}
}

func (r *recentIDs) Add(id string) {
	if _, ok := r.set[id]; ok {
		return
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recentIDs) Has(id string) bool {
	_, ok := r.set[id]
	return ok
}
