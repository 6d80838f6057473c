package manager

import (
	"context"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/pkg/protocol"
)

// SendMessage submits a user message to an agent.
func (m *Manager) SendMessage(ctx context.Context, req protocol.SendAgentMessage) error {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return err
	}
	return inst.Send(ctx, req)
}

// CancelAgent interrupts an agent's in-flight turn. Duplicate cancels and
// cancels of an idle agent are tolerated.
func (m *Manager) CancelAgent(ctx context.Context, req protocol.CancelAgentRequest) error {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return err
	}
	return inst.Cancel(ctx)
}

// ResolvePermission answers a pending permission request.
func (m *Manager) ResolvePermission(ctx context.Context, req protocol.AgentPermissionResponse) error {
	if req.RequestID == "" {
		return errors.Invalid("requestId is required")
	}
	if req.OptionID == "" {
		switch req.Behavior {
		case protocol.BehaviorAllow, protocol.BehaviorDeny:
		case "":
			return errors.Invalid("optionId or behavior is required")
		default:
			return errors.Invalidf("unknown behavior '%s'", req.Behavior)
		}
	}
	inst, err := m.get(req.AgentID)
	if err != nil {
		return err
	}
	return inst.ResolvePermission(ctx, req)
}

// SetMode switches an agent's mode and returns the refreshed snapshot.
func (m *Manager) SetMode(ctx context.Context, req protocol.SetAgentModeRequest) (protocol.AgentSnapshot, error) {
	if req.ModeID == "" {
		return protocol.AgentSnapshot{}, errors.Invalid("modeId is required")
	}
	inst, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := inst.SetMode(ctx, req.ModeID); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// SetModel switches an agent's model and returns the refreshed snapshot.
func (m *Manager) SetModel(ctx context.Context, req protocol.SetAgentModelRequest) (protocol.AgentSnapshot, error) {
	if req.ModelID == "" {
		return protocol.AgentSnapshot{}, errors.Invalid("modelId is required")
	}
	inst, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := inst.SetModel(ctx, req.ModelID); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// SetThinkingOption switches an agent's thinking budget and returns the
// refreshed snapshot.
func (m *Manager) SetThinkingOption(ctx context.Context, req protocol.SetAgentThinkingRequest) (protocol.AgentSnapshot, error) {
	if req.ThinkingOptionID == "" {
		return protocol.AgentSnapshot{}, errors.Invalid("thinkingOptionId is required")
	}
	inst, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := inst.SetThinkingOption(ctx, req.ThinkingOptionID); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// SetVariant switches an agent's model variant and returns the refreshed
// snapshot.
func (m *Manager) SetVariant(ctx context.Context, req protocol.SetAgentVariantRequest) (protocol.AgentSnapshot, error) {
	if req.VariantID == "" {
		return protocol.AgentSnapshot{}, errors.Invalid("variantId is required")
	}
	inst, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := inst.SetVariant(ctx, req.VariantID); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// SetTitle renames an agent. An empty title clears the name.
func (m *Manager) SetTitle(req protocol.SetAgentTitleRequest) (protocol.AgentSnapshot, error) {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := inst.SetTitle(req.Title); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// ClearAttention drops an agent's attention flag. Called when a client
// focuses the agent. Attention for pending permissions sticks until the
// permission is settled.
func (m *Manager) ClearAttention(agentID string) error {
	inst, err := m.get(agentID)
	if err != nil {
		return err
	}
	inst.ClearAttention()
	return nil
}

// ListProviderModels queries a provider's model catalog without an agent.
func (m *Manager) ListProviderModels(ctx context.Context, req protocol.ListProviderModelsRequest) ([]protocol.ModelInfo, error) {
	if req.Provider == "" {
		return nil, errors.Invalid("provider is required")
	}
	return m.catalog.Models(ctx, req.Provider, req.Cwd)
}

// WaitForAgent blocks until the agent is out of a working status
// (running or initializing) and returns its snapshot. The context bounds
// the wait; expiry produces a TIMEOUT error.
func (m *Manager) WaitForAgent(ctx context.Context, agentID string) (protocol.AgentSnapshot, error) {
	inst, err := m.get(agentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}

	changed := make(chan struct{}, 1)
	sub, err := m.bus.Subscribe(events.BuildAgentStateSubject(agentID), func(_ context.Context, _ *bus.Event) error {
		select {
		case changed <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return protocol.AgentSnapshot{}, errors.Internal("subscribing to agent state", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		snap := inst.Snapshot()
		switch snap.Status {
		case protocol.StatusRunning, protocol.StatusInitializing:
		default:
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return protocol.AgentSnapshot{}, errors.Timeout("waiting for agent " + agentID)
		case <-changed:
		}
	}
}
