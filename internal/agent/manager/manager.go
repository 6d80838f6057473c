// Package manager owns the directory of agents and the operations clients
// invoke on them. It creates, loads, and deletes agent instances, routes
// per-agent requests to them, and publishes directory-level events on the
// daemon bus. Everything an agent does to itself (status, timeline,
// permissions) lives in internal/agent/instance; the manager is the map
// around those instances.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/agent/catalog"
	"github.com/paseo/paseo/internal/agent/instance"
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
	// eventSource tags bus events published by the manager itself.
	eventSource = "agent-manager"

	// defaultSnapshotTimeout bounds timeline reads when Deps leaves
	// SnapshotTimeout unset.
	defaultSnapshotTimeout = 10 * time.Second
)

// Deps carries the manager's collaborators.
type Deps struct {
	Store     *store.Store
	Providers *provider.Registry
	Broker    *permission.Broker
	Bus       bus.EventBus
	Catalog   *catalog.Cache
	Logger    *logger.Logger

	// DefaultProvider is used when a create request omits one.
	DefaultProvider string

	// SnapshotTimeout bounds timeline snapshot reads. Zero uses 10s.
	SnapshotTimeout time.Duration

	// HandshakeTimeout is forwarded to instances. Zero uses the provider
	// default.
	HandshakeTimeout time.Duration
}

// Manager is the agent directory.
type Manager struct {
	store     *store.Store
	providers *provider.Registry
	broker    *permission.Broker
	bus       bus.EventBus
	catalog   *catalog.Cache
	logger    *logger.Logger

	defaultProvider  string
	snapshotTimeout  time.Duration
	handshakeTimeout time.Duration

	mu     sync.RWMutex
	agents map[string]*instance.Instance
}

// NewManager builds the manager and loads every persisted agent into
// memory. Provider sessions are not started here; the first send, or an
// explicit initialize or resume, does that per agent.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		store:            deps.Store,
		providers:        deps.Providers,
		broker:           deps.Broker,
		bus:              deps.Bus,
		catalog:          deps.Catalog,
		logger:           deps.Logger.WithFields(zap.String("component", "agent-manager")),
		defaultProvider:  deps.DefaultProvider,
		snapshotTimeout:  deps.SnapshotTimeout,
		handshakeTimeout: deps.HandshakeTimeout,
		agents:           make(map[string]*instance.Instance),
	}
	if m.snapshotTimeout <= 0 {
		m.snapshotTimeout = defaultSnapshotTimeout
	}
	m.loadPersisted()
	return m
}

func (m *Manager) loadPersisted() {
	for _, rec := range m.store.Registry().List() {
		d, f, err := m.providers.Factory(rec.Provider)
		if err != nil {
			// The record stays on disk; the agent reappears once the
			// provider is configured again.
			m.logger.Warn("Skipping persisted agent with unusable provider",
				zap.String("agent_id", rec.ID),
				zap.String("provider", rec.Provider),
				zap.Error(err))
			continue
		}
		tl, err := m.store.Timeline(rec.ID)
		if err != nil {
			m.logger.Warn("Skipping persisted agent with unreadable timeline",
				zap.String("agent_id", rec.ID),
				zap.Error(err))
			continue
		}
		m.agents[rec.ID] = instance.Load(m.instanceDeps(rec, d, f, tl))
	}
	if len(m.agents) > 0 {
		m.logger.Info("Loaded persisted agents", zap.Int("count", len(m.agents)))
	}
}

func (m *Manager) instanceDeps(rec store.AgentRecord, d provider.Descriptor, f provider.Factory, tl *store.TimelineLog) instance.Deps {
	return instance.Deps{
		Record:           rec,
		Registry:         m.store.Registry(),
		Timeline:         tl,
		Broker:           m.broker,
		Bus:              m.bus,
		Factory:          f,
		Descriptor:       d,
		Logger:           m.logger,
		HandshakeTimeout: m.handshakeTimeout,
	}
}

// get resolves an agent id to its live instance.
func (m *Manager) get(agentID string) (*instance.Instance, error) {
	if agentID == "" {
		return nil, errors.Invalid("agentId is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.agents[agentID]
	if !ok {
		return nil, errors.NotFound("agent", agentID)
	}
	return inst, nil
}

// CreateAgent validates the request, persists a new agent record, starts
// its provider session, and applies any requested configuration. A failure
// after the record exists unwinds completely: no half-created agent
// survives.
func (m *Manager) CreateAgent(ctx context.Context, req protocol.CreateAgentRequest) (protocol.AgentSnapshot, error) {
	providerName := req.Provider
	if providerName == "" {
		providerName = m.defaultProvider
	}
	if providerName == "" {
		return protocol.AgentSnapshot{}, errors.Invalid("provider is required")
	}
	if req.Cwd == "" {
		return protocol.AgentSnapshot{}, errors.Invalid("cwd is required")
	}
	if !filepath.IsAbs(req.Cwd) {
		return protocol.AgentSnapshot{}, errors.Invalidf("cwd must be an absolute path, got '%s'", req.Cwd)
	}
	if fi, err := os.Stat(req.Cwd); err != nil || !fi.IsDir() {
		return protocol.AgentSnapshot{}, errors.Invalidf("cwd '%s' is not a directory", req.Cwd)
	}

	d, f, err := m.providers.Factory(providerName)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}

	now := time.Now().UTC()
	rec := store.AgentRecord{
		ID:        uuid.New().String(),
		Provider:  providerName,
		Cwd:       req.Cwd,
		Title:     req.Title,
		Labels:    req.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tl, err := m.store.Timeline(rec.ID)
	if err != nil {
		return protocol.AgentSnapshot{}, errors.Internal("opening agent timeline", err)
	}

	inst, err := instance.New(m.instanceDeps(rec, d, f, tl))
	if err != nil {
		m.discard(rec.ID, nil, false)
		return protocol.AgentSnapshot{}, err
	}

	m.mu.Lock()
	m.agents[rec.ID] = inst
	m.mu.Unlock()

	if err := inst.Initialize(ctx); err != nil {
		m.discard(rec.ID, inst, true)
		return protocol.AgentSnapshot{}, err
	}
	if err := m.applyRequestedConfig(ctx, inst, req); err != nil {
		m.discard(rec.ID, inst, true)
		return protocol.AgentSnapshot{}, err
	}

	m.logger.Info("Created agent",
		zap.String("agent_id", rec.ID),
		zap.String("provider", providerName),
		zap.String("cwd", req.Cwd))

	if req.InitialPrompt != "" {
		// The agent exists either way; a failed first turn is visible on
		// the agent itself, not on the create response.
		if err := inst.Send(ctx, protocol.SendAgentMessage{AgentID: rec.ID, Text: req.InitialPrompt}); err != nil {
			m.logger.Warn("Initial prompt was not delivered",
				zap.String("agent_id", rec.ID),
				zap.Error(err))
		}
	}

	return inst.Snapshot(), nil
}

func (m *Manager) applyRequestedConfig(ctx context.Context, inst *instance.Instance, req protocol.CreateAgentRequest) error {
	if req.ModeID != "" {
		if err := inst.SetMode(ctx, req.ModeID); err != nil {
			return err
		}
	}
	if req.ModelID != "" {
		if err := inst.SetModel(ctx, req.ModelID); err != nil {
			return err
		}
	}
	if req.ThinkingOptionID != "" {
		if err := inst.SetThinkingOption(ctx, req.ThinkingOptionID); err != nil {
			return err
		}
	}
	if req.VariantID != "" {
		if err := inst.SetVariant(ctx, req.VariantID); err != nil {
			return err
		}
	}
	return nil
}

// discard unwinds a partly created agent. announce is set once state
// events for the agent may have reached subscribers.
func (m *Manager) discard(agentID string, inst *instance.Instance, announce bool) {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	if inst != nil {
		_ = inst.Destroy()
	}
	if err := m.store.Registry().Delete(agentID); err != nil {
		m.logger.Debug("Registry cleanup during discard",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	if err := m.store.DropTimeline(agentID); err != nil {
		m.logger.Warn("Could not drop timeline during discard",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	if announce {
		m.publishDeleted(agentID)
	}
}

// DeleteAgent archives or hard-deletes an agent. Archiving closes the
// provider session and keeps the record and timeline; a hard delete
// removes both from disk. Both broadcast agent_deleted.
func (m *Manager) DeleteAgent(ctx context.Context, req protocol.DeleteAgentRequest) error {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return err
	}

	if req.Archive {
		if err := inst.Archive(); err != nil {
			return err
		}
		m.publishDeleted(req.AgentID)
		m.logger.Info("Archived agent", zap.String("agent_id", req.AgentID))
		return nil
	}

	m.mu.Lock()
	delete(m.agents, req.AgentID)
	m.mu.Unlock()

	if err := inst.Destroy(); err != nil {
		m.logger.Warn("Error closing agent during delete",
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
	}
	if err := m.store.Registry().Delete(req.AgentID); err != nil {
		return errors.Internal("deleting agent record", err)
	}
	if err := m.store.DropTimeline(req.AgentID); err != nil {
		m.logger.Warn("Could not remove agent timeline",
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
	}
	m.publishDeleted(req.AgentID)
	m.logger.Info("Deleted agent", zap.String("agent_id", req.AgentID))
	return nil
}

// ResumeAgent restarts the provider session of an errored or closed agent.
func (m *Manager) ResumeAgent(ctx context.Context, req protocol.ResumeAgentRequest) (protocol.AgentSnapshot, error) {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := inst.Resume(ctx); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// InitializeAgent starts the provider session of a loaded agent that has
// not been initialized in this daemon run. Already-initialized agents are
// a no-op.
func (m *Manager) InitializeAgent(ctx context.Context, req protocol.InitializeAgentRequest) (protocol.AgentSnapshot, error) {
	inst, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := inst.Initialize(ctx); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// ListAgents returns the directory, oldest first. Archived agents are
// excluded unless the request asks for them.
func (m *Manager) ListAgents(req protocol.ListAgentsRequest) []protocol.AgentSnapshot {
	m.mu.RLock()
	instances := make([]*instance.Instance, 0, len(m.agents))
	for _, inst := range m.agents {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	agents := make([]protocol.AgentSnapshot, 0, len(instances))
	for _, inst := range instances {
		snap := inst.Snapshot()
		if snap.ArchivedAt != nil && !req.IncludeArchived {
			continue
		}
		agents = append(agents, snap)
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].ID < agents[j].ID
	})
	return agents
}

// AgentSnapshot returns one agent's wire representation.
func (m *Manager) AgentSnapshot(agentID string) (protocol.AgentSnapshot, error) {
	inst, err := m.get(agentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// Providers returns the registered provider names, sorted.
func (m *Manager) Providers() []string {
	return m.providers.Names()
}

func (m *Manager) publishDeleted(agentID string) {
	ev := bus.NewEvent(events.AgentDeleted, eventSource, protocol.AgentDeleted{AgentID: agentID})
	if err := m.bus.Publish(context.Background(), events.BuildAgentDeletedSubject(agentID), ev); err != nil {
		m.logger.Warn("Could not publish agent_deleted",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// Shutdown detaches every agent from its provider session without closing
// the agents, so their sessions can be resumed by the next daemon run.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	instances := make([]*instance.Instance, 0, len(m.agents))
	for _, inst := range m.agents {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		inst.Shutdown()
	}
	m.logger.Info("Agent manager shut down", zap.Int("agents", len(instances)))
}
