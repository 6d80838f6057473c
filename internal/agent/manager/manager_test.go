package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paseo/paseo/internal/agent/catalog"
	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/internal/permission"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/internal/provider/providertest"
	"github.com/paseo/paseo/internal/store"
	"github.com/paseo/paseo/pkg/protocol"
)

type rig struct {
	home    string
	store   *store.Store
	reg     *provider.Registry
	broker  *permission.Broker
	bus     bus.EventBus
	factory *providertest.Factory
	logger  *logger.Logger
	manager *Manager
	cwd     string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	home := t.TempDir()
	st, err := store.Open(home, store.TimelineOptions{Logger: log}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	factory := providertest.NewFactory()
	reg := provider.NewRegistry()
	reg.RegisterFactory(provider.BindingStreamJSON, factory)

	r := &rig{
		home:    home,
		store:   st,
		reg:     reg,
		broker:  permission.NewBroker(),
		bus:     bus.NewMemoryEventBus(log),
		factory: factory,
		logger:  log,
		cwd:     t.TempDir(),
	}
	r.manager = NewManager(r.deps())
	return r
}

func (r *rig) deps() Deps {
	return Deps{
		Store:           r.store,
		Providers:       r.reg,
		Broker:          r.broker,
		Bus:             r.bus,
		Catalog:         catalog.New(r.reg, time.Minute, r.logger),
		Logger:          r.logger,
		DefaultProvider: "mock",
	}
}

func (r *rig) create(t *testing.T, req protocol.CreateAgentRequest) protocol.AgentSnapshot {
	t.Helper()
	if req.Cwd == "" {
		req.Cwd = r.cwd
	}
	snap, err := r.manager.CreateAgent(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	return snap
}

func (r *rig) fake(t *testing.T, agentID string) *providertest.Fake {
	t.Helper()
	f := r.factory.Client(agentID)
	if f == nil {
		t.Fatalf("no provider session for agent %s", agentID)
	}
	return f
}

func (r *rig) waitStatus(t *testing.T, agentID, status string) {
	t.Helper()
	waitFor(t, "status "+status, func() bool {
		snap, err := r.manager.AgentSnapshot(agentID)
		return err == nil && snap.Status == status
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := errors.CodeOf(err); got != code {
		t.Fatalf("error code = %s (%v), want %s", got, err, code)
	}
}

func TestManagerCreateAgent(t *testing.T) {
	r := newRig(t)

	snap := r.create(t, protocol.CreateAgentRequest{Title: "build", Labels: map[string]string{"surface": "cli"}})
	if snap.ID == "" {
		t.Fatal("no agent id minted")
	}
	if snap.Provider != "mock" {
		t.Errorf("provider = %q, want the default mock", snap.Provider)
	}
	if snap.Status != protocol.StatusIdle {
		t.Errorf("status = %q, want idle", snap.Status)
	}
	if snap.Title != "build" || snap.Labels["surface"] != "cli" {
		t.Errorf("title/labels not carried: title=%q labels=%v", snap.Title, snap.Labels)
	}
	if snap.Config.ModeID != "default" || snap.Config.ModelID != "fake-small" {
		t.Errorf("handshake config not merged: %+v", snap.Config)
	}

	rec, ok := r.store.Registry().Get(snap.ID)
	if !ok {
		t.Fatal("agent record not persisted")
	}
	if rec.Persistence != "sess-"+snap.ID {
		t.Errorf("session handle = %q, want sess-%s", rec.Persistence, snap.ID)
	}
}

func TestManagerCreateAgentValidation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.manager.CreateAgent(ctx, protocol.CreateAgentRequest{Provider: "mock"})
	wantCode(t, err, errors.CodeInvalid)

	_, err = r.manager.CreateAgent(ctx, protocol.CreateAgentRequest{Provider: "mock", Cwd: "relative/path"})
	wantCode(t, err, errors.CodeInvalid)

	_, err = r.manager.CreateAgent(ctx, protocol.CreateAgentRequest{Provider: "mock", Cwd: filepath.Join(r.cwd, "missing")})
	wantCode(t, err, errors.CodeInvalid)

	_, err = r.manager.CreateAgent(ctx, protocol.CreateAgentRequest{Provider: "nope", Cwd: r.cwd})
	wantCode(t, err, errors.CodeNotFound)

	// Without a configured default, the request must name a provider.
	bare := NewManager(Deps{
		Store:     r.store,
		Providers: r.reg,
		Broker:    r.broker,
		Bus:       r.bus,
		Catalog:   catalog.New(r.reg, time.Minute, r.logger),
		Logger:    r.logger,
	})
	_, err = bare.CreateAgent(ctx, protocol.CreateAgentRequest{Cwd: r.cwd})
	wantCode(t, err, errors.CodeInvalid)
}

func TestManagerCreateFailureUnwinds(t *testing.T) {
	r := newRig(t)
	r.factory.StartErr = fmt.Errorf("spawn failed")

	deleted := make(chan string, 1)
	sub, err := r.bus.Subscribe(events.BuildAgentDeletedWildcardSubject(), func(_ context.Context, e *bus.Event) error {
		if d, ok := e.Data.(protocol.AgentDeleted); ok {
			select {
			case deleted <- d.AgentID:
			default:
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	_, err = r.manager.CreateAgent(context.Background(), protocol.CreateAgentRequest{Cwd: r.cwd})
	wantCode(t, err, errors.CodeProviderUnavailable)

	if got := r.manager.ListAgents(protocol.ListAgentsRequest{IncludeArchived: true}); len(got) != 0 {
		t.Errorf("directory after failed create = %v, want empty", got)
	}
	if got := r.store.Registry().List(); len(got) != 0 {
		t.Errorf("registry after failed create = %v, want empty", got)
	}
	select {
	case <-deleted:
	case <-time.After(2 * time.Second):
		t.Fatal("no agent_deleted event after the unwind")
	}
}

func TestManagerCreateAgentBadConfigUnwinds(t *testing.T) {
	r := newRig(t)

	_, err := r.manager.CreateAgent(context.Background(), protocol.CreateAgentRequest{Cwd: r.cwd, ModeID: "yolo"})
	wantCode(t, err, errors.CodeInvalid)

	if got := r.store.Registry().List(); len(got) != 0 {
		t.Errorf("registry after rejected config = %v, want empty", got)
	}
	if got := r.manager.ListAgents(protocol.ListAgentsRequest{IncludeArchived: true}); len(got) != 0 {
		t.Errorf("directory after rejected config = %v, want empty", got)
	}
}

func TestManagerCreateAgentAppliesConfigAndPrompt(t *testing.T) {
	r := newRig(t)

	snap := r.create(t, protocol.CreateAgentRequest{ModeID: "plan", ModelID: "fake-large", InitialPrompt: "get started"})
	if snap.Config.ModeID != "plan" || snap.Config.ModelID != "fake-large" {
		t.Errorf("config = %+v, want plan/fake-large", snap.Config)
	}
	if snap.Status != protocol.StatusRunning {
		t.Errorf("status = %q, want running while the initial prompt is in flight", snap.Status)
	}

	fake := r.fake(t, snap.ID)
	sent := fake.Sent()
	if len(sent) != 1 || sent[0].Text != "get started" {
		t.Fatalf("provider received %v, want the initial prompt", sent)
	}

	fake.EmitTurnCompleted(nil)
	r.waitStatus(t, snap.ID, protocol.StatusIdle)
}

func TestManagerSendCancelResolve(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	ctx := context.Background()

	wantCode(t, r.manager.SendMessage(ctx, protocol.SendAgentMessage{AgentID: "ghost", Text: "x"}), errors.CodeNotFound)
	wantCode(t, r.manager.SendMessage(ctx, protocol.SendAgentMessage{Text: "x"}), errors.CodeInvalid)

	if err := r.manager.SendMessage(ctx, protocol.SendAgentMessage{AgentID: id, Text: "run the tests"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	r.waitStatus(t, id, protocol.StatusRunning)

	fake := r.fake(t, id)
	fake.EmitPermissionRequest(protocol.PermissionRequest{
		ID:   "perm-1",
		Name: "shell",
		Options: []protocol.PermissionOption{
			{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
		},
	})
	waitFor(t, "pending permission", func() bool {
		snap, err := r.manager.AgentSnapshot(id)
		return err == nil && len(snap.PendingPermissions) == 1
	})

	wantCode(t, r.manager.ResolvePermission(ctx, protocol.AgentPermissionResponse{AgentID: id, RequestID: "perm-9", OptionID: "allow"}), errors.CodeNotFound)
	wantCode(t, r.manager.ResolvePermission(ctx, protocol.AgentPermissionResponse{AgentID: id, RequestID: "perm-1"}), errors.CodeInvalid)
	wantCode(t, r.manager.ResolvePermission(ctx, protocol.AgentPermissionResponse{AgentID: id, RequestID: "perm-1", Behavior: "shrug"}), errors.CodeInvalid)
	if err := r.manager.ResolvePermission(ctx, protocol.AgentPermissionResponse{AgentID: id, RequestID: "perm-1", Behavior: protocol.BehaviorAllow}); err != nil {
		t.Fatalf("ResolvePermission() error = %v", err)
	}
	waitFor(t, "provider resolution", func() bool { return len(fake.Resolutions()) == 1 })

	if err := r.manager.CancelAgent(ctx, protocol.CancelAgentRequest{AgentID: id}); err != nil {
		t.Fatalf("CancelAgent() error = %v", err)
	}
	if fake.Cancels() != 1 {
		t.Errorf("cancels = %d, want 1", fake.Cancels())
	}
	fake.EmitTurnCanceled()
	r.waitStatus(t, id, protocol.StatusIdle)
}

func TestManagerSetters(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	ctx := context.Background()

	snap, err := r.manager.SetMode(ctx, protocol.SetAgentModeRequest{AgentID: id, ModeID: "plan"})
	if err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if snap.Config.ModeID != "plan" {
		t.Errorf("mode = %q, want plan", snap.Config.ModeID)
	}

	_, err = r.manager.SetMode(ctx, protocol.SetAgentModeRequest{AgentID: id, ModeID: "yolo"})
	wantCode(t, err, errors.CodeInvalid)
	_, err = r.manager.SetMode(ctx, protocol.SetAgentModeRequest{AgentID: id})
	wantCode(t, err, errors.CodeInvalid)
	_, err = r.manager.SetMode(ctx, protocol.SetAgentModeRequest{AgentID: "ghost", ModeID: "plan"})
	wantCode(t, err, errors.CodeNotFound)

	snap, err = r.manager.SetModel(ctx, protocol.SetAgentModelRequest{AgentID: id, ModelID: "fake-large"})
	if err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	if snap.Config.ModelID != "fake-large" {
		t.Errorf("model = %q, want fake-large", snap.Config.ModelID)
	}

	snap, err = r.manager.SetThinkingOption(ctx, protocol.SetAgentThinkingRequest{AgentID: id, ThinkingOptionID: "high"})
	if err != nil {
		t.Fatalf("SetThinkingOption() error = %v", err)
	}
	if snap.Config.ThinkingOptionID != "high" {
		t.Errorf("thinking = %q, want high", snap.Config.ThinkingOptionID)
	}

	snap, err = r.manager.SetVariant(ctx, protocol.SetAgentVariantRequest{AgentID: id, VariantID: "turbo"})
	if err != nil {
		t.Fatalf("SetVariant() error = %v", err)
	}
	if snap.Config.VariantID != "turbo" {
		t.Errorf("variant = %q, want turbo", snap.Config.VariantID)
	}

	snap, err = r.manager.SetTitle(protocol.SetAgentTitleRequest{AgentID: id, Title: "renamed"})
	if err != nil {
		t.Fatalf("SetTitle() error = %v", err)
	}
	if snap.Title != "renamed" {
		t.Errorf("title = %q, want renamed", snap.Title)
	}
}

func TestManagerDeleteAgentArchive(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	ctx := context.Background()

	if err := r.manager.DeleteAgent(ctx, protocol.DeleteAgentRequest{AgentID: id, Archive: true}); err != nil {
		t.Fatalf("DeleteAgent(archive) error = %v", err)
	}

	snap, err := r.manager.AgentSnapshot(id)
	if err != nil {
		t.Fatalf("archived agent should stay addressable: %v", err)
	}
	if snap.ArchivedAt == nil {
		t.Error("archivedAt not set")
	}
	if snap.Status != protocol.StatusClosed {
		t.Errorf("status = %q, want closed", snap.Status)
	}

	if got := r.manager.ListAgents(protocol.ListAgentsRequest{}); len(got) != 0 {
		t.Errorf("default listing includes the archived agent: %v", got)
	}
	got := r.manager.ListAgents(protocol.ListAgentsRequest{IncludeArchived: true})
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("IncludeArchived listing = %v, want the archived agent", got)
	}

	// Archive keeps the record and the timeline.
	if _, ok := r.store.Registry().Get(id); !ok {
		t.Error("record removed by archive")
	}
	if _, err := r.manager.FetchTimeline(ctx, protocol.FetchAgentTimelineRequest{AgentID: id, Direction: protocol.FetchTail}); err != nil {
		t.Errorf("timeline fetch after archive: %v", err)
	}
}

func TestManagerDeleteAgentHard(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	ctx := context.Background()

	if err := r.manager.SendMessage(ctx, protocol.SendAgentMessage{AgentID: id, Text: "x"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	r.fake(t, id).EmitTurnCompleted(nil)
	r.waitStatus(t, id, protocol.StatusIdle)

	if err := r.manager.DeleteAgent(ctx, protocol.DeleteAgentRequest{AgentID: id}); err != nil {
		t.Fatalf("DeleteAgent() error = %v", err)
	}

	_, err := r.manager.AgentSnapshot(id)
	wantCode(t, err, errors.CodeNotFound)
	if _, ok := r.store.Registry().Get(id); ok {
		t.Error("record survived the hard delete")
	}
	if _, err := os.Stat(filepath.Join(r.home, "agents", id)); !os.IsNotExist(err) {
		t.Errorf("timeline directory survived the hard delete: %v", err)
	}
	wantCode(t, r.manager.DeleteAgent(ctx, protocol.DeleteAgentRequest{AgentID: id}), errors.CodeNotFound)
}

func TestManagerResumeAfterCrash(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID

	first := r.fake(t, id)
	first.Die(fmt.Errorf("boom"))
	r.waitStatus(t, id, protocol.StatusError)

	snap, err := r.manager.ResumeAgent(context.Background(), protocol.ResumeAgentRequest{AgentID: id})
	if err != nil {
		t.Fatalf("ResumeAgent() error = %v", err)
	}
	if snap.Status != protocol.StatusIdle {
		t.Errorf("status after resume = %q, want idle", snap.Status)
	}
	if got := r.factory.Resume(id); got != "sess-"+id {
		t.Errorf("resume handle = %q, want sess-%s", got, id)
	}
	if r.factory.Client(id) == first {
		t.Error("resume did not build a fresh provider session")
	}
}

func TestManagerResumeUnarchives(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	ctx := context.Background()

	if err := r.manager.DeleteAgent(ctx, protocol.DeleteAgentRequest{AgentID: id, Archive: true}); err != nil {
		t.Fatalf("DeleteAgent(archive) error = %v", err)
	}
	if got := r.manager.ListAgents(protocol.ListAgentsRequest{}); len(got) != 0 {
		t.Fatalf("default listing before resume = %v, want empty", got)
	}

	snap, err := r.manager.ResumeAgent(ctx, protocol.ResumeAgentRequest{AgentID: id})
	if err != nil {
		t.Fatalf("ResumeAgent() error = %v", err)
	}
	if snap.Status != protocol.StatusIdle {
		t.Errorf("status after resume = %q, want idle", snap.Status)
	}
	if snap.ArchivedAt != nil {
		t.Errorf("archivedAt after resume = %v, want nil", snap.ArchivedAt)
	}

	// A live, resumed agent is back in the default directory listing,
	// and the unarchive survives a reload.
	got := r.manager.ListAgents(protocol.ListAgentsRequest{})
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("default listing after resume = %v, want the agent", got)
	}
	rec, ok := r.store.Registry().Get(id)
	if !ok {
		t.Fatal("record missing after resume")
	}
	if rec.ArchivedAt != nil {
		t.Errorf("persisted archivedAt = %v, want nil", rec.ArchivedAt)
	}
}

func TestManagerInitializeAgentKeepsHealthySession(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	fake := r.fake(t, id)

	snap, err := r.manager.InitializeAgent(context.Background(), protocol.InitializeAgentRequest{AgentID: id})
	if err != nil {
		t.Fatalf("InitializeAgent() error = %v", err)
	}
	if snap.Status != protocol.StatusIdle {
		t.Errorf("status = %q, want idle", snap.Status)
	}
	if r.factory.Client(id) != fake {
		t.Error("initialize replaced a healthy session")
	}
}

func TestManagerLoadsPersistedAgents(t *testing.T) {
	r := newRig(t)
	a := r.create(t, protocol.CreateAgentRequest{Title: "one"})
	r.create(t, protocol.CreateAgentRequest{Title: "two"})
	ctx := context.Background()

	if err := r.manager.SendMessage(ctx, protocol.SendAgentMessage{AgentID: a.ID, Text: "x"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	fake := r.fake(t, a.ID)
	fake.EmitItem(protocol.TimelineItem{Type: protocol.ItemAssistantMessage, Text: "done", MessageID: "m1"})
	fake.EmitTurnCompleted(nil)
	r.waitStatus(t, a.ID, protocol.StatusIdle)

	r.manager.Shutdown()

	reborn := NewManager(r.deps())
	agents := reborn.ListAgents(protocol.ListAgentsRequest{})
	if len(agents) != 2 {
		t.Fatalf("loaded %d agents, want 2", len(agents))
	}
	for _, snap := range agents {
		if snap.Status != protocol.StatusIdle {
			t.Errorf("agent %s loaded with status %q, want idle", snap.ID, snap.Status)
		}
	}
	snap, err := reborn.AgentSnapshot(a.ID)
	if err != nil {
		t.Fatalf("AgentSnapshot() error = %v", err)
	}
	if snap.LastSeq != 2 {
		t.Errorf("lastSeq after reload = %d, want 2", snap.LastSeq)
	}

	// Records whose provider has no usable factory stay on disk but out of
	// the directory.
	empty := provider.NewRegistry()
	skipped := NewManager(Deps{
		Store:     r.store,
		Providers: empty,
		Broker:    r.broker,
		Bus:       r.bus,
		Catalog:   catalog.New(empty, time.Minute, r.logger),
		Logger:    r.logger,
	})
	if got := skipped.ListAgents(protocol.ListAgentsRequest{IncludeArchived: true}); len(got) != 0 {
		t.Errorf("agents loaded without a usable provider: %v", got)
	}
	if got := r.store.Registry().List(); len(got) != 2 {
		t.Errorf("registry lost records while skipping: %d", len(got))
	}
}

func TestManagerListAgentsOrder(t *testing.T) {
	r := newRig(t)
	for i := 0; i < 3; i++ {
		r.create(t, protocol.CreateAgentRequest{})
	}

	agents := r.manager.ListAgents(protocol.ListAgentsRequest{})
	if len(agents) != 3 {
		t.Fatalf("listed %d agents, want 3", len(agents))
	}
	for i := 1; i < len(agents); i++ {
		prev, cur := agents[i-1], agents[i]
		if cur.CreatedAt.Before(prev.CreatedAt) {
			t.Fatalf("agents out of creation order: %v before %v", prev.CreatedAt, cur.CreatedAt)
		}
		if cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID {
			t.Fatalf("creation-time tie not broken by id: %s before %s", prev.ID, cur.ID)
		}
	}
}

func TestManagerWaitForAgent(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	ctx := context.Background()

	snap, err := r.manager.WaitForAgent(ctx, id)
	if err != nil {
		t.Fatalf("WaitForAgent() on idle agent: %v", err)
	}
	if snap.Status != protocol.StatusIdle {
		t.Errorf("status = %q, want idle", snap.Status)
	}

	if err := r.manager.SendMessage(ctx, protocol.SendAgentMessage{AgentID: id, Text: "x"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = r.manager.WaitForAgent(short, id)
	wantCode(t, err, errors.CodeTimeout)

	done := make(chan protocol.AgentSnapshot, 1)
	go func() {
		snap, err := r.manager.WaitForAgent(ctx, id)
		if err == nil {
			done <- snap
		}
	}()
	r.fake(t, id).EmitTurnCompleted(nil)

	select {
	case snap := <-done:
		if snap.Status != protocol.StatusIdle {
			t.Errorf("status after wait = %q, want idle", snap.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForAgent did not return after the turn completed")
	}

	_, err = r.manager.WaitForAgent(ctx, "ghost")
	wantCode(t, err, errors.CodeNotFound)
}

func TestManagerClearAttention(t *testing.T) {
	r := newRig(t)
	id := r.create(t, protocol.CreateAgentRequest{}).ID
	ctx := context.Background()

	if err := r.manager.SendMessage(ctx, protocol.SendAgentMessage{AgentID: id, Text: "x"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	r.fake(t, id).EmitTurnCompleted(nil)
	r.waitStatus(t, id, protocol.StatusIdle)

	snap, err := r.manager.AgentSnapshot(id)
	if err != nil {
		t.Fatalf("AgentSnapshot() error = %v", err)
	}
	if snap.Attention == nil || snap.Attention.Reason != protocol.AttentionFinished {
		t.Fatalf("attention = %+v, want finished", snap.Attention)
	}

	if err := r.manager.ClearAttention(id); err != nil {
		t.Fatalf("ClearAttention() error = %v", err)
	}
	snap, err = r.manager.AgentSnapshot(id)
	if err != nil {
		t.Fatalf("AgentSnapshot() error = %v", err)
	}
	if snap.Attention != nil {
		t.Errorf("attention = %+v, want cleared", snap.Attention)
	}

	wantCode(t, r.manager.ClearAttention("ghost"), errors.CodeNotFound)
}

func TestManagerListProviderModels(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	models, err := r.manager.ListProviderModels(ctx, protocol.ListProviderModelsRequest{Provider: "mock"})
	if err != nil {
		t.Fatalf("ListProviderModels() error = %v", err)
	}
	if len(models) != 2 {
		t.Errorf("models = %v, want the fake's 2", models)
	}

	_, err = r.manager.ListProviderModels(ctx, protocol.ListProviderModelsRequest{})
	wantCode(t, err, errors.CodeInvalid)

	_, err = r.manager.ListProviderModels(ctx, protocol.ListProviderModelsRequest{Provider: "nope"})
	wantCode(t, err, errors.CodeNotFound)
}

func TestManagerProviders(t *testing.T) {
	r := newRig(t)

	names := r.manager.Providers()
	if len(names) == 0 {
		t.Fatal("no providers listed")
	}
	found := false
	for _, n := range names {
		if n == "mock" {
			found = true
		}
	}
	if !found {
		t.Errorf("providers = %v, want mock included", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i] < names[i-1] {
			t.Errorf("providers not sorted: %v", names)
		}
	}
}
