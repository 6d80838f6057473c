package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo/paseo/internal/agent/catalog"
	"github.com/paseo/paseo/internal/agent/manager"
	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/internal/guard"
	"github.com/paseo/paseo/internal/permission"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/internal/provider/providertest"
	"github.com/paseo/paseo/internal/store"
	"github.com/paseo/paseo/internal/voice"
	"github.com/paseo/paseo/pkg/protocol"
)

// fakeConn is an in-memory transport. The test feeds frames through in and
// reads everything the session writes from out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	// writeGate, when set, blocks WriteMessage until released. Used to back
	// the outbox up.
	writeGate chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	closeOnce   sync.Once
	closed      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errOutboxOverflow // any error ends the read loop
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-c.closed:
		}
	}
	select {
	case c.out <- data:
	default:
	}
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) closeInfo() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// next decodes the next outbound frame, failing the test after a timeout.
func (c *fakeConn) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case data := <-c.out:
		msg, err := protocol.DecodeMessage(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

// nextOfType skips frames until one of the given type arrives. Lets tests
// ignore interleaved events they do not assert on.
func (c *fakeConn) nextOfType(t *testing.T, msgType string) *protocol.Message {
	t.Helper()
	for {
		msg := c.next(t)
		if msg.Type == msgType {
			return msg
		}
	}
}

type sessionRig struct {
	conn    *fakeConn
	session *Session
	reg     *Registry
	manager *manager.Manager
	bus     bus.EventBus
	cwd     string
}

func newSessionRig(t *testing.T, mutate func(*Deps)) *sessionRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), store.TimelineOptions{Logger: log}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	factory := providertest.NewFactory()
	preg := provider.NewRegistry()
	preg.RegisterFactory(provider.BindingStreamJSON, factory)

	eb := bus.NewMemoryEventBus(log)
	mgr := manager.NewManager(manager.Deps{
		Store:           st,
		Providers:       preg,
		Broker:          permission.NewBroker(),
		Bus:             eb,
		Catalog:         catalog.New(preg, time.Minute, log),
		Logger:          log,
		DefaultProvider: "mock",
	})
	t.Cleanup(mgr.Shutdown)

	engines, err := voice.FromConfig(config.VoiceConfig{})
	require.NoError(t, err)

	reg := NewRegistry(0)
	deps := Deps{
		Manager:  mgr,
		Bus:      eb,
		Voice:    engines,
		Guard:    guard.New(log),
		Registry: reg,
		Logger:   log,

		ServerID:      "srv-test",
		DaemonVersion: "0.0.0-test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	conn := newFakeConn()
	s := Attach(conn, deps)
	go s.Run()
	t.Cleanup(func() { s.shutdown(CloseNormal, "") })

	return &sessionRig{
		conn:    conn,
		session: s,
		reg:     reg,
		manager: mgr,
		bus:     eb,
		cwd:     t.TempDir(),
	}
}

func (r *sessionRig) send(t *testing.T, msgType, requestID string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.RequestID = requestID
	data, err := msg.Encode()
	require.NoError(t, err)
	r.conn.in <- data
}

func TestSessionAnnouncesStateOnAttach(t *testing.T) {
	r := newSessionRig(t, nil)

	msg := r.conn.next(t)
	require.Equal(t, protocol.TypeSessionState, msg.Type)

	var state protocol.SessionState
	require.NoError(t, msg.ParsePayload(&state))
	assert.Equal(t, r.session.ID(), state.ClientID)
	assert.Equal(t, "srv-test", state.ServerID)
	assert.Equal(t, "0.0.0-test", state.DaemonVersion)
	assert.Equal(t, 1, r.reg.Count())
}

func TestSessionPingPong(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypePing, "req-1", nil)
	msg := r.conn.nextOfType(t, protocol.TypePong)
	assert.Equal(t, "req-1", msg.RequestID)
}

func TestSessionClosesOnInvalidFrame(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.conn.in <- []byte("not json")

	select {
	case <-r.conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on a protocol violation")
	}
	code, _ := r.conn.closeInfo()
	assert.Equal(t, CloseProtocolError, code)
}

func TestSessionUnknownTypeIsRPCError(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, "make_coffee", "req-9", nil)
	msg := r.conn.nextOfType(t, protocol.TypeRPCError)

	var rpcErr protocol.RPCError
	require.NoError(t, msg.ParsePayload(&rpcErr))
	assert.Equal(t, "req-9", rpcErr.RequestID)
	assert.Equal(t, errors.CodeInvalid, rpcErr.Code)
}

func TestSessionCreateAndListAgents(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypeCreateAgentRequest, "req-1", protocol.CreateAgentRequest{
		Provider: "mock",
		Cwd:      r.cwd,
	})
	msg := r.conn.nextOfType(t, protocol.TypeCreateAgentResponse)
	assert.Equal(t, "req-1", msg.RequestID)

	var created protocol.CreateAgentResponse
	require.NoError(t, msg.ParsePayload(&created))
	require.NotEmpty(t, created.Agent.ID)

	r.send(t, protocol.TypeListAgentsRequest, "req-2", protocol.ListAgentsRequest{})
	msg = r.conn.nextOfType(t, protocol.TypeListAgentsResponse)

	var listed protocol.ListAgentsResponse
	require.NoError(t, msg.ParsePayload(&listed))
	require.Len(t, listed.Agents, 1)
	assert.Equal(t, created.Agent.ID, listed.Agents[0].ID)
}

func TestSessionRequestErrorCarriesCode(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypeCancelAgentRequest, "req-1", protocol.CancelAgentRequest{
		AgentID: "nope",
	})
	msg := r.conn.nextOfType(t, protocol.TypeRPCError)

	var rpcErr protocol.RPCError
	require.NoError(t, msg.ParsePayload(&rpcErr))
	assert.Equal(t, errors.CodeNotFound, rpcErr.Code)
	assert.Equal(t, protocol.TypeCancelAgentRequest, rpcErr.RequestType)
}

func TestSessionSubscribeAgentsSnapshotThenLive(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	// One agent exists before the subscription.
	r.send(t, protocol.TypeCreateAgentRequest, "req-1", protocol.CreateAgentRequest{
		Provider: "mock",
		Cwd:      r.cwd,
	})
	msg := r.conn.nextOfType(t, protocol.TypeCreateAgentResponse)
	var created protocol.CreateAgentResponse
	require.NoError(t, msg.ParsePayload(&created))

	r.send(t, protocol.TypeSubscribeAgentsRequest, "req-2", protocol.SubscribeAgentsRequest{})
	msg = r.conn.nextOfType(t, protocol.TypeSubscribeAgentsResponse)

	var subResp protocol.SubscribeAgentsResponse
	require.NoError(t, msg.ParsePayload(&subResp))
	assert.Equal(t, "srv-test", subResp.ServerID)
	assert.Contains(t, subResp.SubscriptionID, "srv-test:")

	// Snapshot of the existing agent arrives before any live delta.
	msg = r.conn.nextOfType(t, protocol.TypeAgentState)
	var state protocol.AgentState
	require.NoError(t, msg.ParsePayload(&state))
	assert.Equal(t, created.Agent.ID, state.Agent.ID)

	// A second agent created after subscribing shows up as a live upsert.
	r.send(t, protocol.TypeCreateAgentRequest, "req-3", protocol.CreateAgentRequest{
		Provider: "mock",
		Cwd:      r.cwd,
	})
	msg = r.conn.nextOfType(t, protocol.TypeCreateAgentResponse)
	var second protocol.CreateAgentResponse
	require.NoError(t, msg.ParsePayload(&second))

	for {
		msg = r.conn.nextOfType(t, protocol.TypeAgentState)
		require.NoError(t, msg.ParsePayload(&state))
		if state.Agent.ID == second.Agent.ID {
			break
		}
	}
}

func TestSessionConcurrentEventsKeepTheirPayloads(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypeSubscribeAgentsRequest, "req-1", protocol.SubscribeAgentsRequest{})
	r.conn.nextOfType(t, protocol.TypeSubscribeAgentsResponse)

	// The memory bus runs handlers on the publishing goroutine, so these
	// deliveries hit the session's forwarders concurrently.
	const publishers = 16
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agentID := fmt.Sprintf("ag-%02d", i)
			ev := bus.NewEvent(events.AgentDeleted, "test", protocol.AgentDeleted{AgentID: agentID})
			assert.NoError(t, r.bus.Publish(context.Background(), events.BuildAgentDeletedSubject(agentID), ev))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for len(seen) < publishers {
		msg := r.conn.nextOfType(t, protocol.TypeAgentDeleted)
		var deleted protocol.AgentDeleted
		require.NoError(t, msg.ParsePayload(&deleted))
		require.False(t, seen[deleted.AgentID], "agent %s delivered twice", deleted.AgentID)
		seen[deleted.AgentID] = true
	}
}

func TestSessionUpdateClientState(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypeUpdateClientState, "req-1", protocol.UpdateClientState{
		DeviceType: "mobile",
		AppVisible: true,
	})
	msg := r.conn.nextOfType(t, protocol.TypeAck)
	assert.Equal(t, "req-1", msg.RequestID)

	states := r.reg.States()
	require.Len(t, states, 1)
	assert.Equal(t, "mobile", states[0].DeviceType)
	assert.True(t, states[0].AppVisible)
	assert.False(t, states[0].Stale)
}

func TestSessionStreamSubscribeOrdering(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypeCreateAgentRequest, "req-1", protocol.CreateAgentRequest{
		Provider: "mock",
		Cwd:      r.cwd,
	})
	msg := r.conn.nextOfType(t, protocol.TypeCreateAgentResponse)
	var created protocol.CreateAgentResponse
	require.NoError(t, msg.ParsePayload(&created))

	r.send(t, protocol.TypeSubscribeAgentStreamRequest, "req-2", protocol.SubscribeAgentStreamRequest{
		AgentID: created.Agent.ID,
	})

	// Response first, snapshot second. Both critical, so FIFO holds.
	msg = r.conn.nextOfType(t, protocol.TypeSubscribeAgentStreamResponse)
	var subResp protocol.SubscribeAgentStreamResponse
	require.NoError(t, msg.ParsePayload(&subResp))
	require.NotEmpty(t, subResp.SubscriptionID)

	msg = r.conn.nextOfType(t, protocol.TypeAgentStreamSnapshot)
	var snap protocol.AgentStreamSnapshot
	require.NoError(t, msg.ParsePayload(&snap))
	assert.Equal(t, subResp.SubscriptionID, snap.SubscriptionID)
	assert.Equal(t, created.Agent.ID, snap.AgentID)

	// Unsubscribe settles cleanly and is idempotent at the protocol level.
	r.send(t, protocol.TypeUnsubscribeAgentStream, "req-3", protocol.UnsubscribeAgentStreamRequest{
		SubscriptionID: subResp.SubscriptionID,
	})
	msg = r.conn.nextOfType(t, protocol.TypeUnsubscribeAgentStreamReply)
	assert.Equal(t, "req-3", msg.RequestID)

	r.send(t, protocol.TypeUnsubscribeAgentStream, "req-4", protocol.UnsubscribeAgentStreamRequest{
		SubscriptionID: subResp.SubscriptionID,
	})
	msg = r.conn.nextOfType(t, protocol.TypeRPCError)
	var rpcErr protocol.RPCError
	require.NoError(t, msg.ParsePayload(&rpcErr))
	assert.Equal(t, errors.CodeNotFound, rpcErr.Code)
}

func TestSessionSubscribeStreamAfterShutdownLeavesNoTap(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	snap, err := r.manager.CreateAgent(context.Background(), protocol.CreateAgentRequest{
		Provider: "mock",
		Cwd:      r.cwd,
	})
	require.NoError(t, err)

	r.session.shutdown(CloseNormal, "")

	msg, err := protocol.NewMessage(protocol.TypeSubscribeAgentStreamRequest,
		protocol.SubscribeAgentStreamRequest{AgentID: snap.ID})
	require.NoError(t, err)
	msg.RequestID = "req-late"
	r.session.handleSubscribeStream(context.Background(), msg)

	r.session.mu.Lock()
	stored := len(r.session.streams)
	r.session.mu.Unlock()
	assert.Zero(t, stored, "stream tap stored after shutdown")
}

func TestSessionVoiceUnsupported(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypeTranscribeAudio, "req-1", protocol.TranscribeAudio{
		AudioB64: "AAAA",
		Format:   "wav",
	})
	msg := r.conn.nextOfType(t, protocol.TypeAck)
	assert.Equal(t, "req-1", msg.RequestID)

	msg = r.conn.nextOfType(t, protocol.TypeRPCError)
	var rpcErr protocol.RPCError
	require.NoError(t, msg.ParsePayload(&rpcErr))
	assert.Equal(t, errors.CodeUnsupported, rpcErr.Code)
}

func TestSessionActivityDisabled(t *testing.T) {
	r := newSessionRig(t, nil)
	r.conn.nextOfType(t, protocol.TypeSessionState)

	r.send(t, protocol.TypeFetchActivityRequest, "req-1", protocol.FetchActivityRequest{Tail: 10})
	msg := r.conn.nextOfType(t, protocol.TypeRPCError)

	var rpcErr protocol.RPCError
	require.NoError(t, msg.ParsePayload(&rpcErr))
	assert.Equal(t, errors.CodeUnsupported, rpcErr.Code)
}

func TestSessionOverflowClosesConnection(t *testing.T) {
	conn := newFakeConn()
	conn.writeGate = make(chan struct{})

	var r *sessionRig
	r = newSessionRigWithConn(t, conn, 4)

	// The writer is stuck on the gate; criticals pile up until one cannot
	// fit and the session hard-closes.
	for i := 0; i < 16; i++ {
		r.session.sendEvent(protocol.TypeAgentDeleted, protocol.AgentDeleted{AgentID: "x"}, true)
	}

	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on critical overflow")
	}
	code, reason := conn.closeInfo()
	assert.Equal(t, CloseInternalError, code)
	assert.Equal(t, "outbox overflow", reason)
	close(conn.writeGate)
}

func TestSessionDropsStreamDeltasUnderBackpressure(t *testing.T) {
	conn := newFakeConn()
	conn.writeGate = make(chan struct{})

	r := newSessionRigWithConn(t, conn, 4)

	row := func(itemType string) protocol.AgentStream {
		return protocol.AgentStream{
			AgentID: "a1",
			Event: protocol.TimelineRow{
				Item: protocol.TimelineItem{Type: itemType, Text: "x"},
			},
		}
	}

	// Way more message deltas than the outbox holds, then one tool row.
	for i := 0; i < 32; i++ {
		r.session.enqueueStreamRow(row(protocol.ItemAssistantMessage))
	}
	r.session.enqueueStreamRow(row(protocol.ItemToolCall))
	close(conn.writeGate)

	// The session survives, deltas were shed, and the tool row is the last
	// stream frame out.
	var last protocol.AgentStream
	deadline := time.After(2 * time.Second)
	seen := 0
	for {
		var data []byte
		select {
		case data = <-conn.out:
		case <-deadline:
			data = nil
		}
		if data == nil {
			break
		}
		msg, err := protocol.DecodeMessage(data)
		require.NoError(t, err)
		if msg.Type != protocol.TypeAgentStream {
			continue
		}
		seen++
		require.NoError(t, msg.ParsePayload(&last))
		if last.Event.Item.Type == protocol.ItemToolCall {
			break
		}
	}

	select {
	case <-conn.closed:
		t.Fatal("shedding deltas must not close the session")
	default:
	}
	assert.Less(t, seen, 33)
	assert.Equal(t, protocol.ItemToolCall, last.Event.Item.Type)
	assert.Greater(t, r.session.out.droppedCount(), uint64(0))
}

// newSessionRigWithConn wires a rig around a caller-supplied transport and
// outbox size.
func newSessionRigWithConn(t *testing.T, conn *fakeConn, outboxSize int) *sessionRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), store.TimelineOptions{Logger: log}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	factory := providertest.NewFactory()
	preg := provider.NewRegistry()
	preg.RegisterFactory(provider.BindingStreamJSON, factory)

	eb := bus.NewMemoryEventBus(log)
	mgr := manager.NewManager(manager.Deps{
		Store:           st,
		Providers:       preg,
		Broker:          permission.NewBroker(),
		Bus:             eb,
		Catalog:         catalog.New(preg, time.Minute, log),
		Logger:          log,
		DefaultProvider: "mock",
	})
	t.Cleanup(mgr.Shutdown)

	reg := NewRegistry(0)
	s := Attach(conn, Deps{
		Manager:    mgr,
		Bus:        eb,
		Guard:      guard.New(log),
		Registry:   reg,
		Logger:     log,
		ServerID:   "srv-test",
		OutboxSize: outboxSize,
	})
	go s.Run()
	t.Cleanup(func() { s.shutdown(CloseNormal, "") })

	return &sessionRig{conn: conn, session: s, reg: reg, manager: mgr, bus: eb, cwd: t.TempDir()}
}
